package routing

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"

	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

// funcRouter is a content router assembled from functions.
type funcRouter struct {
	name    string
	find    func(ctx context.Context, key cid.Cid, opts QueryOptions) ([]peer.AddrInfo, error)
	provide func(ctx context.Context, key cid.Cid) error
}

func (f *funcRouter) Name() string {
	return f.name
}

func (f *funcRouter) FindProviders(ctx context.Context, key cid.Cid, opts QueryOptions) ([]peer.AddrInfo, error) {
	if f.find == nil {
		return nil, nil
	}
	return f.find(ctx, key, opts)
}

func (f *funcRouter) Provide(ctx context.Context, key cid.Cid) error {
	if f.provide == nil {
		return nil
	}
	return f.provide(ctx, key)
}

type unnamedRouter struct{}

func (unnamedRouter) FindProviders(context.Context, cid.Cid, QueryOptions) ([]peer.AddrInfo, error) {
	return nil, nil
}

func (unnamedRouter) Provide(context.Context, cid.Cid) error {
	return nil
}

// callLog records the order in which routers are invoked.
type callLog struct {
	mx    sync.Mutex
	calls []string
}

func (c *callLog) add(name string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.calls = append(c.calls, name)
}

func (c *callLog) get() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]string{}, c.calls...)
}

func newAddrInfo(t *testing.T, addr string) peer.AddrInfo {
	t.Helper()
	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(privKey)
	require.NoError(t, err)
	return peer.AddrInfo{ID: id, Addrs: []ma.Multiaddr{ma.StringCast(addr)}}
}

func newKey(t *testing.T, s string) cid.Cid {
	t.Helper()
	c, err := KeyFromString(s)
	require.NoError(t, err)
	return c
}

func TestName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "memory", Name(NewMemoryRouter(nil, peer.AddrInfo{})))
	require.Equal(t, "aggregator", Name(NewAggregator(Modules{})))

	require.Equal(t, "foo", Name(&funcRouter{name: "foo"}))
	require.Equal(t, "routing.unnamedRouter", Name(unnamedRouter{}))
}

func TestQueryOptions(t *testing.T) {
	t.Parallel()

	require.Equal(t, QueryOptions{MaxTimeout: 3}, Timeout(3))
	require.Equal(t, int64(7), int64(QueryOptions{}.TimeoutOr(7)))
	require.Equal(t, int64(3), int64(Timeout(3).TimeoutOr(7)))
	require.Equal(t, DefaultMaxProviders, QueryOptions{}.ProvidersOr(DefaultMaxProviders))
	require.Equal(t, 2, QueryOptions{MaxProviders: 2}.ProvidersOr(DefaultMaxProviders))
}
