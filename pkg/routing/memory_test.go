package routing

import (
	"context"
	"testing"

	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestMemoryRouter(t *testing.T) {
	t.Parallel()

	self := newAddrInfo(t, "/ip4/10.0.0.100/tcp/4001")
	peerX := newAddrInfo(t, "/ip4/10.0.0.1/tcp/4001")
	peerY := newAddrInfo(t, "/ip4/10.0.0.2/tcp/4001")
	foo := newKey(t, "foo")
	bar := newKey(t, "bar")

	r := NewMemoryRouter(map[cid.Cid][]peer.AddrInfo{foo: {peerX, peerY, peerX}}, self)

	providers, err := r.FindProviders(context.Background(), foo, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, []peer.AddrInfo{peerX, peerY}, providers)

	providers, err = r.FindProviders(context.Background(), foo, QueryOptions{MaxProviders: 1})
	require.NoError(t, err)
	require.Equal(t, []peer.AddrInfo{peerX}, providers)

	providers, err = r.FindProviders(context.Background(), bar, QueryOptions{})
	require.NoError(t, err)
	require.Empty(t, providers)

	err = r.Provide(context.Background(), bar)
	require.NoError(t, err)
	err = r.Provide(context.Background(), bar)
	require.NoError(t, err)
	providers, ok := r.Lookup(bar)
	require.True(t, ok)
	require.Equal(t, []peer.AddrInfo{self}, providers)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.FindProviders(ctx, foo, QueryOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, r.Provide(ctx, foo), context.Canceled)
}

func TestMemoryRouterWithoutSelf(t *testing.T) {
	t.Parallel()

	r := NewMemoryRouter(nil, peer.AddrInfo{})
	key := newKey(t, "foo")
	require.NoError(t, r.Provide(context.Background(), key))
	_, ok := r.Lookup(key)
	require.False(t, ok)
}
