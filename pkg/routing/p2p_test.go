package routing

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestP2PRouter(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, err := NewP2PRouter(context.Background(), "127.0.0.1:0", NewStaticBootstrapper(nil),
		WithFilesystem(fs),
		WithDataDir("/var/lib/contentrouting"),
		WithQueryTimeout(time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.kdht.Close()
		_ = r.host.Close()
	})

	require.Equal(t, "dht", r.Name())
	self := r.Self()
	require.NotEmpty(t, self.ID)
	require.Len(t, self.Addrs, 1)
	require.Contains(t, self.Addrs[0].String(), "/ip4/127.0.0.1/tcp/")

	ok, err := afero.Exists(fs, "/var/lib/contentrouting/private.key")
	require.NoError(t, err)
	require.True(t, ok)

	providers, err := r.FindProviders(context.Background(), newKey(t, "foo"), QueryOptions{MaxTimeout: 500 * time.Millisecond})
	require.NoError(t, err)
	require.Empty(t, providers)

	ready, err := r.Ready(context.Background())
	require.NoError(t, err)
	require.False(t, ready)
}

func TestLoadOrCreatePrivateKey(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	first, err := loadOrCreatePrivateKey(context.Background(), fs, "/data")
	require.NoError(t, err)
	second, err := loadOrCreatePrivateKey(context.Background(), fs, "/data")
	require.NoError(t, err)
	require.True(t, first.Equals(second))

	require.NoError(t, afero.WriteFile(fs, "/broken/private.key", []byte("garbage"), 0o600))
	_, err = loadOrCreatePrivateKey(context.Background(), fs, "/broken")
	require.EqualError(t, err, "invalid PEM block in private key file")
}

func TestListenMultiaddrs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		addr     string
		expected []string
	}{
		{
			name:     "only port",
			addr:     ":5001",
			expected: []string{"/ip6/::/tcp/5001", "/ip4/0.0.0.0/tcp/5001"},
		},
		{
			name:     "ipv4",
			addr:     "10.0.0.1:5001",
			expected: []string{"/ip4/10.0.0.1/tcp/5001"},
		},
		{
			name:     "ipv6",
			addr:     "[fd00::1]:5001",
			expected: []string{"/ip6/fd00::1/tcp/5001"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			multiAddrs, err := listenMultiaddrs(tt.addr)
			require.NoError(t, err)
			addrs := []string{}
			for _, m := range multiAddrs {
				addrs = append(addrs, m.String())
			}
			require.Equal(t, tt.expected, addrs)
		})
	}

	_, err := listenMultiaddrs("5001")
	require.Error(t, err)
}

func TestPreferredAddrs(t *testing.T) {
	t.Parallel()

	loopback := ma.StringCast("/ip4/127.0.0.1/tcp/5001")
	ip4 := ma.StringCast("/ip4/10.0.0.1/tcp/5001")
	ip6 := ma.StringCast("/ip6/fd00::1/tcp/5001")

	tests := []struct {
		name     string
		addrs    []ma.Multiaddr
		expected []ma.Multiaddr
	}{
		{
			name:     "empty",
			addrs:    nil,
			expected: nil,
		},
		{
			name:     "only loopback",
			addrs:    []ma.Multiaddr{loopback},
			expected: []ma.Multiaddr{loopback},
		},
		{
			name:     "ipv4 over loopback",
			addrs:    []ma.Multiaddr{loopback, ip4},
			expected: []ma.Multiaddr{ip4},
		},
		{
			name:     "ipv6 over ipv4",
			addrs:    []ma.Multiaddr{ip4, ip6, loopback},
			expected: []ma.Multiaddr{ip6},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.expected, preferredAddrs(tt.addrs))
		})
	}
}

func TestWithPort(t *testing.T) {
	t.Parallel()

	port, err := ma.NewComponent("tcp", "5001")
	require.NoError(t, err)
	addrs := withPort([]ma.Multiaddr{
		ma.StringCast("/ip4/10.0.0.1"),
		ma.StringCast("/ip4/10.0.0.2/tcp/4001"),
	}, *port)
	require.Len(t, addrs, 2)
	require.Equal(t, "/ip4/10.0.0.1/tcp/5001", addrs[0].String())
	require.Equal(t, "/ip4/10.0.0.2/tcp/4001", addrs[1].String())
}

func TestHostMatches(t *testing.T) {
	t.Parallel()

	self := newAddrInfo(t, "/ip4/10.0.0.1/tcp/5001")
	other := newAddrInfo(t, "/ip4/10.0.0.2/tcp/5001")

	tests := []struct {
		name     string
		addrInfo peer.AddrInfo
		expected bool
	}{
		{
			name:     "same id",
			addrInfo: self,
			expected: true,
		},
		{
			name:     "different id",
			addrInfo: other,
			expected: false,
		},
		{
			name:     "same ip without id",
			addrInfo: peer.AddrInfo{Addrs: []ma.Multiaddr{ma.StringCast("/ip4/10.0.0.1")}},
			expected: true,
		},
		{
			name:     "different ip without id",
			addrInfo: peer.AddrInfo{Addrs: []ma.Multiaddr{ma.StringCast("/ip4/10.0.0.3/tcp/5001")}},
			expected: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			matches, err := hostMatches(self, tt.addrInfo)
			require.NoError(t, err)
			require.Equal(t, tt.expected, matches)
		})
	}
}
