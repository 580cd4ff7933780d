package routing

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestStaticBootstrapperFromStrings(t *testing.T) {
	t.Parallel()

	withID := newAddrInfo(t, "/ip4/10.0.0.1/tcp/4001")
	p2pAddrs, err := peer.AddrInfoToP2pAddrs(&withID)
	require.NoError(t, err)

	bs, err := NewStaticBootstrapperFromStrings([]string{p2pAddrs[0].String(), "/ip4/10.0.0.2/tcp/4001"})
	require.NoError(t, err)
	peers, err := bs.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, withID.ID, peers[0].ID)
	require.Equal(t, "/ip4/10.0.0.1/tcp/4001", peers[0].Addrs[0].String())
	require.Empty(t, peers[1].ID)
	require.Equal(t, "/ip4/10.0.0.2/tcp/4001", peers[1].Addrs[0].String())

	_, err = NewStaticBootstrapperFromStrings([]string{"not-a-multiaddr"})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, bs.Run(ctx, ""))
}

func TestDNSBootstrapper(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			if q.Name != "peers.example.com." {
				m.Rcode = dns.RcodeNameError
				_ = w.WriteMsg(m)
				return
			}
			hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: 60}
			switch q.Qtype {
			case dns.TypeA:
				m.Answer = append(m.Answer,
					&dns.A{Hdr: hdr, A: net.ParseIP("10.0.0.1").To4()},
					&dns.A{Hdr: hdr, A: net.ParseIP("10.0.0.2").To4()},
				)
			case dns.TypeAAAA:
				m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP("fd00::1")})
			}
			_ = w.WriteMsg(m)
		}),
	}
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() {
		_ = srv.ActivateAndServe()
	}()
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("dns server did not start")
	}
	addr := pc.LocalAddr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bs := NewDNSBootstrapper("peers.example.com", addr, 0)
	peers, err := bs.Get(ctx)
	require.NoError(t, err)
	addrs := []string{}
	for _, p := range peers {
		require.Empty(t, p.ID)
		addrs = append(addrs, p.Addrs[0].String())
	}
	require.Equal(t, []string{"/ip4/10.0.0.1", "/ip4/10.0.0.2", "/ip6/fd00::1"}, addrs)

	bs = NewDNSBootstrapper("peers.example.com", addr, 1)
	peers, err = bs.Get(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)

	bs = NewDNSBootstrapper("missing.example.com", addr, 0)
	peers, err = bs.Get(ctx)
	require.NoError(t, err)
	require.Empty(t, peers)
}
