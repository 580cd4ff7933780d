package routing

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Bootstrapper supplies the peers a DHT joins the network through.
type Bootstrapper interface {
	// Run blocks until the context is done. id is the full p2p address of the local host.
	Run(ctx context.Context, id string) error
	// Get returns the current bootstrap peers. Peers may lack an ID or a port.
	Get(ctx context.Context) ([]peer.AddrInfo, error)
}

var _ Bootstrapper = &StaticBootstrapper{}

type StaticBootstrapper struct {
	peers []peer.AddrInfo
}

func NewStaticBootstrapper(peers []peer.AddrInfo) *StaticBootstrapper {
	return &StaticBootstrapper{
		peers: peers,
	}
}

// NewStaticBootstrapperFromStrings parses multiaddrs, with or without a /p2p component.
func NewStaticBootstrapperFromStrings(peerStrs []string) (*StaticBootstrapper, error) {
	peers := []peer.AddrInfo{}
	for _, s := range peerStrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("could not parse bootstrap peer %s: %w", s, err)
		}
		addrInfo, err := peer.AddrInfoFromP2pAddr(addr)
		if errors.Is(err, peer.ErrInvalidAddr) {
			peers = append(peers, peer.AddrInfo{Addrs: []ma.Multiaddr{addr}})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("could not parse bootstrap peer %s: %w", s, err)
		}
		peers = append(peers, *addrInfo)
	}
	return NewStaticBootstrapper(peers), nil
}

func (b *StaticBootstrapper) Run(ctx context.Context, id string) error {
	<-ctx.Done()
	return nil
}

func (b *StaticBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	return b.peers, nil
}

var _ Bootstrapper = &DNSBootstrapper{}

// DNSBootstrapper resolves bootstrap peers from the A and AAAA records of a domain.
type DNSBootstrapper struct {
	client *dns.Client
	domain string
	server string
	limit  int
}

// NewDNSBootstrapper returns a bootstrapper that asks server, or the first resolver in
// /etc/resolv.conf when server is empty, for at most limit peers.
func NewDNSBootstrapper(domain, server string, limit int) *DNSBootstrapper {
	return &DNSBootstrapper{
		client: &dns.Client{},
		domain: domain,
		server: server,
		limit:  limit,
	}
}

func (b *DNSBootstrapper) Run(ctx context.Context, id string) error {
	<-ctx.Done()
	return nil
}

func (b *DNSBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("domain", b.domain)
	server, err := b.resolver()
	if err != nil {
		return nil, err
	}

	addrInfos := []peer.AddrInfo{}
	errs := []error{}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(b.domain), qtype)
		msg.RecursionDesired = true
		in, _, err := b.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			errs = append(errs, fmt.Errorf("could not query %s records: %w", dns.TypeToString[qtype], err))
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			log.V(4).Info("dns lookup unsuccessful", "type", dns.TypeToString[qtype], "rcode", dns.RcodeToString[in.Rcode])
			continue
		}
		for _, rr := range in.Answer {
			var ip net.IP
			switch v := rr.(type) {
			case *dns.A:
				ip = v.A
			case *dns.AAAA:
				ip = v.AAAA
			default:
				continue
			}
			addr, err := manet.FromIP(ip)
			if err != nil {
				return nil, err
			}
			addrInfos = append(addrInfos, peer.AddrInfo{Addrs: []ma.Multiaddr{addr}})
			if b.limit > 0 && len(addrInfos) >= b.limit {
				return addrInfos, nil
			}
		}
	}
	if len(addrInfos) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return addrInfos, nil
}

func (b *DNSBootstrapper) resolver() (string, error) {
	if b.server != "" {
		return b.server, nil
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("could not read resolver configuration: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return "", errors.New("no dns servers configured")
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port), nil
}
