package routing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/sec"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/spf13/afero"

	"contentrouting/pkg/metrics"
)

const (
	// KeyTTL is how long provider records are kept by the DHT before they have to be announced again.
	KeyTTL = 2 * time.Minute
	// DefaultProtocolPrefix separates this DHT from the public IPFS DHT.
	DefaultProtocolPrefix = "/contentrouting"
)

type P2PRouterConfig struct {
	Filesystem     afero.Fs
	DataDir        string
	ProtocolPrefix string
	QueryTimeout   time.Duration
	Libp2pOpts     []libp2p.Option
}

func (cfg *P2PRouterConfig) Apply(opts ...P2PRouterOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type P2PRouterOption func(cfg *P2PRouterConfig) error

func WithLibP2POptions(opts ...libp2p.Option) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.Libp2pOpts = opts
		return nil
	}
}

func WithDataDir(dataDir string) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.DataDir = dataDir
		return nil
	}
}

func WithFilesystem(fs afero.Fs) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.Filesystem = fs
		return nil
	}
}

func WithProtocolPrefix(prefix string) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.ProtocolPrefix = prefix
		return nil
	}
}

func WithQueryTimeout(timeout time.Duration) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.QueryTimeout = timeout
		return nil
	}
}

var (
	_ ContentRouter = &P2PRouter{}
	_ Readier       = &P2PRouter{}
)

// P2PRouter is a content router backed by a libp2p Kademlia DHT.
type P2PRouter struct {
	bootstrapper Bootstrapper
	host         host.Host
	kdht         *dht.IpfsDHT
	rd           *routing.RoutingDiscovery
	queryTimeout time.Duration
}

func NewP2PRouter(ctx context.Context, addr string, bs Bootstrapper, opts ...P2PRouterOption) (*P2PRouter, error) {
	cfg := P2PRouterConfig{
		Filesystem:     afero.NewOsFs(),
		ProtocolPrefix: DefaultProtocolPrefix,
		QueryTimeout:   30 * time.Second,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	multiAddrs, err := listenMultiaddrs(addr)
	if err != nil {
		return nil, err
	}
	libp2pOpts := []libp2p.Option{
		libp2p.ListenAddrs(multiAddrs...),
		libp2p.PrometheusRegisterer(metrics.DefaultRegisterer),
		libp2p.AddrsFactory(preferredAddrs),
	}
	if cfg.DataDir != "" {
		peerKey, err := loadOrCreatePrivateKey(ctx, cfg.Filesystem, cfg.DataDir)
		if err != nil {
			return nil, err
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(peerKey))
	}
	libp2pOpts = append(libp2pOpts, cfg.Libp2pOpts...)
	host, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not create host: %w", err)
	}
	if len(host.Addrs()) == 0 {
		return nil, errors.Join(errors.New("host has no usable address"), host.Close())
	}

	dhtOpts := []dht.Option{
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(protocol.ID(cfg.ProtocolPrefix)),
		dht.DisableValues(),
		dht.MaxRecordAge(KeyTTL),
		dht.BootstrapPeersFunc(bootstrapFunc(ctx, bs, host)),
	}
	kdht, err := dht.New(ctx, host, dhtOpts...)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("could not create distributed hash table: %w", err), host.Close())
	}
	rd := routing.NewRoutingDiscovery(kdht)

	return &P2PRouter{
		bootstrapper: bs,
		host:         host,
		kdht:         kdht,
		rd:           rd,
		queryTimeout: cfg.QueryTimeout,
	}, nil
}

func (r *P2PRouter) Name() string {
	return "dht"
}

// Self returns the address information of the local host.
func (r *P2PRouter) Self() peer.AddrInfo {
	return *host.InfoFromHost(r.host)
}

// Run bootstraps the DHT and blocks until the context is done. The host is closed on return.
func (r *P2PRouter) Run(ctx context.Context) (err error) {
	self := fmt.Sprintf("%s/p2p/%s", r.host.Addrs()[0].String(), r.host.ID().String())
	logr.FromContextOrDiscard(ctx).WithName("p2p").Info("starting p2p router", "id", self)
	if err := r.kdht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("could not bootstrap distributed hash table: %w", err)
	}
	defer func() {
		cerr := errors.Join(r.kdht.Close(), r.host.Close())
		if cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	err = r.bootstrapper.Run(ctx, self)
	if err != nil {
		return err
	}
	return nil
}

func (r *P2PRouter) Ready(ctx context.Context) (bool, error) {
	addrInfos, err := r.bootstrapper.Get(ctx)
	if err != nil {
		return false, err
	}
	if len(addrInfos) == 0 {
		return false, nil
	}
	if len(addrInfos) == 1 {
		matches, err := hostMatches(*host.InfoFromHost(r.host), addrInfos[0])
		if err != nil {
			return false, err
		}
		if matches {
			return true, nil
		}
	}
	if r.kdht.RoutingTable().Size() > 0 {
		return true, nil
	}
	err = r.kdht.Bootstrap(ctx)
	if err != nil {
		return false, err
	}
	return false, nil
}

// FindProviders walks the DHT until it has collected enough providers or the query times out.
// A timeout only ends the walk, it is not an error. The local host is never returned.
func (r *P2PRouter) FindProviders(ctx context.Context, key cid.Cid, opts QueryOptions) ([]peer.AddrInfo, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("host", r.host.ID().String(), "key", key.String())
	queryCtx, cancel := context.WithTimeout(ctx, opts.TimeoutOr(r.queryTimeout))
	defer cancel()

	count := opts.ProvidersOr(DefaultMaxProviders)
	providers := []peer.AddrInfo{}
	for addrInfo := range r.rd.FindProvidersAsync(queryCtx, key, count) {
		if addrInfo.ID == r.host.ID() {
			continue
		}
		log.V(4).Info("received provider", "peerID", addrInfo.ID.String(), "numAddrs", len(addrInfo.Addrs))
		providers = append(providers, addrInfo)
	}
	if len(providers) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return providers, nil
}

func (r *P2PRouter) Provide(ctx context.Context, key cid.Cid) error {
	err := r.rd.Provide(ctx, key, true)
	if err != nil {
		return fmt.Errorf("could not provide %s: %w", key, err)
	}
	return nil
}

// preferredAddrs announces a single address: a non loopback IPv6 address, then IPv4, then loopback.
func preferredAddrs(addrs []ma.Multiaddr) []ma.Multiaddr {
	var ip4Ma, ip6Ma, loopbackMa ma.Multiaddr
	for _, addr := range addrs {
		if manet.IsIPLoopback(addr) {
			if loopbackMa == nil {
				loopbackMa = addr
			}
			continue
		}
		if isIp6(addr) {
			ip6Ma = addr
			continue
		}
		ip4Ma = addr
	}
	switch {
	case ip6Ma != nil:
		return []ma.Multiaddr{ip6Ma}
	case ip4Ma != nil:
		return []ma.Multiaddr{ip4Ma}
	case loopbackMa != nil:
		return []ma.Multiaddr{loopbackMa}
	default:
		return nil
	}
}

func bootstrapFunc(ctx context.Context, bootstrapper Bootstrapper, h host.Host) func() []peer.AddrInfo {
	log := logr.FromContextOrDiscard(ctx).WithName("p2p")
	return func() []peer.AddrInfo {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer bootstrapCancel()

		hostAddrs := h.Addrs()
		if len(hostAddrs) == 0 {
			return nil
		}
		var hostPort ma.Component
		ma.ForEach(hostAddrs[0], func(c ma.Component) bool {
			if c.Protocol().Code == ma.P_TCP {
				hostPort = c
				return false
			}
			return true
		})

		addrInfos, err := bootstrapper.Get(bootstrapCtx)
		if err != nil {
			log.Error(err, "could not get bootstrap addresses")
			return nil
		}
		filteredAddrInfos := []peer.AddrInfo{}
		for _, addrInfo := range addrInfos {
			// Skip addresses that match host.
			matches, err := hostMatches(*host.InfoFromHost(h), addrInfo)
			if err != nil {
				log.Error(err, "could not compare host with address")
				continue
			}
			if matches {
				log.Info("skipping bootstrap peer that is same as host")
				continue
			}

			addrInfo.Addrs = withPort(addrInfo.Addrs, hostPort)

			// Resolve ID if it is missing.
			if addrInfo.ID != "" {
				filteredAddrInfos = append(filteredAddrInfos, addrInfo)
				continue
			}
			addrInfo.ID = "id"
			err = h.Connect(bootstrapCtx, addrInfo)
			var mismatchErr sec.ErrPeerIDMismatch
			if !errors.As(err, &mismatchErr) {
				log.Error(err, "could not get peer id")
				continue
			}
			addrInfo.ID = mismatchErr.Actual
			filteredAddrInfos = append(filteredAddrInfos, addrInfo)
		}
		if len(filteredAddrInfos) == 0 {
			log.Info("no bootstrap nodes found")
			return nil
		}
		return filteredAddrInfos
	}
}

// withPort adds the host TCP port to addresses that do not carry one.
func withPort(addrs []ma.Multiaddr, port ma.Component) []ma.Multiaddr {
	modifiedAddrs := []ma.Multiaddr{}
	for _, addr := range addrs {
		hasPort := false
		ma.ForEach(addr, func(c ma.Component) bool {
			if c.Protocol().Code == ma.P_TCP {
				hasPort = true
				return false
			}
			return true
		})
		if hasPort {
			modifiedAddrs = append(modifiedAddrs, addr)
			continue
		}
		modifiedAddrs = append(modifiedAddrs, ma.Join(addr, &port))
	}
	return modifiedAddrs
}

func listenMultiaddrs(addr string) ([]ma.Multiaddr, error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	tcpComp, err := ma.NewMultiaddr(fmt.Sprintf("/tcp/%s", p))
	if err != nil {
		return nil, err
	}
	ipComps := []ma.Multiaddr{}
	ip := net.ParseIP(h)
	if ip.To4() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	} else if ip.To16() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip6/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	}
	if len(ipComps) == 0 {
		ipComps = []ma.Multiaddr{manet.IP6Unspecified, manet.IP4Unspecified}
	}
	multiAddrs := []ma.Multiaddr{}
	for _, ipComp := range ipComps {
		multiAddrs = append(multiAddrs, ipComp.Encapsulate(tcpComp))
	}
	return multiAddrs, nil
}

func isIp6(m ma.Multiaddr) bool {
	c, _ := ma.SplitFirst(m)
	if c == nil || c.Protocol().Code != ma.P_IP6 {
		return false
	}
	return true
}

func hostMatches(host, addrInfo peer.AddrInfo) (bool, error) {
	// Skip self when address ID matches host ID.
	if host.ID != "" && addrInfo.ID != "" {
		return host.ID == addrInfo.ID, nil
	}

	// Skip self when IP matches
	hostIP, err := manet.ToIP(host.Addrs[0])
	if err != nil {
		return false, err
	}
	for _, addr := range addrInfo.Addrs {
		addrIP, err := manet.ToIP(addr)
		if err != nil {
			return false, err
		}
		if hostIP.Equal(addrIP) {
			return true, nil
		}
	}

	return false, nil
}

func loadOrCreatePrivateKey(ctx context.Context, fs afero.Fs, dataDir string) (crypto.PrivKey, error) { //nolint: ireturn // LibP2P returns interfaces so we also have to.
	keyPath := filepath.Join(dataDir, "private.key")
	log := logr.FromContextOrDiscard(ctx).WithValues("path", keyPath)
	err := fs.MkdirAll(dataDir, os.FileMode(0o755))
	if err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(fs, keyPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Info("creating a new private key")
		privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, err
		}
		rawBytes, err := privKey.Raw()
		if err != nil {
			return nil, err
		}
		pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(ed25519.PrivateKey(rawBytes))
		if err != nil {
			return nil, err
		}
		block := &pem.Block{
			Type:  "PRIVATE KEY",
			Bytes: pkcs8Bytes,
		}
		err = afero.WriteFile(fs, keyPath, pem.EncodeToMemory(block), os.FileMode(0o600))
		if err != nil {
			return nil, err
		}
		return privKey, nil
	}
	log.Info("loading the private key from data directory")
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("invalid PEM block in private key file")
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	edKey, ok := parsedKey.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an Ed25519 private key")
	}
	privKey, err := crypto.UnmarshalEd25519PrivateKey(edKey)
	if err != nil {
		return nil, err
	}
	return privKey, nil
}
