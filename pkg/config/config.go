package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"contentrouting/pkg/routing"
)

// Duration is a time.Duration written as a string such as "90s" in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	RouterAddr     string            `toml:"router_addr"`
	APIAddr        string            `toml:"api_addr"`
	MetricsAddr    string            `toml:"metrics_addr"`
	DataDir        string            `toml:"data_dir"`
	ProtocolPrefix string            `toml:"protocol_prefix"`
	Bootstrap      BootstrapConfig   `toml:"bootstrap"`
	Delegated      []DelegatedConfig `toml:"delegated"`
	Static         []StaticProvider  `toml:"static"`
	Provide        ProvideConfig     `toml:"provide"`
	Cache          CacheConfig       `toml:"cache"`
	QueryTimeout   Duration          `toml:"query_timeout"`
	DisableDHT     bool              `toml:"disable_dht"`
}

type BootstrapConfig struct {
	Kind   string   `toml:"kind"`
	Domain string   `toml:"domain"`
	Server string   `toml:"server"`
	Peers  []string `toml:"peers"`
	Limit  int      `toml:"limit"`
}

type DelegatedConfig struct {
	Name     string   `toml:"name"`
	Endpoint string   `toml:"endpoint"`
	Attempts uint     `toml:"attempts"`
	Timeout  Duration `toml:"timeout"`
	Cache    bool     `toml:"cache"`
}

// CacheConfig applies to delegated routers that enable caching.
type CacheConfig struct {
	Size int      `toml:"size"`
	TTL  Duration `toml:"ttl"`
}

// StaticProvider pins the providers of a key.
type StaticProvider struct {
	Key   string   `toml:"key"`
	Peers []string `toml:"peers"`
}

type ProvideConfig struct {
	Keys     []string `toml:"keys"`
	Interval Duration `toml:"interval"`
}

func Default() Config {
	return Config{
		RouterAddr:     ":5001",
		APIAddr:        ":5000",
		MetricsAddr:    ":9090",
		DataDir:        "/var/lib/contentrouting",
		ProtocolPrefix: routing.DefaultProtocolPrefix,
		QueryTimeout:   Duration(30 * time.Second),
		Bootstrap: BootstrapConfig{
			Kind:  "static",
			Limit: 10,
		},
		Cache: CacheConfig{
			Size: 1024,
			TTL:  Duration(routing.KeyTTL),
		},
		Provide: ProvideConfig{
			Interval: Duration(routing.KeyTTL - time.Minute),
		},
	}
}

// Load reads a TOML file on top of the defaults. Unknown fields are rejected.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("could not read configuration: %w", err)
	}
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	err = dec.Decode(&cfg)
	if err != nil {
		var strictErr *toml.StrictMissingError
		if errors.As(err, &strictErr) {
			return Config{}, fmt.Errorf("unknown configuration fields: %s", strictErr.String())
		}
		return Config{}, fmt.Errorf("could not decode configuration %s: %w", path, err)
	}
	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidationError describes a single invalid field.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	errs := []error{}
	if !c.DisableDHT {
		errs = append(errs, validateAddr("router_addr", c.RouterAddr)...)
	}
	errs = append(errs, validateAddr("api_addr", c.APIAddr)...)
	if c.MetricsAddr != "" {
		errs = append(errs, validateAddr("metrics_addr", c.MetricsAddr)...)
	}
	if c.QueryTimeout < 0 {
		errs = append(errs, ValidationError{Path: "query_timeout", Message: "must not be negative"})
	}

	switch c.Bootstrap.Kind {
	case "static":
		for i, p := range c.Bootstrap.Peers {
			if _, err := ma.NewMultiaddr(p); err != nil {
				errs = append(errs, ValidationError{Path: fmt.Sprintf("bootstrap.peers[%d]", i), Message: err.Error()})
			}
		}
	case "dns":
		if c.Bootstrap.Domain == "" {
			errs = append(errs, ValidationError{Path: "bootstrap.domain", Message: "must not be empty for dns bootstrap"})
		}
	default:
		errs = append(errs, ValidationError{Path: "bootstrap.kind", Message: fmt.Sprintf("unknown bootstrap kind %q", c.Bootstrap.Kind)})
	}

	names := map[string]struct{}{}
	for i, d := range c.Delegated {
		path := fmt.Sprintf("delegated[%d]", i)
		u, err := url.Parse(d.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, ValidationError{Path: path + ".endpoint", Message: fmt.Sprintf("invalid http endpoint %q", d.Endpoint)})
		}
		if d.Timeout < 0 {
			errs = append(errs, ValidationError{Path: path + ".timeout", Message: "must not be negative"})
		}
		if d.Name == "" {
			continue
		}
		if _, ok := names[d.Name]; ok {
			errs = append(errs, ValidationError{Path: path + ".name", Message: fmt.Sprintf("duplicate name %q", d.Name)})
		}
		names[d.Name] = struct{}{}
	}
	if c.Cache.Size <= 0 {
		errs = append(errs, ValidationError{Path: "cache.size", Message: "must be positive"})
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, ValidationError{Path: "cache.ttl", Message: "must not be negative"})
	}

	_, err := c.StaticProviders()
	if err != nil {
		errs = append(errs, err)
	}
	_, err = c.ProvideKeys()
	if err != nil {
		errs = append(errs, err)
	}
	if c.Provide.Interval <= 0 {
		errs = append(errs, ValidationError{Path: "provide.interval", Message: "must be positive"})
	}
	return errors.Join(errs...)
}

// StaticProviders returns the pinned providers keyed by content key.
func (c Config) StaticProviders() (map[cid.Cid][]peer.AddrInfo, error) {
	providers := map[cid.Cid][]peer.AddrInfo{}
	errs := []error{}
	for i, s := range c.Static {
		path := fmt.Sprintf("static[%d]", i)
		key, err := routing.ParseKey(s.Key)
		if err != nil {
			errs = append(errs, ValidationError{Path: path + ".key", Message: err.Error()})
			continue
		}
		for j, p := range s.Peers {
			addrInfo, err := peer.AddrInfoFromString(p)
			if err != nil {
				errs = append(errs, ValidationError{Path: fmt.Sprintf("%s.peers[%d]", path, j), Message: err.Error()})
				continue
			}
			providers[key] = append(providers[key], *addrInfo)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return providers, nil
}

// ProvideKeys returns the keys the node announces on start.
func (c Config) ProvideKeys() ([]cid.Cid, error) {
	keys := []cid.Cid{}
	errs := []error{}
	for i, s := range c.Provide.Keys {
		key, err := routing.ParseKey(s)
		if err != nil {
			errs = append(errs, ValidationError{Path: fmt.Sprintf("provide.keys[%d]", i), Message: err.Error()})
			continue
		}
		keys = append(keys, key)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return keys, nil
}

func validateAddr(path, addr string) []error {
	if addr == "" {
		return []error{ValidationError{Path: path, Message: "must not be empty"}}
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return []error{ValidationError{Path: path, Message: err.Error()}}
	}
	return nil
}
