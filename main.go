package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"contentrouting/pkg/config"
	"contentrouting/pkg/metrics"
	"contentrouting/pkg/routing"
	"contentrouting/pkg/server"
	"contentrouting/pkg/state"
)

type RouterCmd struct {
	ConfigPath  string `arg:"--config,env:CONFIG_PATH" help:"Path to a TOML configuration file."`
	RouterAddr  string `arg:"--router-addr,env:ROUTER_ADDR" help:"Address to serve the DHT on, overrides the configuration file."`
	APIAddr     string `arg:"--api-addr,env:API_ADDR" help:"Address to serve the routing API on, overrides the configuration file."`
	MetricsAddr string `arg:"--metrics-addr,env:METRICS_ADDR" help:"Address to serve metrics on, overrides the configuration file."`
	DataDir     string `arg:"--data-dir,env:DATA_DIR" help:"Directory where the node persists data, overrides the configuration file."`
}

type FindCmd struct {
	Endpoint string        `arg:"--endpoint,env:ENDPOINT" default:"http://localhost:5000" help:"Routing API of a running node."`
	Timeout  time.Duration `arg:"--timeout,env:TIMEOUT" default:"10s" help:"Max duration spent finding providers."`
	Limit    int           `arg:"--limit,env:LIMIT" default:"20" help:"Max amount of providers to return."`
	Key      string        `arg:"positional,required" help:"CID, digest or string to find providers for."`
}

type ProvideCmd struct {
	Endpoint string   `arg:"--endpoint,env:ENDPOINT" default:"http://localhost:5000" help:"Routing API of a running node."`
	Keys     []string `arg:"positional,required" help:"CIDs, digests or strings to announce."`
}

type Arguments struct {
	Router   *RouterCmd  `arg:"subcommand:router"`
	Find     *FindCmd    `arg:"subcommand:find"`
	Provide  *ProvideCmd `arg:"subcommand:provide"`
	LogLevel slog.Level  `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
	log.Info("gracefully shutdown")
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	switch {
	case args.Router != nil:
		return routerCommand(ctx, args.Router)
	case args.Find != nil:
		return findCommand(ctx, args.Find)
	case args.Provide != nil:
		return provideCommand(ctx, args.Provide)
	default:
		return errors.New("unknown subcommand")
	}
}

func routerCommand(ctx context.Context, args *RouterCmd) (err error) {
	log := logr.FromContextOrDiscard(ctx)
	g, ctx := errgroup.WithContext(ctx)

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	username, password, err := loadBasicAuth()
	if err != nil {
		return err
	}
	metrics.Register()

	// Routers
	modules := routing.Modules{}
	if !cfg.DisableDHT {
		bootstrapper, err := getBootstrapper(cfg.Bootstrap)
		if err != nil {
			return err
		}
		routerOpts := []routing.P2PRouterOption{
			routing.WithDataDir(cfg.DataDir),
			routing.WithProtocolPrefix(cfg.ProtocolPrefix),
			routing.WithQueryTimeout(time.Duration(cfg.QueryTimeout)),
		}
		p2pRouter, err := routing.NewP2PRouter(ctx, cfg.RouterAddr, bootstrapper, routerOpts...)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return p2pRouter.Run(ctx)
		})
		modules.Primary = p2pRouter
	}
	staticProviders, err := cfg.StaticProviders()
	if err != nil {
		return err
	}
	if len(staticProviders) > 0 {
		modules.Routers = append(modules.Routers, routing.NewMemoryRouter(staticProviders, peer.AddrInfo{}))
	}
	for _, d := range cfg.Delegated {
		r, err := newDelegatedRouter(d)
		if err != nil {
			return err
		}
		if d.Cache {
			modules.Routers = append(modules.Routers, routing.NewCachedRouter(r, cfg.Cache.Size, time.Duration(cfg.Cache.TTL)))
			continue
		}
		modules.Routers = append(modules.Routers, r)
	}
	aggregator := routing.NewAggregator(modules)
	backendNames := []string{}
	for _, backend := range aggregator.Backends() {
		backendNames = append(backendNames, routing.Name(backend))
	}
	log.Info("content routers configured", "routers", backendNames)

	// State tracking
	provideKeys, err := cfg.ProvideKeys()
	if err != nil {
		return err
	}
	keys := state.NewKeySet(provideKeys...)
	g.Go(func() error {
		return state.Track(ctx, aggregator, keys, state.WithInterval(time.Duration(cfg.Provide.Interval)))
	})

	// Routing API
	srv, err := server.NewServer(aggregator,
		server.WithLogger(log.WithName("server")),
		server.WithKeySet(keys),
		server.WithBasicAuth(username, password),
	)
	if err != nil {
		return err
	}
	apiSrv := srv.Server(cfg.APIAddr)
	g.Go(func() error {
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	// Metrics
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
		mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
		mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	log.Info("running content router", "api", cfg.APIAddr, "router", cfg.RouterAddr, "keys", keys.Len())
	err = g.Wait()
	if err != nil {
		return err
	}
	return nil
}

func findCommand(ctx context.Context, args *FindCmd) error {
	r, err := newClient(args.Endpoint)
	if err != nil {
		return err
	}
	key, err := routing.ParseKey(args.Key)
	if err != nil {
		return err
	}
	providers, err := r.FindProviders(ctx, key, routing.QueryOptions{MaxTimeout: args.Timeout, MaxProviders: args.Limit})
	if err != nil {
		return err
	}
	if providers == nil {
		providers = []peer.AddrInfo{}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(routing.ProvidersResponse{Providers: providers})
}

func provideCommand(ctx context.Context, args *ProvideCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	r, err := newClient(args.Endpoint)
	if err != nil {
		return err
	}
	errs := []error{}
	for _, s := range args.Keys {
		key, err := routing.ParseKey(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = r.Provide(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("could not announce %s: %w", s, err))
			continue
		}
		log.Info("announced key", "input", s, "key", key.String())
	}
	return errors.Join(errs...)
}

func loadConfig(args *RouterCmd) (config.Config, error) {
	cfg := config.Default()
	if args.ConfigPath != "" {
		var err error
		cfg, err = config.Load(afero.NewOsFs(), args.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
	}
	if args.RouterAddr != "" {
		cfg.RouterAddr = args.RouterAddr
	}
	if args.APIAddr != "" {
		cfg.APIAddr = args.APIAddr
	}
	if args.MetricsAddr != "" {
		cfg.MetricsAddr = args.MetricsAddr
	}
	if args.DataDir != "" {
		cfg.DataDir = args.DataDir
	}
	err := cfg.Validate()
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newDelegatedRouter(cfg config.DelegatedConfig) (*routing.HTTPRouter, error) {
	opts := []routing.HTTPRouterOption{}
	if cfg.Name != "" {
		opts = append(opts, routing.WithName(cfg.Name))
	}
	if cfg.Attempts > 0 {
		opts = append(opts, routing.WithAttempts(cfg.Attempts))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, routing.WithDefaultTimeout(time.Duration(cfg.Timeout)))
	}
	return routing.NewHTTPRouter(cfg.Endpoint, opts...)
}

func newClient(endpoint string) (*routing.HTTPRouter, error) {
	username, password, err := loadBasicAuth()
	if err != nil {
		return nil, err
	}
	return routing.NewHTTPRouter(endpoint, routing.WithBasicAuth(username, password))
}

func getBootstrapper(cfg config.BootstrapConfig) (routing.Bootstrapper, error) { //nolint: ireturn // Return type can be different structs.
	switch cfg.Kind {
	case "dns":
		return routing.NewDNSBootstrapper(cfg.Domain, cfg.Server, cfg.Limit), nil
	case "static":
		return routing.NewStaticBootstrapperFromStrings(cfg.Peers)
	default:
		return nil, fmt.Errorf("unknown bootstrap kind %s", cfg.Kind)
	}
}

func loadBasicAuth() (string, string, error) {
	dirPath := "/etc/secrets/basic-auth"
	username, err := os.ReadFile(filepath.Join(dirPath, "username"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", err
	}
	password, err := os.ReadFile(filepath.Join(dirPath, "password"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", err
	}
	return string(username), string(password), nil
}
