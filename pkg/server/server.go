package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"contentrouting/pkg/metrics"
	"contentrouting/pkg/routing"
	"contentrouting/pkg/state"
)

type ServerConfig struct {
	Log            logr.Logger
	Keys           *state.KeySet
	Username       string
	Password       string
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

func (cfg *ServerConfig) Apply(opts ...ServerOption) error {
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

type ServerOption func(cfg *ServerConfig) error

func WithLogger(log logr.Logger) ServerOption {
	return func(cfg *ServerConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithKeySet records every key announced through the API so that it can be announced again later.
func WithKeySet(keys *state.KeySet) ServerOption {
	return func(cfg *ServerConfig) error {
		cfg.Keys = keys
		return nil
	}
}

func WithBasicAuth(username, password string) ServerOption {
	return func(cfg *ServerConfig) error {
		cfg.Username = username
		cfg.Password = password
		return nil
	}
}

// WithDefaultTimeout sets the lookup timeout used when a request does not carry one.
func WithDefaultTimeout(timeout time.Duration) ServerOption {
	return func(cfg *ServerConfig) error {
		cfg.DefaultTimeout = timeout
		return nil
	}
}

// WithMaxTimeout caps the lookup timeout a request may ask for.
func WithMaxTimeout(timeout time.Duration) ServerOption {
	return func(cfg *ServerConfig) error {
		if timeout <= 0 {
			return errors.New("max timeout has to be positive")
		}
		cfg.MaxTimeout = timeout
		return nil
	}
}

// Server exposes a content router over the routing API.
type Server struct {
	router         routing.ContentRouter
	log            logr.Logger
	keys           *state.KeySet
	username       string
	password       string
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

func NewServer(router routing.ContentRouter, opts ...ServerOption) (*Server, error) {
	if router == nil {
		return nil, errors.New("router cannot be nil")
	}
	cfg := ServerConfig{
		Log:        logr.Discard(),
		MaxTimeout: time.Minute,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		return nil, fmt.Errorf("default timeout %s exceeds max timeout %s", cfg.DefaultTimeout, cfg.MaxTimeout)
	}
	return &Server{
		router:         router,
		log:            cfg.Log,
		keys:           cfg.Keys,
		username:       cfg.Username,
		password:       cfg.Password,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handle("ready", s.readyHandler))
	r.Group(func(r chi.Router) {
		r.Use(s.basicAuth)
		r.Get(routing.ProvidersPath+"*", s.handle("find-providers", s.findProvidersHandler))
		r.Put(routing.ProvidersPath+"*", s.handle("provide", s.provideHandler))
	})
	return r
}

func (s *Server) Server(addr string) *http.Server {
	s.log.Info("starting routing api", "addr", addr)
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) handle(name string, fn func(rw *responseWriter, req *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, handler: name}
		fn(rw, req)

		metrics.HTTPRequestsTotal.WithLabelValues(rw.handler, strconv.Itoa(rw.Status())).Inc()
		kvs := []any{
			"handler", rw.handler,
			"method", req.Method,
			"path", req.URL.Path,
			"status", rw.Status(),
			"duration", time.Since(start).String(),
			"requestID", middleware.GetReqID(req.Context()),
		}
		if rw.Error() != nil && rw.Status() >= http.StatusInternalServerError {
			s.log.Error(rw.Error(), "request failed", kvs...)
			return
		}
		if rw.Error() != nil {
			kvs = append(kvs, "err", rw.Error().Error())
		}
		s.log.V(4).Info("request completed", kvs...)
	}
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if s.username == "" && s.password == "" {
			next.ServeHTTP(w, req)
			return
		}
		username, password, _ := req.BasicAuth()
		if s.username != username || s.password != password {
			rw := &responseWriter{ResponseWriter: w, handler: "auth"}
			rw.WriteError(http.StatusUnauthorized, errors.New("invalid basic authentication"))
			metrics.HTTPRequestsTotal.WithLabelValues(rw.handler, strconv.Itoa(rw.Status())).Inc()
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (s *Server) readyHandler(rw *responseWriter, req *http.Request) {
	readier, ok := s.router.(routing.Readier)
	if !ok {
		rw.WriteHeader(http.StatusOK)
		return
	}
	ready, err := readier.Ready(req.Context())
	if err != nil {
		rw.WriteError(http.StatusServiceUnavailable, fmt.Errorf("could not determine router readiness: %w", err))
		return
	}
	if !ready {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func (s *Server) findProvidersHandler(rw *responseWriter, req *http.Request) {
	key, err := parseKeyParam(req)
	if err != nil {
		rw.WriteError(http.StatusBadRequest, err)
		return
	}
	opts, err := s.queryOptions(req.URL.Query())
	if err != nil {
		rw.WriteError(http.StatusBadRequest, err)
		return
	}

	log := s.log.WithValues("key", key.String(), "requestID", middleware.GetReqID(req.Context()))
	ctx := logr.NewContext(req.Context(), log)
	providers, err := s.router.FindProviders(ctx, key, opts)
	if err != nil {
		rw.WriteError(statusCode(err), fmt.Errorf("could not find providers for %s: %w", key, err))
		return
	}
	if opts.MaxProviders > 0 && len(providers) > opts.MaxProviders {
		providers = providers[:opts.MaxProviders]
	}
	if providers == nil {
		providers = []peer.AddrInfo{}
	}

	status := http.StatusOK
	if len(providers) == 0 {
		status = http.StatusNotFound
	}
	err = rw.WriteJSON(status, routing.ProvidersResponse{Providers: providers})
	if err != nil {
		rw.WriteError(http.StatusInternalServerError, err)
		return
	}
}

func (s *Server) provideHandler(rw *responseWriter, req *http.Request) {
	key, err := parseKeyParam(req)
	if err != nil {
		rw.WriteError(http.StatusBadRequest, err)
		return
	}
	if s.keys != nil && s.keys.Add(key) > 0 {
		s.log.V(4).Info("tracking key for announcement", "key", key.String())
	}

	log := s.log.WithValues("key", key.String(), "requestID", middleware.GetReqID(req.Context()))
	ctx := logr.NewContext(req.Context(), log)
	err = s.router.Provide(ctx, key)
	if err != nil {
		rw.WriteError(statusCode(err), fmt.Errorf("could not provide %s: %w", key, err))
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (s *Server) queryOptions(values url.Values) (routing.QueryOptions, error) {
	opts := routing.QueryOptions{
		MaxTimeout: s.defaultTimeout,
	}
	if v := values.Get("timeout"); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return routing.QueryOptions{}, fmt.Errorf("invalid timeout %q: %w", v, err)
		}
		if timeout <= 0 {
			return routing.QueryOptions{}, fmt.Errorf("timeout %s has to be positive", timeout)
		}
		opts.MaxTimeout = timeout
	}
	if opts.MaxTimeout > s.maxTimeout {
		opts.MaxTimeout = s.maxTimeout
	}
	if v := values.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return routing.QueryOptions{}, fmt.Errorf("invalid limit %q: %w", v, err)
		}
		if limit < 0 {
			return routing.QueryOptions{}, fmt.Errorf("limit %d cannot be negative", limit)
		}
		opts.MaxProviders = limit
	}
	return opts, nil
}

func parseKeyParam(req *http.Request) (cid.Cid, error) {
	raw := chi.URLParam(req, "*")
	s, err := url.PathUnescape(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("invalid key %q: %w", raw, err)
	}
	key, err := routing.ParseKey(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("invalid key %q: %w", s, err)
	}
	return key, nil
}

func statusCode(err error) int {
	if errors.Is(err, routing.ErrNoBackendsAvailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}
