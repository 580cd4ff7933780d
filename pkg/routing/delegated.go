package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ProvidersPath is the routing API path prefix shared by the HTTP server and HTTPRouter.
const ProvidersPath = "/routing/v1/providers/"

// ProvidersResponse is the body returned by a provider lookup on the routing API.
type ProvidersResponse struct {
	Providers []peer.AddrInfo `json:"Providers"`
}

// StatusError is returned when the routing API answers with an unexpected status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Body)
}

type HTTPRouterConfig struct {
	Client         *http.Client
	Name           string
	Attempts       uint
	RetryDelay     time.Duration
	DefaultTimeout time.Duration
	Username       string
	Password       string
}

func (cfg *HTTPRouterConfig) Apply(opts ...HTTPRouterOption) error {
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

type HTTPRouterOption func(cfg *HTTPRouterConfig) error

func WithHTTPClient(client *http.Client) HTTPRouterOption {
	return func(cfg *HTTPRouterConfig) error {
		cfg.Client = client
		return nil
	}
}

func WithName(name string) HTTPRouterOption {
	return func(cfg *HTTPRouterConfig) error {
		cfg.Name = name
		return nil
	}
}

func WithAttempts(attempts uint) HTTPRouterOption {
	return func(cfg *HTTPRouterConfig) error {
		if attempts == 0 {
			return errors.New("attempts has to be at least one")
		}
		cfg.Attempts = attempts
		return nil
	}
}

func WithRetryDelay(delay time.Duration) HTTPRouterOption {
	return func(cfg *HTTPRouterConfig) error {
		cfg.RetryDelay = delay
		return nil
	}
}

func WithDefaultTimeout(timeout time.Duration) HTTPRouterOption {
	return func(cfg *HTTPRouterConfig) error {
		cfg.DefaultTimeout = timeout
		return nil
	}
}

func WithBasicAuth(username, password string) HTTPRouterOption {
	return func(cfg *HTTPRouterConfig) error {
		cfg.Username = username
		cfg.Password = password
		return nil
	}
}

var _ ContentRouter = &HTTPRouter{}

// HTTPRouter delegates content routing to a remote routing API.
type HTTPRouter struct {
	client         *http.Client
	endpoint       *url.URL
	name           string
	attempts       uint
	retryDelay     time.Duration
	defaultTimeout time.Duration
	username       string
	password       string
}

func NewHTTPRouter(endpoint string, opts ...HTTPRouterOption) (*HTTPRouter, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("could not parse routing endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("routing endpoint %s must use http or https", endpoint)
	}
	cfg := HTTPRouterConfig{
		Client:         &http.Client{},
		Name:           "delegated-" + u.Host,
		Attempts:       3,
		RetryDelay:     100 * time.Millisecond,
		DefaultTimeout: 10 * time.Second,
	}
	err = cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	return &HTTPRouter{
		client:         cfg.Client,
		endpoint:       u,
		name:           cfg.Name,
		attempts:       cfg.Attempts,
		retryDelay:     cfg.RetryDelay,
		defaultTimeout: cfg.DefaultTimeout,
		username:       cfg.Username,
		password:       cfg.Password,
	}, nil
}

func (r *HTTPRouter) Name() string {
	return r.name
}

func (r *HTTPRouter) FindProviders(ctx context.Context, key cid.Cid, opts QueryOptions) ([]peer.AddrInfo, error) {
	timeout := opts.TimeoutOr(r.defaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := r.providersURL(key)
	q := url.Values{}
	q.Set("timeout", timeout.String())
	if opts.MaxProviders > 0 {
		q.Set("limit", strconv.Itoa(opts.MaxProviders))
	}
	u.RawQuery = q.Encode()

	log := logr.FromContextOrDiscard(ctx).WithValues("router", r.name, "url", u.String())
	var providers []peer.AddrInfo
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Accept", "application/json")
			r.setAuth(req)
			resp, err := r.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusOK:
				body := ProvidersResponse{}
				if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
					return retry.Unrecoverable(fmt.Errorf("could not decode providers: %w", err))
				}
				providers = body.Providers
				return nil
			case http.StatusNotFound:
				providers = nil
				return nil
			default:
				return statusError(resp)
			}
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.retryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.V(4).Info("retrying provider lookup", "attempt", n+1, "err", err.Error())
		}),
	)
	if err != nil {
		return nil, err
	}
	return providers, nil
}

func (r *HTTPRouter) Provide(ctx context.Context, key cid.Cid) error {
	u := r.providersURL(key)
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			r.setAuth(req)
			resp, err := r.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
				return statusError(resp)
			}
			_, err = io.Copy(io.Discard, resp.Body)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.retryDelay),
		retry.LastErrorOnly(true),
	)
}

func (r *HTTPRouter) providersURL(key cid.Cid) *url.URL {
	return r.endpoint.JoinPath(ProvidersPath, key.String())
}

func (r *HTTPRouter) setAuth(req *http.Request) {
	if r.username == "" && r.password == "" {
		return
	}
	req.SetBasicAuth(r.username, r.password)
}

// statusError fails fast on client errors and lets server errors be retried.
func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Unrecoverable(err)
	}
	return err
}
