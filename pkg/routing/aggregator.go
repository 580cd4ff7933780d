package routing

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-logr/logr"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"contentrouting/pkg/metrics"
)

var _ ContentRouter = &Aggregator{}

// Aggregator presents several content routers as a single one.
// Lookups ask the routers one at a time in order and stop at the first non-empty answer.
// Announcements go to every router at once.
type Aggregator struct {
	backends []ContentRouter
}

// NewAggregator captures the routers of the node. Later changes to the node are not observed.
func NewAggregator(node Node) *Aggregator {
	return &Aggregator{
		backends: Backends(node),
	}
}

func (a *Aggregator) Name() string {
	return "aggregator"
}

// Backends returns the routers in search order.
func (a *Aggregator) Backends() []ContentRouter {
	return slices.Clone(a.backends)
}

// FindProviders asks each router in turn for providers of key.
//
// A router that fails or has no providers does not end the search. When no router has
// providers an empty result is returned, unless one of the routers failed, in which case
// the most recent failure is returned instead.
func (a *Aggregator) FindProviders(ctx context.Context, key cid.Cid, opts QueryOptions) ([]peer.AddrInfo, error) {
	if len(a.backends) == 0 {
		return nil, ErrNoBackendsAvailable
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("key", key.String())

	tasks := make([]func(context.Context) ([]peer.AddrInfo, error), 0, len(a.backends))
	for _, backend := range a.backends {
		name := Name(backend)
		tasks = append(tasks, func(ctx context.Context) ([]peer.AddrInfo, error) {
			timer := prometheus.NewTimer(metrics.ResolveDurHistogram.WithLabelValues(name))
			providers, err := backend.FindProviders(ctx, key, opts)
			timer.ObserveDuration()
			switch {
			case errors.Is(err, ErrNotFound), err == nil && len(providers) == 0:
				metrics.FindProvidersTotal.WithLabelValues(name, "not_found").Inc()
				log.V(4).Info("content router has no providers, trying next", "router", name)
				return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
			case err != nil:
				metrics.FindProvidersTotal.WithLabelValues(name, "error").Inc()
				log.V(4).Info("content router failed, trying next", "router", name, "err", err.Error())
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			metrics.FindProvidersTotal.WithLabelValues(name, "found").Inc()
			log.V(4).Info("content router found providers", "router", name, "count", len(providers))
			return providers, nil
		})
	}

	providers, err := TryEach(ctx, isNotFound, tasks...)
	if errors.Is(err, ErrNotFound) {
		return []peer.AddrInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	return providers, nil
}

// Provide announces key to all routers concurrently and waits for all of them.
// It fails if any router fails.
func (a *Aggregator) Provide(ctx context.Context, key cid.Cid) error {
	if len(a.backends) == 0 {
		return ErrNoBackendsAvailable
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("key", key.String())

	errs := make([]error, len(a.backends))
	tasks := make([]func(context.Context) error, 0, len(a.backends))
	for i, backend := range a.backends {
		name := Name(backend)
		tasks = append(tasks, func(ctx context.Context) error {
			err := backend.Provide(ctx, key)
			if err != nil {
				metrics.ProvideTotal.WithLabelValues(name, "error").Inc()
				errs[i] = fmt.Errorf("%s: %w", name, err)
				return errs[i]
			}
			metrics.ProvideTotal.WithLabelValues(name, "success").Inc()
			return nil
		})
	}

	err := Parallel(ctx, tasks...)
	if err != nil {
		combined := multierr.Combine(errs...)
		log.Error(combined, "content routers failed to provide key", "failed", len(multierr.Errors(combined)), "total", len(a.backends))
		return err
	}
	log.V(4).Info("provided key", "routers", len(a.backends))
	return nil
}

// Ready returns true when at least one router is ready. Routers that do not report
// readiness are always considered ready.
func (a *Aggregator) Ready(ctx context.Context) (bool, error) {
	if len(a.backends) == 0 {
		return false, ErrNoBackendsAvailable
	}
	errs := []error{}
	for _, backend := range a.backends {
		r, ok := backend.(Readier)
		if !ok {
			return true, nil
		}
		ready, err := r.Ready(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", Name(backend), err))
			continue
		}
		if ready {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
