package routing

import (
	"context"
	"slices"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/golang-lru/v2/expirable"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

var _ ContentRouter = &CachedRouter{}

// CachedRouter remembers non-empty lookups of another router for a limited time.
// Empty results and errors are never cached.
type CachedRouter struct {
	router ContentRouter
	cache  *expirable.LRU[cid.Cid, []peer.AddrInfo]
}

func NewCachedRouter(router ContentRouter, size int, ttl time.Duration) *CachedRouter {
	return &CachedRouter{
		router: router,
		cache:  expirable.NewLRU[cid.Cid, []peer.AddrInfo](size, nil, ttl),
	}
}

func (c *CachedRouter) Name() string {
	return "cached-" + Name(c.router)
}

// FindProviders always asks the inner router without a provider limit so that a cached
// entry can serve any later limit. The limit is applied to the returned copy.
func (c *CachedRouter) FindProviders(ctx context.Context, key cid.Cid, opts QueryOptions) ([]peer.AddrInfo, error) {
	providers, ok := c.cache.Get(key)
	if ok {
		logr.FromContextOrDiscard(ctx).V(4).Info("provider cache hit", "router", c.Name(), "key", key.String())
	} else {
		unlimited := opts
		unlimited.MaxProviders = 0
		var err error
		providers, err = c.router.FindProviders(ctx, key, unlimited)
		if err != nil {
			return nil, err
		}
		if len(providers) == 0 {
			return providers, nil
		}
		c.cache.Add(key, slices.Clone(providers))
	}
	limit := min(opts.ProvidersOr(len(providers)), len(providers))
	return slices.Clone(providers[:limit]), nil
}

func (c *CachedRouter) Provide(ctx context.Context, key cid.Cid) error {
	return c.router.Provide(ctx, key)
}

func (c *CachedRouter) Ready(ctx context.Context) (bool, error) {
	if r, ok := c.router.(Readier); ok {
		return r.Ready(ctx)
	}
	return true, nil
}
