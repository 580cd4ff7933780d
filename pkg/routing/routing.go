package routing

import (
	"context"
	"errors"
	"fmt"

	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	// ErrNoBackendsAvailable is returned when an aggregator has no content routers to ask.
	ErrNoBackendsAvailable = errors.New("no content routers available")
	// ErrNotFound marks a lookup where a router had no providers for the key.
	ErrNotFound = errors.New("not found")
)

// ContentRouter discovers and announces providers of content.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: methods must honor cancellation and deadlines.
// - Empty results: returning no providers and a nil error means the router has no answer.
type ContentRouter interface {
	// FindProviders returns peers that can serve the content defined by the given key.
	FindProviders(ctx context.Context, key cid.Cid, opts QueryOptions) ([]peer.AddrInfo, error)
	// Provide announces that the current node can serve the content.
	Provide(ctx context.Context, key cid.Cid) error
}

// Named is implemented by routers that have a stable name for logs and metrics.
type Named interface {
	Name() string
}

// Readier is implemented by routers that need time before they can answer queries.
type Readier interface {
	Ready(ctx context.Context) (bool, error)
}

// Name returns the name of the router, falling back to its type.
func Name(r ContentRouter) string {
	if n, ok := r.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", r)
}
