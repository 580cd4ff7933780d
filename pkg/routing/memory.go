package routing

import (
	"context"
	"slices"
	"sync"

	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

var _ ContentRouter = &MemoryRouter{}

// MemoryRouter keeps provider records in memory. Provide records the local peer.
type MemoryRouter struct {
	self      peer.AddrInfo
	providers map[cid.Cid][]peer.AddrInfo
	mx        sync.RWMutex
}

func NewMemoryRouter(providers map[cid.Cid][]peer.AddrInfo, self peer.AddrInfo) *MemoryRouter {
	m := &MemoryRouter{
		self:      self,
		providers: map[cid.Cid][]peer.AddrInfo{},
	}
	for k, v := range providers {
		m.Add(k, v...)
	}
	return m
}

func (m *MemoryRouter) Name() string {
	return "memory"
}

func (m *MemoryRouter) FindProviders(ctx context.Context, key cid.Cid, opts QueryOptions) ([]peer.AddrInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mx.RLock()
	defer m.mx.RUnlock()

	providers, ok := m.providers[key]
	if !ok {
		return nil, nil
	}
	limit := opts.ProvidersOr(len(providers))
	if limit > len(providers) {
		limit = len(providers)
	}
	return slices.Clone(providers[:limit]), nil
}

func (m *MemoryRouter) Provide(ctx context.Context, key cid.Cid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.self.ID == "" {
		return nil
	}
	m.Add(key, m.self)
	return nil
}

// Add records providers for key, ignoring peers that are already known.
func (m *MemoryRouter) Add(key cid.Cid, providers ...peer.AddrInfo) {
	m.mx.Lock()
	defer m.mx.Unlock()

	existing := m.providers[key]
	for _, p := range providers {
		if slices.ContainsFunc(existing, func(e peer.AddrInfo) bool { return e.ID == p.ID }) {
			continue
		}
		existing = append(existing, p)
	}
	m.providers[key] = existing
}

// Lookup returns the providers recorded for key.
func (m *MemoryRouter) Lookup(key cid.Cid) ([]peer.AddrInfo, bool) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	providers, ok := m.providers[key]
	return slices.Clone(providers), ok
}
