package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	cid "github.com/ipfs/go-cid"

	"contentrouting/internal/channel"
	"contentrouting/pkg/metrics"
	"contentrouting/pkg/routing"
)

// KeySet holds the keys the local node announces.
type KeySet struct {
	keys map[cid.Cid]struct{}
	mx   sync.RWMutex
}

func NewKeySet(keys ...cid.Cid) *KeySet {
	s := &KeySet{
		keys: map[cid.Cid]struct{}{},
	}
	s.Add(keys...)
	return s
}

// Add inserts the keys and reports how many were not already present.
func (s *KeySet) Add(keys ...cid.Cid) int {
	s.mx.Lock()
	defer s.mx.Unlock()

	added := 0
	for _, key := range keys {
		if !key.Defined() {
			continue
		}
		if _, ok := s.keys[key]; ok {
			continue
		}
		s.keys[key] = struct{}{}
		added++
	}
	return added
}

// Keys returns the keys sorted by their string form.
func (s *KeySet) Keys() []cid.Cid {
	s.mx.RLock()
	defer s.mx.RUnlock()

	keys := make([]cid.Cid, 0, len(s.keys))
	for key := range s.keys {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b cid.Cid) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}

func (s *KeySet) Len() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.keys)
}

type TrackConfig struct {
	Interval time.Duration
}

func (cfg *TrackConfig) Apply(opts ...TrackOption) error {
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

type TrackOption func(cfg *TrackConfig) error

func WithInterval(interval time.Duration) TrackOption {
	return func(cfg *TrackConfig) error {
		if interval <= 0 {
			return errors.New("interval has to be positive")
		}
		cfg.Interval = interval
		return nil
	}
}

// Track announces every key in the set through the router right away and then once per
// interval, so that announcements are renewed before they expire. It returns when the
// context is done.
func Track(ctx context.Context, router routing.ContentRouter, keys *KeySet, opts ...TrackOption) error {
	cfg := TrackConfig{
		Interval: routing.KeyTTL - time.Minute,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return err
	}

	log := logr.FromContextOrDiscard(ctx).WithName("state")
	immediateCh := make(chan time.Time, 1)
	immediateCh <- time.Now()
	close(immediateCh)
	expirationTicker := time.NewTicker(cfg.Interval)
	defer expirationTicker.Stop()
	tickerCh := channel.Merge(ctx, immediateCh, expirationTicker.C)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tickerCh:
			log.Info("running scheduled announcement of keys", "count", keys.Len())
			if err := all(ctx, router, keys); err != nil {
				log.Error(err, "received errors when announcing keys")
			}
		}
	}
}

func all(ctx context.Context, router routing.ContentRouter, keys *KeySet) error {
	log := logr.FromContextOrDiscard(ctx).V(4)

	errs := []error{}
	announced := 0
	for _, key := range keys.Keys() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		err := router.Provide(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("could not announce key %s: %w", key, err))
			continue
		}
		announced++
		log.Info("announced key", "key", key.String())
	}
	metrics.AdvertisedKeys.WithLabelValues(routing.Name(router)).Set(float64(announced))
	return errors.Join(errs...)
}
