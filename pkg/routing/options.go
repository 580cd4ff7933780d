package routing

import "time"

// DefaultMaxProviders bounds lookups that do not set QueryOptions.MaxProviders.
const DefaultMaxProviders = 20

// QueryOptions are passed through to every content router untouched.
// The zero value is the empty configuration.
type QueryOptions struct {
	// MaxTimeout is the upper bound a router may spend searching. Zero leaves the choice to the router.
	MaxTimeout time.Duration
	// MaxProviders limits how many providers a router collects. Zero leaves the choice to the router.
	MaxProviders int
}

// Timeout returns options that only bound the search duration.
func Timeout(d time.Duration) QueryOptions {
	return QueryOptions{MaxTimeout: d}
}

// TimeoutOr returns MaxTimeout, or def when no timeout was set.
func (o QueryOptions) TimeoutOr(def time.Duration) time.Duration {
	if o.MaxTimeout > 0 {
		return o.MaxTimeout
	}
	return def
}

// ProvidersOr returns MaxProviders, or def when no limit was set.
func (o QueryOptions) ProvidersOr(def int) int {
	if o.MaxProviders > 0 {
		return o.MaxProviders
	}
	return def
}
