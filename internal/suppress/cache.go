// Package suppress provides read-path resilience: while the store is briefly
// locked by another process, reads are served from the last good result
// instead of failing, for a bounded window. Past the window the caller gets
// an explicit degraded-service error so sustained contention is never hidden
// behind indefinitely-stale data.
//
// Only failures the configured classifier marks as contention are ever
// masked. A malformed-output failure passes through untouched even when a
// perfectly good cached result exists.
package suppress

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDegraded is returned once the suppression window has elapsed without a
// successful fetch. It is deliberately distinct from the underlying failure:
// the caller should surface "intervention needed", not the raw store error.
var ErrDegraded = errors.New("store degraded: stale-result window exhausted")

// Config tunes a Cache.
type Config struct {
	// Window is how long contention failures may be masked after the first
	// failure for a key.
	Window time.Duration
	// MaxEntries caps cache size; the entry with the oldest cachedAt is
	// evicted first.
	MaxEntries int
	// Suppressible classifies a fetch error. Only errors it accepts are
	// masked; everything else passes through.
	Suppressible func(error) bool
}

// Cache is a bounded last-good-result cache keyed by operation identity.
type Cache[V any] struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry[V]
	now     func() time.Time // stubbed in tests
}

type entry[V any] struct {
	value         V
	cachedAt      time.Time
	firstFailedAt time.Time // zero while the last attempt succeeded
}

// New returns an empty Cache.
func New[V any](cfg Config) *Cache[V] {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 128
	}
	return &Cache[V]{
		cfg:     cfg,
		entries: make(map[string]*entry[V]),
		now:     time.Now,
	}
}

// Do runs fetch and applies the suppression policy to its outcome.
//
// Success stores the result and clears any failure clock for key. A
// contention-classified failure with a cached success serves the cached
// value while the failure clock is within the window, then returns
// ErrDegraded. Any other failure is returned unchanged and resets the
// failure clock.
func (c *Cache[V]) Do(key string, fetch func() (V, error)) (V, error) {
	var zero V

	value, err := fetch()
	if err == nil {
		c.store(key, value)
		return value, nil
	}

	if c.cfg.Suppressible == nil || !c.cfg.Suppressible(err) {
		// Failure state tracks contention only: a pass-through failure means
		// the most recent attempt was not contention, so the clock resets and
		// the next outage gets a fresh window.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.firstFailedAt = time.Time{}
		}
		c.mu.Unlock()
		return zero, err
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		// Nothing good to serve; the failure stands on its own.
		c.mu.Unlock()
		return zero, err
	}
	if e.firstFailedAt.IsZero() {
		e.firstFailedAt = c.now()
	}
	within := c.now().Sub(e.firstFailedAt) <= c.cfg.Window
	cached := e.value
	c.mu.Unlock()

	if within {
		return cached, nil
	}
	return zero, fmt.Errorf("%w (last error: %v)", ErrDegraded, err)
}

// store records a success for key, clearing its failure clock, and evicts
// the globally oldest entry if the cache is over capacity.
func (c *Cache[V]) store(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry[V]{value: value, cachedAt: c.now()}

	for len(c.entries) > c.cfg.MaxEntries {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.cachedAt.Before(oldest) {
				oldestKey = k
				oldest = e.cachedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Invalidate drops the entry for key, if any.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateFunc drops every entry whose key the predicate accepts.
// Used by the JSONL watcher to flush a repository's reads after an external
// sync touches its data.
func (c *Cache[V]) InvalidateFunc(pred func(key string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if pred(k) {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
