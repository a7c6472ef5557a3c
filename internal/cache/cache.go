// Package cache provides the broker's TTL response cache. Entries carry their
// own expiry; expired entries are dropped lazily on lookup and in bulk by a
// periodic sweep so memory stays bounded independent of lookup traffic.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"samgpt/internal/logging"
)

const (
	defaultMaxEntries    = 512
	defaultSweepInterval = 60 * time.Second
)

// Config configures the response cache.
type Config struct {
	// MaxEntries is the maximum number of entries in the backing LRU.
	MaxEntries int `yaml:"max_entries"`
	// SweepInterval is how often the background sweep removes expired entries.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns sensible defaults for the response cache.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    defaultMaxEntries,
		SweepInterval: defaultSweepInterval,
	}
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a TTL key/value store backed by a bounded LRU.
// It is safe for concurrent use; the LRU serializes access internally and
// last-writer-wins per key is acceptable for response caching.
type Cache struct {
	store  *lru.Cache[string, entry]
	clock  clock.Clock
	logger logging.Logger
	sweep  time.Duration
}

// New creates a cache with the given config.
func New(config Config, logger logging.Logger) *Cache {
	return NewWithClock(config, logger, clock.New())
}

// NewWithClock creates a cache with an injected clock for tests.
func NewWithClock(config Config, logger logging.Logger, clk clock.Clock) *Cache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = defaultMaxEntries
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaultSweepInterval
	}
	// lru.New only errors on non-positive size which we guard above.
	store, _ := lru.New[string, entry](config.MaxEntries)
	return &Cache{
		store:  store,
		clock:  clk,
		logger: logging.OrNop(logger),
		sweep:  config.SweepInterval,
	}
}

// Lookup returns the cached value for key, or ok=false when the key is absent
// or past its expiry. A passed-expiry entry is removed as a side effect.
func (c *Cache) Lookup(key string) (any, bool) {
	e, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.store.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Store caches value under key for ttl. A non-positive ttl means the response
// must not be cached; the call is ignored so a careless caller cannot plant an
// immortal entry.
func (c *Cache) Store(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		c.logger.Warn("ignoring cache store with non-positive ttl for key %s", key)
		return
	}
	c.store.Add(key, entry{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	})
}

// Invalidate clears the whole cache.
func (c *Cache) Invalidate() {
	c.store.Purge()
}

// InvalidatePrefix clears every entry whose key starts with prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	for _, key := range c.store.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.store.Remove(key)
		}
	}
}

// Sweep removes all expired entries and reports how many were dropped.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	for _, key := range c.store.Keys() {
		e, ok := c.store.Peek(key)
		if !ok {
			continue
		}
		if !now.Before(e.expiresAt) {
			c.store.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cache sweep removed %d expired entries", removed)
	}
	return removed
}

// Len reports the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	return c.store.Len()
}

// Run sweeps on the configured interval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := c.clock.Ticker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
