package player

import (
	"log/slog"
	"sync"

	"github.com/mcamp/blackbox/telemetry"
)

// EngineContext holds the resources shared by every channel pipeline of
// one loaded channel group: the logger, the telemetry registry, and the
// decoded-payload cache. It is created on Load, passed by reference to
// each pipeline, and torn down explicitly on Unload; there is no
// process-global state.
type EngineContext struct {
	Log   *slog.Logger
	Stats *telemetry.Registry
	Cache *PayloadCache
}

func newEngineContext(log *slog.Logger, cacheSize int) *EngineContext {
	return &EngineContext{
		Log:   log,
		Stats: telemetry.NewRegistry(),
		Cache: NewPayloadCache(cacheSize),
	}
}

// teardown releases everything the context holds.
func (c *EngineContext) teardown() {
	c.Cache.Purge()
}

// PayloadCache is a bounded cache for decoded payload derivatives
// (e.g. images the sink produced from frame payloads), keyed by the
// presentation layer. When full, an arbitrary entry is evicted; the cache
// is an accelerator, not a store of record.
type PayloadCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]any
}

// NewPayloadCache creates a cache bounded to max entries (minimum 1).
func NewPayloadCache(max int) *PayloadCache {
	if max < 1 {
		max = 1
	}
	return &PayloadCache{
		max:     max,
		entries: make(map[string]any, max),
	}
}

// Get returns the cached value for key, if present.
func (c *PayloadCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// Put stores v under key, evicting an arbitrary entry when full.
func (c *PayloadCache) Put(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.max {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[key] = v
}

// Len returns the number of cached entries.
func (c *PayloadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops all entries.
func (c *PayloadCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]any)
}
