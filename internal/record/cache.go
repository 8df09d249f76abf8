package record

import (
	"fmt"
	"sync"
)

// Loader builds a fresh Record for locator on a cache miss.
type Loader func() (*Record, error)

// entry is one cached Record plus its reference count.
type entry struct {
	rec      *Record
	refCount int
}

// Cache is a reference-counted, lazily-populated cache of Records keyed by
// their locator bytes (§4.5: "records are reference counted; once all
// holders drop, the record is eligible for eviction"). A Record is built at
// most once per cache generation: concurrent [Cache.Acquire] calls for the
// same locator block on the same in-flight load rather than racing two
// builds.
//
// Cache does not itself take the LockService's shared lock on a record
// (§4.5); that is the Engine's responsibility when wiring a Cache to real
// chunk/buffer sources, since Cache has no notion of what a "shared lock"
// protects beyond its own bookkeeping.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Handle is a held reference to a cached Record. Callers must call
// [Handle.Release] exactly once when done.
type Handle struct {
	cache   *Cache
	key     string
	Record  *Record
	release sync.Once
}

// Release drops the handle's reference. Once no handle remains, the Record
// is evicted from the cache and the next [Cache.Acquire] for that locator
// rebuilds it.
func (h *Handle) Release() {
	h.release.Do(func() {
		h.cache.release(h.key)
	})
}

// Acquire returns a [Handle] to the cached Record for key, building it via
// load if this is the first live reference (§4.5). The returned handle's
// reference is counted until [Handle.Release].
func (c *Cache) Acquire(key string, load Loader) (*Handle, error) {
	c.mu.Lock()

	if e, ok := c.entries[key]; ok {
		e.refCount++
		c.mu.Unlock()

		return &Handle{cache: c, key: key, Record: e.rec}, nil
	}

	// Hold the lock across the build: a second Acquire for the same key
	// while a build is in flight would otherwise race to insert two
	// entries. Builds replay a bounded set of chunk/buffer revisions
	// (§4.5), so this is not a long hold in practice.
	rec, err := load()
	if err != nil {
		c.mu.Unlock()

		return nil, fmt.Errorf("record: load %q: %w", key, err)
	}

	c.entries[key] = &entry{rec: rec, refCount: 1}
	c.mu.Unlock()

	return &Handle{cache: c, key: key, Record: rec}, nil
}

func (c *Cache) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}

	e.refCount--
	if e.refCount <= 0 {
		delete(c.entries, key)
	}
}

// Len reports the number of distinct locators currently cached
// (informational).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
