// Package mediacache holds downloaded media bytes and platform-native
// re-upload handles under a TTL and a total byte budget, so a photo
// relayed twice is fetched once.
package mediacache

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/deskbridge-io/deskbridge/internal/clock"
)

// Config holds the cache bounds.
type Config struct {
	// MaxBytes caps the sum of cached payload sizes. An item larger
	// than this on its own is never cached.
	MaxBytes int64
	// TTL is the entry lifetime measured from Put.
	TTL time.Duration
}

// Entry is a cached media item. Data may be nil when only the native
// handle is known; Handle may be empty when only the bytes are known.
type Entry struct {
	Data     []byte
	Handle   string
	Size     int64
	storedAt time.Time
}

// Cache is a TTL plus byte-bounded media cache keyed by a source
// identifier (file reference or URL). Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	clk      clock.Clock
	maxBytes int64
	ttl      time.Duration
	entries  map[string]*Entry
	total    int64
}

// New builds a Cache.
func New(clk clock.Clock, cfg Config) *Cache {
	return &Cache{
		clk:      clk,
		maxBytes: cfg.MaxBytes,
		ttl:      cfg.TTL,
		entries:  make(map[string]*Entry),
	}
}

// Get returns the live entry for key. A stale entry is expired on the
// spot and reported as a miss.
func (c *Cache) Get(key string) (*Entry, bool) {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.Sub(e.storedAt) > c.ttl {
		c.removeLocked(key, e)
		return nil, false
	}
	return e, true
}

// Put stores media bytes and/or a native handle under key, evicting
// older entries to make room. Returns false when the item alone
// exceeds the byte budget; such items are fetched fresh every time.
func (c *Cache) Put(key string, data []byte, handle string) bool {
	size := int64(len(data))
	if size > c.maxBytes {
		slog.Warn("media item exceeds cache budget, not cached",
			"key", key, "size", size, "max_bytes", c.maxBytes)
		return false
	}
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}
	if c.total+size > c.maxBytes {
		c.evictLocked(now, c.maxBytes-size)
	}
	c.entries[key] = &Entry{Data: data, Handle: handle, Size: size, storedAt: now}
	c.total += size
	return true
}

// SetHandle records a native re-upload handle for an already cached
// key without touching its bytes or its age. A miss is a no-op.
func (c *Cache) SetHandle(key, handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.Handle = handle
	}
}

// Sweep drops all expired entries. Called by the maintenance sweep.
func (c *Cache) Sweep() (evicted int, freed int64) {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			c.removeLocked(key, e)
			evicted++
			freed += e.Size
		}
	}
	return evicted, freed
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TotalBytes returns the sum of cached payload sizes.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// evictLocked frees space until total <= budget: expired entries
// first, then oldest stored-at order.
func (c *Cache) evictLocked(now time.Time, budget int64) {
	for key, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			c.removeLocked(key, e)
		}
	}
	if c.total <= budget {
		return
	}

	type aged struct {
		key      string
		storedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, aged{key: key, storedAt: e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].storedAt.Before(all[j].storedAt) })

	for _, a := range all {
		if c.total <= budget {
			break
		}
		e := c.entries[a.key]
		c.removeLocked(a.key, e)
		slog.Debug("media cache evicted entry", "key", a.key, "size", e.Size)
	}
}

func (c *Cache) removeLocked(key string, e *Entry) {
	delete(c.entries, key)
	c.total -= e.Size
}
