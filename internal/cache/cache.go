// Package cache implements the two-tier query result cache: a local
// in-process LRU and an optional shared SQL-backed tier. Entries are
// opaque payloads keyed by query, collection, and filter; callers own
// the serialization.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Key identifies one cached query result. Two keys hash equal exactly
// when collection, query, and the full filter map are equal.
type Key struct {
	Collection string
	Query      string
	Filter     map[string]string
}

// hash produces the canonical cache key: the collection as a plain
// prefix (so invalidation can match it) plus a sha256 over the query
// and a sorted filter encoding.
func (k Key) hash() string {
	h := sha256.New()
	h.Write([]byte(k.Query))
	h.Write([]byte{0})

	names := make([]string, 0, len(k.Filter))
	for name := range k.Filter {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(k.Filter[name]))
		h.Write([]byte{0})
	}

	return k.Collection + ":" + hex.EncodeToString(h.Sum(nil))
}

// SharedStore is the optional second cache tier shared across
// processes. Implementations must be safe for concurrent use.
type SharedStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

type entry struct {
	payload  []byte
	storedAt time.Time
}

// Cache is the two-tier result cache. The local tier keeps entries past
// their TTL (until LRU pressure evicts them) so GetStale can serve them
// when the embedding provider is down.
type Cache struct {
	local  *lru.Cache[string, entry]
	shared SharedStore
	ttl    time.Duration
	logger *zap.Logger

	now func() time.Time // stubbed in tests
}

// New builds a cache with the given local entry cap and TTL. A nil
// shared store disables the second tier.
func New(size int, ttl time.Duration, shared SharedStore, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	local, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{
		local:  local,
		shared: shared,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Get returns a fresh cached payload. A local hit past its TTL counts
// as a miss (but remains available to GetStale). On a local miss the
// shared tier is consulted and a hit is written back locally.
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, bool) {
	k := key.hash()

	if e, ok := c.local.Get(k); ok {
		if c.now().Sub(e.storedAt) <= c.ttl {
			return e.payload, true
		}
	}

	if c.shared == nil {
		return nil, false
	}
	payload, ok, err := c.shared.Get(ctx, k)
	if err != nil {
		// Shared tier trouble degrades to a miss; the search still works.
		c.logger.Warn("shared cache read failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	c.local.Add(k, entry{payload: payload, storedAt: c.now()})
	return payload, true
}

// GetStale returns a local entry regardless of TTL. Used as a fallback
// when the embedding provider is unavailable.
func (c *Cache) GetStale(ctx context.Context, key Key) ([]byte, bool) {
	e, ok := c.local.Get(key.hash())
	if !ok {
		return nil, false
	}
	return e.payload, true
}

// Set writes the payload through both tiers.
func (c *Cache) Set(ctx context.Context, key Key, payload []byte) {
	k := key.hash()
	c.local.Add(k, entry{payload: payload, storedAt: c.now()})

	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, k, payload, c.ttl); err != nil {
		c.logger.Warn("shared cache write failed", zap.Error(err))
	}
}

// InvalidateCollection drops every entry for the collection from both
// tiers. Invalidation is deliberately coarse: any mutation in a
// collection clears all of its cached queries.
func (c *Cache) InvalidateCollection(ctx context.Context, collection string) {
	prefix := collection + ":"
	for _, k := range c.local.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.local.Remove(k)
		}
	}

	if c.shared == nil {
		return
	}
	if err := c.shared.DeleteByPrefix(ctx, prefix); err != nil {
		c.logger.Warn("shared cache invalidation failed",
			zap.String("collection", collection), zap.Error(err))
	}
}

// Len reports the local entry count, fresh and stale alike.
func (c *Cache) Len() int { return c.local.Len() }
