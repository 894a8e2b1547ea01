// Package rescache is the batch result cache: a tiered store with a short
// lived in-memory tier and an optional redis tier for sharing results across
// replicas. Entries are keyed by view name, canonicalized constraints and row
// limit, so identical queries within the TTL never re-execute.
package rescache

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

type Cache struct {
	mem      *gocache.Cache
	rdb      *redis.Client
	memTTL   time.Duration
	redisTTL time.Duration

	hits    atomic.Uint64
	misses  atomic.Uint64
	flushes atomic.Uint64
}

// New creates the cache. rdb may be nil, in which case only the in-memory
// tier is used (single-replica and dry-run deployments).
func New(memTTL, redisTTL time.Duration, rdb *redis.Client) *Cache {
	return &Cache{
		mem:      gocache.New(memTTL, 2*memTTL),
		rdb:      rdb,
		memTTL:   memTTL,
		redisTTL: redisTTL,
	}
}

// Key derives the cache key for one query. Constraints are canonicalized so
// that key stability does not depend on map iteration order.
func Key(view string, constraints datamodel.SearchConstraints, limit int) string {
	h := xxh3.HashString(view + "|" + constraints.Canonicalize() + "|" + strconv.Itoa(limit))
	return fmt.Sprintf("resq:%016x", h)
}

// GetRows attempts the memory tier first and falls back to redis, writing
// redis hits back into memory.
func (c *Cache) GetRows(ctx context.Context, key string) ([]datamodel.ResultRow, bool) {
	if value, cached := c.mem.Get(key); cached {
		c.hits.Add(1)
		return value.([]datamodel.ResultRow), true
	}
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, key).Bytes()
		if err == nil {
			var rows []datamodel.ResultRow
			if err := json.Unmarshal(raw, &rows); err == nil {
				c.hits.Add(1)
				c.mem.SetDefault(key, rows)
				return rows, true
			}
			zap.S().Warnf("Failed to decode cached rows for %s: %s", key, err)
		}
	}
	c.misses.Add(1)
	return nil, false
}

// SetRows stores rows in both tiers. Redis failures are logged, not
// propagated, cache writes are best effort.
func (c *Cache) SetRows(ctx context.Context, key string, rows []datamodel.ResultRow) {
	c.mem.SetDefault(key, rows)
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		zap.S().Warnf("Failed to encode rows for cache key %s: %s", key, err)
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.redisTTL).Err(); err != nil {
		zap.S().Debugf("Failed to write cache key %s to redis: %s", key, err)
	}
}

// Flush drops the memory tier and, when configured, the redis result keys.
func (c *Cache) Flush(ctx context.Context) {
	c.mem.Flush()
	c.flushes.Add(1)
	if c.rdb == nil {
		return
	}
	iter := c.rdb.Scan(ctx, 0, "resq:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			zap.S().Debugf("Failed to delete cache key %s: %s", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		zap.S().Debugf("Failed to scan redis result keys: %s", err)
	}
}

func (c *Cache) Statistics() datamodel.CacheStatistics {
	return datamodel.CacheStatistics{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.mem.ItemCount(),
		Flushes: c.flushes.Load(),
	}
}
