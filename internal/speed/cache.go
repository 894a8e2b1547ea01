// Package speed is the near-real-time layer: recently updated documents are
// kept in a TTL cache and turned into view rows in-process, so updates become
// queryable before the next materialized refresh. An in-memory tier is always
// present; a redis tier with a per-type recency index is added when configured,
// so replicas see each other's writes.
package speed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/fhirlake/fhirlake/internal/compiler"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

const (
	// DefaultTTL bounds how long a document stays queryable through the speed
	// layer. It should cover at least one refresh interval of the batch views.
	DefaultTTL = 24 * time.Hour

	docKeyPrefix   = "speeddoc:"
	indexKeyPrefix = "speedidx:"
)

// CachedDocument is one stored resource version with its insertion time.
type CachedDocument struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id"`
	Document     map[string]interface{} `json:"document"`
	InsertedAt   time.Time              `json:"insertedAt"`
}

type Cache struct {
	mem *gocache.Cache
	rdb *redis.Client
	ttl time.Duration

	puts  atomic.Uint64
	scans atomic.Uint64
}

// New creates the cache. rdb may be nil, in which case only the in-memory
// tier is used.
func New(ttl time.Duration, rdb *redis.Client) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		mem: gocache.New(ttl, ttl/4),
		rdb: rdb,
		ttl: ttl,
	}
}

func docKey(resourceType, id string) string {
	return docKeyPrefix + resourceType + "/" + id
}

func indexKey(resourceType string) string {
	return indexKeyPrefix + resourceType
}

// Put stores one document version. Later puts for the same (type, id) replace
// earlier ones. A failing redis tier surfaces as ErrCacheBackendUnavailable
// after the memory tier was already updated.
func (c *Cache) Put(ctx context.Context, resourceType, id string, document map[string]interface{}) error {
	if resourceType == "" || id == "" {
		return fmt.Errorf("resource type and id must not be empty")
	}
	entry := CachedDocument{
		ResourceType: resourceType,
		ID:           id,
		Document:     document,
		InsertedAt:   time.Now(),
	}
	key := docKey(resourceType, id)
	c.mem.SetDefault(key, entry)
	c.puts.Add(1)
	if c.rdb == nil {
		return nil
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", key, err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, key, raw, c.ttl)
	pipe.ZAdd(ctx, indexKey(resourceType), &redis.Z{
		Score:  float64(entry.InsertedAt.UnixMilli()),
		Member: key,
	})
	// Index entries older than the TTL point at expired documents.
	pipe.ZRemRangeByScore(ctx, indexKey(resourceType), "0",
		strconv.FormatInt(entry.InsertedAt.Add(-c.ttl).UnixMilli(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %s", datamodel.ErrCacheBackendUnavailable, err)
	}
	return nil
}

// ScanRecent produces view rows from every cached document of the view's
// resource type inserted at or after since. Constraints and view filters use
// the same semantics as the generated SQL, applied in-process.
func (c *Cache) ScanRecent(ctx context.Context, view *compiler.View, since time.Time, constraints datamodel.SearchConstraints, limit int) ([]datamodel.ResultRow, error) {
	if limit <= 0 {
		return nil, &datamodel.CompileError{View: view.Definition.Name, Detail: "row limit must be positive"}
	}
	c.scans.Add(1)

	docs, err := c.collect(ctx, view.Resource, since)
	if err != nil {
		return nil, err
	}

	rows := make([]datamodel.ResultRow, 0)
	for _, entry := range docs {
		if !matchesFilters(view, entry.Document) {
			continue
		}
		ok, err := matchesConstraints(view.Resource, entry.Document, constraints)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, row := range produceRows(view, entry.Document) {
			rows = append(rows, row)
			if len(rows) >= limit {
				return rows, nil
			}
		}
	}
	return rows, nil
}

// collect gathers matching documents newest-first, deduplicated by key with
// the memory tier taking precedence over redis.
func (c *Cache) collect(ctx context.Context, resourceType string, since time.Time) ([]CachedDocument, error) {
	byKey := map[string]CachedDocument{}

	prefix := docKeyPrefix + resourceType + "/"
	for key, item := range c.mem.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, ok := item.Object.(CachedDocument)
		if !ok || entry.InsertedAt.Before(since) {
			continue
		}
		byKey[key] = entry
	}

	if c.rdb != nil {
		keys, err := c.rdb.ZRangeByScore(ctx, indexKey(resourceType), &redis.ZRangeBy{
			Min: strconv.FormatInt(since.UnixMilli(), 10),
			Max: "+inf",
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", datamodel.ErrCacheBackendUnavailable, err)
		}
		if len(keys) > 0 {
			values, err := c.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("%w: %s", datamodel.ErrCacheBackendUnavailable, err)
			}
			for i, v := range values {
				if v == nil {
					continue
				}
				if _, local := byKey[keys[i]]; local {
					continue
				}
				var entry CachedDocument
				if err := json.Unmarshal([]byte(v.(string)), &entry); err != nil {
					zap.S().Warnf("Failed to decode cached document %s: %s", keys[i], err)
					continue
				}
				byKey[keys[i]] = entry
			}
		}
	}

	docs := make([]CachedDocument, 0, len(byKey))
	for _, entry := range byKey {
		docs = append(docs, entry)
	}
	sortDocuments(docs)
	return docs, nil
}

// Flush drops both tiers. Used by tests and the cache-invalidation endpoint.
func (c *Cache) Flush(ctx context.Context) error {
	c.mem.Flush()
	if c.rdb == nil {
		return nil
	}
	for _, pattern := range []string{docKeyPrefix + "*", indexKeyPrefix + "*"} {
		iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
				zap.S().Debugf("Failed to delete speed-layer key %s: %s", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("%w: %s", datamodel.ErrCacheBackendUnavailable, err)
		}
	}
	return nil
}

// Ping reports backend reachability. With no redis tier the layer is always
// available.
func (c *Cache) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %s", datamodel.ErrCacheBackendUnavailable, err)
	}
	return nil
}

// Statistics describes the speed layer's activity since construction.
type Statistics struct {
	Puts    uint64 `json:"puts"`
	Scans   uint64 `json:"scans"`
	Entries int    `json:"entries"`
}

func (c *Cache) GetStatistics() Statistics {
	return Statistics{
		Puts:    c.puts.Load(),
		Scans:   c.scans.Load(),
		Entries: c.mem.ItemCount(),
	}
}
