package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Reader provides stock lookups. Implemented by Repository and by Cache.
type Reader interface {
	Get(ctx context.Context, productKey string) (Entry, error)
	List(ctx context.Context, limit, offset int) ([]Entry, int, error)
}

const (
	entryKeyPrefix = "stock:entry:"
	listVersionKey = "stock:list:ver"
)

// Cache is a read-through Redis cache in front of the stock repository.
// Listings are cached under a version counter bumped on every
// invalidation, so a mutation drops all cached pages at once. Concurrent
// misses for the same key collapse into a single repository read.
type Cache struct {
	client *redis.Client
	source Reader
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCache builds a Cache. A non-positive ttl falls back to 30s.
func NewCache(client *redis.Client, source Reader, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, source: source, ttl: ttl, logger: logger}
}

// Get returns one entry, serving from Redis when possible.
func (c *Cache) Get(ctx context.Context, productKey string) (Entry, error) {
	key := entryKeyPrefix + productKey
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err == nil {
			return entry, nil
		}
		// Corrupt payload: fall through to the repository.
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("stock cache read failed", slog.Any("error", err))
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		entry, err := c.source.Get(ctx, productKey)
		if err != nil {
			return Entry{}, err
		}
		c.store(ctx, key, entry)
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return result.(Entry), nil
}

type cachedListing struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
}

// List returns one page of entries, cached per listing version.
func (c *Cache) List(ctx context.Context, limit, offset int) ([]Entry, int, error) {
	version, err := c.client.Get(ctx, listVersionKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("stock cache version read failed", slog.Any("error", err))
		return c.source.List(ctx, limit, offset)
	}
	key := fmt.Sprintf("stock:list:v%s:%d:%d", version, limit, offset)
	if payload, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var listing cachedListing
		if err := json.Unmarshal(payload, &listing); err == nil {
			return listing.Entries, listing.Total, nil
		}
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		entries, total, err := c.source.List(ctx, limit, offset)
		if err != nil {
			return nil, err
		}
		c.store(ctx, key, cachedListing{Entries: entries, Total: total})
		return cachedListing{Entries: entries, Total: total}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	listing := result.(cachedListing)
	return listing.Entries, listing.Total, nil
}

// InvalidateStock drops cached entries for the given products and bumps
// the listing version. Called by the reconciliation engine after commit.
func (c *Cache) InvalidateStock(ctx context.Context, productKeys []string) error {
	if len(productKeys) == 0 {
		return nil
	}
	keys := make([]string, len(productKeys))
	for i, pk := range productKeys {
		keys[i] = entryKeyPrefix + pk
	}
	pipe := c.client.Pipeline()
	pipe.Del(ctx, keys...)
	pipe.Incr(ctx, listVersionKey)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Cache) store(ctx context.Context, key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("stock cache write failed", slog.Any("error", err))
	}
}
