// Package cache is a TTL key/value cache kept in the durable store. It is the
// fallback read path while offline and is never replayed to the server.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cmw1990/offline_sync/internal/log"
	"github.com/cmw1990/offline_sync/internal/store"
)

// Bucket is the store bucket holding cache entries.
const Bucket = "cache"

// DefaultTTL applies when neither the cache nor the caller sets one.
const DefaultTTL = 24 * time.Hour

// ErrCacheMiss is returned by ReadThrough when nothing usable is cached.
var ErrCacheMiss = errors.New("cache miss")

// Entry is the persisted form of a cached value.
type Entry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expires_at"`
	Timestamp int64           `json:"timestamp"`
}

// Cache stores JSON encoded values with an expiry.
type Cache struct {
	store      store.Store
	defaultTTL time.Duration
	now        func() time.Time
	logger     *logrus.Entry
}

// New creates a cache over s. A non-positive ttl selects DefaultTTL.
func New(s store.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:      s,
		defaultTTL: ttl,
		now:        time.Now,
		logger:     log.WithComponent("cache"),
	}
}

// TTL returns the default expiry window.
func (c *Cache) TTL() time.Duration {
	return c.defaultTTL
}

func (c *Cache) getRaw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	rec, err := c.store.Get(ctx, Bucket, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry Entry
	if err := json.Unmarshal(rec.Value, &entry); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Dropping unreadable cache entry")
		return nil, false, c.Remove(ctx, key)
	}
	if entry.ExpiresAt <= c.now().UnixMilli() {
		c.logger.WithField("key", key).Debug("Evicting expired cache entry")
		return nil, false, c.Remove(ctx, key)
	}
	return entry.Value, true, nil
}

func (c *Cache) setRaw(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	data, err := json.Marshal(Entry{
		Value:     value,
		ExpiresAt: now.Add(ttl).UnixMilli(),
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}
	return c.store.Put(ctx, Bucket, store.Record{Key: key, Value: data})
}

// Get returns the cached value of key. An expired entry is deleted and
// reported as a miss.
func Get[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var v T
	raw, ok, err := c.getRaw(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("failed to decode cached value %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key. A non-positive ttl selects the cache default.
func Set[T any](ctx context.Context, c *Cache, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cached value %s: %w", key, err)
	}
	return c.setRaw(ctx, key, raw, ttl)
}

// Remove deletes key from the cache.
func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.store.Delete(ctx, Bucket, key)
}

// PurgeExpired deletes every expired entry and returns how many were removed.
func (c *Cache) PurgeExpired(ctx context.Context) (int, error) {
	records, err := c.store.GetAll(ctx, Bucket)
	if err != nil {
		return 0, err
	}
	now := c.now().UnixMilli()
	removed := 0
	for _, rec := range records {
		var entry Entry
		if err := json.Unmarshal(rec.Value, &entry); err == nil && entry.ExpiresAt > now {
			continue
		}
		if err := c.Remove(ctx, rec.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ReadThrough fetches and caches a fresh value while online. When offline or
// when fetch fails the cached value is returned instead; ErrCacheMiss means
// there was none.
func ReadThrough[T any](ctx context.Context, c *Cache, key string, online bool, fetch func(context.Context) (T, error)) (T, error) {
	if online {
		v, err := fetch(ctx)
		if err == nil {
			if setErr := Set(ctx, c, key, v, 0); setErr != nil {
				c.logger.WithError(setErr).WithField("key", key).Warn("Failed to refresh cache entry")
			}
			return v, nil
		}
		c.logger.WithError(err).WithField("key", key).Info("Fetch failed, falling back to cache")
	}

	v, ok, err := Get[T](ctx, c, key)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, ErrCacheMiss
	}
	return v, nil
}
