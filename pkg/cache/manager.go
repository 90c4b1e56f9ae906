package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// scanBatch is the COUNT hint for SCAN during invalidation.
const scanBatch = 100

// Manager stores response entries in Redis, one string key per Key.
// Redis expiry mirrors Entry.Expires.
type Manager struct {
	redis *redis.Client
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis: redisClient,
	}
}

// Get returns the entry stored under key.
// A missing or expired entry is ErrCacheMiss. An entry that no longer
// decodes is removed and reported as ErrInvalidEntry.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	raw, err := m.redis.Get(ctx, key.String()).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	case err != nil:
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	entry, err := decodeEntry(raw)
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		_ = m.Delete(ctx, key)
		return nil, err
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis").Inc()
	return entry, nil
}

// Set stores entry under key until entry.Expires.
// Entries that are already expired are not stored.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), raw, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheWrittenBytes.WithLabelValues("redis").Add(float64(len(raw)))
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// UpdateTTL moves the expiry of an existing entry, e.g. after a 304 response
// that carried fresh caching headers. An expiry in the past drops the entry.
func (m *Manager) UpdateTTL(ctx context.Context, key Key, newExpires time.Time) error {
	entry, err := m.Get(ctx, key)
	if err != nil {
		return err
	}

	entry.Expires = newExpires
	if entry.TTL() <= 0 {
		return m.Delete(ctx, key)
	}
	return m.Set(ctx, key, entry)
}

// InvalidateCollection removes every entry cached for the Host, Endpoint and
// Account of key, across all queries and page tokens. Entries of other
// accounts and of sub-resources below Endpoint are kept.
// It returns the number of entries removed.
func (m *Manager) InvalidateCollection(ctx context.Context, key Key) (int, error) {
	var stale []string

	iter := m.redis.Scan(ctx, 0, key.collectionPattern(), scanBatch).Iterator()
	for iter.Next(ctx) {
		if key.sameCollection(iter.Val()) {
			stale = append(stale, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		CacheErrors.WithLabelValues("scan").Inc()
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	removed, err := m.redis.Del(ctx, stale...).Result()
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return 0, fmt.Errorf("redis del: %w", err)
	}

	CacheInvalidations.Add(float64(removed))
	return int(removed), nil
}

func decodeEntry(raw []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}
