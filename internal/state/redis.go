package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh the cache; reads check
// Redis first then fall back to the primary. Absent keys are cached with a
// sentinel to keep repeated getter polls off the database.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// absentSentinel marks a key known to be missing from the primary store.
const absentSentinel = "\x00absent"

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, cacheKey(key)).Result()
	if err == nil {
		if data == absentSentinel {
			return nil, false, nil
		}
		return json.RawMessage(data), true, nil
	}

	// Cache miss: read from primary.
	value, found, err := s.primary.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		s.rdb.Set(ctx, cacheKey(key), absentSentinel, s.ttl)
		return nil, false, nil
	}

	s.rdb.Set(ctx, cacheKey(key), string(value), s.ttl)
	return value, true, nil
}

func (s *CachedStore) Put(ctx context.Context, key string, value json.RawMessage) error {
	if err := s.primary.Put(ctx, key, value); err != nil {
		return err
	}
	s.rdb.Set(ctx, cacheKey(key), string(value), s.ttl)
	return nil
}

func (s *CachedStore) Delete(ctx context.Context, key string) error {
	if err := s.primary.Delete(ctx, key); err != nil {
		return err
	}
	s.rdb.Set(ctx, cacheKey(key), absentSentinel, s.ttl)
	return nil
}

// Keys is a passthrough: prefix scans always hit the primary.
func (s *CachedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.primary.Keys(ctx, prefix)
}

func cacheKey(key string) string { return fmt.Sprintf("statevar:%s", key) }
