package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WatermarkStore deduplicates one-per-period actions across sweep runs and
// replicas. Acquire returns true exactly once per key until the TTL expires.
type WatermarkStore interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisWatermarkStore implements WatermarkStore with SET NX, so concurrent
// sweep replicas agree on who sends a reminder.
type RedisWatermarkStore struct {
	client redis.UniversalClient
}

// NewRedisWatermarkStore creates a Redis-backed watermark store. Panics on a
// nil client to fail fast during initialization.
func NewRedisWatermarkStore(client redis.UniversalClient) *RedisWatermarkStore {
	if client == nil {
		panic("reconcile: redis client is required")
	}
	return &RedisWatermarkStore{client: client}
}

func (s *RedisWatermarkStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire watermark %q: %w", key, err)
	}
	return ok, nil
}

// MemoryWatermarkStore implements WatermarkStore in memory for tests and
// single-process development.
type MemoryWatermarkStore struct {
	mu   sync.Mutex
	keys map[string]time.Time
}

func NewMemoryWatermarkStore() *MemoryWatermarkStore {
	return &MemoryWatermarkStore{keys: make(map[string]time.Time)}
}

func (s *MemoryWatermarkStore) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiry, exists := s.keys[key]; exists && expiry.After(now) {
		return false, nil
	}
	s.keys[key] = now.Add(ttl)
	return true, nil
}
