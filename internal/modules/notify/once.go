// README: At-most-once markers: Redis SETNX across processes, a map within one process.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// OnceMarker reports true the first time a key is marked and false until
// the key is released. Markers do not expire on their own.
type OnceMarker interface {
	Mark(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type RedisOnce struct {
	redis *redis.Client
}

func NewRedisOnce(redis *redis.Client) *RedisOnce {
	return &RedisOnce{redis: redis}
}

func (r *RedisOnce) Mark(ctx context.Context, key string) (bool, error) {
	return r.redis.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), 0).Result()
}

func (r *RedisOnce) Release(ctx context.Context, key string) error {
	return r.redis.Del(ctx, key).Err()
}

// MemoryOnce is the single-process marker used when Redis is not configured.
type MemoryOnce struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryOnce() *MemoryOnce {
	return &MemoryOnce{seen: make(map[string]struct{})}
}

func (m *MemoryOnce) Mark(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	return true, nil
}

func (m *MemoryOnce) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}
