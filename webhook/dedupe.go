package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator remembers delivery keys for a while so that a redelivered
// payload is acknowledged without being processed twice.
type Deduplicator interface {
	// Claim records key and reports whether this caller was first.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key, so a failed delivery can be retried.
	Release(ctx context.Context, key string) error
}

// RedisDeduplicator keeps delivery keys in Redis with SET NX.
type RedisDeduplicator struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDeduplicator creates a deduplicator whose keys are namespaced by prefix.
func NewRedisDeduplicator(client redis.UniversalClient, prefix string) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, prefix: prefix}
}

func (d *RedisDeduplicator) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (d *RedisDeduplicator) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}

// MemoryDeduplicator keeps delivery keys in process memory.
type MemoryDeduplicator struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemoryDeduplicator creates an empty deduplicator.
func NewMemoryDeduplicator() *MemoryDeduplicator {
	return &MemoryDeduplicator{keys: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduplicator) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, expires := range d.keys {
		if !now.Before(expires) {
			delete(d.keys, k)
		}
	}
	if _, ok := d.keys[key]; ok {
		return false, nil
	}
	d.keys[key] = now.Add(ttl)
	return true, nil
}

func (d *MemoryDeduplicator) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
	return nil
}
