// Package locks provides short-lived exclusive leases keyed by string. The
// mint orchestrator holds one per identity for the duration of a submission so
// that two concurrent requests never both reach the ledger.
//
// RedisLocker works across processes; MemoryLocker only within one.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// Lease is a held lock. Release is idempotent from the caller's point of
// view: releasing an expired lease returns an error but has no effect.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases. Acquire fails with interfaces.ErrConflict when the
// key is held by someone else.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

func heldError(key string) error {
	return interfaces.Errorf(interfaces.ErrConflict, "locks.Acquire", "lock for key %s is already held", key)
}

// RedisLocker implements Locker with SET NX and a compare-and-delete script.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a locker whose keys are namespaced by prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire takes key for ttl.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lease := &redisLease{
		client: l.client,
		key:    l.prefix + key,
		value:  uuid.NewString(),
	}

	ok, err := l.client.SetNX(ctx, lease.key, lease.value, ttl).Result()
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrExternalService, "locks.Acquire", err)
	}
	if !ok {
		return nil, heldError(key)
	}
	return lease, nil
}

const unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"

type redisLease struct {
	client redis.UniversalClient
	key    string
	value  string
}

func (l *redisLease) Release(ctx context.Context) error {
	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", l.key)
	}
	return nil
}

// MemoryLocker implements Locker within a single process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryEntry), now: time.Now}
}

// Acquire takes key for ttl.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.held[key]; ok && now.Before(entry.expires) {
		return nil, heldError(key)
	}

	token := uuid.NewString()
	l.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()

	entry, ok := l.locker.held[l.key]
	if !ok || entry.token != l.token {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", l.key)
	}
	delete(l.locker.held, l.key)
	return nil
}
