package offsets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/rebates/internal/shared"
)

// Locker grants the single-writer lease a pass holds over its target.
type Locker interface {
	// Acquire fails with ErrConcurrentRecompute when the target is held.
	Acquire(ctx context.Context, target Target) (Lease, error)
}

// Lease is a held pass lock.
type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// ErrLeaseLost reports a lease that expired or was taken over.
var ErrLeaseLost = errors.New("offsets: recompute lease lost")

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker holds pass locks in Redis so workers on different hosts
// exclude each other.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker builds a locker whose leases expire after ttl unless refreshed.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, target Target) (Lease, error) {
	key := shared.RecomputeLockKey(target.String())
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("offsets: acquire lock %s: %w", target, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConcurrentRecompute, target)
	}
	return &redisLease{client: l.client, key: key, token: token, ttl: l.ttl}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func (l *redisLease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("offsets: refresh lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("offsets: release lock %s: %w", l.key, err)
	}
	return nil
}

// LocalLocker excludes passes within one process. Used by the operator CLI
// when Redis is not configured, and in tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[Target]struct{}
}

// NewLocalLocker builds an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[Target]struct{})}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(_ context.Context, target Target) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[target]; busy {
		return nil, fmt.Errorf("%w: %s", ErrConcurrentRecompute, target)
	}
	l.held[target] = struct{}{}
	return &localLease{locker: l, target: target}, nil
}

type localLease struct {
	locker *LocalLocker
	target Target
	once   sync.Once
}

func (l *localLease) Refresh(context.Context) error { return nil }

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.target)
		l.locker.mu.Unlock()
	})
	return nil
}
