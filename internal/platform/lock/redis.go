package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithExpiry sets how long a lock survives without being released. It
// must exceed the longest registry call.
func WithExpiry(d time.Duration) RedisOption {
	return func(l *RedisLocker) { l.expiry = d }
}

// WithPrefix namespaces lock keys.
func WithPrefix(p string) RedisOption {
	return func(l *RedisLocker) { l.prefix = p }
}

// RedisLocker is a Locker shared by every server instance pointing at the
// same Redis.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	prefix string
}

// NewRedis builds a redsync-backed locker over client.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: 5 * time.Minute,
		prefix: "phreport:lock:",
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Lock, error) {
	mutex := l.rs.NewMutex(l.prefix+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.TryLockContext(ctx); err != nil {
		var taken redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return &redisLock{mutex: mutex}, nil
}

type redisLock struct {
	mutex *redsync.Mutex
}

func (l *redisLock) Unlock(ctx context.Context) error {
	if _, err := l.mutex.UnlockContext(ctx); err != nil && !errors.Is(err, redsync.ErrLockAlreadyExpired) {
		return fmt.Errorf("release lock %s: %w", l.mutex.Name(), err)
	}
	return nil
}
