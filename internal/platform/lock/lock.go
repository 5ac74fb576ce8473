// Package lock provides non-blocking per-key locks used to guarantee a
// single in-flight registry submission per report.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned by TryLock when another holder owns the key.
var ErrLocked = errors.New("lock is held by another owner")

// Lock is a held lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker acquires locks without waiting.
type Locker interface {
	TryLock(ctx context.Context, key string) (Lock, error)
}

// LocalLocker is an in-process Locker. It only serializes callers within a
// single server instance.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an empty in-process locker.
func NewLocal() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(ctx context.Context, key string) (Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}
	return &localLock{owner: l, key: key}, nil
}

type localLock struct {
	owner *LocalLocker
	key   string
	once  sync.Once
}

func (l *localLock) Unlock(_ context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		delete(l.owner.held, l.key)
		l.owner.mu.Unlock()
	})
	return nil
}
