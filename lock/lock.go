// Package lock provides the advisory per-session lock held while an artifact is merged.
package lock

import (
	"context"
	"fmt"
	"sync"
)

const keyPrefix = "chunkmerge:lock:"

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker serializes work on a key across concurrent callers.
type Locker interface {
	// Lock blocks until the lock for key is held or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
}

// Key returns the lock key of the session with the given prefix.
func Key(sessionPrefix string) string {
	return keyPrefix + sessionPrefix
}

// NopLocker never blocks.
type NopLocker struct{}

func (NopLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return func() {}, nil
}

// MemoryLocker serializes callers of one process. The zero value is ready to use.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	kl := l.acquireRef(key)

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.releaseRef(key, kl)
		return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.releaseRef(key, kl)
		})
	}, nil
}

func (l *MemoryLocker) acquireRef(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locks == nil {
		l.locks = map[string]*keyLock{}
	}
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *MemoryLocker) releaseRef(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
