// Package distlock provides mutual exclusion for per-mailbox operations.
//
// A single server instance uses the in-memory locker. When a Redis address
// is configured, locks are taken via SET NX with a TTL so that multiple
// instances sharing one database never check the same mailbox concurrently.
package distlock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker serializes work on a string key (mailbox id, notification id).
type Locker interface {
	// TryAcquire takes the lock for key if it is free. Returns true on success.
	TryAcquire(ctx context.Context, key string) (bool, error)
	// Release frees the lock for key if this locker still owns it.
	Release(ctx context.Context, key string) error
	// Held reports whether the lock for key is currently taken.
	Held(ctx context.Context, key string) (bool, error)
}

// New returns a Redis-backed locker when client is non-nil, otherwise an
// in-process locker. ttl bounds how long a crashed holder can wedge a key.
func New(client *redis.Client, ttl time.Duration) Locker {
	if client != nil {
		return NewRedisLocker(client, ttl)
	}
	return NewMemoryLocker()
}

// MemoryLocker implements Locker with a process-local key set.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for key if it is free.
func (l *MemoryLocker) TryAcquire(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = struct{}{}
	return true, nil
}

// Release frees the lock for key.
func (l *MemoryLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

// Held reports whether key is locked.
func (l *MemoryLocker) Held(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok, nil
}
