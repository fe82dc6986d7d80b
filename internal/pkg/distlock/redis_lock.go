package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker via Redis SET NX with TTL. Each acquired key
// stores a random ownership value; release uses a Lua script so one instance
// can never free a lock another instance holds.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration

	mu     sync.Mutex
	owners map[string]string
}

// NewRedisLocker creates a Redis-backed locker. Locks expire after ttl even
// if the holder crashes.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		owners: make(map[string]string),
	}
}

func lockKey(key string) string {
	return fmt.Sprintf("mailhub:lock:%s", key)
}

// TryAcquire takes the lock for key if no instance holds it.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (bool, error) {
	b := make([]byte, 16)
	rand.Read(b)
	value := hex.EncodeToString(b)

	ok, err := l.client.SetNX(ctx, lockKey(key), value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if ok {
		l.mu.Lock()
		l.owners[key] = value
		l.mu.Unlock()
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Release frees the lock for key if this instance still owns it.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	value, ok := l.owners[key]
	delete(l.owners, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := releaseScript.Run(ctx, l.client, []string{lockKey(key)}, value).Result()
	return err
}

// Held reports whether any instance holds the lock for key.
func (l *RedisLocker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, lockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", key, err)
	}
	return n > 0, nil
}
