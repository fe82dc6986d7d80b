package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerExclusion(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, "mailbox:7")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryAcquire(ctx, "mailbox:7")
	require.NoError(t, err)
	assert.False(t, ok, "second acquire on a held key must fail")

	held, err := l.Held(ctx, "mailbox:7")
	require.NoError(t, err)
	assert.True(t, held)

	// A different key is unaffected.
	ok, err = l.TryAcquire(ctx, "mailbox:8")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Release(ctx, "mailbox:7"))
	ok, err = l.TryAcquire(ctx, "mailbox:7")
	require.NoError(t, err)
	assert.True(t, ok, "released key must be acquirable again")
}

func TestRedisLockerExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLocker(client, time.Minute)
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, "mailbox:42")
	require.NoError(t, err)
	assert.True(t, ok)

	other := NewRedisLocker(client, time.Minute)
	ok, err = other.TryAcquire(ctx, "mailbox:42")
	require.NoError(t, err)
	assert.False(t, ok, "another instance must not acquire a held lock")

	held, err := other.Held(ctx, "mailbox:42")
	require.NoError(t, err)
	assert.True(t, held)

	// Release by a non-owner is a no-op.
	require.NoError(t, other.Release(ctx, "mailbox:42"))
	held, err = l.Held(ctx, "mailbox:42")
	require.NoError(t, err)
	assert.True(t, held, "non-owner release must not free the lock")

	require.NoError(t, l.Release(ctx, "mailbox:42"))
	ok, err = other.TryAcquire(ctx, "mailbox:42")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLocker(client, 5*time.Second)
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, "mailbox:9")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	ok, err = l.TryAcquire(ctx, "mailbox:9")
	require.NoError(t, err)
	assert.True(t, ok, "lock must be free after TTL expiry")
}
