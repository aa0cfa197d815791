package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/fakesocket-go/storage"
	"github.com/ggoodman/fakesocket-go/storage/storagetest"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2, // Use separate DB for storage tests
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisBackend(t *testing.T) {
	probe := newTestClient(t)
	_ = probe.Close()

	storagetest.RunBackendTests(t, func(t *testing.T) storage.Backend {
		client := newTestClient(t)
		prefix := "fakesocket-test:" + uuid.NewString() + ":"
		t.Cleanup(func() {
			ctx := context.Background()
			c := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 2})
			defer c.Close()
			iter := c.Scan(ctx, 0, prefix+"*", 100).Iterator()
			for iter.Next(ctx) {
				c.Del(ctx, iter.Val())
			}
		})
		return NewWithClient(client, Config{KeyPrefix: prefix})
	})
}

func TestStoreFailsAfterLockExpires(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	prefix := "fakesocket-test:" + uuid.NewString() + ":"
	b := NewWithClient(client, Config{KeyPrefix: prefix, LockTTL: 50 * time.Millisecond})
	defer b.Close()
	defer client.Del(ctx, b.docKey("c"), b.lockKey("c"))

	l, err := b.Acquire(ctx, "c")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	other, err := b.Acquire(ctx, "c")
	require.NoError(t, err)
	defer other.Release(ctx)

	require.ErrorIs(t, l.Store(ctx, []byte(`{}`)), ErrLockLost)
	require.NoError(t, l.Release(ctx))

	// The stale release must not free the new holder's lock.
	held, err := client.Get(ctx, b.lockKey("c")).Result()
	require.NoError(t, err)
	require.NotEmpty(t, held)
}
