//go:build integration
// +build integration

package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const redisImage = "redis:7.2-alpine"

func setupRedis(t *testing.T) *RedisLocker {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        redisImage,
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := NewRedisClient(RedisConfig{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	return NewRedisLocker(client, "test:lock:")
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	l := setupRedis(t)
	ctx := context.Background()

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := l.TryLock(ctx, "send:m-1", fmt.Sprintf("token-%d", i), 10*time.Second)
			assert.NoError(t, err)
			if ok {
				acquired.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), acquired.Load())
}

func TestRedisLocker_CompareAndDelete(t *testing.T) {
	l := setupRedis(t)
	ctx := context.Background()

	ok, err := l.TryLock(ctx, "k", "owner", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := l.Unlock(ctx, "k", "intruder")
	require.NoError(t, err)
	assert.False(t, released)

	val, err := l.client.Get(ctx, "test:lock:k").Result()
	require.NoError(t, err)
	assert.Equal(t, "owner", val)

	released, err = l.Unlock(ctx, "k", "owner")
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = l.TryLock(ctx, "k", "next", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_LeaseExpires(t *testing.T) {
	l := setupRedis(t)
	ctx := context.Background()

	ok, err := l.TryLock(ctx, "k", "a", 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, err := l.TryLock(ctx, "k", "b", 10*time.Second)
		return err == nil && ok
	}, 3*time.Second, 50*time.Millisecond)
}
