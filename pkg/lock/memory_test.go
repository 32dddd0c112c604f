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
)

func TestMemoryLocker_MutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemoryLocker()

	var acquired atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := l.TryLock(ctx, "send:m-1", fmt.Sprintf("token-%d", i), time.Minute)
			assert.NoError(t, err)
			if ok {
				acquired.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load(), "exactly one contender must win")
}

func TestMemoryLocker_UnlockRequiresMatchingToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemoryLocker()

	ok, err := l.TryLock(ctx, "k", "owner", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := l.Unlock(ctx, "k", "intruder")
	require.NoError(t, err)
	assert.False(t, released)

	holder, held := l.Holder("k")
	assert.True(t, held)
	assert.Equal(t, "owner", holder)

	ok, err = l.TryLock(ctx, "k", "intruder", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock must still be held by owner")

	released, err = l.Unlock(ctx, "k", "owner")
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = l.TryLock(ctx, "k", "next", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLocker_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }

	ok, err := l.TryLock(ctx, "k", "a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(11 * time.Second)

	ok, err = l.TryLock(ctx, "k", "b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	// the first holder's late release must not drop b's lease
	released, err := l.Unlock(ctx, "k", "a")
	require.NoError(t, err)
	assert.False(t, released)
	holder, _ := l.Holder("k")
	assert.Equal(t, "b", holder)
}

func TestMemoryLocker_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemoryLocker()

	_, err := l.TryLock(ctx, "", "t", time.Second)
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = l.TryLock(ctx, "k", "", time.Second)
	assert.ErrorIs(t, err, ErrEmptyToken)
	_, err = l.TryLock(ctx, "k", "t", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
	_, err = l.Unlock(ctx, "", "t")
	assert.ErrorIs(t, err, ErrEmptyKey)
}
