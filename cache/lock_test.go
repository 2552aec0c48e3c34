package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixguard/mixcache/pkg/fault"
)

func TestTryLock_MutualExclusion(t *testing.T) {
	l, _, _ := newTestLayer(t, nil)
	ctx := context.Background()

	var acquired atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lock, err := l.TryLock(ctx, "X", time.Minute, "")
			assert.NoError(t, err)
			if lock.Acquired {
				acquired.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load(), "exactly one caller holds the lock")
}

func TestUnlock_RequiresOwner(t *testing.T) {
	l, mr, _ := newTestLayer(t, nil)
	ctx := context.Background()

	lock, err := l.TryLock(ctx, "X", time.Minute, "ownerA")
	require.NoError(t, err)
	require.True(t, lock.Acquired)
	assert.Equal(t, "ownerA", lock.Owner)
	assert.Equal(t, time.Minute, lock.ExpiresAt.Sub(lock.AcquiredAt))

	released, err := l.Unlock(ctx, "X", "ownerB")
	require.NoError(t, err)
	assert.False(t, released, "a non-owner cannot release")
	assert.True(t, mr.Exists("mixer:lock:X"))

	released, err = l.Unlock(ctx, "X", "ownerA")
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("mixer:lock:X"))
}

func TestTryLock_ExpiredLockIsReclaimable(t *testing.T) {
	l, mr, _ := newTestLayer(t, nil)
	ctx := context.Background()

	lock, err := l.TryLock(ctx, "X", time.Second, "ownerA")
	require.NoError(t, err)
	require.True(t, lock.Acquired)

	again, err := l.TryLock(ctx, "X", time.Second, "ownerB")
	require.NoError(t, err)
	assert.False(t, again.Acquired)

	mr.FastForward(time.Second)

	again, err = l.TryLock(ctx, "X", time.Second, "ownerB")
	require.NoError(t, err)
	assert.True(t, again.Acquired)

	released, err := l.Unlock(ctx, "X", "ownerA")
	require.NoError(t, err)
	assert.False(t, released, "the previous owner lost the lock on expiry")
}

func TestExtendLock(t *testing.T) {
	l, mr, _ := newTestLayer(t, nil)
	ctx := context.Background()

	_, err := l.TryLock(ctx, "X", time.Second, "ownerA")
	require.NoError(t, err)

	ok, err := l.ExtendLock(ctx, "X", "ownerB", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.ExtendLock(ctx, "X", "ownerA", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("mixer:lock:X"))
}

func TestTryLock_InvalidTTL(t *testing.T) {
	l, _, _ := newTestLayer(t, nil)

	lock, err := l.TryLock(context.Background(), "X", 0, "")
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)
	assert.False(t, lock.Acquired)
}

func TestTryLock_FailsClosed(t *testing.T) {
	l, mr, _ := newTestLayer(t, nil)
	mr.Close()

	lock, err := l.TryLock(context.Background(), "X", time.Second, "")
	assert.Error(t, err)
	assert.False(t, lock.Acquired, "ambiguous outcomes never claim the lock")
}
