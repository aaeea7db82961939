package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySerializesSameKey(t *testing.T) {
	locker := NewMemory()
	ctx := context.Background()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := locker.Acquire(ctx, "org/branch/COMPLIANCE")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, lease.Release(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, locker.Len())
}

func TestMemoryIndependentKeys(t *testing.T) {
	locker := NewMemory()
	ctx := context.Background()

	a, err := locker.Acquire(ctx, "a")
	require.NoError(t, err)
	b, err := locker.Acquire(ctx, "b")
	require.NoError(t, err)

	assert.Equal(t, "a", a.Key())
	assert.Equal(t, "b", b.Key())
	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Release(ctx))
}

func TestMemoryAcquireHonoursContext(t *testing.T) {
	locker := NewMemory()
	held, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = locker.Acquire(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held.Release(context.Background()))
	assert.Equal(t, 0, locker.Len())
}

func TestMemoryReleaseIsIdempotent(t *testing.T) {
	locker := NewMemory()
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	again, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestMemoryCheckReportsRelease(t *testing.T) {
	locker := NewMemory()
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, lease.Check(ctx))

	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Check(ctx), ErrLeaseLost)
}
