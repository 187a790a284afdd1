package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNeverExceedsLimit(t *testing.T) {
	l := New(3)
	ctx := context.Background()

	var peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(ctx))
			defer l.Release()

			cur := int64(l.InFlight())
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	require.Equal(t, 0, l.InFlight())
}

func TestFIFOOrder(t *testing.T) {
	l := New(1)
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(ctx))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Release()
		}()
		// Give each goroutine time to join the wait queue in sequence.
		time.Sleep(20 * time.Millisecond)
	}

	l.Release()
	wg.Wait()
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestAcquireCancellable(t *testing.T) {
	l := New(1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The cancelled waiter must not leak a slot.
	l.Release()
	require.Equal(t, 0, l.InFlight())
	require.NoError(t, l.Acquire(context.Background()))
	l.Release()
}

func TestSetLimitAdmitsWaiters(t *testing.T) {
	l := New(1)
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	admitted := make(chan struct{})
	go func() {
		_ = l.Acquire(ctx)
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("waiter admitted past the limit")
	case <-time.After(30 * time.Millisecond):
	}

	l.SetLimit(2)
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("raising the limit did not admit the waiter")
	}
	require.Equal(t, 2, l.InFlight())
}
