package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSemaphore_InvalidCapacity(t *testing.T) {
	if got := NewSemaphore(0).Capacity(); got != 1 {
		t.Errorf("Capacity() = %v, want 1 for zero input", got)
	}
	if got := NewSemaphore(-5).Capacity(); got != 1 {
		t.Errorf("Capacity() = %v, want 1 for negative input", got)
	}
}

func TestSemaphore_TryAcquireAndRelease(t *testing.T) {
	s := NewSemaphore(2)

	assert.True(t, s.TryAcquire())
	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire(), "full semaphore should refuse")
	assert.Equal(t, 2, s.Current())
	assert.Equal(t, 0, s.Available())

	s.Release()
	s.Release()
	s.Release() // extra release is a no-op
	assert.Equal(t, 2, s.Available())
}

func TestSemaphore_AcquireHonorsContext(t *testing.T) {
	s := NewSemaphore(1)
	require.True(t, s.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Acquire(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Acquire() did not return after cancel")
	}

	s.Release()
	assert.True(t, s.TryAcquire(), "semaphore should be usable after a canceled acquire")
}

func TestSemaphore_BoundsConcurrency(t *testing.T) {
	s := NewSemaphore(3)
	var running, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.Acquire(context.Background()))
			defer s.Release()

			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 0, s.Current())
}
