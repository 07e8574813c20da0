package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/fellowship/internal/metrics"
)

func TestDeduplicator_CollapsesConcurrentCalls(t *testing.T) {
	d := NewDeduplicator[string](DedupeConfig{Name: "members"})
	shared := metrics.DedupeCalls.WithLabelValues("members", "shared")
	sharedBefore := testutil.ToFloat64(shared)
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "member-1", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := d.Do(context.Background(), "k", fn)
			assert.NoError(t, err)
			results[i] = val
		}()
	}

	require.Eventually(t, func() bool {
		return calls.Load() == 1 && testutil.ToFloat64(shared) == sharedBefore+1
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"member-1", "member-1"}, results)
	assert.False(t, d.InFlight("k"), "entry is removed once the call settles")

	_, err := d.Do(context.Background(), "k", func(context.Context) (string, error) {
		calls.Add(1)
		return "member-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "a call after settlement runs again")
}

func TestDeduplicator_SharesErrorsAndClears(t *testing.T) {
	d := NewDeduplicator[int](DedupeConfig{})
	cause := stderrors.New("upstream failed")

	_, err := d.Do(context.Background(), "k", func(context.Context) (int, error) {
		return 0, cause
	})
	assert.ErrorIs(t, err, cause)
	assert.False(t, d.InFlight("k"))
	assert.Equal(t, 0, d.Len())
}

func TestDeduplicator_RecoversPanics(t *testing.T) {
	d := NewDeduplicator[int](DedupeConfig{})

	_, err := d.Do(context.Background(), "k", func(context.Context) (int, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.False(t, d.InFlight("k"))
}

func TestDeduplicator_WaiterHonorsContext(t *testing.T) {
	d := NewDeduplicator[int](DedupeConfig{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _ = d.Do(context.Background(), "k", func(context.Context) (int, error) {
			<-release
			return 1, nil
		})
	}()
	require.Eventually(t, func() bool { return d.InFlight("k") }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Do(ctx, "k", func(context.Context) (int, error) {
		t.Error("fn must not run while another call is in flight")
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeduplicator_ForgetAndForgetAll(t *testing.T) {
	d := NewDeduplicator[int](DedupeConfig{})
	release := make(chan struct{})
	var calls atomic.Int32

	slow := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 1, nil
	}

	go func() { _, _ = d.Do(context.Background(), "a", slow) }()
	go func() { _, _ = d.Do(context.Background(), "b", slow) }()
	require.Eventually(t, func() bool { return d.Len() == 2 }, time.Second, time.Millisecond)

	d.Forget("a")
	assert.False(t, d.InFlight("a"))
	assert.True(t, d.InFlight("b"))

	d.ForgetAll()
	assert.Equal(t, 0, d.Len())

	close(release)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestDeduplicator_MaxAgeReplacesStaleEntry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := NewDeduplicator[string](DedupeConfig{MaxAge: time.Minute}, WithClock(clock))
	hung := make(chan struct{})
	defer close(hung)

	go func() {
		_, _ = d.Do(context.Background(), "k", func(context.Context) (string, error) {
			<-hung
			return "stale", nil
		})
	}()
	require.Eventually(t, func() bool { return d.InFlight("k") }, time.Second, time.Millisecond)

	clock.Advance(2 * time.Minute)
	val, err := d.Do(context.Background(), "k", func(context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", val)
}
