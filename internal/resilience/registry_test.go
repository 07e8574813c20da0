package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/fellowship/pkg/errors"
)

// stubDistributed is a DistributedLimiter driven by a function.
type stubDistributed struct {
	fn func(ctx context.Context, descriptors []Descriptor) ([]LimitResult, error)
}

func (s *stubDistributed) CheckAllow(ctx context.Context, descriptors []Descriptor) ([]LimitResult, error) {
	return s.fn(ctx, descriptors)
}

func newTestRegistry(t *testing.T, cfg RegistryConfig, opts ...RegistryOption) (*Registry, fakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts = append(opts, WithLimiterOptions(WithClock(clock)))
	r := NewRegistry(cfg, opts...)
	t.Cleanup(r.Close)
	return r, clock
}

func TestRegistry_UnknownNameAllows(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})
	ctx := context.Background()

	assert.True(t, r.Allow(ctx, "nope", "k"))
	assert.NoError(t, r.Check(ctx, "nope", "k"))
	assert.NoError(t, r.Wait(ctx, "nope", "k"))
	_, ok := r.Tokens("nope", "k")
	assert.False(t, ok)
}

func TestRegistry_CheckReturnsRateLimitError(t *testing.T) {
	r, clock := newTestRegistry(t, RegistryConfig{})
	require.NoError(t, r.Register("auth", Limit{TokensPerInterval: 2, Interval: time.Minute}))
	ctx := context.Background()

	require.NoError(t, r.Check(ctx, "auth", "member-1"))
	require.NoError(t, r.Check(ctx, "auth", "member-1"))

	err := r.Check(ctx, "auth", "member-1")
	require.ErrorIs(t, err, errors.ErrRateLimited)

	var rlErr *errors.Error
	require.True(t, stderrors.As(err, &rlErr))
	assert.Equal(t, 30*time.Second, rlErr.RetryAfter)
	assert.Equal(t, "member-1", rlErr.Key)

	clock.Advance(30 * time.Second)
	assert.NoError(t, r.Check(ctx, "auth", "member-1"))
}

func TestRegistry_Do(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})
	require.NoError(t, r.Register("heavy", Limit{TokensPerInterval: 1, Interval: time.Minute}))
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) error {
		calls++
		return nil
	}

	require.NoError(t, r.Do(ctx, "heavy", "k", fn))
	err := r.Do(ctx, "heavy", "k", fn)
	assert.ErrorIs(t, err, errors.ErrRateLimited)
	assert.Equal(t, 1, calls, "fn must not run when the limit is exhausted")
}

func TestRegistry_Wait(t *testing.T) {
	r, clock := newTestRegistry(t, RegistryConfig{})
	require.NoError(t, r.Register("search", Limit{TokensPerInterval: 1, Interval: time.Second}))
	ctx := context.Background()

	require.NoError(t, r.Check(ctx, "search", "k"))

	done := make(chan error, 1)
	go func() {
		done <- r.Wait(ctx, "search", "k")
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after refill")
	}
}

func TestRegistry_Apply(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})
	ctx := context.Background()
	require.NoError(t, r.Apply(DefaultLimits()))
	assert.Equal(t, []string{"api", "auth", "heavy", "search"}, r.Names())

	require.NoError(t, r.Check(ctx, "api", "k"))
	before, _ := r.Tokens("api", "k")

	limits := DefaultLimits()
	delete(limits, LimitHeavy)
	limits[LimitSearch] = Limit{TokensPerInterval: 1, Interval: time.Minute}
	require.NoError(t, r.Apply(limits))

	assert.Equal(t, []string{"api", "auth", "search"}, r.Names())
	after, _ := r.Tokens("api", "k")
	assert.Equal(t, before, after, "unchanged limiter keeps its buckets")

	search, ok := r.Limiter("search")
	require.True(t, ok)
	assert.Equal(t, 1.0, search.Config().MaxTokens)

	err := r.Apply(map[string]Limit{"broken": {}})
	assert.Error(t, err)
}

func TestRegistry_SharedLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("uses distributed result", func(t *testing.T) {
		var seen []Descriptor
		d := &stubDistributed{fn: func(_ context.Context, descs []Descriptor) ([]LimitResult, error) {
			seen = append(seen, descs...)
			return []LimitResult{{Allowed: false, ResetAt: 60}}, nil
		}}
		r, _ := newTestRegistry(t, RegistryConfig{}, WithDistributed(d))
		require.NoError(t, r.Register("auth", Limit{TokensPerInterval: 5, Interval: time.Minute, Shared: true}))

		err := r.Check(ctx, "auth", "member-1")
		require.ErrorIs(t, err, errors.ErrRateLimited)
		require.Len(t, seen, 1)
		assert.Equal(t, Descriptor{
			Key:    "auth",
			Value:  "member-1",
			Limit:  5,
			Type:   LimitTypeRequests,
			Window: time.Minute,
		}, seen[0])
	})

	t.Run("fail open", func(t *testing.T) {
		d := &stubDistributed{fn: func(context.Context, []Descriptor) ([]LimitResult, error) {
			return nil, stderrors.New("redis down")
		}}
		r, _ := newTestRegistry(t, RegistryConfig{FailOpen: true}, WithDistributed(d))
		require.NoError(t, r.Register("auth", Limit{TokensPerInterval: 1, Interval: time.Minute, Shared: true}))

		assert.NoError(t, r.Check(ctx, "auth", "k"))
		assert.NoError(t, r.Check(ctx, "auth", "k"))
	})

	t.Run("fail closed", func(t *testing.T) {
		d := &stubDistributed{fn: func(context.Context, []Descriptor) ([]LimitResult, error) {
			return nil, stderrors.New("redis down")
		}}
		r, _ := newTestRegistry(t, RegistryConfig{FailOpen: false}, WithDistributed(d))
		require.NoError(t, r.Register("auth", Limit{TokensPerInterval: 1, Interval: time.Minute, Shared: true}))

		assert.ErrorIs(t, r.Check(ctx, "auth", "k"), errors.ErrRateLimited)
	})

	t.Run("redis backed", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))

		r := NewRegistry(RegistryConfig{},
			WithDistributed(NewRedisLimiter(client, "fellowship", WithClock(clock))),
			WithLimiterOptions(WithClock(clock)),
		)
		t.Cleanup(r.Close)
		require.NoError(t, r.Register("auth", Limit{TokensPerInterval: 2, Interval: time.Minute, Shared: true}))

		assert.NoError(t, r.Check(ctx, "auth", "k"))
		assert.NoError(t, r.Check(ctx, "auth", "k"))

		err := r.Check(ctx, "auth", "k")
		var rlErr *errors.Error
		require.True(t, stderrors.As(err, &rlErr))
		assert.Equal(t, time.Minute, rlErr.RetryAfter)
	})
}
