package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/fellowship/internal/metrics"
	"github.com/blueberrycongee/fellowship/internal/storage"
)

// brokenStore fails every operation.
type brokenStore struct{ err error }

func (b brokenStore) Get(context.Context, string) ([]byte, error)    { return nil, b.err }
func (b brokenStore) Set(context.Context, string, []byte) error      { return b.err }
func (b brokenStore) Delete(context.Context, string) error           { return b.err }
func (b brokenStore) Keys(context.Context, string) ([]string, error) { return nil, b.err }
func (b brokenStore) Ping(context.Context) error                     { return b.err }
func (b brokenStore) Close() error                                   { return nil }

func TestGuard_SwallowsAndReportsFailures(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	cause := errors.New("disk full")

	var failures []storage.Failure
	g := storage.NewGuard(brokenStore{err: cause}, "guard-test",
		storage.WithFailureHandler(func(f storage.Failure) { failures = append(failures, f) }),
		storage.WithGuardClock(clock),
	)

	counter := metrics.StorageFailures.WithLabelValues("guard-test", "set")
	before := testutil.ToFloat64(counter)

	assert.False(t, g.Set(ctx, "k", []byte("v")))
	val, ok := g.Get(ctx, "k")
	assert.False(t, ok)
	assert.Nil(t, val)
	assert.False(t, g.Delete(ctx, "k"))
	assert.Empty(t, g.Keys(ctx, "p"))

	require.Len(t, failures, 4)
	assert.Equal(t, "set", failures[0].Op)
	assert.Equal(t, "get", failures[1].Op)
	assert.Equal(t, "delete", failures[2].Op)
	assert.Equal(t, "keys", failures[3].Op)
	assert.Equal(t, "guard-test", failures[0].Component)
	assert.Equal(t, "k", failures[0].Key)
	assert.ErrorIs(t, failures[0].Err, cause)
	assert.Equal(t, clock.Now(), failures[0].At)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestGuard_PassesThroughOnSuccess(t *testing.T) {
	ctx := context.Background()
	called := false
	g := storage.NewGuard(storage.NewMemory(), "guard-ok",
		storage.WithFailureHandler(func(storage.Failure) { called = true }),
	)

	require.True(t, g.Enabled())
	_, ok := g.Get(ctx, "k")
	assert.False(t, ok, "missing key is a miss, not a failure")

	assert.True(t, g.Set(ctx, "k", []byte("v")))
	val, ok := g.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), val)
	assert.Equal(t, []string{"k"}, g.Keys(ctx, ""))
	assert.True(t, g.Delete(ctx, "k"))
	assert.False(t, called)
}

func TestGuard_NilStoreIsDisabled(t *testing.T) {
	ctx := context.Background()
	g := storage.NewGuard(nil, "none")

	assert.False(t, g.Enabled())
	assert.False(t, g.Set(ctx, "k", []byte("v")))
	_, ok := g.Get(ctx, "k")
	assert.False(t, ok)
	assert.Nil(t, g.Keys(ctx, ""))
}
