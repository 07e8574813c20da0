// Package storage provides the persisted key/value stores used by the
// idempotency cache and the offline queue, plus a best-effort guard that turns
// store failures into logged, counted and observable events.
package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/blueberrycongee/fellowship/internal/metrics"
	"github.com/blueberrycongee/fellowship/pkg/errors"
)

// Type names a store backend.
type Type string

const (
	TypeMemory   Type = "memory"   // In-process store
	TypeRedis    Type = "redis"    // Redis store
	TypePostgres Type = "postgres" // PostgreSQL table store
)

// Store is a generic async key/value store. Only per-key get/set atomicity is
// assumed.
type Store interface {
	// Get returns the value stored under key.
	// Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists the keys starting with prefix. An empty prefix lists every key.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Failure describes a swallowed store error.
type Failure struct {
	Component string
	Op        string
	Key       string
	Err       error
	At        time.Time
}

// FailureHandler receives swallowed store errors.
type FailureHandler func(Failure)

// Guard wraps a Store with the best-effort persistence policy: every error is
// logged, counted and reported to the handler, and the caller only learns
// whether the operation succeeded.
type Guard struct {
	store     Store
	component string
	logger    *slog.Logger
	clock     clockwork.Clock
	onFailure FailureHandler
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithFailureHandler registers a handler for swallowed errors.
func WithFailureHandler(fn FailureHandler) GuardOption {
	return func(g *Guard) {
		g.onFailure = fn
	}
}

// WithGuardLogger sets the logger used for swallowed errors.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGuardClock sets the clock used to timestamp failures.
func WithGuardClock(clock clockwork.Clock) GuardOption {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGuard creates a guard for component. A nil store makes every operation a
// no-op miss, which is the memory-only degraded mode.
func NewGuard(store Store, component string, opts ...GuardOption) *Guard {
	g := &Guard{
		store:     store,
		component: component,
		logger:    slog.Default(),
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enabled reports whether a backing store is configured.
func (g *Guard) Enabled() bool {
	return g != nil && g.store != nil
}

// Get returns the stored value, or nil when the key is missing or the store failed.
func (g *Guard) Get(ctx context.Context, key string) ([]byte, bool) {
	if !g.Enabled() {
		return nil, false
	}
	val, err := g.store.Get(ctx, key)
	if err != nil {
		g.fail(ctx, "get", key, err)
		return nil, false
	}
	return val, val != nil
}

// Set stores value and reports whether it was persisted.
func (g *Guard) Set(ctx context.Context, key string, value []byte) bool {
	if !g.Enabled() {
		return false
	}
	if err := g.store.Set(ctx, key, value); err != nil {
		g.fail(ctx, "set", key, err)
		return false
	}
	return true
}

// Delete removes key and reports whether the store accepted the removal.
func (g *Guard) Delete(ctx context.Context, key string) bool {
	if !g.Enabled() {
		return false
	}
	if err := g.store.Delete(ctx, key); err != nil {
		g.fail(ctx, "delete", key, err)
		return false
	}
	return true
}

// Keys lists keys with prefix; a failure yields an empty list.
func (g *Guard) Keys(ctx context.Context, prefix string) []string {
	if !g.Enabled() {
		return nil
	}
	keys, err := g.store.Keys(ctx, prefix)
	if err != nil {
		g.fail(ctx, "keys", prefix, err)
		return nil
	}
	return keys
}

// Report records a failure that happened outside the store itself, such as a
// decode error on a persisted value.
func (g *Guard) Report(ctx context.Context, op, key string, err error) {
	g.fail(ctx, op, key, err)
}

func (g *Guard) fail(ctx context.Context, op, key string, err error) {
	metrics.StorageFailures.WithLabelValues(g.component, op).Inc()
	g.logger.WarnContext(ctx, "storage operation failed, continuing in memory",
		"component", g.component,
		"op", op,
		"key", key,
		"error", errors.NewStorageError(op, key, err),
	)
	if g.onFailure != nil {
		g.onFailure(Failure{
			Component: g.component,
			Op:        op,
			Key:       key,
			Err:       err,
			At:        g.clock.Now(),
		})
	}
}
