package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/blueberrycongee/fellowship/internal/metrics"
)

// DedupeConfig configures a Deduplicator.
type DedupeConfig struct {
	// Name labels metrics.
	Name string
	// MaxAge lets a new call replace an in-flight entry older than this, so a
	// hung operation cannot pin its key. Zero disables the check.
	MaxAge time.Duration
}

type inflight[T any] struct {
	done    chan struct{}
	started time.Time
	val     T
	err     error
}

// Deduplicator collapses concurrent calls for the same key into one execution
// whose result every caller shares. Nothing is kept after the call settles.
type Deduplicator[T any] struct {
	cfg   DedupeConfig
	clock clockwork.Clock
	log   *slog.Logger

	mu    sync.Mutex
	calls map[string]*inflight[T]
}

// NewDeduplicator creates a deduplicator.
func NewDeduplicator[T any](cfg DedupeConfig, opts ...Option) *Deduplicator[T] {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	o := buildOptions(opts)
	return &Deduplicator[T]{
		cfg:   cfg,
		clock: o.clock,
		log:   o.logger,
		calls: make(map[string]*inflight[T]),
	}
}

// Do runs fn unless a call for key is already in flight, in which case it
// waits for and returns that call's result. The entry is registered before
// fn starts and removed once it settles, success or failure.
func (d *Deduplicator[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	d.mu.Lock()
	if c, ok := d.calls[key]; ok && !d.staleLocked(c) {
		d.mu.Unlock()
		metrics.DedupeCalls.WithLabelValues(d.cfg.Name, "shared").Inc()

		select {
		case <-c.done:
			return c.val, c.err
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}

	c := &inflight[T]{
		done:    make(chan struct{}),
		started: d.clock.Now(),
	}
	d.calls[key] = c
	d.mu.Unlock()
	metrics.DedupeCalls.WithLabelValues(d.cfg.Name, "leader").Inc()

	c.val, c.err = d.run(ctx, key, fn)
	close(c.done)

	d.mu.Lock()
	if current, ok := d.calls[key]; ok && current == c {
		delete(d.calls, key)
	}
	d.mu.Unlock()

	return c.val, c.err
}

// InFlight reports whether a call for key is outstanding.
func (d *Deduplicator[T]) InFlight(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.calls[key]
	return ok
}

// Len returns the number of outstanding keys.
func (d *Deduplicator[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// Forget drops key's entry so the next call runs fn again. Callers already
// waiting still receive the original result.
func (d *Deduplicator[T]) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.calls, key)
}

// ForgetAll drops every entry.
func (d *Deduplicator[T]) ForgetAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = make(map[string]*inflight[T])
}

func (d *Deduplicator[T]) staleLocked(c *inflight[T]) bool {
	return d.cfg.MaxAge > 0 && d.clock.Since(c.started) > d.cfg.MaxAge
}

func (d *Deduplicator[T]) run(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("deduplicated call panicked", "name", d.cfg.Name, "key", key, "panic", r)
			var zero T
			val = zero
			err = fmt.Errorf("deduplicated call %q panicked: %v", key, r)
		}
	}()
	return fn(ctx)
}
