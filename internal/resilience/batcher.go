package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/blueberrycongee/fellowship/internal/metrics"
	"github.com/blueberrycongee/fellowship/pkg/errors"
)

// BatchFunc loads values for keys in one call. It must return exactly one
// value per key, in the same order.
type BatchFunc[K comparable, V any] func(ctx context.Context, keys []K) ([]V, error)

// BatcherConfig configures a Batcher.
type BatcherConfig struct {
	// Name labels metrics and logs.
	Name string `yaml:"name"`
	// Window is how long keys are collected before a batch fires.
	Window time.Duration `yaml:"window"`
	// MaxBatchSize fires a batch early once this many distinct keys are queued.
	MaxBatchSize int `yaml:"max_batch_size"`
	// MaxConcurrent caps batches executing at once. Zero means unbounded.
	MaxConcurrent int `yaml:"max_concurrent"`
	// Timeout bounds each batch function call. Zero means no timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultBatcherConfig returns sensible defaults.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		Name:         "default",
		Window:       10 * time.Millisecond,
		MaxBatchSize: 100,
	}
}

type batchResult[V any] struct {
	val V
	err error
}

type batch[K comparable, V any] struct {
	keys    []K
	waiters [][]chan batchResult[V]
}

// Batcher coalesces point lookups made within a window into one call of a
// BatchFunc. Concurrent loads of the same pending key share one slot in the
// batch. A failed batch fails every waiter in it.
type Batcher[K comparable, V any] struct {
	fn    BatchFunc[K, V]
	cfg   BatcherConfig
	clock clockwork.Clock
	log   *slog.Logger
	sem   *Semaphore

	mu      sync.Mutex
	queue   []K
	waiters map[K][]chan batchResult[V]
	timer   clockwork.Timer
	gen     uint64

	inflight sync.WaitGroup
}

// NewBatcher creates a batcher around fn.
func NewBatcher[K comparable, V any](fn BatchFunc[K, V], cfg BatcherConfig, opts ...Option) *Batcher[K, V] {
	defaults := DefaultBatcherConfig()
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}

	o := buildOptions(opts)
	b := &Batcher[K, V]{
		fn:      fn,
		cfg:     cfg,
		clock:   o.clock,
		log:     o.logger,
		waiters: make(map[K][]chan batchResult[V]),
	}
	if cfg.MaxConcurrent > 0 {
		b.sem = NewSemaphore(cfg.MaxConcurrent)
	}
	return b
}

// Load schedules key into the current window and waits for its value.
// Cancelling ctx abandons the wait; the key still runs with its batch.
func (b *Batcher[K, V]) Load(ctx context.Context, key K) (V, error) {
	ch := make(chan batchResult[V], 1)

	b.mu.Lock()
	if ws, ok := b.waiters[key]; ok {
		b.waiters[key] = append(ws, ch)
	} else {
		b.queue = append(b.queue, key)
		b.waiters[key] = []chan batchResult[V]{ch}
	}

	var ready *batch[K, V]
	if len(b.queue) >= b.cfg.MaxBatchSize {
		b.stopTimerLocked()
		ready = b.takeLocked()
		if len(b.queue) > 0 {
			b.armLocked()
		}
	} else if b.timer == nil {
		b.armLocked()
	}
	b.mu.Unlock()

	if ready != nil {
		b.dispatch(ready)
	}

	select {
	case res := <-ch:
		return res.val, res.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// LoadMany loads every key and returns values in key order. It returns the
// first error encountered.
func (b *Batcher[K, V]) LoadMany(ctx context.Context, keys []K) ([]V, error) {
	type indexed struct {
		i   int
		val V
		err error
	}

	results := make(chan indexed, len(keys))
	for i, key := range keys {
		go func() {
			val, err := b.Load(ctx, key)
			results <- indexed{i: i, val: val, err: err}
		}()
	}

	out := make([]V, len(keys))
	var firstErr error
	for range keys {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		out[r.i] = r.val
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Pending returns the number of distinct keys waiting for a batch.
func (b *Batcher[K, V]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Waiting returns the number of Load calls waiting for a batch.
func (b *Batcher[K, V]) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, ws := range b.waiters {
		n += len(ws)
	}
	return n
}

// Clear cancels the pending window and fails every queued waiter. Batches
// already executing are not affected.
func (b *Batcher[K, V]) Clear() {
	b.mu.Lock()
	b.stopTimerLocked()
	b.gen++
	waiters := b.waiters
	b.queue = nil
	b.waiters = make(map[K][]chan batchResult[V])
	b.mu.Unlock()

	err := errors.NewBatchError(fmt.Sprintf("batcher %q cleared", b.cfg.Name), nil)
	for _, ws := range waiters {
		for _, ch := range ws {
			ch <- batchResult[V]{err: err}
		}
	}
}

// Close clears the batcher and waits for executing batches to finish.
func (b *Batcher[K, V]) Close() {
	b.Clear()
	b.inflight.Wait()
}

// armLocked starts the window timer. The generation guards against a timer
// that fires after it was superseded.
func (b *Batcher[K, V]) armLocked() {
	b.gen++
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.cfg.Window, func() {
		go b.fire(gen)
	})
}

func (b *Batcher[K, V]) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Batcher[K, V]) fire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || b.timer == nil {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	ready := b.takeLocked()
	if len(b.queue) > 0 {
		b.armLocked()
	}
	b.mu.Unlock()

	if ready != nil {
		b.dispatch(ready)
	}
}

// takeLocked pops up to MaxBatchSize keys and their waiters.
func (b *Batcher[K, V]) takeLocked() *batch[K, V] {
	n := min(len(b.queue), b.cfg.MaxBatchSize)
	if n == 0 {
		return nil
	}

	ready := &batch[K, V]{
		keys:    make([]K, n),
		waiters: make([][]chan batchResult[V], n),
	}
	copy(ready.keys, b.queue[:n])
	for i, key := range ready.keys {
		ready.waiters[i] = b.waiters[key]
		delete(b.waiters, key)
	}
	b.queue = append([]K(nil), b.queue[n:]...)
	return ready
}

func (b *Batcher[K, V]) dispatch(ready *batch[K, V]) {
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()

		if b.sem != nil {
			// Acquire only fails on a done context; the background one never is.
			_ = b.sem.Acquire(context.Background())
			defer b.sem.Release()
		}
		b.execute(ready)
	}()
}

func (b *Batcher[K, V]) execute(ready *batch[K, V]) {
	start := b.clock.Now()
	vals, err := b.call(ready.keys)
	if err == nil && len(vals) != len(ready.keys) {
		err = errors.NewBatchError(
			fmt.Sprintf("batch function returned %d results for %d keys", len(vals), len(ready.keys)), nil)
	}
	metrics.RecordBatch(b.cfg.Name, len(ready.keys), b.clock.Since(start), err)

	if err != nil {
		b.log.Warn("batch failed",
			"batcher", b.cfg.Name,
			"keys", len(ready.keys),
			"error", err,
		)
		for _, ws := range ready.waiters {
			for _, ch := range ws {
				ch <- batchResult[V]{err: err}
			}
		}
		return
	}

	for i, ws := range ready.waiters {
		for _, ch := range ws {
			ch <- batchResult[V]{val: vals[i]}
		}
	}
}

func (b *Batcher[K, V]) call(keys []K) (vals []V, err error) {
	defer func() {
		if r := recover(); r != nil {
			vals = nil
			err = errors.NewBatchError(fmt.Sprintf("batch function panicked: %v", r), nil)
		}
	}()

	ctx := context.Background()
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	vals, err = b.fn(ctx, keys)
	if err != nil {
		return nil, errors.NewBatchError("batch function failed", err)
	}
	return vals, nil
}
