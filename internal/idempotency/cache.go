// Package idempotency memoizes the results of operations by a caller supplied
// idempotency key, so a retried request returns the original result instead of
// running again. Records live in a bounded in-memory tier backed by an
// optional persisted store that survives restarts.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"

	"github.com/blueberrycongee/fellowship/internal/metrics"
	"github.com/blueberrycongee/fellowship/internal/resilience"
	"github.com/blueberrycongee/fellowship/internal/storage"
	"github.com/blueberrycongee/fellowship/pkg/errors"
)

// Record is one memoized result.
type Record struct {
	Key       string          `json:"key"`
	Result    json.RawMessage `json:"result"`
	Timestamp time.Time       `json:"timestamp"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the record is no longer valid at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Config holds configuration for Cache.
type Config struct {
	MaxSize       int           `yaml:"max_size"`       // In-memory records before eviction (default: 1000)
	DefaultTTL    time.Duration `yaml:"default_ttl"`    // TTL when Execute is given none (default: 24h)
	SweepInterval time.Duration `yaml:"sweep_interval"` // Expired record sweep (default: 1 minute)
	KeyPrefix     string        `yaml:"key_prefix"`     // Store key prefix (default: "idempotency:")
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:       1000,
		DefaultTTL:    24 * time.Hour,
		SweepInterval: time.Minute,
		KeyPrefix:     "idempotency:",
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore persists records in store. Store failures are logged and the
// cache keeps working from memory.
func WithStore(store storage.Store, guardOpts ...storage.GuardOption) Option {
	return func(c *Cache) {
		c.storeOpts = guardOpts
		c.backing = store
	}
}

// WithClock injects the time source.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.log = logger
		}
	}
}

// Cache implements the idempotency cache.
type Cache struct {
	cfg   Config
	clock clockwork.Clock
	log   *slog.Logger

	backing   storage.Store
	storeOpts []storage.GuardOption
	store     *storage.Guard

	inflight *resilience.Deduplicator[json.RawMessage]

	mu      sync.RWMutex
	records map[string]*Record

	hits   atomic.Int64
	misses atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background sweep.
func New(cfg Config, opts ...Option) *Cache {
	defaults := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaults.MaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaults.DefaultTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaults.KeyPrefix
	}

	c := &Cache{
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		log:     slog.Default(),
		records: make(map[string]*Record),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	guardOpts := append([]storage.GuardOption{
		storage.WithGuardLogger(c.log),
		storage.WithGuardClock(c.clock),
	}, c.storeOpts...)
	c.store = storage.NewGuard(c.backing, "idempotency", guardOpts...)
	c.inflight = resilience.NewDeduplicator[json.RawMessage](
		resilience.DedupeConfig{Name: "idempotency"},
		resilience.WithClock(c.clock),
		resilience.WithLogger(c.log),
	)

	if cfg.SweepInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

// Execute returns the cached result for key, or runs op and caches its result
// for ttl. A failed op caches nothing. Concurrent calls for the same key run op
// once. T must round-trip through JSON.
func Execute[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if strings.TrimSpace(key) == "" {
		return zero, errors.NewValidationError(key, "idempotency key must be a non-empty string")
	}

	if rec, ok := c.lookup(ctx, key); ok {
		var out T
		if err := json.Unmarshal(rec.Result, &out); err == nil {
			return out, nil
		} else {
			c.store.Report(ctx, "decode", key, err)
		}
	}

	var (
		leader    bool
		leaderVal T
	)
	raw, err := c.inflight.Do(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		// A previous leader may have finished between the miss above and Do.
		if rec, ok := c.lookup(ctx, key); ok {
			return rec.Result, nil
		}
		leader = true
		val, err := op(ctx)
		if err != nil {
			return nil, err
		}
		leaderVal = val

		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode result for key %q: %w", key, err)
		}
		c.put(ctx, key, raw, ttl)
		return raw, nil
	})
	if err != nil {
		return zero, err
	}
	if leader {
		return leaderVal, nil
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode shared result for key %q: %w", key, err)
	}
	return out, nil
}

// Has reports whether a live record exists for key.
func (c *Cache) Has(ctx context.Context, key string) bool {
	_, ok := c.lookup(ctx, key)
	return ok
}

// Get returns the live record for key.
func (c *Cache) Get(ctx context.Context, key string) (*Record, bool) {
	return c.lookup(ctx, key)
}

// Invalidate removes key from memory and the store.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.records, key)
	c.updateGaugeLocked()
	c.mu.Unlock()

	c.store.Delete(ctx, c.storeKey(key))
}

// Clear removes every record from memory and the store.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.records = make(map[string]*Record)
	c.updateGaugeLocked()
	c.mu.Unlock()

	for _, k := range c.store.Keys(ctx, c.cfg.KeyPrefix) {
		c.store.Delete(ctx, k)
	}
}

// Sweep removes expired records from memory and the store and returns how
// many were removed.
func (c *Cache) Sweep(ctx context.Context) int {
	now := c.clock.Now()
	removed := 0

	c.mu.Lock()
	for key, rec := range c.records {
		if rec.Expired(now) {
			delete(c.records, key)
			removed++
		}
	}
	c.updateGaugeLocked()
	c.mu.Unlock()

	for _, k := range c.store.Keys(ctx, c.cfg.KeyPrefix) {
		data, ok := c.store.Get(ctx, k)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			c.store.Report(ctx, "decode", k, err)
			c.store.Delete(ctx, k)
			continue
		}
		if rec.Expired(now) {
			if c.store.Delete(ctx, k) {
				removed++
			}
		}
	}

	if removed > 0 {
		metrics.IdempotencyEvictions.WithLabelValues("expired").Add(float64(removed))
	}
	return removed
}

// Len returns the number of in-memory records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Stats returns memory tier hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *Cache) sweepLoop() {
	ticker := c.clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if n := c.Sweep(context.Background()); n > 0 {
				c.log.Debug("swept expired idempotency records", "removed", n)
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) lookup(ctx context.Context, key string) (*Record, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	rec, ok := c.records[key]
	c.mu.RUnlock()

	if ok {
		if !rec.Expired(now) {
			c.hits.Add(1)
			metrics.IdempotencyLookups.WithLabelValues("memory", "hit").Inc()
			return rec, true
		}
		metrics.IdempotencyLookups.WithLabelValues("memory", "expired").Inc()
		c.mu.Lock()
		if current, ok := c.records[key]; ok && current == rec {
			delete(c.records, key)
			c.updateGaugeLocked()
		}
		c.mu.Unlock()
		c.store.Delete(ctx, c.storeKey(key))
		c.misses.Add(1)
		return nil, false
	}
	c.misses.Add(1)
	metrics.IdempotencyLookups.WithLabelValues("memory", "miss").Inc()

	data, ok := c.store.Get(ctx, c.storeKey(key))
	if !ok {
		if c.store.Enabled() {
			metrics.IdempotencyLookups.WithLabelValues("store", "miss").Inc()
		}
		return nil, false
	}

	var stored Record
	if err := json.Unmarshal(data, &stored); err != nil {
		c.store.Report(ctx, "decode", key, err)
		return nil, false
	}
	if stored.Expired(now) {
		metrics.IdempotencyLookups.WithLabelValues("store", "expired").Inc()
		c.store.Delete(ctx, c.storeKey(key))
		return nil, false
	}

	metrics.IdempotencyLookups.WithLabelValues("store", "hit").Inc()
	c.mu.Lock()
	c.records[key] = &stored
	c.evictLocked()
	c.mu.Unlock()
	return &stored, true
}

func (c *Cache) put(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.clock.Now()
	rec := &Record{
		Key:       key,
		Result:    result,
		Timestamp: now,
		ExpiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	c.records[key] = rec
	c.evictLocked()
	c.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		c.store.Report(ctx, "encode", key, err)
		return
	}
	c.store.Set(ctx, c.storeKey(key), data)
}

// evictLocked drops the oldest tenth of the records by creation time once the
// memory tier is over capacity. Evicted records stay in the store.
func (c *Cache) evictLocked() {
	defer c.updateGaugeLocked()
	if len(c.records) <= c.cfg.MaxSize {
		return
	}

	recs := make([]*Record, 0, len(c.records))
	for _, rec := range c.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})

	n := max(len(recs)/10, 1)
	for _, rec := range recs[:n] {
		delete(c.records, rec.Key)
	}
	metrics.IdempotencyEvictions.WithLabelValues("size").Add(float64(n))
}

func (c *Cache) updateGaugeLocked() {
	metrics.IdempotencyEntries.Set(float64(len(c.records)))
}

func (c *Cache) storeKey(key string) string {
	return c.cfg.KeyPrefix + key
}
