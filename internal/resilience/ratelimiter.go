package resilience

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/blueberrycongee/fellowship/internal/metrics"
	"github.com/blueberrycongee/fellowship/pkg/errors"
)

// LimiterConfig configures a KeyedLimiter.
type LimiterConfig struct {
	// TokensPerInterval is how many tokens are added over Interval.
	TokensPerInterval float64
	// Interval is the refill period.
	Interval time.Duration
	// MaxTokens is the bucket capacity. Defaults to TokensPerInterval.
	MaxTokens float64
	// MaxKeys bounds the number of live buckets. The least recently used bucket
	// is evicted when a new key would exceed it. Zero means unbounded.
	MaxKeys int
	// SweepInterval runs Sweep in the background when positive.
	SweepInterval time.Duration
}

// Validate checks the configuration.
func (c LimiterConfig) Validate() error {
	if c.TokensPerInterval <= 0 {
		return fmt.Errorf("tokens per interval must be positive, got %v", c.TokensPerInterval)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max tokens must not be negative, got %v", c.MaxTokens)
	}
	if c.MaxKeys < 0 {
		return fmt.Errorf("max keys must not be negative, got %d", c.MaxKeys)
	}
	return nil
}

type bucket struct {
	key        string
	tokens     float64
	lastRefill time.Time
	elem       *list.Element
}

// KeyedLimiter implements a token bucket per key. Buckets are created full on
// first access and refilled lazily from the elapsed time on every access.
type KeyedLimiter struct {
	name  string
	cfg   LimiterConfig
	clock clockwork.Clock
	log   *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	lru     *list.List // front = most recently used

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewKeyedLimiter creates a limiter. name labels its metrics and errors.
func NewKeyedLimiter(name string, cfg LimiterConfig, opts ...Option) (*KeyedLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("limiter %q: %w", name, err)
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = cfg.TokensPerInterval
	}

	o := buildOptions(opts)
	l := &KeyedLimiter{
		name:    name,
		cfg:     cfg,
		clock:   o.clock,
		log:     o.logger,
		buckets: make(map[string]*bucket),
		lru:     list.New(),
		stopCh:  make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go l.sweepLoop(cfg.SweepInterval)
	}
	return l, nil
}

// Name returns the limiter name.
func (l *KeyedLimiter) Name() string {
	return l.name
}

// Config returns the effective configuration.
func (l *KeyedLimiter) Config() LimiterConfig {
	return l.cfg
}

// TryConsume deducts n tokens from key's bucket if they are available.
func (l *KeyedLimiter) TryConsume(key string, n int) bool {
	ok, _ := l.tryConsume(key, n)
	return ok
}

// tryConsume also reports how long until n tokens would be available.
func (l *KeyedLimiter) tryConsume(key string, n int) (bool, time.Duration) {
	if n <= 0 {
		n = 1
	}

	l.mu.Lock()
	b := l.getOrCreateLocked(key)
	l.refillLocked(b)

	need := float64(n)
	if b.tokens >= need {
		b.tokens -= need
		l.mu.Unlock()
		metrics.RecordDecision(l.name, true)
		return true, 0
	}
	wait := l.waitTimeLocked(b, need)
	l.mu.Unlock()

	metrics.RecordDecision(l.name, false)
	return false, wait
}

// Consume blocks until n tokens are available for key, then deducts them.
// It sleeps for the computed refill time between attempts and returns early
// only when ctx is done.
func (l *KeyedLimiter) Consume(ctx context.Context, key string, n int) error {
	if n <= 0 {
		n = 1
	}
	if float64(n) > l.cfg.MaxTokens {
		return errors.NewValidationError(key,
			fmt.Sprintf("requested %d tokens exceeds capacity %v of limiter %q", n, l.cfg.MaxTokens, l.name))
	}

	start := l.clock.Now()
	for {
		ok, wait := l.tryConsume(key, n)
		if ok {
			if waited := l.clock.Since(start); waited > 0 {
				metrics.RateLimitWaitSeconds.WithLabelValues(l.name).Observe(waited.Seconds())
			}
			return nil
		}

		select {
		case <-l.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Tokens returns key's current balance. Unknown keys report full capacity
// without allocating a bucket.
func (l *KeyedLimiter) Tokens(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return l.cfg.MaxTokens
	}
	l.refillLocked(b)
	return b.tokens
}

// Reset discards key's bucket; the next access starts full.
func (l *KeyedLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		l.removeLocked(b)
	}
}

// Clear discards every bucket.
func (l *KeyedLimiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buckets = make(map[string]*bucket)
	l.lru.Init()
	metrics.RateLimitBuckets.WithLabelValues(l.name).Set(0)
}

// Len returns the number of live buckets.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep removes buckets that have refilled to capacity. A full bucket behaves
// exactly like a fresh one so removing it loses no state.
func (l *KeyedLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for _, b := range l.buckets {
		l.refillLocked(b)
		if b.tokens >= l.cfg.MaxTokens {
			l.removeLocked(b)
			removed++
		}
	}
	return removed
}

// Close stops the background sweep.
func (l *KeyedLimiter) Close() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

func (l *KeyedLimiter) sweepLoop(interval time.Duration) {
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if n := l.Sweep(); n > 0 {
				l.log.Debug("swept idle rate limit buckets", "limiter", l.name, "removed", n)
			}
		case <-l.stopCh:
			return
		}
	}
}

func (l *KeyedLimiter) getOrCreateLocked(key string) *bucket {
	if b, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(b.elem)
		return b
	}

	if l.cfg.MaxKeys > 0 {
		for len(l.buckets) >= l.cfg.MaxKeys {
			oldest := l.lru.Back()
			if oldest == nil {
				break
			}
			l.removeLocked(oldest.Value.(*bucket))
		}
	}

	b := &bucket{
		key:        key,
		tokens:     l.cfg.MaxTokens,
		lastRefill: l.clock.Now(),
	}
	b.elem = l.lru.PushFront(b)
	l.buckets[key] = b
	metrics.RateLimitBuckets.WithLabelValues(l.name).Set(float64(len(l.buckets)))
	return b
}

func (l *KeyedLimiter) removeLocked(b *bucket) {
	l.lru.Remove(b.elem)
	delete(l.buckets, b.key)
	metrics.RateLimitBuckets.WithLabelValues(l.name).Set(float64(len(l.buckets)))
}

func (l *KeyedLimiter) refillLocked(b *bucket) {
	now := l.clock.Now()
	elapsed := now.Sub(b.lastRefill)
	b.lastRefill = now
	if elapsed <= 0 {
		return
	}

	b.tokens += float64(elapsed) / float64(l.cfg.Interval) * l.cfg.TokensPerInterval
	if b.tokens > l.cfg.MaxTokens {
		b.tokens = l.cfg.MaxTokens
	}
}

func (l *KeyedLimiter) waitTimeLocked(b *bucket, need float64) time.Duration {
	deficit := need - b.tokens
	if deficit <= 0 {
		return 0
	}
	wait := time.Duration(math.Ceil(deficit / l.cfg.TokensPerInterval * float64(l.cfg.Interval)))
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return wait
}
