package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/blueberrycongee/fellowship/internal/metrics"
	"github.com/blueberrycongee/fellowship/pkg/errors"
)

// Limit is the configuration of one named limiter.
type Limit struct {
	TokensPerInterval float64       `yaml:"tokens_per_interval"`
	Interval          time.Duration `yaml:"interval"`
	MaxTokens         float64       `yaml:"max_tokens"`
	// Shared limits are counted by the distributed limiter when one is
	// configured, so every relay instance sees the same quota.
	Shared bool `yaml:"shared"`
}

// Capacity returns the bucket capacity.
func (l Limit) Capacity() float64 {
	if l.MaxTokens > 0 {
		return l.MaxTokens
	}
	return l.TokensPerInterval
}

// Preset limiter names.
const (
	LimitAPI    = "api"
	LimitAuth   = "auth"
	LimitSearch = "search"
	LimitHeavy  = "heavy"
)

// DefaultLimits returns the preset limiters.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		LimitAPI:    {TokensPerInterval: 100, Interval: time.Minute},
		LimitAuth:   {TokensPerInterval: 5, Interval: 15 * time.Minute, Shared: true},
		LimitSearch: {TokensPerInterval: 30, Interval: time.Minute},
		LimitHeavy:  {TokensPerInterval: 10, Interval: time.Minute},
	}
}

// RegistryConfig contains configuration shared by every registered limiter.
type RegistryConfig struct {
	MaxKeys       int           `yaml:"max_keys"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// FailOpen allows requests when the distributed limiter errors.
	FailOpen bool `yaml:"fail_open"`
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxKeys:       10000,
		SweepInterval: 5 * time.Minute,
		FailOpen:      true,
	}
}

// Registry holds named limiters so call sites share quotas by name. A name
// that was never registered always allows.
type Registry struct {
	mu          sync.RWMutex
	limiters    map[string]*KeyedLimiter
	limits      map[string]Limit
	cfg         RegistryConfig
	distributed DistributedLimiter
	opts        []Option
	clock       clockwork.Clock
	log         *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDistributed routes Shared limits through d.
func WithDistributed(d DistributedLimiter) RegistryOption {
	return func(r *Registry) {
		r.distributed = d
	}
}

// WithLimiterOptions passes clock and logger options to the registry and every
// limiter it creates.
func WithLimiterOptions(opts ...Option) RegistryOption {
	return func(r *Registry) {
		r.opts = append(r.opts, opts...)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		limiters: make(map[string]*KeyedLimiter),
		limits:   make(map[string]Limit),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	o := buildOptions(r.opts)
	r.clock = o.clock
	r.log = o.logger
	return r
}

// Register creates or replaces the limiter called name. Replacing a limiter
// starts its buckets fresh.
func (r *Registry) Register(name string, limit Limit) error {
	l, err := NewKeyedLimiter(name, LimiterConfig{
		TokensPerInterval: limit.TokensPerInterval,
		Interval:          limit.Interval,
		MaxTokens:         limit.MaxTokens,
		MaxKeys:           r.cfg.MaxKeys,
		SweepInterval:     r.cfg.SweepInterval,
	}, r.opts...)
	if err != nil {
		return err
	}

	r.mu.Lock()
	old := r.limiters[name]
	r.limiters[name] = l
	r.limits[name] = limit
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Apply replaces the registered set with limits. Limiters whose configuration
// did not change keep their buckets; names missing from limits are removed.
func (r *Registry) Apply(limits map[string]Limit) error {
	for name, limit := range limits {
		r.mu.RLock()
		current, ok := r.limits[name]
		r.mu.RUnlock()
		if ok && current == limit {
			continue
		}
		if err := r.Register(name, limit); err != nil {
			return fmt.Errorf("register limit %q: %w", name, err)
		}
	}

	r.mu.Lock()
	var removed []*KeyedLimiter
	for name, l := range r.limiters {
		if _, ok := limits[name]; !ok {
			removed = append(removed, l)
			delete(r.limiters, name)
			delete(r.limits, name)
		}
	}
	r.mu.Unlock()

	for _, l := range removed {
		l.Close()
	}
	return nil
}

// Limiter returns the limiter called name.
func (r *Registry) Limiter(name string) (*KeyedLimiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[name]
	return l, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Allow reports whether one request for key passes limiter name.
func (r *Registry) Allow(ctx context.Context, name, key string) bool {
	return r.Check(ctx, name, key) == nil
}

// Check consumes one token and returns a rate limit error carrying the retry
// delay when the quota is exhausted.
func (r *Registry) Check(ctx context.Context, name, key string) error {
	r.mu.RLock()
	l, ok := r.limiters[name]
	limit := r.limits[name]
	distributed := r.distributed
	r.mu.RUnlock()

	if !ok {
		return nil
	}

	if limit.Shared && distributed != nil {
		return r.checkShared(ctx, distributed, name, key, limit)
	}

	allowed, wait := l.tryConsume(key, 1)
	if allowed {
		return nil
	}
	return errors.NewRateLimitError(name, key, wait)
}

func (r *Registry) checkShared(ctx context.Context, d DistributedLimiter, name, key string, limit Limit) error {
	results, err := d.CheckAllow(ctx, []Descriptor{{
		Key:    name,
		Value:  key,
		Limit:  int64(limit.Capacity()),
		Type:   LimitTypeRequests,
		Window: limit.Interval,
	}})
	if err != nil || len(results) == 0 {
		r.log.WarnContext(ctx, "distributed rate limit check failed",
			"limiter", name,
			"fail_open", r.cfg.FailOpen,
			"error", err,
		)
		if r.cfg.FailOpen {
			return nil
		}
		return errors.NewRateLimitError(name, key, time.Second)
	}

	res := results[0]
	metrics.RecordDecision(name, res.Allowed)
	if res.Allowed {
		return nil
	}
	retryAfter := time.Unix(res.ResetAt, 0).Sub(r.clock.Now())
	if retryAfter < 0 {
		retryAfter = 0
	}
	return errors.NewRateLimitError(name, key, retryAfter)
}

// Wait blocks until limiter name has a token for key. Shared limits are
// waited on locally.
func (r *Registry) Wait(ctx context.Context, name, key string) error {
	l, ok := r.Limiter(name)
	if !ok {
		return nil
	}
	return l.Consume(ctx, key, 1)
}

// Do runs fn when limiter name allows key, otherwise returns the rate limit
// error without calling fn.
func (r *Registry) Do(ctx context.Context, name, key string, fn func(ctx context.Context) error) error {
	if err := r.Check(ctx, name, key); err != nil {
		return err
	}
	return fn(ctx)
}

// Tokens returns the local balance of key on limiter name.
func (r *Registry) Tokens(name, key string) (float64, bool) {
	l, ok := r.Limiter(name)
	if !ok {
		return 0, false
	}
	return l.Tokens(key), true
}

// Close stops every limiter's background sweep.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.limiters {
		l.Close()
	}
}
