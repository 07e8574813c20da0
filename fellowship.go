// Package fellowship provides the client resiliency kit used by the fellowship
// club service and its relay: named token-bucket rate limiters, a windowed
// request batcher, an in-flight request deduplicator, an idempotency cache and
// a persisted offline request queue.
//
// The kit can be used in two modes:
//   - Library Mode: build a Kit with New and call it directly
//   - Relay Mode: run cmd/server, which exposes the queue and limiters over HTTP
//
// Basic usage:
//
//	kit, err := fellowship.New(
//	    fellowship.WithStore(store),
//	    fellowship.WithObserver(observer),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer kit.Close()
//	kit.Start(ctx)
//
//	if err := kit.Check(ctx, fellowship.LimitSearch, userID); err != nil {
//	    return err
//	}
//	member, err := fellowship.Execute(ctx, kit, idempotencyKey, time.Hour, createMember)
package fellowship

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/blueberrycongee/fellowship/internal/connectivity"
	"github.com/blueberrycongee/fellowship/internal/idempotency"
	"github.com/blueberrycongee/fellowship/internal/offline"
	"github.com/blueberrycongee/fellowship/internal/resilience"
	"github.com/blueberrycongee/fellowship/internal/storage"
	"github.com/blueberrycongee/fellowship/internal/transport"
)

// Version is the current version of fellowship.
const Version = "0.1.0"

// Re-export the types callers need to name.
type (
	// Limit configures one named token bucket limiter.
	Limit = resilience.Limit

	// BatcherConfig configures a Batcher.
	BatcherConfig = resilience.BatcherConfig

	// DedupeConfig configures a Deduplicator.
	DedupeConfig = resilience.DedupeConfig

	// QueueRequest describes a request to hold until the network is back.
	QueueRequest = offline.Request

	// QueuedRequest is a request held by the offline queue.
	QueuedRequest = offline.QueuedRequest

	// SyncResult summarizes one offline queue sync pass.
	SyncResult = offline.SyncResult

	// Store is the persisted key/value store.
	Store = storage.Store

	// Transport sends queued requests.
	Transport = transport.Transport

	// Observer reports connectivity changes.
	Observer = connectivity.Observer
)

// Preset limiter names.
const (
	LimitAPI    = resilience.LimitAPI
	LimitAuth   = resilience.LimitAuth
	LimitSearch = resilience.LimitSearch
	LimitHeavy  = resilience.LimitHeavy
)

type starter interface {
	Start(ctx context.Context)
}

// Kit owns one instance of every resiliency component. Build one per process
// or per test; nothing is shared between kits.
//
// Kit is safe for concurrent use by multiple goroutines.
type Kit struct {
	limits      *resilience.Registry
	idempotency *idempotency.Cache
	queue       *offline.Queue
	store       storage.Store
	transport   transport.Transport
	observer    connectivity.Observer
	clock       clockwork.Clock
	logger      *slog.Logger
	config      *KitConfig

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	closers   []func() error
}

// New creates a kit with the given options.
//
// Example:
//
//	kit, err := fellowship.New(
//	    fellowship.WithLimit("uploads", fellowship.Limit{TokensPerInterval: 3, Interval: time.Minute}),
//	    fellowship.WithQueueConfig(offline.Config{MaxQueue: 50}),
//	)
func New(opts ...Option) (*Kit, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	k := &Kit{
		store:     cfg.Store,
		transport: cfg.Transport,
		observer:  cfg.Observer,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		config:    cfg,
	}
	if cfg.Store != nil && cfg.OwnStore {
		k.closers = append(k.closers, cfg.Store.Close)
	}

	if k.transport == nil {
		tr, err := transport.NewHTTP(transport.Config{}, transport.WithTracer(cfg.Tracer))
		if err != nil {
			return nil, fmt.Errorf("create transport: %w", err)
		}
		k.transport = tr
	}

	registryOpts := []resilience.RegistryOption{
		resilience.WithLimiterOptions(resilience.WithClock(cfg.Clock), resilience.WithLogger(cfg.Logger)),
	}
	if cfg.Distributed != nil {
		registryOpts = append(registryOpts, resilience.WithDistributed(cfg.Distributed))
	}
	k.limits = resilience.NewRegistry(cfg.RegistryConfig, registryOpts...)
	if err := k.limits.Apply(cfg.Limits); err != nil {
		k.limits.Close()
		return nil, fmt.Errorf("configure limits: %w", err)
	}

	var guardOpts []storage.GuardOption
	if cfg.OnStorageFailure != nil {
		guardOpts = append(guardOpts, storage.WithFailureHandler(cfg.OnStorageFailure))
	}

	k.idempotency = idempotency.New(cfg.Idempotency,
		idempotency.WithStore(cfg.Store, guardOpts...),
		idempotency.WithClock(cfg.Clock),
		idempotency.WithLogger(cfg.Logger),
	)

	k.queue = offline.New(cfg.Queue, k.transport,
		offline.WithStore(cfg.Store, guardOpts...),
		offline.WithObserver(cfg.Observer),
		offline.WithClock(cfg.Clock),
		offline.WithLogger(cfg.Logger),
		offline.WithRedactor(cfg.Redactor),
		offline.WithTracer(cfg.Tracer),
	)

	k.logger.Info("fellowship kit initialized",
		"limits", len(cfg.Limits),
		"persistent", cfg.Store != nil,
		"distributed", cfg.Distributed != nil,
		"observer", cfg.Observer != nil,
	)
	return k, nil
}

// Start starts the connectivity observer when it needs starting, loads the
// persisted offline queue and begins following connectivity.
func (k *Kit) Start(ctx context.Context) {
	k.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		k.cancel = cancel
		if s, ok := k.observer.(starter); ok {
			s.Start(runCtx)
		}
		k.queue.Start(ctx)
	})
}

// Close stops background work and releases owned resources.
func (k *Kit) Close() error {
	var errs []error
	k.closeOnce.Do(func() {
		if k.cancel != nil {
			k.cancel()
		}
		k.queue.Close()
		k.idempotency.Close()
		k.limits.Close()
		for _, closeFn := range k.closers {
			if err := closeFn(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return stderrors.Join(errs...)
}

// Limits returns the named limiter registry.
func (k *Kit) Limits() *resilience.Registry {
	return k.limits
}

// Idempotency returns the idempotency cache.
func (k *Kit) Idempotency() *idempotency.Cache {
	return k.idempotency
}

// Queue returns the offline request queue.
func (k *Kit) Queue() *offline.Queue {
	return k.queue
}

// Store returns the persisted store, or nil in memory-only mode.
func (k *Kit) Store() storage.Store {
	return k.store
}

// Observer returns the connectivity observer, or nil.
func (k *Kit) Observer() connectivity.Observer {
	return k.observer
}

// Allow reports whether one token for key is available under the named limit.
// Unknown names always allow.
func (k *Kit) Allow(ctx context.Context, name, key string) bool {
	return k.limits.Allow(ctx, name, key)
}

// Check consumes one token or returns a rate limit error carrying the wait.
func (k *Kit) Check(ctx context.Context, name, key string) error {
	return k.limits.Check(ctx, name, key)
}

// Wait blocks until a token for key is available or ctx is done.
func (k *Kit) Wait(ctx context.Context, name, key string) error {
	return k.limits.Wait(ctx, name, key)
}

// Enqueue holds req until the network is reachable.
func (k *Kit) Enqueue(ctx context.Context, req QueueRequest) (QueuedRequest, error) {
	return k.queue.Enqueue(ctx, req)
}

// Sync replays the offline queue now.
func (k *Kit) Sync(ctx context.Context) SyncResult {
	return k.queue.Sync(ctx)
}

// Execute runs op at most once per key within ttl using the kit's idempotency
// cache. A zero ttl uses the configured default.
func Execute[T any](ctx context.Context, k *Kit, key string, ttl time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	return idempotency.Execute(ctx, k.idempotency, key, ttl, op)
}

// NewBatcher creates a batcher sharing the kit's clock and logger. Close it
// when done.
func NewBatcher[K comparable, V any](k *Kit, fn func(ctx context.Context, keys []K) ([]V, error), cfg BatcherConfig) *resilience.Batcher[K, V] {
	return resilience.NewBatcher(resilience.BatchFunc[K, V](fn), cfg,
		resilience.WithClock(k.clock),
		resilience.WithLogger(k.logger),
	)
}

// NewDeduplicator creates a deduplicator sharing the kit's clock and logger.
func NewDeduplicator[T any](k *Kit, cfg DedupeConfig) *resilience.Deduplicator[T] {
	return resilience.NewDeduplicator[T](cfg,
		resilience.WithClock(k.clock),
		resilience.WithLogger(k.logger),
	)
}
