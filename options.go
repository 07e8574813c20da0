package fellowship

import (
	"log/slog"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/fellowship/internal/connectivity"
	"github.com/blueberrycongee/fellowship/internal/idempotency"
	"github.com/blueberrycongee/fellowship/internal/observability"
	"github.com/blueberrycongee/fellowship/internal/offline"
	"github.com/blueberrycongee/fellowship/internal/resilience"
	"github.com/blueberrycongee/fellowship/internal/storage"
	"github.com/blueberrycongee/fellowship/internal/transport"
)

// KitConfig holds everything New needs to assemble a Kit.
type KitConfig struct {
	// Rate limiting
	Limits         map[string]Limit
	RegistryConfig resilience.RegistryConfig
	Distributed    resilience.DistributedLimiter

	// Idempotency
	Idempotency idempotency.Config

	// Offline queue
	Queue offline.Config

	// Collaborators
	Store     storage.Store
	OwnStore  bool // Close the store with the kit
	Transport transport.Transport
	Observer  connectivity.Observer
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Redactor  *observability.Redactor
	Tracer    trace.Tracer

	// OnStorageFailure receives store errors the components swallowed.
	OnStorageFailure storage.FailureHandler
}

// Option is a function that configures the Kit.
type Option func(*KitConfig)

// defaultConfig returns sensible defaults.
func defaultConfig() *KitConfig {
	return &KitConfig{
		Limits:         resilience.DefaultLimits(),
		RegistryConfig: resilience.DefaultRegistryConfig(),
		Idempotency:    idempotency.DefaultConfig(),
		Queue:          offline.DefaultConfig(),
		Clock:          clockwork.NewRealClock(),
		Logger:         slog.Default(),
	}
}

// WithLimit registers or replaces one named limit.
//
// Example:
//
//	fellowship.WithLimit("uploads", fellowship.Limit{
//	    TokensPerInterval: 3,
//	    Interval:          time.Minute,
//	})
func WithLimit(name string, limit Limit) Option {
	return func(c *KitConfig) {
		if c.Limits == nil {
			c.Limits = make(map[string]Limit)
		}
		c.Limits[name] = limit
	}
}

// WithLimits replaces the named limits, presets included.
func WithLimits(limits map[string]Limit) Option {
	return func(c *KitConfig) {
		c.Limits = make(map[string]Limit, len(limits))
		for name, limit := range limits {
			c.Limits[name] = limit
		}
	}
}

// WithRegistryConfig sets the key bound, sweep interval and fail-open policy
// shared by every named limiter.
func WithRegistryConfig(cfg resilience.RegistryConfig) Option {
	return func(c *KitConfig) {
		c.RegistryConfig = cfg
	}
}

// WithDistributedLimiter checks Shared limits against d instead of local
// buckets.
func WithDistributedLimiter(d resilience.DistributedLimiter) Option {
	return func(c *KitConfig) {
		c.Distributed = d
	}
}

// WithIdempotencyConfig configures the idempotency cache.
func WithIdempotencyConfig(cfg idempotency.Config) Option {
	return func(c *KitConfig) {
		c.Idempotency = cfg
	}
}

// WithQueueConfig configures the offline queue.
func WithQueueConfig(cfg offline.Config) Option {
	return func(c *KitConfig) {
		c.Queue = cfg
	}
}

// WithStore persists idempotency records and the offline queue in store.
// The caller keeps ownership of store.
func WithStore(store storage.Store) Option {
	return func(c *KitConfig) {
		c.Store = store
		c.OwnStore = false
	}
}

// WithTransport sets the transport used to replay queued requests.
func WithTransport(tr transport.Transport) Option {
	return func(c *KitConfig) {
		c.Transport = tr
	}
}

// WithObserver sets the connectivity observer driving the offline queue.
// Without one the queue treats the network as always reachable.
func WithObserver(observer connectivity.Observer) Option {
	return func(c *KitConfig) {
		c.Observer = observer
	}
}

// WithClock injects the time source.
func WithClock(clock clockwork.Clock) Option {
	return func(c *KitConfig) {
		if clock != nil {
			c.Clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *KitConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithRedactor masks personal data in queue logs.
func WithRedactor(r *observability.Redactor) Option {
	return func(c *KitConfig) {
		c.Redactor = r
	}
}

// WithTracer sets the tracer for transport and sync spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *KitConfig) {
		c.Tracer = tracer
	}
}

// WithStorageFailureHandler receives store errors that were logged and dropped.
func WithStorageFailureHandler(fn storage.FailureHandler) Option {
	return func(c *KitConfig) {
		c.OnStorageFailure = fn
	}
}
