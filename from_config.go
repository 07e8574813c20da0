package fellowship

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blueberrycongee/fellowship/internal/config"
	"github.com/blueberrycongee/fellowship/internal/connectivity"
	"github.com/blueberrycongee/fellowship/internal/resilience"
	"github.com/blueberrycongee/fellowship/internal/storage"
	"github.com/blueberrycongee/fellowship/internal/transport"
)

// NewFromConfig builds a kit from a loaded configuration. The store selected
// by cfg.Storage is opened and owned by the kit; opts are applied after the
// configuration and win over it.
func NewFromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Kit, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	overrides := defaultConfig()
	for _, opt := range opts {
		opt(overrides)
	}
	logger := overrides.Logger

	base := []Option{
		WithLimits(cfg.RateLimits),
		WithRegistryConfig(cfg.RateLimiter),
		WithIdempotencyConfig(cfg.Idempotency),
		WithQueueConfig(cfg.OfflineQueue),
	}

	var owned storage.Store
	if overrides.Store == nil {
		store, distributed, err := OpenStore(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
		owned = store
		base = append(base, withOwnedStore(store))
		if distributed != nil {
			base = append(base, WithDistributedLimiter(distributed))
		}
	}

	fail := func(err error) (*Kit, error) {
		if owned != nil {
			_ = owned.Close()
		}
		return nil, err
	}

	tr := overrides.Transport
	if tr == nil {
		httpTransport, err := transport.NewHTTP(cfg.Transport, transport.WithTracer(overrides.Tracer))
		if err != nil {
			return fail(fmt.Errorf("create transport: %w", err))
		}
		tr = httpTransport
		base = append(base, WithTransport(tr))
	}

	if overrides.Observer == nil {
		base = append(base, WithObserver(newObserver(cfg.Connectivity, tr, overrides, logger)))
	}

	k, err := New(append(base, opts...)...)
	if err != nil {
		return fail(err)
	}
	return k, nil
}

// OpenStore opens the configured store. Redis stores also return a distributed
// limiter sharing the connection.
func OpenStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, resilience.DistributedLimiter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case "", storage.TypeMemory:
		logger.Info("using in-memory store")
		return storage.NewMemory(), nil, nil

	case storage.TypeRedis:
		store, err := storage.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		logger.Info("using redis store", "addr", cfg.Redis.Addr, "namespace", cfg.Redis.Namespace)
		return store, resilience.NewRedisLimiter(store.Client(), cfg.Redis.Namespace+":ratelimit"), nil

	case storage.TypePostgres:
		store, err := storage.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info("using postgres store", "host", cfg.Postgres.Host, "table", cfg.Postgres.Table)
		return store, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func newObserver(cfg config.ConnectivityConfig, tr transport.Transport, kc *KitConfig, logger *slog.Logger) connectivity.Observer {
	if cfg.Mode == config.ConnectivityProbe {
		return connectivity.NewProber(cfg.Probe, tr, logger, connectivity.WithProberClock(kc.Clock))
	}
	initial := connectivity.StatusDisconnected
	if cfg.Online {
		initial = connectivity.StatusConnected
	}
	return connectivity.NewManual(initial, logger)
}

func withOwnedStore(store storage.Store) Option {
	return func(c *KitConfig) {
		c.Store = store
		c.OwnStore = true
	}
}
