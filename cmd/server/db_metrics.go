package main

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/fellowship/internal/metrics"
	"github.com/blueberrycongee/fellowship/internal/storage"
)

type dbStatsProvider interface {
	DBStats() sql.DBStats
}

// startDBPoolMetrics publishes pool gauges for stores backed by database/sql.
// It returns nil when store has no pool.
func startDBPoolMetrics(ctx context.Context, store storage.Store, logger *slog.Logger, interval time.Duration) func() {
	provider, ok := store.(dbStatsProvider)
	if !ok {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	metrics.UpdateDBPoolStats(provider.DBStats())

	ticker := time.NewTicker(interval)
	stopCh := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(stopCh) })
	}

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.UpdateDBPoolStats(provider.DBStats())
			case <-ctx.Done():
				stop()
				return
			case <-stopCh:
				return
			}
		}
	}()

	logger.Debug("db pool metrics updater started", "interval", interval.String())
	return stop
}
