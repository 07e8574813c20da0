package main

import (
	"log/slog"
	"sync/atomic"

	"github.com/blueberrycongee/fellowship/internal/config"
	"github.com/blueberrycongee/fellowship/internal/resilience"
)

type limitApplier interface {
	Apply(limits map[string]resilience.Limit) error
}

// limitsReloader pushes reloaded rate limits into the running registry.
// Other sections need a restart.
type limitsReloader struct {
	logger     *slog.Logger
	limits     limitApplier
	inProgress atomic.Bool
}

func newLimitsReloader(logger *slog.Logger, limits limitApplier) *limitsReloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &limitsReloader{
		logger: logger,
		limits: limits,
	}
}

func (r *limitsReloader) Reload(cfg *config.Config) {
	if !r.inProgress.CompareAndSwap(false, true) {
		r.logger.Warn("limits reload already in progress")
		return
	}
	defer r.inProgress.Store(false)

	if err := r.limits.Apply(cfg.RateLimits); err != nil {
		r.logger.Error("failed to apply reloaded rate limits", "error", err)
		return
	}

	r.logger.Info("rate limits reloaded", "limits", len(cfg.RateLimits))
}
