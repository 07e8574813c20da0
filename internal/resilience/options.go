// Package resilience provides the traffic shaping primitives: keyed token
// bucket limiters and their named registry, a windowed request batcher and an
// in-flight request deduplicator.
package resilience

import (
	"log/slog"

	"github.com/jonboulle/clockwork"
)

// Option configures clock and logging for the components in this package.
type Option func(*options)

type options struct {
	clock  clockwork.Clock
	logger *slog.Logger
}

// WithClock injects the time source. Tests pass a fake clock.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
