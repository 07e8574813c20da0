package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/blueberrycongee/fellowship/internal/transport"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 10 * time.Second
)

// ProberConfig controls the connectivity prober.
type ProberConfig struct {
	URL              string        `yaml:"url"`               // Health endpoint probed with GET
	Interval         time.Duration `yaml:"interval"`          // Default: 30s
	Timeout          time.Duration `yaml:"timeout"`           // Per-probe timeout (default: 10s)
	FailureThreshold int           `yaml:"failure_threshold"` // Consecutive failures before disconnected (default: 1)
}

// Prober is an Observer that derives connectivity from periodic probes.
type Prober struct {
	*broadcaster

	cfg       ProberConfig
	transport transport.Transport
	clock     clockwork.Clock
	started   atomic.Bool
	failures  atomic.Int32
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProberClock sets the clock driving the probe interval.
func WithProberClock(clock clockwork.Clock) ProberOption {
	return func(p *Prober) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// NewProber creates a prober. The status is unknown until the first probe.
func NewProber(cfg ProberConfig, tr transport.Transport, logger *slog.Logger, opts ...ProberOption) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}

	p := &Prober{
		broadcaster: newBroadcaster(logger),
		cfg:         cfg,
		transport:   tr,
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start probes immediately and then on every interval until ctx is canceled.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || p.transport == nil {
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)

	for {
		select {
		case <-ticker.Chan():
			p.ProbeOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("connectivity prober stopped")
			return
		}
	}
}

// ProbeOnce runs one probe and updates the status.
func (p *Prober) ProbeOnce(ctx context.Context) Status {
	if ctx.Err() != nil {
		return p.Current()
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	_, err := p.transport.Do(probeCtx, &transport.Request{Method: http.MethodGet, URL: p.cfg.URL})
	if err == nil {
		p.failures.Store(0)
		if p.set(StatusConnected) {
			p.logger.Info("connectivity restored", "url", p.cfg.URL)
		}
		return StatusConnected
	}

	n := p.failures.Add(1)
	if int(n) < p.cfg.FailureThreshold {
		p.logger.Debug("connectivity probe failed", "url", p.cfg.URL, "failures", n, "error", err)
		return p.Current()
	}
	if p.set(StatusDisconnected) {
		p.logger.Warn("connectivity lost", "url", p.cfg.URL, "failures", n, "error", err)
	}
	return StatusDisconnected
}
