// Package connectivity reports whether the network is reachable.
package connectivity

import (
	"log/slog"
	"sync"

	"github.com/blueberrycongee/fellowship/internal/metrics"
)

// Status is a connectivity state.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Online reports whether s counts as online. Unknown counts as offline.
func (s Status) Online() bool {
	return s == StatusConnected
}

// Listener receives status changes.
type Listener func(Status)

// Observer emits connectivity changes.
type Observer interface {
	// Current returns the latest known status.
	Current() Status

	// Subscribe registers fn for future changes and returns a function that
	// removes it.
	Subscribe(fn Listener) (unsubscribe func())
}

// broadcaster fans status changes out to listeners. A panicking listener is
// logged and does not stop the others.
type broadcaster struct {
	logger *slog.Logger

	mu        sync.Mutex
	status    Status
	nextID    int
	listeners map[int]Listener
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &broadcaster{
		logger:    logger,
		status:    StatusUnknown,
		listeners: make(map[int]Listener),
	}
}

func (b *broadcaster) Current() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *broadcaster) Subscribe(fn Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// set stores status and notifies listeners when it changed.
func (b *broadcaster) set(status Status) bool {
	b.mu.Lock()
	if b.status == status {
		b.mu.Unlock()
		return false
	}
	b.status = status
	listeners := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	metrics.ConnectivityStatus.Set(statusValue(status))
	for _, fn := range listeners {
		b.notify(fn, status)
	}
	return true
}

func (b *broadcaster) notify(fn Listener, status Status) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("connectivity listener panicked", "status", status, "panic", r)
		}
	}()
	fn(status)
}

func statusValue(s Status) float64 {
	switch s {
	case StatusConnected:
		return 1
	case StatusDisconnected:
		return 2
	default:
		return 0
	}
}

// Manual is an Observer driven by explicit Set calls, for platforms that push
// connectivity events and for tests.
type Manual struct {
	*broadcaster
}

// NewManual creates a manual observer starting in initial.
func NewManual(initial Status, logger *slog.Logger) *Manual {
	m := &Manual{broadcaster: newBroadcaster(logger)}
	if initial != "" {
		m.status = initial
	}
	return m
}

// Set changes the status and reports whether it differed from the previous one.
func (m *Manual) Set(status Status) bool {
	return m.set(status)
}
