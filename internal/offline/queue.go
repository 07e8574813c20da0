// Package offline implements a persisted FIFO of requests that could not be
// sent, replayed when connectivity returns.
package offline

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/blueberrycongee/fellowship/internal/connectivity"
	"github.com/blueberrycongee/fellowship/internal/metrics"
	"github.com/blueberrycongee/fellowship/internal/observability"
	"github.com/blueberrycongee/fellowship/internal/storage"
	"github.com/blueberrycongee/fellowship/internal/transport"
	"github.com/blueberrycongee/fellowship/pkg/errors"
)

// QueuedRequest is one deferred request.
type QueuedRequest struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
}

// Request describes a request to enqueue. MaxRetries zero uses the queue default.
type Request struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
}

// Config holds configuration for Queue.
type Config struct {
	MaxQueue       int           `yaml:"max_queue"`       // Capacity; the oldest item is evicted beyond it (default: 100)
	MaxRetries     int           `yaml:"max_retries"`     // Default per-item retry budget (default: 3)
	StorageKey     string        `yaml:"storage_key"`     // Store key holding the queue (default: "offline_queue")
	RequestTimeout time.Duration `yaml:"request_timeout"` // Per-item replay timeout (default: 30s)
	ReplayRate     float64       `yaml:"replay_rate"`     // Replayed requests per second, zero is unpaced
	ReplayBurst    int           `yaml:"replay_burst"`    // Pacing burst (default: 1)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueue:       100,
		MaxRetries:     3,
		StorageKey:     "offline_queue",
		RequestTimeout: 30 * time.Second,
	}
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Skipped   bool          `json:"skipped"` // Another pass was running or the queue is offline
	Attempted int           `json:"attempted"`
	Sent      int           `json:"sent"`
	Retried   int           `json:"retried"`
	Dropped   int           `json:"dropped"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration"`
}

// Listener receives online/offline changes.
type Listener func(online bool)

// Option configures a Queue.
type Option func(*Queue)

// WithStore persists the queue in store.
func WithStore(store storage.Store, guardOpts ...storage.GuardOption) Option {
	return func(q *Queue) {
		q.backing = store
		q.storeOpts = guardOpts
	}
}

// WithObserver drives the online state from observer. Without one the queue
// is always online.
func WithObserver(observer connectivity.Observer) Option {
	return func(q *Queue) {
		q.observer = observer
	}
}

// WithClock injects the time source.
func WithClock(clock clockwork.Clock) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.log = logger
		}
	}
}

// WithRedactor masks URLs and headers of logged items.
func WithRedactor(r *observability.Redactor) Option {
	return func(q *Queue) {
		if r != nil {
			q.redactor = r
		}
	}
}

// WithTracer sets the tracer used for sync spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(q *Queue) {
		if tracer != nil {
			q.tracer = tracer
		}
	}
}

// Queue is the offline request queue.
type Queue struct {
	cfg       Config
	transport transport.Transport
	observer  connectivity.Observer
	clock     clockwork.Clock
	log       *slog.Logger
	redactor  *observability.Redactor
	tracer    trace.Tracer
	pacer     *rate.Limiter

	backing   storage.Store
	storeOpts []storage.GuardOption
	store     *storage.Guard

	mu     sync.Mutex
	items  []QueuedRequest
	closed bool

	online  atomic.Bool
	syncing atomic.Bool

	listenerMu sync.Mutex
	nextID     int
	listeners  map[int]Listener

	unobserve func()
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a queue sending through tr. Call Start to load persisted items
// and begin following connectivity.
func New(cfg Config, tr transport.Transport, opts ...Option) *Queue {
	defaults := DefaultConfig()
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = defaults.MaxQueue
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = defaults.StorageKey
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.ReplayBurst <= 0 {
		cfg.ReplayBurst = 1
	}

	q := &Queue{
		cfg:       cfg,
		transport: tr,
		clock:     clockwork.NewRealClock(),
		log:       slog.Default(),
		redactor:  observability.NewRedactor(),
		tracer:    otel.Tracer(observability.TracerName),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(q)
	}

	guardOpts := append([]storage.GuardOption{
		storage.WithGuardLogger(q.log),
		storage.WithGuardClock(q.clock),
	}, q.storeOpts...)
	q.store = storage.NewGuard(q.backing, "offline_queue", guardOpts...)
	if cfg.ReplayRate > 0 {
		q.pacer = rate.NewLimiter(rate.Limit(cfg.ReplayRate), cfg.ReplayBurst)
	}
	q.baseCtx, q.cancel = context.WithCancel(context.Background())
	q.online.Store(q.observer == nil)
	return q
}

// Start loads the persisted queue, subscribes to connectivity and syncs when
// online.
func (q *Queue) Start(ctx context.Context) {
	q.load(ctx)

	if q.observer != nil {
		q.unobserve = q.observer.Subscribe(q.onStatus)
		q.online.Store(q.observer.Current().Online())
	}
	metrics.OfflineQueueDepth.Set(float64(q.Len()))

	if q.IsOnline() && q.Len() > 0 {
		q.triggerSync()
	}
}

// Enqueue appends req, evicting the oldest item at capacity, persists the
// queue and starts a sync when online.
func (q *Queue) Enqueue(ctx context.Context, req Request) (QueuedRequest, error) {
	if strings.TrimSpace(req.URL) == "" {
		return QueuedRequest{}, errors.NewValidationError("url", "queued request needs a url")
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.MaxRetries
	}

	item := QueuedRequest{
		ID:         uuid.NewString(),
		URL:        req.URL,
		Method:     method,
		Data:       req.Data,
		Headers:    copyHeaders(req.Headers),
		Timestamp:  q.clock.Now(),
		MaxRetries: maxRetries,
	}

	q.mu.Lock()
	var evicted *QueuedRequest
	if len(q.items) >= q.cfg.MaxQueue {
		oldest := q.items[0]
		evicted = &oldest
		q.items = append(q.items[:0:0], q.items[1:]...)
	}
	q.items = append(q.items, item)
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	metrics.OfflineQueueItems.WithLabelValues("enqueued").Inc()
	if evicted != nil {
		metrics.OfflineQueueItems.WithLabelValues("evicted").Inc()
		q.log.WarnContext(ctx, "offline queue full, evicted oldest request",
			"id", evicted.ID,
			"method", evicted.Method,
			"url", q.redactor.RedactURL(evicted.URL),
		)
	}
	q.persist(ctx, snapshot)

	q.log.DebugContext(ctx, "request queued",
		"id", item.ID,
		"method", item.Method,
		"url", q.redactor.RedactURL(item.URL),
		"headers", q.redactor.RedactHeaders(item.Headers),
		"depth", len(snapshot),
	)

	if q.IsOnline() {
		q.triggerSync()
	}
	return cloneItem(item), nil
}

// Sync replays the current snapshot of the queue one item at a time. It is a
// no-op while another pass runs or while offline.
func (q *Queue) Sync(ctx context.Context) SyncResult {
	if !q.IsOnline() {
		return SyncResult{Skipped: true, Remaining: q.Len()}
	}
	if !q.syncing.CompareAndSwap(false, true) {
		return SyncResult{Skipped: true, Remaining: q.Len()}
	}
	defer q.syncing.Store(false)

	start := q.clock.Now()
	ctx, span := observability.StartSpan(ctx, q.tracer, "offline_queue", "sync")
	defer span.End()

	q.mu.Lock()
	pending := q.snapshotLocked()
	q.mu.Unlock()

	var result SyncResult
	outcome := make(map[string]*QueuedRequest, len(pending))

	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		if q.pacer != nil {
			if err := q.pacer.Wait(ctx); err != nil {
				break
			}
		}

		item := &pending[i]
		result.Attempted++
		err := q.send(ctx, item)
		switch {
		case err == nil:
			result.Sent++
			outcome[item.ID] = nil
			metrics.OfflineQueueItems.WithLabelValues("sent").Inc()
		case item.RetryCount >= item.MaxRetries:
			result.Dropped++
			outcome[item.ID] = nil
			metrics.OfflineQueueItems.WithLabelValues("dropped").Inc()
			q.log.WarnContext(ctx, "dropping queued request after max retries",
				"id", item.ID,
				"method", item.Method,
				"url", q.redactor.RedactURL(item.URL),
				"retries", item.RetryCount,
				"error", err,
			)
		default:
			item.RetryCount++
			result.Retried++
			outcome[item.ID] = item
			metrics.OfflineQueueItems.WithLabelValues("retried").Inc()
			q.log.InfoContext(ctx, "queued request failed, will retry",
				"id", item.ID,
				"url", q.redactor.RedactURL(item.URL),
				"retry", item.RetryCount,
				"max_retries", item.MaxRetries,
				"error", err,
			)
		}
	}

	q.mu.Lock()
	merged := make([]QueuedRequest, 0, len(q.items))
	for _, current := range q.items {
		updated, processed := outcome[current.ID]
		switch {
		case !processed:
			merged = append(merged, current)
		case updated != nil:
			merged = append(merged, *updated)
		}
	}
	q.items = merged
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snapshot)

	result.Remaining = len(snapshot)
	result.Duration = q.clock.Since(start)
	metrics.OfflineSyncDuration.Observe(result.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("offline_queue.attempted", result.Attempted),
		attribute.Int("offline_queue.sent", result.Sent),
		attribute.Int("offline_queue.dropped", result.Dropped),
		attribute.Int("offline_queue.remaining", result.Remaining),
	)
	if result.Attempted > 0 {
		q.log.InfoContext(ctx, "offline queue synced",
			"attempted", result.Attempted,
			"sent", result.Sent,
			"retried", result.Retried,
			"dropped", result.Dropped,
			"remaining", result.Remaining,
		)
	}
	return result
}

// IsOnline reports the queue's view of connectivity.
func (q *Queue) IsOnline() bool {
	return q.online.Load()
}

// Syncing reports whether a sync pass is running.
func (q *Queue) Syncing() bool {
	return q.syncing.Load()
}

// Items returns a copy of the queued requests, oldest first.
func (q *Queue) Items() []QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every queued request.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	q.persist(ctx, nil)
}

// Subscribe registers fn for online/offline changes and returns a function
// that removes it. A panicking listener is logged and skipped.
func (q *Queue) Subscribe(fn Listener) func() {
	q.listenerMu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = fn
	q.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.listenerMu.Lock()
			delete(q.listeners, id)
			q.listenerMu.Unlock()
		})
	}
}

// Close stops following connectivity and waits for background syncs.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	if q.unobserve != nil {
		q.unobserve()
	}
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) onStatus(status connectivity.Status) {
	online := status.Online()
	if q.online.Swap(online) == online {
		return
	}

	q.log.Info("offline queue connectivity changed", "status", status, "depth", q.Len())
	q.notify(online)

	if online && q.Len() > 0 {
		q.triggerSync()
	}
}

func (q *Queue) notify(online bool) {
	q.listenerMu.Lock()
	listeners := make([]Listener, 0, len(q.listeners))
	for _, fn := range q.listeners {
		listeners = append(listeners, fn)
	}
	q.listenerMu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.log.Error("offline queue listener panicked", "online", online, "panic", r)
				}
			}()
			fn(online)
		}()
	}
}

func (q *Queue) triggerSync() {
	if q.syncing.Load() {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		q.Sync(q.baseCtx)
	}()
}

func (q *Queue) send(ctx context.Context, item *QueuedRequest) error {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.RequestTimeout)
	defer cancel()

	_, err := q.transport.Do(ctx, &transport.Request{
		Method:  item.Method,
		URL:     item.URL,
		Headers: item.Headers,
		Body:    item.Data,
	})
	return err
}

func (q *Queue) load(ctx context.Context) {
	data, ok := q.store.Get(ctx, q.cfg.StorageKey)
	if !ok {
		return
	}

	var stored []QueuedRequest
	if err := json.Unmarshal(data, &stored); err != nil {
		q.store.Report(ctx, "decode", q.cfg.StorageKey, err)
		return
	}
	if len(stored) > q.cfg.MaxQueue {
		stored = stored[len(stored)-q.cfg.MaxQueue:]
	}

	q.mu.Lock()
	q.items = append(stored, q.items...)
	if len(q.items) > q.cfg.MaxQueue {
		q.items = q.items[len(q.items)-q.cfg.MaxQueue:]
	}
	q.mu.Unlock()

	q.log.InfoContext(ctx, "offline queue restored", "depth", len(stored))
}

func (q *Queue) persist(ctx context.Context, items []QueuedRequest) {
	metrics.OfflineQueueDepth.Set(float64(len(items)))
	if items == nil {
		items = []QueuedRequest{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		q.store.Report(ctx, "encode", q.cfg.StorageKey, err)
		return
	}
	q.store.Set(ctx, q.cfg.StorageKey, data)
}

func (q *Queue) snapshotLocked() []QueuedRequest {
	out := make([]QueuedRequest, len(q.items))
	for i, item := range q.items {
		out[i] = cloneItem(item)
	}
	return out
}

func cloneItem(item QueuedRequest) QueuedRequest {
	item.Headers = copyHeaders(item.Headers)
	return item
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
