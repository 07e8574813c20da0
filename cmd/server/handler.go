package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/fellowship"
	"github.com/blueberrycongee/fellowship/internal/connectivity"
	"github.com/blueberrycongee/fellowship/pkg/errors"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	clientIDHeader       = "X-Client-ID"
	maxRequestBodyBytes  = 1 << 20
	readyTimeout         = 2 * time.Second
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failure.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// QueueResponse is the body of GET /v1/queue.
type QueueResponse struct {
	Online  bool                       `json:"online"`
	Syncing bool                       `json:"syncing"`
	Items   []fellowship.QueuedRequest `json:"items"`
}

// LimitResponse is the body of GET /v1/limits/{name}/{key}.
type LimitResponse struct {
	Limiter string  `json:"limiter"`
	Key     string  `json:"key"`
	Tokens  float64 `json:"tokens"`
}

// ConnectivityResponse is the body of the connectivity endpoints.
type ConnectivityResponse struct {
	Status  connectivity.Status `json:"status"`
	Online  bool                `json:"online"`
	Changed bool                `json:"changed,omitempty"`
}

// handler serves the relay API on top of a Kit.
type handler struct {
	kit    *fellowship.Kit
	manual *connectivity.Manual
	logger *slog.Logger
}

func newHandler(kit *fellowship.Kit, logger *slog.Logger) *handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{kit: kit, logger: logger}
	if m, ok := kit.Observer().(*connectivity.Manual); ok {
		h.manual = m
	}
	return h
}

// Live handles GET /health/live.
func (h *handler) Live(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready. The relay is ready when its store answers.
func (h *handler) Ready(w http.ResponseWriter, r *http.Request) {
	if store := h.kit.Store(); store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			h.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Enqueue handles POST /v1/queue. With an Idempotency-Key a retried POST
// returns the item queued by the first one.
func (h *handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.kit.Check(ctx, fellowship.LimitAPI, clientKey(r)); err != nil {
		h.writeError(w, err)
		return
	}

	var req fellowship.QueueRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, errors.NewValidationError("", "invalid request body: "+err.Error()))
		return
	}

	enqueue := func(ctx context.Context) (fellowship.QueuedRequest, error) {
		return h.kit.Enqueue(ctx, req)
	}

	var (
		item fellowship.QueuedRequest
		err  error
	)
	if key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)); key != "" {
		item, err = fellowship.Execute(ctx, h.kit, "queue:"+key, 0, enqueue)
	} else {
		item, err = enqueue(ctx)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, item)
}

// ListQueue handles GET /v1/queue.
func (h *handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	q := h.kit.Queue()
	h.writeJSON(w, http.StatusOK, QueueResponse{
		Online:  q.IsOnline(),
		Syncing: q.Syncing(),
		Items:   q.Items(),
	})
}

// SyncQueue handles POST /v1/queue/sync.
func (h *handler) SyncQueue(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.kit.Sync(r.Context()))
}

// LimitTokens handles GET /v1/limits/{name}/{key}.
func (h *handler) LimitTokens(w http.ResponseWriter, r *http.Request) {
	name, key := r.PathValue("name"), r.PathValue("key")
	tokens, ok := h.kit.Limits().Tokens(name, key)
	if !ok {
		h.writeError(w, &errors.Error{
			Kind:       errors.KindValidation,
			Message:    "unknown limiter " + strconv.Quote(name),
			StatusCode: http.StatusNotFound,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, LimitResponse{Limiter: name, Key: key, Tokens: tokens})
}

// Connectivity handles GET /v1/connectivity.
func (h *handler) Connectivity(w http.ResponseWriter, r *http.Request) {
	status := connectivity.StatusConnected
	if observer := h.kit.Observer(); observer != nil {
		status = observer.Current()
	}
	h.writeJSON(w, http.StatusOK, ConnectivityResponse{
		Status: status,
		Online: h.kit.Queue().IsOnline(),
	})
}

// SetConnectivity handles PUT /v1/connectivity. Only a manually driven relay
// accepts it.
func (h *handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	if h.manual == nil {
		h.writeError(w, &errors.Error{
			Kind:       errors.KindValidation,
			Message:    "connectivity is probed, not set manually",
			StatusCode: http.StatusConflict,
		})
		return
	}

	var body struct {
		Status connectivity.Status `json:"status"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&body); err != nil {
		h.writeError(w, errors.NewValidationError("", "invalid request body: "+err.Error()))
		return
	}
	switch body.Status {
	case connectivity.StatusConnected, connectivity.StatusDisconnected, connectivity.StatusUnknown:
	default:
		h.writeError(w, errors.NewValidationError("status", "status must be connected, disconnected or unknown"))
		return
	}

	changed := h.manual.Set(body.Status)
	h.logger.InfoContext(r.Context(), "connectivity set", "status", body.Status, "changed", changed)
	h.writeJSON(w, http.StatusOK, ConnectivityResponse{
		Status:  body.Status,
		Online:  body.Status.Online(),
		Changed: changed,
	})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var e *errors.Error
	if !stderrors.As(err, &e) {
		h.logger.Error("request failed", "error", err)
		e = &errors.Error{Kind: "internal_error", Message: "internal server error"}
	}

	if e.Kind == errors.KindRateLimit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(e.RetryAfter)))
	}
	h.writeJSON(w, e.HTTPStatusCode(), ErrorResponse{
		Error: ErrorDetail{
			Message: e.Message,
			Type:    string(e.Kind),
		},
	})
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(clientIDHeader)); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}
