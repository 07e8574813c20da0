package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RecordDecision records a limiter decision.
func RecordDecision(limiter string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	RateLimitDecisions.WithLabelValues(sanitizeLabel(limiter), result).Inc()
}

// RecordBatch records a dispatched batch.
func RecordBatch(batcher string, size int, latency time.Duration, err error) {
	name := sanitizeLabel(batcher)
	result := "success"
	if err != nil {
		result = "error"
	}
	BatchDispatches.WithLabelValues(name, result).Inc()
	BatchSize.WithLabelValues(name).Observe(float64(size))
	BatchLatency.WithLabelValues(name).Observe(latency.Seconds())
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher interface.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		route = sanitizeLabel(route)
		HTTPRequests.WithLabelValues(route, strconv.Itoa(recorder.statusCode)).Inc()
		HTTPLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

const maxLabelLen = 64

// sanitizeLabel keeps caller-provided names from blowing up label cardinality
// or breaking the exposition format.
func sanitizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(min(len(value), maxLabelLen))
	for _, r := range value {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' || r == '/' || r == ' ' || r == '{' || r == '}' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
