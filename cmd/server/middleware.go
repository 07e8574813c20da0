package main

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/blueberrycongee/fellowship/internal/config"
	"github.com/blueberrycongee/fellowship/internal/metrics"
	"github.com/blueberrycongee/fellowship/internal/observability"
)

func buildMiddlewareStack(cfg *config.Config, logger *observability.Logger) (func(http.Handler) http.Handler, error) {
	if cfg == nil {
		return nil, errNilConfig
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LoggerConfig{}, observability.NewRedactor())
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			return nil
		}
		handler := metrics.Middleware(next)
		handler = accessLogMiddleware(logger, handler)
		handler = recoveryMiddleware(logger, handler)
		handler = observability.RequestIDMiddleware(handler)
		handler = corsMiddleware(cfg.CORS, handler)
		return handler
	}, nil
}

// responseRecorder captures the status code and body size of a response.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	wrote  bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.status = http.StatusOK
		r.wrote = true
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func accessLogMiddleware(logger *observability.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.WithRequestID(r.Context()).InfoContext(r.Context(), "request completed",
			"method", r.Method,
			"path", logger.Redactor().RedactURL(r.URL.RequestURI()),
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", time.Since(start),
			"client", clientKey(r),
		)
	})
}

func recoveryMiddleware(logger *observability.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			logger.WithRequestID(r.Context()).ErrorContext(r.Context(), "handler panicked",
				"panic", p,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			if !rec.wrote {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":{"message":"internal server error","type":"internal_error"}}` + "\n"))
			}
		}()
		next.ServeHTTP(rec, r)
	})
}
