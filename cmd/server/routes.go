package main

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/fellowship/internal/config"
)

type relayRoutes interface {
	Live(http.ResponseWriter, *http.Request)
	Ready(http.ResponseWriter, *http.Request)
	Enqueue(http.ResponseWriter, *http.Request)
	ListQueue(http.ResponseWriter, *http.Request)
	SyncQueue(http.ResponseWriter, *http.Request)
	LimitTokens(http.ResponseWriter, *http.Request)
	Connectivity(http.ResponseWriter, *http.Request)
	SetConnectivity(http.ResponseWriter, *http.Request)
}

var errNilConfig = errors.New("config is required")

func buildMux(cfg *config.Config, handler relayRoutes) (*http.ServeMux, error) {
	if cfg == nil {
		return nil, errNilConfig
	}

	mux := http.NewServeMux()
	registerRelayRoutes(mux, handler)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}
	return mux, nil
}

func registerRelayRoutes(mux *http.ServeMux, handler relayRoutes) {
	if handler == nil || mux == nil {
		return
	}

	// Health endpoints
	mux.HandleFunc("GET /health/live", handler.Live)
	mux.HandleFunc("GET /health/ready", handler.Ready)

	// Offline queue
	mux.HandleFunc("POST /v1/queue", handler.Enqueue)
	mux.HandleFunc("GET /v1/queue", handler.ListQueue)
	mux.HandleFunc("POST /v1/queue/sync", handler.SyncQueue)

	// Limiters
	mux.HandleFunc("GET /v1/limits/{name}/{key}", handler.LimitTokens)

	// Connectivity
	mux.HandleFunc("GET /v1/connectivity", handler.Connectivity)
	mux.HandleFunc("PUT /v1/connectivity", handler.SetConnectivity)
}
