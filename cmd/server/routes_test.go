package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blueberrycongee/fellowship/internal/config"
)

type fakeRelayRoutes struct{}

func (fakeRelayRoutes) Live(http.ResponseWriter, *http.Request)            {}
func (fakeRelayRoutes) Ready(http.ResponseWriter, *http.Request)           {}
func (fakeRelayRoutes) Enqueue(http.ResponseWriter, *http.Request)         {}
func (fakeRelayRoutes) ListQueue(http.ResponseWriter, *http.Request)       {}
func (fakeRelayRoutes) SyncQueue(http.ResponseWriter, *http.Request)       {}
func (fakeRelayRoutes) LimitTokens(http.ResponseWriter, *http.Request)     {}
func (fakeRelayRoutes) Connectivity(http.ResponseWriter, *http.Request)    {}
func (fakeRelayRoutes) SetConnectivity(http.ResponseWriter, *http.Request) {}

func TestBuildMux_RegistersRelayRoutes(t *testing.T) {
	cfg := &config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}

	mux, err := buildMux(cfg, fakeRelayRoutes{})
	if err != nil {
		t.Fatalf("buildMux() error = %v", err)
	}

	tests := []struct {
		method, path, want string
	}{
		{http.MethodGet, "/health/live", "GET /health/live"},
		{http.MethodGet, "/health/ready", "GET /health/ready"},
		{http.MethodPost, "/v1/queue", "POST /v1/queue"},
		{http.MethodGet, "/v1/queue", "GET /v1/queue"},
		{http.MethodPost, "/v1/queue/sync", "POST /v1/queue/sync"},
		{http.MethodGet, "/v1/limits/api/member-1", "GET /v1/limits/{name}/{key}"},
		{http.MethodGet, "/v1/connectivity", "GET /v1/connectivity"},
		{http.MethodPut, "/v1/connectivity", "PUT /v1/connectivity"},
		{http.MethodGet, "/metrics", "GET /metrics"},
	}
	for _, tt := range tests {
		if got := routePattern(mux, tt.method, tt.path); got != tt.want {
			t.Errorf("%s %s pattern = %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestBuildMux_MetricsDisabled(t *testing.T) {
	cfg := &config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Metrics: config.MetricsConfig{Enabled: false, Path: "/metrics"},
	}

	mux, err := buildMux(cfg, fakeRelayRoutes{})
	if err != nil {
		t.Fatalf("buildMux() error = %v", err)
	}
	if got := routePattern(mux, http.MethodGet, "/metrics"); got != "" {
		t.Fatalf("metrics route should not be registered, got pattern %q", got)
	}
}

func TestBuildMux_NilConfig(t *testing.T) {
	if _, err := buildMux(nil, fakeRelayRoutes{}); err != errNilConfig {
		t.Fatalf("buildMux(nil) error = %v, want %v", err, errNilConfig)
	}
}

func routePattern(mux *http.ServeMux, method, path string) string {
	req := httptest.NewRequest(method, path, nil)
	_, pattern := mux.Handler(req)
	return pattern
}
