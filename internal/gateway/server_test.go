package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
)

func testConfig(backend string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0, TimeoutSecs: 5},
		Routes: []config.RouteConfig{
			{Path: "/api/echo", Backend: backend},
		},
		RateLimiting: config.RateLimitingConfig{
			Enabled:   true,
			Algorithm: "token_bucket",
			Global: []config.RateLimitRuleConfig{
				{Dimension: "ip", Requests: 100, WindowSecs: 60},
			},
		},
		CircuitBreaker: config.CircuitBreakerConfig{}.WithDefaults(),
		Retry:          config.RetryConfig{}.WithDefaults(),
	}
}

func TestNewServerWiresPipeline(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("echoed"))
	}))
	defer upstream.Close()

	s, err := NewServer(testConfig(upstream.URL))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Shutdown()

	// Exercise the assembled handler directly.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "http://gw/api/echo", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != 200 || rec.Body.String() != "echoed" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request ID middleware must annotate responses")
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("rate limit headers must be present when limiting is enabled")
	}
}

func TestNewServerUpstreamPool(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Routes = []config.RouteConfig{{Path: "/pooled", Upstream: "pool"}}
	cfg.Upstreams = []config.UpstreamConfig{{
		Name:     "pool",
		Strategy: "round_robin",
		Backends: []config.BackendConfig{{URL: upstream.URL, Weight: 1}},
		HealthCheck: &config.HealthCheckConfig{
			Path: "/health", IntervalSecs: 1, TimeoutSecs: 1,
			HealthyThreshold: 1, UnhealthyThreshold: 1,
		},
	}}

	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Shutdown()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "http://gw/pooled", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200 via pool, got %d", rec.Code)
	}
}

func TestNewServerAdminEndpoints(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Admin = config.AdminConfig{Enabled: true, Address: "127.0.0.1:0"}

	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Shutdown()

	handler := s.adminHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "http://admin/metrics", nil))
	if rec.Code != 200 {
		t.Errorf("/metrics: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "http://admin/admin/breakers", nil))
	if rec.Code != 200 || rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("/admin/breakers: unexpected response %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "http://admin/admin/health", nil))
	if rec.Code != 200 {
		t.Errorf("/admin/health: expected 200, got %d", rec.Code)
	}
}

func TestShutdownReleasesResources(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	s, err := NewServer(testConfig(upstream.URL))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Shutdown() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown must not hang")
	}
}
