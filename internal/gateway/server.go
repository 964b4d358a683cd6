package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/therealutkarshpriyadarshi/gateway/internal/auth"
	"github.com/therealutkarshpriyadarshi/gateway/internal/circuitbreaker"
	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
	"github.com/therealutkarshpriyadarshi/gateway/internal/health"
	"github.com/therealutkarshpriyadarshi/gateway/internal/loadbalancer"
	"github.com/therealutkarshpriyadarshi/gateway/internal/logging"
	"github.com/therealutkarshpriyadarshi/gateway/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gateway/internal/middleware"
	"github.com/therealutkarshpriyadarshi/gateway/internal/proxy"
	"github.com/therealutkarshpriyadarshi/gateway/internal/ratelimit"
	"github.com/therealutkarshpriyadarshi/gateway/internal/retry"
	"github.com/therealutkarshpriyadarshi/gateway/internal/router"
)

const shutdownGrace = 15 * time.Second

// Server assembles the gateway from configuration and runs it.
type Server struct {
	cfg           *config.Config
	httpServer    *http.Server
	adminServer   *http.Server
	healthChecker *health.Checker
	breakers      *circuitbreaker.Registry
	metrics       *metrics.Metrics
	redisClients  []redis.UniversalClient
}

// NewServer constructs every component from the validated configuration.
func NewServer(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		metrics:  metrics.New(),
		breakers: circuitbreaker.NewRegistry(cfg.CircuitBreaker),
	}

	rt, err := router.New(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	// Distributed stores. Both limiter and API key lookups degrade at
	// runtime (local fallback, 401) so an unreachable store is a warning,
	// not a startup failure.
	var limiterKV redis.UniversalClient
	if cfg.RateLimiting.Redis != nil {
		limiterKV, err = s.newRedisClient(cfg.RateLimiting.Redis.URL)
		if err != nil {
			return nil, err
		}
	}
	var apiKeyKV redis.UniversalClient
	if cfg.Auth != nil && cfg.Auth.APIKey != nil && cfg.Auth.APIKey.Redis != nil {
		apiKeyKV, err = s.newRedisClient(cfg.Auth.APIKey.Redis.URL)
		if err != nil {
			return nil, err
		}
	}

	authService, err := auth.NewService(cfg.Auth, apiKeyKV)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Upstream pools and their balancers.
	balancers := make(map[string]loadbalancer.Balancer, len(cfg.Upstreams))
	for _, up := range cfg.Upstreams {
		var pool []*loadbalancer.Backend
		for _, bc := range up.Backends {
			b, err := loadbalancer.NewBackend(bc.URL, bc.Weight)
			if err != nil {
				return nil, fmt.Errorf("upstream %q: %w", up.Name, err)
			}
			pool = append(pool, b)
		}
		balancer, err := loadbalancer.New(up.Strategy, pool)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", up.Name, err)
		}
		balancers[up.Name] = balancer
	}

	// Health supervision: status changes propagate to every balancer (the
	// mark calls are no-ops for pools that don't own the URL).
	s.healthChecker = health.NewChecker(health.Config{
		OnChange: func(url string, healthy bool) {
			for _, b := range balancers {
				if healthy {
					b.MarkHealthy(url)
				} else {
					b.MarkUnhealthy(url)
				}
			}
			s.metrics.SetBackendHealthy(url, healthy)
		},
	})
	for _, up := range cfg.Upstreams {
		for _, bc := range up.Backends {
			hb := health.Backend{
				URL:              bc.URL,
				InitiallyHealthy: true,
			}
			if hc := up.HealthCheck; hc != nil {
				hb.Active = true
				hb.HealthPath = hc.Path
				hb.Interval = hc.Interval()
				hb.Timeout = hc.Timeout()
				hb.HealthyThreshold = hc.HealthyThreshold
				hb.UnhealthyThreshold = hc.UnhealthyThreshold
			}
			s.healthChecker.AddBackend(hb)
		}
	}

	retryPolicy := retry.NewPolicy(cfg.Retry, cfg.CircuitBreaker.RequestTimeout())

	pipeline := proxy.New(proxy.Config{
		Router:         rt,
		AuthService:    authService,
		RateLimiter:    ratelimit.NewService(cfg.RateLimiting, limiterKV),
		Breakers:       s.breakers,
		RetryPolicy:    retryPolicy,
		HealthChecker:  s.healthChecker,
		Balancers:      balancers,
		Metrics:        s.metrics,
		OverallTimeout: cfg.Server.Timeout(),
	})

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.AccessLog(),
	)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           chain.Then(pipeline),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           s.adminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

func (s *Server) newRedisClient(rawURL string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	s.redisClients = append(s.redisClients, client)

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logging.Warn("redis unreachable at startup, degraded operation",
			zap.String("url", rawURL),
			zap.Error(err),
		)
	}
	return client, nil
}

// adminHandler serves the observability endpoints on the admin listener.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/admin/breakers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.breakers.Snapshots())
	})
	mux.HandleFunc("/admin/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.healthChecker.Snapshots())
	})
	return mux
}

// Run starts the listeners and blocks until shutdown.
func (s *Server) Run() error {
	s.healthChecker.Start()

	if s.adminServer != nil {
		go func() {
			logging.Info("admin listener started", zap.String("addr", s.adminServer.Addr))
			if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("admin listener failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case sig := <-sigCh:
		logging.Info("shutting down", zap.String("signal", sig.String()))
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests and releases resources.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.healthChecker.Stop()
	for _, c := range s.redisClients {
		c.Close()
	}
	return firstErr
}
