package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/therealutkarshpriyadarshi/gateway/internal/auth"
	"github.com/therealutkarshpriyadarshi/gateway/internal/circuitbreaker"
	"github.com/therealutkarshpriyadarshi/gateway/internal/errors"
	"github.com/therealutkarshpriyadarshi/gateway/internal/health"
	"github.com/therealutkarshpriyadarshi/gateway/internal/loadbalancer"
	"github.com/therealutkarshpriyadarshi/gateway/internal/logging"
	"github.com/therealutkarshpriyadarshi/gateway/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gateway/internal/ratelimit"
	"github.com/therealutkarshpriyadarshi/gateway/internal/retry"
	"github.com/therealutkarshpriyadarshi/gateway/internal/router"
	"github.com/therealutkarshpriyadarshi/gateway/internal/variables"
)

// maxBufferedBody caps request bodies buffered for retry replay. Larger
// bodies are streamed once and never re-sent.
const maxBufferedBody = 1 << 20

// Proxy is the request pipeline: route, authenticate, rate limit, select a
// backend, gate through its breaker, and forward with retries.
type Proxy struct {
	router         *router.Router
	authService    *auth.Service
	rateLimiter    *ratelimit.Service
	breakers       *circuitbreaker.Registry
	retryPolicy    *retry.Policy
	healthChecker  *health.Checker
	balancers      map[string]loadbalancer.Balancer
	transport      http.RoundTripper
	metrics        *metrics.Metrics
	overallTimeout time.Duration
}

// Config wires the pipeline's collaborators.
type Config struct {
	Router         *router.Router
	AuthService    *auth.Service
	RateLimiter    *ratelimit.Service
	Breakers       *circuitbreaker.Registry
	RetryPolicy    *retry.Policy
	HealthChecker  *health.Checker
	Balancers      map[string]loadbalancer.Balancer
	Transport      http.RoundTripper
	Metrics        *metrics.Metrics
	OverallTimeout time.Duration
}

// New creates the proxy pipeline.
func New(cfg Config) *Proxy {
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport()
	}
	timeout := cfg.OverallTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	balancers := cfg.Balancers
	if balancers == nil {
		balancers = map[string]loadbalancer.Balancer{}
	}
	return &Proxy{
		router:         cfg.Router,
		authService:    cfg.AuthService,
		rateLimiter:    cfg.RateLimiter,
		breakers:       cfg.Breakers,
		retryPolicy:    cfg.RetryPolicy,
		healthChecker:  cfg.HealthChecker,
		balancers:      balancers,
		transport:      transport,
		metrics:        cfg.Metrics,
		overallTimeout: timeout,
	}
}

// responseWriter captures the status code for request metrics.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// ServeHTTP runs the full pipeline for one request.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rw := &responseWriter{ResponseWriter: w}

	r, vc := variables.WithContext(r)
	vc.ClientIP = variables.ExtractClientIP(r)

	ctx, cancel := context.WithTimeout(r.Context(), p.overallTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	routePattern := p.handle(rw, r, vc)

	if p.metrics != nil {
		status := rw.status
		if status == 0 {
			status = http.StatusOK
		}
		p.metrics.RecordRequest(routePattern, r.Method, status, time.Since(start))
	}
}

// handle executes the pipeline steps and returns the matched route pattern
// ("" when routing failed) for metric labeling.
func (p *Proxy) handle(w http.ResponseWriter, r *http.Request, vc *variables.Context) string {
	// Routing decides first; nothing downstream influences it.
	m, gerr := p.router.Match(r.Method, r.URL.Path)
	if gerr != nil {
		gerr.WriteJSON(w)
		return ""
	}
	route := m.Route
	vc.RoutePattern = route.Pattern

	bypass := auth.IsBypassPath(r.URL.Path)

	if !bypass {
		if gerr := p.authenticate(r, vc, route); gerr != nil {
			gerr.WriteJSON(w)
			return route.Pattern
		}

		if gerr := p.rateLimit(w, r, vc, route); gerr != nil {
			gerr.WriteJSON(w)
			return route.Pattern
		}
	}

	p.forward(w, r, vc, m)
	return route.Pattern
}

// authenticate applies the route's auth policy (pipeline step 4).
func (p *Proxy) authenticate(r *http.Request, vc *variables.Context, route *router.Route) *errors.GatewayError {
	policy := route.Auth
	if policy == nil || !policy.Required {
		return nil
	}

	if p.authService == nil {
		// Auth demanded by config but no validators exist: a config bug,
		// never an open door.
		return errors.Internal("authentication required but no auth service configured")
	}

	identity, gerr := p.authService.Authenticate(r.Context(), r, policy)
	if gerr != nil {
		if p.metrics != nil {
			p.metrics.RecordAuthAttempt("unknown", false)
		}
		return errors.Unauthorized(gerr.Message)
	}

	vc.Identity = identity
	if p.metrics != nil {
		p.metrics.RecordAuthAttempt(identity.AuthType, true)
	}
	return nil
}

// rateLimit evaluates the applicable rules and annotates the response
// (pipeline step 5).
func (p *Proxy) rateLimit(w http.ResponseWriter, r *http.Request, vc *variables.Context, route *router.Route) *errors.GatewayError {
	if p.rateLimiter == nil || !p.rateLimiter.Enabled() {
		return nil
	}

	info := ratelimit.RequestInfo{
		ClientIP:     vc.ClientIP,
		RoutePattern: route.Pattern,
	}
	if vc.Identity != nil {
		info.Principal = vc.Identity.Principal
		info.APIKey = vc.Identity.APIKey
	}

	d, applied := p.rateLimiter.Check(r.Context(), info, route.RateLimit)
	if !applied {
		return nil
	}

	ratelimit.SetHeaders(w.Header(), d)

	if !d.Allowed {
		if p.metrics != nil {
			p.metrics.RecordRateLimited(route.Pattern)
		}
		return errors.RateLimited(errors.RateLimitInfo{
			Limit:      d.Limit,
			Remaining:  d.Remaining,
			ResetAfter: d.ResetAfter,
			RetryAfter: d.RetryAfter,
		})
	}
	return nil
}

// forward resolves the target backend and performs the upstream exchange
// (pipeline steps 6-12).
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, vc *variables.Context, m *router.Match) {
	route := m.Route

	// Step 6: resolve the target backend.
	var poolMember *loadbalancer.Backend
	backendURL := route.Backend
	if route.Upstream != "" {
		balancer, ok := p.balancers[route.Upstream]
		if !ok {
			errors.Internal("no balancer for upstream " + route.Upstream).WriteJSON(w)
			return
		}
		poolMember = balancer.Next(vc.ClientIP)
		if poolMember == nil {
			errors.UpstreamUnavailable().WriteJSON(w)
			return
		}
		backendURL = poolMember.URL
	}
	vc.UpstreamAddr = backendURL

	// Step 7: admit through the backend's circuit breaker.
	var done func(circuitbreaker.Outcome)
	var breaker *circuitbreaker.Breaker
	if p.breakers != nil {
		if route.CircuitBreaker != nil {
			breaker = p.breakers.GetWith(backendURL, *route.CircuitBreaker)
		} else {
			breaker = p.breakers.Get(backendURL)
		}
		var gerr *errors.GatewayError
		done, gerr = breaker.Allow()
		p.publishBreakerState(backendURL, breaker)
		if gerr != nil {
			gerr.WriteJSON(w)
			return
		}
	}

	// Step 8: build the upstream URL and request.
	targetURL, gerr := router.BuildUpstreamURL(backendURL, m, r.URL.Path, r.URL.RawQuery)
	if gerr != nil {
		if done != nil {
			done(circuitbreaker.OutcomeFailure)
		}
		gerr.WriteJSON(w)
		return
	}

	proxyReq, gerr := p.createProxyRequest(r, targetURL)
	if gerr != nil {
		if done != nil {
			done(circuitbreaker.OutcomeFailure)
		}
		gerr.WriteJSON(w)
		return
	}

	// Connection-count scope for the least-connections strategy; released
	// on every exit path.
	if poolMember != nil {
		poolMember.IncrActive()
		defer poolMember.DecrActive()
	}

	// Step 9: dispatch with retries. An open breaker aborts the loop.
	var gate func() *errors.GatewayError
	if breaker != nil {
		b := breaker
		target := backendURL
		gate = func() *errors.GatewayError {
			if b.CurrentState() == circuitbreaker.StateOpen {
				return errors.CircuitOpen(target)
			}
			return nil
		}
	}

	upstreamStart := time.Now()
	var resp *http.Response
	var err error
	if p.retryPolicy != nil {
		before := p.retryPolicy.Metrics.Retries.Load()
		resp, err = p.retryPolicy.Execute(r.Context(), p.transport, proxyReq, gate)
		if p.metrics != nil {
			for delta := p.retryPolicy.Metrics.Retries.Load() - before; delta > 0; delta-- {
				p.metrics.RecordRetry(route.Pattern)
			}
		}
	} else {
		resp, err = p.transport.RoundTrip(proxyReq)
	}
	vc.UpstreamResponseTime = time.Since(upstreamStart)

	// Step 10: record the terminal outcome.
	if err != nil {
		p.recordOutcome(done, backendURL, false, retry.IsTimeout(err))
		p.writeUpstreamError(w, r, err, backendURL)
		return
	}
	defer resp.Body.Close()

	success := resp.StatusCode < 500
	p.recordOutcome(done, backendURL, success, false)

	vc.UpstreamStatus = resp.StatusCode

	// Step 11: relay the response. Rate limit headers set earlier must
	// survive the upstream header copy.
	saved := saveRateLimitHeaders(w.Header())
	copyHeaders(w.Header(), resp.Header)
	restoreRateLimitHeaders(w.Header(), saved)

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// recordOutcome feeds the terminal result to the breaker and the passive
// health accounting.
func (p *Proxy) recordOutcome(done func(circuitbreaker.Outcome), backendURL string, success, timeout bool) {
	if done != nil {
		switch {
		case success:
			done(circuitbreaker.OutcomeSuccess)
		case timeout:
			done(circuitbreaker.OutcomeTimeout)
		default:
			done(circuitbreaker.OutcomeFailure)
		}
	}
	if p.healthChecker != nil {
		p.healthChecker.ReportResult(backendURL, success)
	}
}

func (p *Proxy) publishBreakerState(backendURL string, b *circuitbreaker.Breaker) {
	if p.metrics == nil {
		return
	}
	p.metrics.SetBreakerState(backendURL, int(b.CurrentState()))
}

// createProxyRequest builds the outbound request: filtered headers, a Host
// synthesized from the target, and X-Forwarded-* metadata.
func (p *Proxy) createProxyRequest(r *http.Request, target string) (*http.Request, *errors.GatewayError) {
	targetURL, err := url.Parse(target)
	if err != nil {
		return nil, errors.BadGateway("invalid upstream URL")
	}

	body, getBody, gerr := p.requestBody(r)
	if gerr != nil {
		return nil, gerr
	}

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          body,
		GetBody:       getBody,
		ContentLength: r.ContentLength,
		Host:          targetURL.Host,
	}).WithContext(r.Context())

	proxyReq.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}
	removeHopHeaders(proxyReq.Header)

	if clientIP := variables.ExtractClientIP(r); clientIP != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	if proxyReq.Header.Get("X-Forwarded-Host") == "" {
		proxyReq.Header.Set("X-Forwarded-Host", r.Host)
	}

	return proxyReq, nil
}

// requestBody prepares the outbound body. Small bodies are buffered so the
// retry executor can replay them; larger ones stream through once.
func (p *Proxy) requestBody(r *http.Request) (io.ReadCloser, func() (io.ReadCloser, error), *errors.GatewayError) {
	if r.Body == nil || r.Body == http.NoBody {
		return http.NoBody, nil, nil
	}
	if r.GetBody != nil {
		return r.Body, r.GetBody, nil
	}
	if r.ContentLength < 0 || r.ContentLength > maxBufferedBody {
		return r.Body, nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody+1))
	if err != nil {
		return nil, nil, errors.BadGateway("failed to read request body")
	}
	if int64(len(data)) > maxBufferedBody {
		// Larger than advertised; stream the rest without replay support.
		combined := io.MultiReader(bytes.NewReader(data), r.Body)
		return io.NopCloser(combined), nil, nil
	}

	getBody := func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return io.NopCloser(bytes.NewReader(data)), getBody, nil
}

// writeUpstreamError maps a transport failure onto the error taxonomy.
func (p *Proxy) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error, backendURL string) {
	if ge, ok := errors.IsGatewayError(err); ok {
		ge.WriteJSON(w)
		return
	}

	logging.Warn("upstream request failed",
		zap.String("backend", backendURL),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)

	if retry.IsTimeout(err) {
		errors.GatewayTimeout("upstream did not respond in time").WriteJSON(w)
		return
	}
	errors.BadGateway(err.Error()).WriteJSON(w)
}

var rateLimitHeaderNames = []string{
	"X-RateLimit-Limit",
	"X-RateLimit-Remaining",
	"X-RateLimit-Reset",
	"Retry-After",
}

func saveRateLimitHeaders(h http.Header) map[string]string {
	saved := map[string]string{}
	for _, name := range rateLimitHeaderNames {
		if v := h.Get(name); v != "" {
			saved[name] = v
		}
	}
	return saved
}

func restoreRateLimitHeaders(h http.Header, saved map[string]string) {
	for name, v := range saved {
		h.Set(name, v)
	}
}
