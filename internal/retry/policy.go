package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
	gwerrors "github.com/therealutkarshpriyadarshi/gateway/internal/errors"
)

// retryableStatuses are upstream statuses that trigger a retry.
var retryableStatuses = map[int]bool{
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// idempotentMethods are safe to re-send after a failed attempt.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Policy implements retry with exponential backoff for upstream calls.
type Policy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	PerTryTimeout     time.Duration
	Metrics           *Metrics
}

// Metrics tracks retry statistics.
type Metrics struct {
	Requests  atomic.Int64
	Retries   atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
}

// NewPolicy creates a retry policy from config. perTryTimeout bounds each
// individual attempt; zero disables the per-attempt deadline.
func NewPolicy(cfg config.RetryConfig, perTryTimeout time.Duration) *Policy {
	cfg = cfg.WithDefaults()
	return &Policy{
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoff(),
		MaxBackoff:        cfg.MaxBackoff(),
		BackoffMultiplier: cfg.BackoffMultiplier,
		PerTryTimeout:     perTryTimeout,
		Metrics:           &Metrics{},
	}
}

// newBackOff builds the attempt schedule: initial * multiplier^(i-1),
// capped at the ceiling, with multiplicative jitter in [0.5, 1.5].
func (p *Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.Multiplier = p.BackoffMultiplier
	b.MaxInterval = p.MaxBackoff
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Execute performs the upstream call with retries. gate, when non-nil, is
// consulted before each re-attempt; a non-nil result aborts the loop (used
// for circuit breaker rejection short-circuiting).
func (p *Policy) Execute(ctx context.Context, transport http.RoundTripper, req *http.Request, gate func() *gwerrors.GatewayError) (*http.Response, error) {
	p.Metrics.Requests.Add(1)

	schedule := p.newBackOff()

	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if gate != nil {
				if gerr := gate(); gerr != nil {
					p.Metrics.Failures.Add(1)
					closeBody(lastResp)
					return nil, gerr
				}
			}

			p.Metrics.Retries.Add(1)
			select {
			case <-ctx.Done():
				p.Metrics.Failures.Add(1)
				closeBody(lastResp)
				return nil, ctx.Err()
			case <-time.After(schedule.NextBackOff()):
			}

			// Rewind the body for re-sends when the caller provided one.
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					p.Metrics.Failures.Add(1)
					closeBody(lastResp)
					return nil, err
				}
				req.Body = body
			}
		}

		resp, err := p.doRoundTrip(ctx, transport, req)
		if err != nil {
			lastErr = err
			closeBody(lastResp)
			lastResp = nil
			if !IsRetryableError(err) || !idempotentMethods[req.Method] {
				p.Metrics.Failures.Add(1)
				return nil, err
			}
			continue
		}

		if !IsRetryableStatus(req.Method, resp.StatusCode) {
			p.Metrics.Successes.Add(1)
			closeBody(lastResp)
			return resp, nil
		}

		// Retryable status: discard the previous held response and keep
		// this one in case the retries run out.
		closeBody(lastResp)
		lastResp = resp
		lastErr = nil
	}

	p.Metrics.Failures.Add(1)
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func closeBody(resp *http.Response) {
	if resp != nil {
		resp.Body.Close()
	}
}

func (p *Policy) doRoundTrip(ctx context.Context, transport http.RoundTripper, req *http.Request) (*http.Response, error) {
	if p.PerTryTimeout > 0 {
		tryCtx, cancel := context.WithTimeout(ctx, p.PerTryTimeout)
		defer cancel()
		return transport.RoundTrip(req.WithContext(tryCtx))
	}
	return transport.RoundTrip(req.WithContext(ctx))
}

// IsRetryableStatus reports whether an upstream status warrants a retry for
// the given method. Only idempotent methods re-send on 502/503/504.
func IsRetryableStatus(method string, statusCode int) bool {
	return idempotentMethods[method] && retryableStatuses[statusCode]
}

// IsRetryableError reports whether a transport error warrants a retry:
// timeouts, refused or reset connections, and DNS failures.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsTimeout reports whether an upstream error was a deadline or I/O timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
