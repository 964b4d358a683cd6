package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
	"github.com/therealutkarshpriyadarshi/gateway/internal/errors"
	"github.com/therealutkarshpriyadarshi/gateway/internal/logging"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of an admitted request.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

// Breaker implements the circuit breaker pattern for a single backend.
type Breaker struct {
	backend string

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    int
	halfOpenSuccesses   int
	halfOpenFailures    int

	failureThreshold int
	successThreshold int
	halfOpenRequests int
	timeout          time.Duration

	// Metrics (atomic for lock-free reads)
	totalRequests   atomic.Int64
	successful      atomic.Int64
	failed          atomic.Int64
	rejected        atomic.Int64
	timeouts        atomic.Int64
	openedCount     atomic.Int64
	closedCount     atomic.Int64
	halfOpenedCount atomic.Int64
}

// NewBreaker creates a circuit breaker for a backend URL.
func NewBreaker(backend string, cfg config.CircuitBreakerConfig) *Breaker {
	cfg = cfg.WithDefaults()
	return &Breaker{
		backend:          backend,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		halfOpenRequests: cfg.HalfOpenRequests,
		timeout:          cfg.Timeout(),
	}
}

// Allow decides whether a request may proceed. On admission it returns a
// done callback that MUST be invoked exactly once with the terminal outcome;
// the callback releases the half-open slot and drives state transitions.
// On rejection it returns a CircuitOpen error and no callback.
func (b *Breaker) Allow() (func(Outcome), *errors.GatewayError) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.totalRequests.Add(1)
		return b.record, nil

	case StateOpen:
		if time.Since(b.openedAt) >= b.timeout {
			b.transitionTo(StateHalfOpen)
			b.totalRequests.Add(1)
			b.halfOpenInFlight = 1
			return b.record, nil
		}
		b.totalRequests.Add(1)
		b.rejected.Add(1)
		return nil, errors.CircuitOpen(b.backend)

	default: // StateHalfOpen
		b.totalRequests.Add(1)
		if b.halfOpenInFlight < b.halfOpenRequests {
			b.halfOpenInFlight++
			return b.record, nil
		}
		b.rejected.Add(1)
		return nil, errors.CircuitOpen(b.backend)
	}
}

// record applies the terminal outcome of an admitted request.
func (b *Breaker) record(outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		b.successful.Add(1)
	case OutcomeTimeout:
		b.timeouts.Add(1)
	default:
		b.failed.Add(1)
	}

	success := outcome == OutcomeSuccess

	switch b.state {
	case StateClosed:
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.successThreshold {
				b.transitionTo(StateClosed)
			}
			return
		}
		b.halfOpenFailures++
		// Any half-open failure reopens immediately.
		b.transitionTo(StateOpen)

	case StateOpen:
		// A late record after the breaker reopened; counters above suffice.
	}
}

// transitionTo switches state. Caller must hold the lock.
func (b *Breaker) transitionTo(next State) {
	prev := b.state
	b.state = next

	switch next {
	case StateOpen:
		b.openedAt = time.Now()
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
		b.halfOpenFailures = 0
		b.openedCount.Add(1)
	case StateHalfOpen:
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
		b.halfOpenFailures = 0
		b.halfOpenedCount.Add(1)
	case StateClosed:
		b.consecutiveFailures = 0
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
		b.halfOpenFailures = 0
		b.closedCount.Add(1)
	}

	logging.Info("circuit breaker state change",
		zap.String("backend", b.backend),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}

// CurrentState returns the stored state. An open breaker whose timeout has
// elapsed still reports open until the next Allow moves it to half-open.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	state := b.state
	failures := b.consecutiveFailures
	b.mu.Unlock()

	return Snapshot{
		Backend:             b.backend,
		State:               state.String(),
		ConsecutiveFailures: failures,
		TotalRequests:       b.totalRequests.Load(),
		Successful:          b.successful.Load(),
		Failed:              b.failed.Load(),
		Rejected:            b.rejected.Load(),
		Timeouts:            b.timeouts.Load(),
		OpenedCount:         b.openedCount.Load(),
		ClosedCount:         b.closedCount.Load(),
		HalfOpenedCount:     b.halfOpenedCount.Load(),
	}
}

// Snapshot is a point-in-time view of a circuit breaker
type Snapshot struct {
	Backend             string `json:"backend"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	TotalRequests       int64  `json:"total_requests"`
	Successful          int64  `json:"successful"`
	Failed              int64  `json:"failed"`
	Rejected            int64  `json:"rejected"`
	Timeouts            int64  `json:"timeouts"`
	OpenedCount         int64  `json:"opened_count"`
	ClosedCount         int64  `json:"closed_count"`
	HalfOpenedCount     int64  `json:"half_opened_count"`
}

// Registry manages one breaker per backend URL.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults config.CircuitBreakerConfig
}

// NewRegistry creates a breaker registry with process-wide defaults.
func NewRegistry(defaults config.CircuitBreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults.WithDefaults(),
	}
}

// Get returns the breaker for a backend URL, creating it on first use with
// the registry defaults.
func (r *Registry) Get(backendURL string) *Breaker {
	return r.GetWith(backendURL, r.defaults)
}

// GetWith returns the breaker for a backend URL, creating it with the given
// tuning on first use. Later calls ignore the tuning argument.
func (r *Registry) GetWith(backendURL string, cfg config.CircuitBreakerConfig) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[backendURL]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[backendURL]; ok {
		return b
	}
	b = NewBreaker(backendURL, cfg)
	r.breakers[backendURL] = b
	return b
}

// Snapshots returns a snapshot of every breaker keyed by backend URL.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Snapshot, len(r.breakers))
	for url, b := range r.breakers {
		result[url] = b.Snapshot()
	}
	return result
}
