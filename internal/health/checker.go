package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/therealutkarshpriyadarshi/gateway/internal/logging"
)

// Backend describes one backend under health supervision.
type Backend struct {
	URL                string
	HealthPath         string
	Timeout            time.Duration
	Interval           time.Duration
	HealthyThreshold   int // consecutive probe passes to flip healthy
	UnhealthyThreshold int // consecutive probe failures to flip unhealthy
	Active             bool
	InitiallyHealthy   bool
}

// Config holds health checker configuration.
type Config struct {
	DefaultTimeout  time.Duration
	DefaultInterval time.Duration
	// PassiveThreshold is the number of consecutive proxy failures that
	// flips a backend unhealthy. Zero uses the default of 3.
	PassiveThreshold int
	// OnChange is invoked on every health transition.
	OnChange func(url string, healthy bool)
}

// Checker performs active probing and passive failure accounting.
type Checker struct {
	client           *http.Client
	mu               sync.RWMutex
	backends         map[string]*backendState
	defaultTimeout   time.Duration
	defaultInterval  time.Duration
	passiveThreshold int
	onChange         func(url string, healthy bool)
	ctx              context.Context
	cancel           context.CancelFunc
}

type backendState struct {
	backend Backend
	healthy bool

	consecutiveProbePass    int
	consecutiveProbeFail    int
	consecutivePassiveFails int

	lastProbeOK  bool
	lastProbeAt  time.Time
	lastProbeErr error
}

// NewChecker creates a health checker.
func NewChecker(cfg Config) *Checker {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	if cfg.DefaultInterval == 0 {
		cfg.DefaultInterval = 10 * time.Second
	}
	if cfg.PassiveThreshold == 0 {
		cfg.PassiveThreshold = 3
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Checker{
		client: &http.Client{
			Timeout: cfg.DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		backends:         make(map[string]*backendState),
		defaultTimeout:   cfg.DefaultTimeout,
		defaultInterval:  cfg.DefaultInterval,
		passiveThreshold: cfg.PassiveThreshold,
		onChange:         cfg.OnChange,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// AddBackend registers a backend. Active probing starts with Start().
func (c *Checker) AddBackend(b Backend) {
	if b.HealthPath == "" {
		b.HealthPath = "/health"
	}
	if b.Timeout == 0 {
		b.Timeout = c.defaultTimeout
	}
	if b.Interval == 0 {
		b.Interval = c.defaultInterval
	}
	if b.HealthyThreshold == 0 {
		b.HealthyThreshold = 2
	}
	if b.UnhealthyThreshold == 0 {
		b.UnhealthyThreshold = 3
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends[b.URL] = &backendState{
		backend: b,
		healthy: b.InitiallyHealthy,
	}
}

// Start launches the probe loop for every active backend.
func (c *Checker) Start() {
	c.mu.RLock()
	var urls []string
	for url, state := range c.backends {
		if state.backend.Active {
			urls = append(urls, url)
		}
	}
	c.mu.RUnlock()

	for _, url := range urls {
		go c.checkLoop(url)
	}
}

// Stop cancels all probe loops.
func (c *Checker) Stop() {
	c.cancel()
}

// IsHealthy reports the supervised health of a backend. Unknown backends
// are treated as healthy (no supervision configured).
func (c *Checker) IsHealthy(url string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if state, ok := c.backends[url]; ok {
		return state.healthy
	}
	return true
}

// ReportResult feeds a proxy attempt outcome into the passive accounting.
// Consecutive failures reaching the threshold flip the backend unhealthy;
// one success resets the counter.
func (c *Checker) ReportResult(url string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.backends[url]
	if !ok {
		return
	}

	if success {
		state.consecutivePassiveFails = 0
		// Without active probing there is no recovery path, so a passing
		// request restores the backend directly.
		if !state.healthy && !state.backend.Active {
			c.setHealthyLocked(state, true)
		}
		return
	}

	state.consecutivePassiveFails++
	if state.healthy && state.consecutivePassiveFails >= c.passiveThreshold {
		c.setHealthyLocked(state, false)
	}
}

// Snapshot describes one backend's supervision state.
type Snapshot struct {
	URL                     string    `json:"url"`
	Healthy                 bool      `json:"healthy"`
	LastProbeOK             bool      `json:"last_probe_ok"`
	LastProbeAt             time.Time `json:"last_probe_at"`
	ConsecutivePassiveFails int       `json:"consecutive_passive_fails"`
}

// Snapshots returns the state of every supervised backend.
func (c *Checker) Snapshots() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Snapshot, 0, len(c.backends))
	for url, state := range c.backends {
		out = append(out, Snapshot{
			URL:                     url,
			Healthy:                 state.healthy,
			LastProbeOK:             state.lastProbeOK,
			LastProbeAt:             state.lastProbeAt,
			ConsecutivePassiveFails: state.consecutivePassiveFails,
		})
	}
	return out
}

// checkLoop runs periodic probes for a backend until the checker stops.
func (c *Checker) checkLoop(url string) {
	c.probe(url)

	c.mu.RLock()
	state, ok := c.backends[url]
	if !ok {
		c.mu.RUnlock()
		return
	}
	interval := state.backend.Interval
	c.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.probe(url)
		}
	}
}

// probe issues one active health check.
func (c *Checker) probe(url string) {
	c.mu.RLock()
	state, ok := c.backends[url]
	if !ok {
		c.mu.RUnlock()
		return
	}
	backend := state.backend
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(c.ctx, backend.Timeout)
	defer cancel()

	pass := false
	var probeErr error

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, backend.URL+backend.HealthPath, nil)
	if err != nil {
		probeErr = err
	} else {
		resp, err := c.client.Do(req)
		if err != nil {
			probeErr = err
		} else {
			pass = resp.StatusCode >= 200 && resp.StatusCode < 300
			resp.Body.Close()
		}
	}

	c.recordProbe(url, pass, probeErr)
}

// recordProbe applies threshold logic to a probe outcome.
func (c *Checker) recordProbe(url string, pass bool, probeErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.backends[url]
	if !ok {
		return
	}

	state.lastProbeOK = pass
	state.lastProbeAt = time.Now()
	state.lastProbeErr = probeErr

	if pass {
		state.consecutiveProbeFail = 0
		state.consecutiveProbePass++
		if !state.healthy && state.consecutiveProbePass >= state.backend.HealthyThreshold {
			state.consecutivePassiveFails = 0
			c.setHealthyLocked(state, true)
		}
	} else {
		state.consecutiveProbePass = 0
		state.consecutiveProbeFail++
		if state.healthy && state.consecutiveProbeFail >= state.backend.UnhealthyThreshold {
			c.setHealthyLocked(state, false)
		}
	}
}

// setHealthyLocked flips health and notifies. Caller must hold the lock.
func (c *Checker) setHealthyLocked(state *backendState, healthy bool) {
	state.healthy = healthy
	logging.Info("backend health changed",
		zap.String("backend", state.backend.URL),
		zap.Bool("healthy", healthy),
	)
	if c.onChange != nil {
		go c.onChange(state.backend.URL, healthy)
	}
}
