// Package resilience provides the circuit breaker and retry policy that wrap
// every provider call.
package resilience

import (
	"sync"
	"time"

	llmerrors "github.com/rizki96/exllm/pkg/errors"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows a single probe request to test recovery.
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// BreakerConfig contains configuration for a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration
	// RetryAfter is the hint attached to circuit_open errors.
	RetryAfter time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		RetryAfter:       60 * time.Second,
	}
}

// CircuitBreaker tracks consecutive failures for one named scope and
// short-circuits calls while the scope is unhealthy.
type CircuitBreaker struct {
	mu                  sync.Mutex
	name                string
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
	config              BreakerConfig
	onStateChange       func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 60 * time.Second
	}
	return &CircuitBreaker{name: name, state: StateClosed, config: cfg}
}

// OnStateChange sets a callback for state transitions.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Call runs fn when the breaker admits the request, otherwise it returns a
// circuit_open error without invoking fn. The outcome of fn is classified
// with IsFailure to advance the breaker state.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allow() {
		return llmerrors.NewCircuitOpen(cb.name, cb.config.RetryAfter)
	}

	err := fn()
	if IsFailure(err) {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
	return err
}

// allow reports whether a request may proceed, transitioning open → half_open
// after the cooldown has elapsed.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.Cooldown {
			cb.transitionTo(StateHalfOpen)
			cb.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		// Only one probe at a time.
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures = 0
	case StateHalfOpen:
		cb.probeInFlight = false
		cb.consecutiveFailures = 0
		cb.transitionTo(StateClosed)
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.openedAt = time.Now()
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.probeInFlight = false
		cb.openedAt = time.Now()
		cb.transitionTo(StateOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker's scope name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.probeInFlight = false
	cb.transitionTo(StateClosed)
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, old, newState)
	}
}

// Manager owns the process-wide set of named breakers.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   BreakerConfig
	onChange func(name string, from, to CircuitState)
}

// NewManager creates a breaker manager with a shared default config.
func NewManager(cfg BreakerConfig) *Manager {
	return &Manager{breakers: make(map[string]*CircuitBreaker), config: cfg}
}

// OnStateChange registers a transition callback applied to every breaker.
func (m *Manager) OnStateChange(fn func(name string, from, to CircuitState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
	for _, cb := range m.breakers {
		cb.OnStateChange(fn)
	}
}

// Get returns the breaker for the named scope, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, m.config)
		if m.onChange != nil {
			cb.OnStateChange(m.onChange)
		}
		m.breakers[name] = cb
	}
	return cb
}

// Call routes through the named breaker.
func (m *Manager) Call(name string, fn func() error) error {
	return m.Get(name).Call(fn)
}

// RateLimitedBody reports whether an error body matches a rate-limit hint.
// The hint vocabulary lives with the error constructors so retry and breaker
// classification agree on what counts as throttling.
func RateLimitedBody(body string) bool {
	return llmerrors.RateLimitedBody(body)
}

// ClassifyStatus reports whether an HTTP outcome counts as a breaker failure:
// 5xx, 429, and 401 whose body carries rate-limit hints. A genuine 401 does
// not age the breaker.
func ClassifyStatus(status int, body string) bool {
	switch {
	case status >= 500:
		return true
	case status == 429:
		return true
	case status == 401:
		return RateLimitedBody(body)
	default:
		return false
	}
}

// IsFailure classifies an error outcome for breaker accounting. Transport
// errors and failure-classified HTTP errors count; everything else passes.
func IsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch llmerrors.KindOf(err) {
	case llmerrors.KindTransport:
		return true
	case llmerrors.KindHTTP, llmerrors.KindProvider:
		var le *llmerrors.LLMError
		if asLLMError(err, &le) {
			return ClassifyStatus(le.StatusCode, le.Message)
		}
	}
	return false
}

func asLLMError(err error, target **llmerrors.LLMError) bool {
	le, ok := err.(*llmerrors.LLMError)
	if ok {
		*target = le
		return true
	}
	return false
}
