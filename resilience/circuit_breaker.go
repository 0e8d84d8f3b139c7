package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/xycdaimi/AIFlow/core"
)

// ErrCircuitOpen is returned when the breaker rejects an execution.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows one probe request after the sleep window.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs.
	Name string

	// FailureThreshold is the number of consecutive failures before
	// the circuit opens.
	FailureThreshold int

	// SleepWindow is how long the circuit stays open before allowing
	// a half-open probe.
	SleepWindow time.Duration

	// Logger for state change events.
	Logger core.Logger
}

// DefaultCircuitBreakerConfig returns the baseline configuration.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
	}
}

// CircuitBreaker is a consecutive-failure breaker protecting the queue
// and callback paths from hammering a dead dependency.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	halfProbe bool
}

// NewCircuitBreaker creates a circuit breaker.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SleepWindow <= 0 {
		config.SleepWindow = 30 * time.Second
	}
	return &CircuitBreaker{config: config, state: StateClosed}
}

// CanExecute reports whether a request may proceed. In the open state it
// flips to half-open once the sleep window has elapsed, admitting a
// single probe.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) > cb.config.SleepWindow {
			// This call takes the single probe slot.
			cb.transition(StateHalfOpen)
			cb.halfProbe = false
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfProbe {
			cb.halfProbe = false
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful execution.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

// RecordFailure notes a failed execution.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.config.FailureThreshold) {
		cb.transition(StateOpen)
		cb.openedAt = time.Now()
	}
}

// GetState returns the current state name.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// transition changes state. Caller must hold the lock.
func (cb *CircuitBreaker) transition(next CircuitState) {
	prev := cb.state
	if prev == next {
		return
	}
	cb.state = next

	if cb.config.Logger != nil {
		cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
			"name": cb.config.Name,
			"from": prev.String(),
			"to":   next.String(),
		})
	}
}
