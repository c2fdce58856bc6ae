package errors

import (
	"fmt"
	"sync"
	"time"

	"avs/internal/logging"
)

// CircuitState is the breaker position guarding a sidecar endpoint.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

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

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit (default: 5)
	SuccessThreshold int           // consecutive half-open successes that close it (default: 2)
	Timeout          time.Duration // open period before a trial request (default: 30s)

	// OnStateChange is called after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the checker client defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker stops calling an endpoint after repeated failures and lets a
// trial request through once the open period has elapsed.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logging.NewComponentLogger("circuit-breaker"),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Allow reports whether a request may proceed. An open breaker whose period
// has elapsed moves to half-open and admits the request.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from := cb.state
	if from != StateOpen {
		cb.mu.Unlock()
		return nil
	}
	elapsed := cb.now().Sub(cb.openedAt)
	if elapsed < cb.config.Timeout {
		cb.mu.Unlock()
		return NewDegradedError(
			fmt.Errorf("circuit breaker open for %s", cb.name),
			fmt.Sprintf("%s is temporarily unavailable after repeated failures; retry in %v", cb.name, cb.config.Timeout-elapsed),
		)
	}
	cb.state = StateHalfOpen
	cb.successes = 0
	cb.mu.Unlock()

	cb.notify(from, StateHalfOpen)
	return nil
}

// Mark records the outcome of an admitted request. nil is a success.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	from := cb.state
	to := from
	if err == nil {
		cb.failures = 0
		if from == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				to = StateClosed
				cb.successes = 0
			}
		}
	} else {
		cb.failures++
		switch {
		case from == StateHalfOpen:
			to = StateOpen
		case from == StateClosed && cb.failures >= cb.config.FailureThreshold:
			to = StateOpen
		}
		if to == StateOpen {
			cb.openedAt = cb.now()
			cb.successes = 0
		}
	}
	cb.state = to
	cb.mu.Unlock()

	if to != from {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	switch to {
	case StateOpen:
		cb.logger.Warn("[%s] Circuit %s -> %s", cb.name, from, to)
	default:
		cb.logger.Info("[%s] Circuit %s -> %s", cb.name, from, to)
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
}

// State returns the current breaker position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
