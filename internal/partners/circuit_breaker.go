package partners

import (
	"sync"
	"time"

	"github.com/rendis/bpelrt/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive communication failures
	// before the circuit opens. Zero disables the breaker.
	FailureThreshold int `json:"failure_threshold"`
	// Cooldown is how long the circuit stays open before a test call is let through.
	Cooldown time.Duration `json:"cooldown"`
	// HalfOpenMax is the number of test calls allowed while half-open.
	HalfOpenMax int `json:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// TransitionFunc observes circuit state changes.
type TransitionFunc func(key string, from, to CircuitState)

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per partner endpoint. Only
// communication failures count; business faults are successful calls.
type CircuitBreakerRegistry struct {
	mu           sync.Mutex
	breakers     map[string]*circuitBreaker
	config       CircuitBreakerConfig
	now          func() time.Time
	onTransition []TransitionFunc
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// OnTransition registers fn to be called after every state change. fn runs
// with the breaker unlocked.
func (r *CircuitBreakerRegistry) OnTransition(fn TransitionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = append(r.onTransition, fn)
}

func (r *CircuitBreakerRegistry) notify(key string, from, to CircuitState) {
	if from == to {
		return
	}
	r.mu.Lock()
	hooks := r.onTransition
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(key, from, to)
	}
}

// AllowRequest returns nil when a call to key may proceed, or a
// CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(key string) error {
	if r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	from := cb.state
	err := r.allow(cb, key)
	to := cb.state
	cb.mu.Unlock()
	r.notify(key, from, to)
	return err
}

func (r *CircuitBreakerRegistry) allow(cb *circuitBreaker, key string) error {
	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for partner %q: %d consecutive failures", key, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"partner":              key,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for partner %q: max test requests reached", key)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess records a call to key that reached the partner.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	cb.mu.Unlock()
	r.notify(key, from, CircuitClosed)
}

// RecordFailure records a communication failure and returns the new state.
func (r *CircuitBreakerRegistry) RecordFailure(key string) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	switch {
	case cb.state == CircuitHalfOpen:
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
	case r.config.FailureThreshold > 0 && cb.consecutiveFailures >= r.config.FailureThreshold:
		cb.state = CircuitOpen
	}
	to := cb.state
	cb.mu.Unlock()
	r.notify(key, from, to)
	return to
}

// GetState returns the current state of the circuit for key.
func (r *CircuitBreakerRegistry) GetState(key string) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(key string) map[string]any {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"partner":              key,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[key] = cb
	}
	return cb
}
