package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Name identifies the dependency this breaker protects.
	Name string

	// FailureThreshold is the number of consecutive failures, all within
	// Window, that opens the circuit.
	FailureThreshold int

	// Window bounds how far apart the counted failures may be.
	Window time.Duration

	// CoolDown is how long the circuit stays open before admitting a trial call.
	CoolDown time.Duration

	// IsFailure decides whether an error counts against the dependency.
	// Defaults to IsTransient.
	IsFailure func(error) bool

	// OnStateChange is called synchronously, outside the breaker lock, after
	// every transition.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock in tests.
	Now func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	if c.IsFailure == nil {
		c.IsFailure = IsTransient
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CircuitBreaker isolates a degraded dependency. While closed, failures are
// counted within a sliding window; once open, calls fail fast; after the
// cool-down exactly one trial call is admitted in the half-open state.
type CircuitBreaker struct {
	config BreakerConfig

	mu              sync.Mutex
	state           State
	failures        []time.Time
	openedAt        time.Time
	trialInFlight   bool
	lastFailure     time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	config = config.withDefaults()
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: config.Now(),
	}
}

// Execute runs fn under breaker protection. ErrCircuitOpen is returned
// without invoking fn when the circuit rejects the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.record(err, trial)
	return err
}

// ExecuteWithResult runs a function that returns a value under breaker protection.
func ExecuteWithResult[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// admit checks whether a call may proceed and reports whether it is the half-open trial.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	var changed []transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	switch cb.state {
	case StateOpen:
		if cb.config.Now().Sub(cb.openedAt) < cb.config.CoolDown {
			return false, ErrCircuitOpen
		}
		changed = append(changed, cb.transitionTo(StateHalfOpen))
		cb.trialInFlight = true
		return true, nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return false, ErrCircuitOpen
		}
		cb.trialInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) record(err error, trial bool) {
	cb.mu.Lock()
	var changed []transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	now := cb.config.Now()

	if trial {
		cb.trialInFlight = false
		// The caller gave up; the dependency told us nothing.
		if errors.Is(err, context.Canceled) {
			return
		}
	}

	if err != nil && cb.config.IsFailure(err) {
		cb.lastFailure = now
		switch cb.state {
		case StateHalfOpen:
			if trial {
				changed = append(changed, cb.transitionTo(StateOpen))
			}
		case StateClosed:
			cutoff := now.Add(-cb.config.Window)
			kept := cb.failures[:0]
			for _, ts := range cb.failures {
				if ts.After(cutoff) {
					kept = append(kept, ts)
				}
			}
			cb.failures = append(kept, now)
			if len(cb.failures) >= cb.config.FailureThreshold {
				changed = append(changed, cb.transitionTo(StateOpen))
			}
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		if trial {
			changed = append(changed, cb.transitionTo(StateClosed))
		}
	case StateClosed:
		cb.failures = cb.failures[:0]
	}
}

type transition struct {
	from, to State
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(next State) transition {
	prev := cb.state
	now := cb.config.Now()
	cb.state = next
	cb.lastStateChange = now
	cb.failures = cb.failures[:0]
	if next == StateOpen {
		cb.openedAt = now
	}
	return transition{from: prev, to: next}
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.config.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		cb.config.OnStateChange(cb.config.Name, c.from, c.to)
	}
}

// State returns the current state. An open circuit whose cool-down has
// elapsed still reports open until the next call admits a trial.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:            cb.config.Name,
		State:           cb.state,
		Failures:        len(cb.failures),
		TrialInFlight:   cb.trialInFlight,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset forces the breaker closed. It is an administrative action.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changed []transition
	if cb.state != StateClosed {
		changed = append(changed, cb.transitionTo(StateClosed))
	}
	cb.failures = cb.failures[:0]
	cb.trialInFlight = false
	cb.mu.Unlock()
	cb.notify(changed)
}

// BreakerStats contains statistics about a circuit breaker.
type BreakerStats struct {
	Name            string
	State           State
	Failures        int
	TrialInFlight   bool
	LastFailure     time.Time
	LastStateChange time.Time
}

// Registry holds one circuit breaker per dependency key. It is process-wide
// state: create it at startup and share it between units of work.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
}

// NewRegistry creates a registry whose breakers use defaults unless a
// prefix override matches the dependency key.
func NewRegistry(defaults BreakerConfig) *Registry {
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  defaults,
		overrides: make(map[string]BreakerConfig),
	}
}

// Override sets the config used for keys starting with prefix (for example
// "tool:" or "model:openai"). It only affects breakers created afterwards.
func (r *Registry) Override(prefix string, config BreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[prefix] = config
}

// Get returns or creates the breaker for key.
func (r *Registry) Get(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	config := r.defaults
	longest := -1
	for prefix, override := range r.overrides {
		if len(prefix) > longest && len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			config = override
			longest = len(prefix)
		}
	}
	if config.OnStateChange == nil {
		config.OnStateChange = r.defaults.OnStateChange
	}
	if config.Now == nil {
		config.Now = r.defaults.Now
	}
	config.Name = key
	cb = NewCircuitBreaker(config)
	r.breakers[key] = cb
	return cb
}
