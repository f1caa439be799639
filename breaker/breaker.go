// Package breaker provides a circuit breaker that shields the pipeline from
// failing upstream services. Breakers are looked up by name from a Registry
// so each external dependency gets independent failure accounting.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudsage-ai/cloudsage/logging"
)

// ErrOpen is returned when the breaker rejects a call without attempting it.
var ErrOpen = errors.New("breaker: circuit open")

// State is the lifecycle state of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Stats is a snapshot of a breaker's counters.
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	Failures         int       `json:"failures"`
	TotalCalls       int64     `json:"total_calls"`
	TotalFailures    int64     `json:"total_failures"`
	TotalRejections  int64     `json:"total_rejections"`
	LastFailureTime  time.Time `json:"last_failure_time,omitzero"`
	LastTransitionAt time.Time `json:"last_transition_at,omitzero"`
}

// Options configures a CircuitBreaker.
type Options struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before allowing a
	// probe call in half-open state.
	RecoveryTimeout time.Duration

	// CallTimeout bounds each individual call made through the breaker.
	CallTimeout time.Duration

	// Logger receives state transition events.
	Logger logging.Logger

	// now is overridable for tests.
	now func() time.Time
}

// CircuitBreaker implements the closed/open/half-open state machine. A
// single probe is admitted in half-open state; its outcome decides whether
// the breaker closes or re-opens.
type CircuitBreaker struct {
	mu    sync.Mutex
	name  string
	opts  Options
	state State

	failures        int
	probing         bool
	lastFailure     time.Time
	lastTransition  time.Time
	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// New creates a circuit breaker with the given name.
func New(name string, optFns ...func(o *Options)) *CircuitBreaker {
	opts := Options{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		CallTimeout:      30 * time.Second,
		Logger:           logging.NewNoOpLogger(),
		now:              time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &CircuitBreaker{
		name:  name,
		opts:  opts,
		state: StateClosed,
	}
}

// Execute runs fn through the breaker. In the open state the call is
// rejected with ErrOpen until the recovery timeout elapses. A failure is
// either an error return or exceeding the call timeout.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if cb.opts.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cb.opts.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err != nil {
		cb.recordFailure(err)
		return err
	}
	cb.recordSuccess()
	return nil
}

// Do runs fn through the breaker and returns its result. It is the generic
// convenience wrapper around Execute.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = fn(ctx)
		return callErr
	})
	return out, err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.state {
	case StateOpen:
		if cb.opts.now().Sub(cb.lastFailure) >= cb.opts.RecoveryTimeout {
			cb.transition(StateHalfOpen)
			cb.probing = true
			return nil
		}
		cb.totalRejections++
		return fmt.Errorf("%w: %s", ErrOpen, cb.name)
	case StateHalfOpen:
		// Exactly one trial call; everyone else waits for its outcome.
		if cb.probing {
			cb.totalRejections++
			return fmt.Errorf("%w: %s", ErrOpen, cb.name)
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.totalFailures++
	cb.probing = false
	cb.lastFailure = cb.opts.now()

	if cb.state == StateHalfOpen {
		// Probe failed, back to open.
		cb.transition(StateOpen)
		return
	}
	if cb.failures >= cb.opts.FailureThreshold && cb.state == StateClosed {
		cb.transition(StateOpen)
		cb.opts.Logger.Warn("circuit opened", "breaker", cb.name, "failures", cb.failures, "error", err)
	}
}

// transition assumes cb.mu is held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.lastTransition = cb.opts.now()
	if from != to {
		cb.opts.Logger.Info("breaker state change", "breaker", cb.name, "from", string(from), "to", string(to))
	}
}

// State returns the current state, applying the open-to-half-open timeout
// so callers observe the state a call would see.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.opts.now().Sub(cb.lastFailure) >= cb.opts.RecoveryTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		TotalCalls:       cb.totalCalls,
		TotalFailures:    cb.totalFailures,
		TotalRejections:  cb.totalRejections,
		LastFailureTime:  cb.lastFailure,
		LastTransitionAt: cb.lastTransition,
	}
}

// Reset forces the breaker back to closed and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	cb.transition(StateClosed)
}

// Registry holds named circuit breakers, creating them on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	optFns   map[string][]func(o *Options)
	defaults []func(o *Options)
}

// NewRegistry creates a registry. The given option functions apply to every
// breaker the registry creates unless overridden per name via Configure.
func NewRegistry(defaults ...func(o *Options)) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		optFns:   make(map[string][]func(o *Options)),
		defaults: defaults,
	}
}

// Configure sets the options used when the named breaker is first created.
// It has no effect on a breaker that already exists.
func (r *Registry) Configure(name string, optFns ...func(o *Options)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optFns[name] = optFns
}

// Get returns the named breaker, creating it if needed.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	fns := append(append([]func(o *Options){}, r.defaults...), r.optFns[name]...)
	cb := New(name, fns...)
	r.breakers[name] = cb
	return cb
}

// ResetAll returns every breaker in the registry to the closed state.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// Stats returns snapshots for all breakers in the registry.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Stats()
	}
	return out
}
