package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/faults"
	"github.com/JakeFAU/price-pulse/internal/metrics"
)

// State is the position of a circuit breaker.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Default breaker settings.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
)

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	// HalfOpenMaxCalls bounds concurrent trial calls while HALF_OPEN; 0 allows any number.
	HalfOpenMaxCalls int
	// IsFailure decides which errors count against the breaker. Errors it rejects are returned
	// to the caller without touching the counters. Nil counts every error.
	IsFailure func(error) bool
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenMaxCalls < 0 {
		c.HalfOpenMaxCalls = 0
	}
	return c
}

// BreakerStatus is a point-in-time view of a breaker.
type BreakerStatus struct {
	Name           string    `json:"name"`
	State          State     `json:"state"`
	Failures       int       `json:"failures"`
	LastFailure    time.Time `json:"lastFailure,omitzero"`
	ResetTimeoutMS int64     `json:"resetTimeoutMs"`
}

// CircuitBreaker fails fast once an operation has failed FailureThreshold times, then lets
// calls through again after ResetTimeout.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	clock  Clock
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trials      int
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig, opts ...Option) *CircuitBreaker {
	o := buildOptions(opts)
	b := &CircuitBreaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		clock:  o.clock,
		logger: o.logger.With(zap.String("breaker", name)),
	}
	metrics.SetBreakerState(name, int(StateClosed))
	return b
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string { return b.name }

// Execute runs op unless the breaker is open. Errors accepted by IsFailure count as
// failures. A panic in op is recorded as a failure and then re-raised.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	defer func() {
		if rec := recover(); rec != nil {
			b.record(trial, fmt.Errorf("operation panicked: %v", rec))
			panic(rec)
		}
	}()
	opErr := op(ctx)
	if opErr != nil && b.cfg.IsFailure != nil && !b.cfg.IsFailure(opErr) {
		b.release(trial)
		return opErr
	}
	b.record(trial, opErr)
	return opErr
}

// Status reports the current counters. It does not advance OPEN to HALF_OPEN.
func (b *CircuitBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		Name:           b.name,
		State:          b.state,
		Failures:       b.failures,
		LastFailure:    b.lastFailure,
		ResetTimeoutMS: b.cfg.ResetTimeout.Milliseconds(),
	}
}

// State returns the current state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.clock.Now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			metrics.ObserveBreakerRejection(b.name)
			return false, faults.New(faults.KindCircuitOpen, b.name, "circuit breaker is OPEN")
		}
		b.transitionLocked(StateHalfOpen)
	}

	if b.state == StateHalfOpen {
		if b.cfg.HalfOpenMaxCalls > 0 && b.trials >= b.cfg.HalfOpenMaxCalls {
			metrics.ObserveBreakerRejection(b.name)
			return false, faults.New(faults.KindCircuitOpen, b.name, "circuit breaker is HALF_OPEN and trial calls are exhausted")
		}
		b.trials++
		return true, nil
	}
	return false, nil
}

// release frees a trial slot without counting the call either way.
func (b *CircuitBreaker) release(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial && b.trials > 0 {
		b.trials--
	}
}

func (b *CircuitBreaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial && b.trials > 0 {
		b.trials--
	}

	if err == nil {
		// A late success from a call admitted before the breaker opened leaves it open.
		if b.state == StateOpen {
			return
		}
		b.failures = 0
		if b.state != StateClosed {
			b.transitionLocked(StateClosed)
		}
		return
	}

	b.failures++
	b.lastFailure = b.clock.Now()
	if b.failures >= b.cfg.FailureThreshold && b.state != StateOpen {
		b.transitionLocked(StateOpen)
	}
}

func (b *CircuitBreaker) transitionLocked(next State) {
	prev := b.state
	b.state = next
	if next != StateHalfOpen {
		b.trials = 0
	}
	metrics.SetBreakerState(b.name, int(next))
	metrics.ObserveBreakerTransition(b.name, next.String())

	fields := []zap.Field{
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
		zap.Int("failures", b.failures),
	}
	if next == StateOpen {
		b.logger.Warn("circuit breaker opened", fields...)
		return
	}
	b.logger.Info("circuit breaker state changed", fields...)
}

// BreakerRegistry hands out one breaker per name, created on first use with a shared config.
type BreakerRegistry struct {
	cfg  BreakerConfig
	opts []Option

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry builds an empty registry.
func NewBreakerRegistry(cfg BreakerConfig, opts ...Option) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewCircuitBreaker(name, r.cfg, r.opts...)
	r.breakers[name] = b
	return b
}

// Statuses returns the status of every known breaker ordered by name.
func (r *BreakerRegistry) Statuses() []BreakerStatus {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]BreakerStatus, 0, len(list))
	for _, b := range list {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
