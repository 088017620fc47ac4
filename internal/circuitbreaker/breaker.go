package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/metrics"
)

// State is the breaker position. Closed passes calls through, Open fails
// them immediately, HalfOpen lets a bounded number of probes decide.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without invoking the call while the breaker
	// is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes limits concurrent probes in the half-open state.
	ErrTooManyProbes = errors.New("too many probes in half-open state")
)

// Config tunes the breaker.
type Config struct {
	// MaxProbes is how many calls may run in half-open before the rest
	// are rejected.
	MaxProbes uint32
	// Interval resets the closed-state counters, so stale failures from
	// minutes ago cannot combine with fresh ones to trip the breaker.
	Interval time.Duration
	// Cooldown is how long an open breaker waits before probing.
	Cooldown time.Duration
	// FailureThreshold is the consecutive-failure count that opens a
	// closed breaker.
	FailureThreshold uint32
	// SuccessThreshold is the consecutive-success count that closes a
	// half-open breaker.
	SuccessThreshold uint32
	// OnStateChange fires on every transition, after the state is set.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig suits a fire-and-forget relay: trip after a burst of
// failures, retry within seconds.
func DefaultConfig() Config {
	return Config{
		MaxProbes:        3,
		Interval:         60 * time.Second,
		Cooldown:         10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts carries the per-generation call statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker fails calls fast once a collaborator keeps erroring, then probes
// it periodically until it recovers. Counter resets are generation-tagged so
// a slow call finishing after a transition cannot corrupt the new window.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu         sync.RWMutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a closed breaker.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxProbes == 0 {
		config.MaxProbes = 1
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}
	b := &Breaker{
		name:   name,
		config: config,
		logger: logger.Named("breaker"),
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Execute runs fn when the breaker allows it. A context already canceled
// fails without consuming a probe; a panic in fn counts as a failure and is
// re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	generation, err := b.beforeCall()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterCall(generation, false)
			panic(r)
		}
	}()

	err = fn()
	b.afterCall(generation, err == nil)
	return err
}

// State returns the current position, applying any due time-based
// transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns the statistics of the current generation.
func (b *Breaker) Counts() Counts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counts
}

func (b *Breaker) beforeCall() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxProbes {
		return generation, ErrTooManyProbes
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterCall(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	if generation != before {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

// currentState applies time-based transitions before reporting. Caller
// holds b.mu.
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		if b.counts.ConsecutiveSuccesses >= b.config.SuccessThreshold {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// One failed probe sends it straight back to open.
		b.setState(StateOpen, now)
	}
}

// setState transitions and starts a new generation. Caller holds b.mu.
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)

	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(state))
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()))
}

// newGeneration resets counters and schedules the next time-based
// transition. Caller holds b.mu.
func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}

	switch b.state {
	case StateClosed:
		if b.config.Interval == 0 {
			b.expiry = time.Time{}
		} else {
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.config.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}
