// Package circuitbreaker stops calling a failing dependency for a cool-down
// period and then lets a few trial calls decide whether it has recovered.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateHalfOpen: "half-open",
	StateOpen:     "open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

type Config struct {
	// MaxRequests caps concurrent trial calls while half-open.
	MaxRequests uint32
	// Interval is how often closed-state counts reset. Zero keeps them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before trial calls.
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	OnStateChange    func(name string, from State, to State)
	Logger           *zap.Logger
	// Now is the clock; tests replace it.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Counts covers the calls made since the last state change or interval reset.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type outcome int

const (
	succeeded outcome = iota
	failed
	abandoned
)

type CircuitBreaker struct {
	name string
	cfg  Config

	mu     sync.Mutex
	state  State
	epoch  uint64
	counts Counts
	// deadline ends the current closed window or open period; zero means none.
	deadline time.Time
}

func New(name string, cfg Config) *CircuitBreaker {
	cb := &CircuitBreaker{name: name, cfg: cfg.withDefaults()}
	cb.reset(cb.cfg.Now())
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker is open. Cancellation by the caller is not
// counted as a dependency failure; a panic in fn is.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	epoch, err := cb.admit()
	if err != nil {
		return err
	}

	settled := false
	defer func() {
		if !settled {
			cb.record(epoch, failed)
		}
	}()

	err = fn(ctx)
	settled = true
	switch {
	case err == nil:
		cb.record(epoch, succeeded)
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		cb.record(epoch, abandoned)
	default:
		cb.record(epoch, failed)
	}
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.cfg.Now())
	switch {
	case cb.state == StateOpen:
		return 0, ErrCircuitOpen
	case cb.state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests:
		return 0, ErrTooManyRequests
	}
	cb.counts.Requests++
	return cb.epoch, nil
}

// record books a call admitted in epoch. Calls from an earlier epoch are
// ignored since their counts were already reset.
func (cb *CircuitBreaker) record(epoch uint64, o outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Now()
	cb.advance(now)
	if epoch != cb.epoch {
		return
	}

	c := &cb.counts
	switch o {
	case abandoned:
		if c.Requests > 0 {
			c.Requests--
		}
	case succeeded:
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen && c.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.moveTo(StateClosed, now)
		}
	case failed:
		c.TotalFailures++
		c.ConsecutiveFailures++
		c.ConsecutiveSuccesses = 0
		if cb.state == StateHalfOpen || c.ConsecutiveFailures >= cb.cfg.FailureThreshold {
			cb.moveTo(StateOpen, now)
		}
	}
}

// advance applies the transitions that only depend on time.
func (cb *CircuitBreaker) advance(now time.Time) {
	if cb.deadline.IsZero() || !now.After(cb.deadline) {
		return
	}
	switch cb.state {
	case StateClosed:
		cb.reset(now)
	case StateOpen:
		cb.moveTo(StateHalfOpen, now)
	}
}

func (cb *CircuitBreaker) moveTo(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	failures := cb.counts.ConsecutiveFailures
	cb.state = to
	cb.reset(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
	cb.cfg.Logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Uint32("failures", failures),
	)
}

// reset starts a new epoch in the current state.
func (cb *CircuitBreaker) reset(now time.Time) {
	cb.epoch++
	cb.counts = Counts{}
	cb.deadline = time.Time{}

	switch {
	case cb.state == StateOpen:
		cb.deadline = now.Add(cb.cfg.Timeout)
	case cb.state == StateClosed && cb.cfg.Interval > 0:
		cb.deadline = now.Add(cb.cfg.Interval)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.cfg.Now())
	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}
