package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Config holds the breaker's tunables, all sourced from the external
// config loader (§6).
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxProbes int
}

// ErrOpen is returned by Allow when the breaker is fast-failing.
var ErrOpen = errors.New("breaker: open")

// Breaker guards one backend dependency. State transitions are serialized
// under a single mutex per §5 ("the circuit breaker's state transitions
// are serialized per-breaker; concurrent failures may each try to trip it
// but only one transition is published").
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openSince        time.Time
	halfOpenProbes   int
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	return &Breaker{cfg: cfg, state: Closed}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecoverLocked(time.Now())
	return b.state
}

// maybeRecoverLocked advances open -> half_open once recovery_timeout has
// elapsed, called lazily on every Allow/State so the breaker needs no
// background timer.
func (b *Breaker) maybeRecoverLocked(now time.Time) {
	if b.state == Open && now.Sub(b.openSince) >= b.cfg.RecoveryTimeout {
		b.state, _ = Next(b.state, EventRecoveryElapsed)
		b.halfOpenProbes = 0
	}
}

// Allow reports whether a call may proceed, and if so returns a Permit that
// must be resolved via Success or Failure exactly once.
func (b *Breaker) Allow() (Permit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecoverLocked(time.Now())

	switch b.state {
	case Closed:
		return Permit{b: b, state: Closed}, nil
	case HalfOpen:
		if b.halfOpenProbes >= b.cfg.HalfOpenMaxProbes {
			return Permit{}, ErrOpen
		}
		b.halfOpenProbes++
		return Permit{b: b, state: HalfOpen}, nil
	default: // Open
		return Permit{}, ErrOpen
	}
}

// Permit is issued by Allow and resolved exactly once by the caller.
type Permit struct {
	b     *Breaker
	state State
}

func (p Permit) Success() {
	if p.b == nil {
		return
	}
	p.b.recordSuccess(p.state)
}

func (p Permit) Failure() {
	if p.b == nil {
		return
	}
	p.b.recordFailure(p.state)
}

func (b *Breaker) recordSuccess(observedState State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	if observedState == HalfOpen {
		b.state, _ = Next(b.state, EventProbeSucceeded)
		b.halfOpenProbes = 0
	}
}

func (b *Breaker) recordFailure(observedState State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if observedState == HalfOpen {
		b.state, _ = Next(b.state, EventProbeFailed)
		b.openSince = time.Now()
		b.halfOpenProbes = 0
		return
	}
	b.consecutiveFails++
	if b.consecutiveFails >= b.cfg.FailureThreshold {
		b.state, _ = Next(b.state, EventThresholdReached)
		b.openSince = time.Now()
	}
}

// Reset forces the breaker back to closed, per the admin-reset row of the
// transition table (valid from any state).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, _ = Next(b.state, EventAdminReset)
	b.consecutiveFails = 0
	b.halfOpenProbes = 0
}

// Do wraps fn with the breaker: it blocks fast-fail decisions with ErrOpen,
// and records success/failure from fn's own error.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	permit, err := b.Allow()
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		permit.Failure()
		return err
	}
	permit.Success()
	return nil
}
