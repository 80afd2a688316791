package syncengine

import (
	"sync"
	"time"

	"github.com/banshee-data/crossing.report/internal/timeutil"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is a point-in-time view of the breaker.
type BreakerSnapshot struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailure         time.Time    `json:"last_failure,omitzero"`
}

// Breaker opens after Threshold consecutive failures. Once Reset has passed
// since the last failure it lets exactly one probe through; the probe's
// outcome closes it or restarts the cool-down.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	reset       time.Duration
	clock       timeutil.Clock
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
	onChange    func(BreakerState)
}

// NewBreaker creates a closed breaker. onChange, if set, is called (outside
// the lock) whenever the state changes.
func NewBreaker(threshold int, reset time.Duration, clock timeutil.Clock, onChange func(BreakerState)) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		reset:     reset,
		clock:     clock,
		state:     BreakerClosed,
		onChange:  onChange,
	}
}

func (b *Breaker) transition(to BreakerState) func() {
	if b.state == to {
		return func() {}
	}
	b.state = to
	if b.onChange == nil {
		return func() {}
	}
	cb := b.onChange
	return func() { cb(to) }
}

// Allow reports whether an attempt may be made now. probe is true when the
// attempt is the single half-open probe; the caller must report its outcome
// with Success or Failure, or hand it back with Release.
func (b *Breaker) Allow() (ok, probe bool) {
	b.mu.Lock()
	var notify func()
	defer func() {
		b.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	switch b.state {
	case BreakerClosed:
		return true, false
	case BreakerOpen:
		if b.clock.Since(b.lastFailure) < b.reset {
			return false, false
		}
		notify = b.transition(BreakerHalfOpen)
		b.probing = true
		return true, true
	default: // half-open
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	}
}

// Release returns an unused probe slot.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Success resets the failure count and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	notify := b.transition(BreakerClosed)
	b.mu.Unlock()
	notify()
}

// Failure records a failed attempt, opening the breaker at the threshold or
// re-opening it after a failed probe.
func (b *Breaker) Failure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.clock.Now()
	notify := func() {}
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.probing = false
		notify = b.transition(BreakerOpen)
	}
	b.mu.Unlock()
	notify()
}

// Snapshot returns the current breaker state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailure:         b.lastFailure,
	}
}
