// Package timeutil provides a testable abstraction over time operations.
//
// Every cooldown, TTL, backoff and watchdog in the counter reads time through
// a Clock so tests can step through minutes of wall time instantly.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration

	// After waits for the duration to elapse and then sends the current time.
	After(d time.Duration) <-chan time.Time

	// NewTimer creates a Timer that fires once after d.
	NewTimer(d time.Duration) Timer

	// NewTicker returns a Ticker that fires every d.
	NewTicker(d time.Duration) Ticker
}

// Timer represents a single event timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker holds a channel that delivers ticks of a clock at intervals.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewTimer creates a new Timer.
func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

// NewTicker returns a new Ticker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time        { return r.t.C }
func (r *realTimer) Stop() bool                 { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// MockClock is a manually controlled clock for testing. Timers and tickers
// fire only when Advance moves the clock past their deadline.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
	changed *sync.Cond
}

// NewMockClock creates a new MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	c := &MockClock{now: t}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set moves the clock to t without firing anything.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the mock clock forward by d and fires every waiter whose
// deadline has passed. Tickers fire at most once per Advance.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	waiters := append([]*mockWaiter(nil), c.waiters...)
	c.mu.Unlock()

	for _, w := range waiters {
		if w.fire(now) {
			c.remove(w)
		}
	}
}

// After returns a channel that receives the time after duration d.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C()
}

// NewTimer creates a one-shot mock timer.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	return c.add(d, false)
}

// NewTicker creates a repeating mock ticker.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	return mockTicker{c.add(d, true)}
}

// mockTicker adapts a repeating waiter to Ticker, whose Stop returns nothing.
type mockTicker struct{ w *mockWaiter }

func (t mockTicker) C() <-chan time.Time { return t.w.C() }
func (t mockTicker) Stop()               { t.w.Stop() }

// Waiters reports how many timers and tickers are pending.
func (c *MockClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// BlockUntil blocks until at least n timers or tickers are pending. Tests use
// it to make sure a worker has parked on the clock before calling Advance.
func (c *MockClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

func (c *MockClock) add(d time.Duration, repeat bool) *mockWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &mockWaiter{
		clock:    c,
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
		interval: d,
		repeat:   repeat,
	}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	return w
}

func (c *MockClock) remove(target *mockWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			c.changed.Broadcast()
			return
		}
	}
}

type mockWaiter struct {
	mu       sync.Mutex
	clock    *MockClock
	ch       chan time.Time
	deadline time.Time
	interval time.Duration
	repeat   bool
	stopped  bool
}

// fire delivers a tick if the deadline passed and reports whether the waiter
// is finished and can be dropped from the clock.
func (w *mockWaiter) fire(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return true
	}
	if now.Before(w.deadline) {
		return false
	}
	select {
	case w.ch <- now:
	default:
	}
	if w.repeat {
		w.deadline = now.Add(w.interval)
		return false
	}
	w.stopped = true
	return true
}

func (w *mockWaiter) C() <-chan time.Time { return w.ch }

// Stop prevents the waiter from firing. For timers it reports whether the
// timer was still pending.
func (w *mockWaiter) Stop() bool {
	w.mu.Lock()
	wasActive := !w.stopped
	w.stopped = true
	w.mu.Unlock()
	w.clock.remove(w)
	return wasActive
}

// Reset re-arms the waiter to fire d after the current mock time.
func (w *mockWaiter) Reset(d time.Duration) bool {
	now := w.clock.Now()
	w.mu.Lock()
	wasActive := !w.stopped
	w.stopped = false
	w.interval = d
	w.deadline = now.Add(d)
	w.mu.Unlock()
	if !wasActive {
		w.clock.mu.Lock()
		w.clock.waiters = append(w.clock.waiters, w)
		w.clock.changed.Broadcast()
		w.clock.mu.Unlock()
	}
	return wasActive
}
