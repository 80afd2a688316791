package status

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/crossing.report/internal/timeutil"
)

// FPSStats summarizes recent frame arrival intervals.
type FPSStats struct {
	FPS            float64 `json:"fps"`
	MeanIntervalMS float64 `json:"mean_interval_ms"`
	JitterMS       float64 `json:"jitter_ms"`
	Samples        int     `json:"samples"`
}

// FPSMeter measures processed frames per second over a sliding window of
// arrival intervals.
type FPSMeter struct {
	clock timeutil.Clock
	stale time.Duration

	mu        sync.Mutex
	intervals []float64 // seconds, ring buffer
	next      int
	full      bool
	last      time.Time
}

// NewFPSMeter keeps the last window intervals. The rate reads zero once no
// frame has been seen for stale.
func NewFPSMeter(window int, stale time.Duration, clock timeutil.Clock) *FPSMeter {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &FPSMeter{
		clock:     clock,
		stale:     stale,
		intervals: make([]float64, max(2, window)),
	}
}

// Observe records a frame processed at t.
func (m *FPSMeter) Observe(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.last.IsZero() && t.After(m.last) {
		m.intervals[m.next] = t.Sub(m.last).Seconds()
		m.next = (m.next + 1) % len(m.intervals)
		if m.next == 0 {
			m.full = true
		}
	}
	if t.After(m.last) {
		m.last = t
	}
}

// Stats returns the current rate.
func (m *FPSMeter) Stats() FPSStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next
	if m.full {
		n = len(m.intervals)
	}
	if n == 0 || (m.stale > 0 && m.clock.Since(m.last) > m.stale) {
		return FPSStats{Samples: n}
	}
	mean, std := stat.MeanStdDev(m.intervals[:n], nil)
	if n == 1 {
		std = 0
	}
	out := FPSStats{
		MeanIntervalMS: mean * 1000,
		JitterMS:       std * 1000,
		Samples:        n,
	}
	if mean > 0 {
		out.FPS = 1 / mean
	}
	return out
}

// FPS returns the current frames per second.
func (m *FPSMeter) FPS() float64 { return m.Stats().FPS }
