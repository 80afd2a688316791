package capture

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/crossing.report/internal/monitoring"
	"github.com/banshee-data/crossing.report/internal/timeutil"
)

// ErrWatchdogExpired means the feed stayed dead past the watchdog window
// and the process should be restarted.
var ErrWatchdogExpired = errors.New("capture watchdog expired")

// Watchdog escalates a capture outage the supervisor cannot recover from.
type Watchdog struct {
	window    time.Duration
	interval  time.Duration
	clock     timeutil.Clock
	lastFrame func() time.Time
	started   time.Time
	logf      monitoring.Logger
}

// NewWatchdog creates a watchdog that expires when lastFrame is older than
// window. Before the first frame the window runs from creation.
func NewWatchdog(window time.Duration, lastFrame func() time.Time, clock timeutil.Clock) *Watchdog {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := min(time.Second, window)
	return &Watchdog{
		window:    window,
		interval:  interval,
		clock:     clock,
		lastFrame: lastFrame,
		started:   clock.Now(),
		logf:      monitoring.Component("watchdog"),
	}
}

// Check returns ErrWatchdogExpired if the feed has been silent too long.
func (w *Watchdog) Check() error {
	last := w.lastFrame()
	if last.Before(w.started) {
		last = w.started
	}
	if silent := w.clock.Since(last); silent >= w.window {
		w.logf("no frames for %s (limit %s), restart required", silent.Round(time.Second), w.window)
		return ErrWatchdogExpired
	}
	return nil
}

// Run checks once per interval until ctx is cancelled or the watchdog
// expires.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			if err := w.Check(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
