package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/crossing.report/internal/config"
	"github.com/banshee-data/crossing.report/internal/monitoring"
	"github.com/banshee-data/crossing.report/internal/timeutil"
)

// ConnStatus is the state of the capture feed.
type ConnStatus string

const (
	Disconnected ConnStatus = "disconnected"
	Connected    ConnStatus = "connected"
	Reconnecting ConnStatus = "reconnecting"
)

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	MaxReadFailures int           // consecutive failures before a reconnect
	Silence         time.Duration // no frame for this long forces a reconnect
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	Clock           timeutil.Clock
	// OnStatus, if set, is called on every status change.
	OnStatus func(ConnStatus)
}

// SupervisorConfigFromConfig returns a SupervisorConfig populated from the
// service config.
func SupervisorConfigFromConfig(cfg *config.Config) SupervisorConfig {
	return SupervisorConfig{
		MaxReadFailures: cfg.GetMaxReadFailures(),
		Silence:         cfg.GetReconnectSilence(),
		BackoffInitial:  cfg.GetBackoffInitial(),
		BackoffMax:      cfg.GetBackoffMax(),
	}
}

// ConnState is a snapshot of the supervisor.
type ConnState struct {
	Status       ConnStatus `json:"status"`
	Source       string     `json:"source"`
	LastFrame    time.Time  `json:"last_frame,omitzero"`
	Frames       uint64     `json:"frames"`
	ReadFailures uint64     `json:"read_failures"`
	Malformed    uint64     `json:"malformed"`
	Reconnects   uint64     `json:"reconnects"`
	QueueDropped uint64     `json:"queue_dropped"`
	LastError    string     `json:"last_error,omitempty"`
}

// Supervisor reads frames from a Source into a FrameQueue and reopens the
// source when it fails or falls silent. It never gives up on its own.
type Supervisor struct {
	src   Source
	queue *FrameQueue
	cfg   SupervisorConfig
	clock timeutil.Clock
	logf  monitoring.Logger
	noisy *monitoring.Throttle

	mu           sync.Mutex
	status       ConnStatus
	lastFrame    time.Time
	frames       uint64
	readFailures uint64
	malformed    uint64
	reconnects   uint64
	lastError    string
}

// NewSupervisor creates a supervisor for src feeding queue.
func NewSupervisor(src Source, queue *FrameQueue, cfg SupervisorConfig) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.MaxReadFailures < 1 {
		cfg.MaxReadFailures = 1
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	return &Supervisor{
		src:    src,
		queue:  queue,
		cfg:    cfg,
		clock:  cfg.Clock,
		logf:   monitoring.Component("capture"),
		noisy:  monitoring.Every(10 * time.Second),
		status: Disconnected,
	}
}

func (s *Supervisor) setStatus(st ConnStatus) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed {
		s.logf("%s: %s", s.src.Name(), st)
		if s.cfg.OnStatus != nil {
			s.cfg.OnStatus(st)
		}
	}
}

func (s *Supervisor) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// LastFrame returns when the last frame was received. Before the first
// frame it is the time Run started.
func (s *Supervisor) LastFrame() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame
}

// State returns a snapshot of the supervisor.
func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnState{
		Status:       s.status,
		Source:       s.src.Name(),
		LastFrame:    s.lastFrame,
		Frames:       s.frames,
		ReadFailures: s.readFailures,
		Malformed:    s.malformed,
		Reconnects:   s.reconnects,
		QueueDropped: s.queue.Dropped(),
		LastError:    s.lastError,
	}
}

// Run keeps the source open and pumping until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.lastFrame = s.clock.Now()
	s.mu.Unlock()
	defer s.setStatus(Disconnected)

	backoff := s.cfg.BackoffInitial
	first := true
	for {
		if !first {
			if err := s.wait(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, s.cfg.BackoffMax)
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
		}
		first = false

		if err := s.src.Open(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.recordError(err)
			s.logf("%s: open failed, retrying in %s: %v", s.src.Name(), backoff, err)
			s.setStatus(Reconnecting)
			continue
		}
		s.setStatus(Connected)

		gotFrame, reason := s.pump(ctx)
		if err := s.src.Close(); err != nil {
			s.logf("%s: close: %v", s.src.Name(), err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if gotFrame {
			backoff = s.cfg.BackoffInitial
		}
		s.logf("%s: reconnecting in %s: %s", s.src.Name(), backoff, reason)
		s.setStatus(Reconnecting)
	}
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) error {
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump reads until the source needs reopening and returns why.
func (s *Supervisor) pump(ctx context.Context) (gotFrame bool, reason string) {
	failures := 0
	openedAt := s.clock.Now()
	for {
		f, err := s.src.Read(ctx)
		if ctx.Err() != nil {
			return gotFrame, "shutdown"
		}
		switch {
		case err == nil:
			failures = 0
			gotFrame = true
			now := s.clock.Now()
			if f.Timestamp.IsZero() {
				f.Timestamp = now
			}
			s.mu.Lock()
			s.lastFrame = now
			s.frames++
			s.mu.Unlock()
			if s.queue.Push(f) {
				s.noisy.Logf(s.logf, "drop", "frame queue full, dropped oldest frame (%d total)", s.queue.Dropped())
			}
			continue
		case errors.Is(err, ErrSourceClosed):
			s.recordError(err)
			return gotFrame, err.Error()
		case errors.Is(err, ErrNoData):
		case errors.Is(err, ErrMalformed):
			s.mu.Lock()
			s.malformed++
			s.mu.Unlock()
			s.noisy.Logf(s.logf, "malformed", "%s: discarding %v", s.src.Name(), err)
		default:
			failures++
			s.recordError(err)
			s.mu.Lock()
			s.readFailures++
			s.mu.Unlock()
			s.noisy.Logf(s.logf, "read", "%s: read failure %d/%d: %v", s.src.Name(), failures, s.cfg.MaxReadFailures, err)
			if failures >= s.cfg.MaxReadFailures {
				return gotFrame, "too many consecutive read failures"
			}
		}
		since := s.LastFrame()
		if openedAt.After(since) {
			since = openedAt
		}
		if silent := s.clock.Since(since); silent >= s.cfg.Silence {
			return gotFrame, "no frames for " + silent.Round(time.Second).String()
		}
	}
}
