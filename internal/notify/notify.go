// Package notify delivers fire-and-forget operator messages. Nothing on the
// counting path ever waits for a notification to be sent.
package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/crossing.report/internal/monitoring"
)

// Kind classifies a notification.
type Kind string

const (
	SessionStart     Kind = "session_start"
	SessionFinalized Kind = "session_finalized"
	Degraded         Kind = "degraded"
	Recovered        Kind = "recovered"
)

// Event is one notification.
type Event struct {
	Kind       Kind      `json:"kind"`
	Text       string    `json:"text"`
	Identifier string    `json:"identifier,omitempty"`
	At         time.Time `json:"at"`
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Notifier accepts events without blocking.
type Notifier interface {
	Notify(ev Event)
}

// Discard is a Notifier that drops everything.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(Event) {}

// DefaultSendTimeout bounds a single delivery to a single sink.
const DefaultSendTimeout = 5 * time.Second

// Dispatcher buffers events and fans them out to its sinks from one
// goroutine. Events arriving while the buffer is full are dropped.
type Dispatcher struct {
	ch          chan Event
	sinks       []Sink
	sendTimeout time.Duration
	dropped     atomic.Uint64
	logf        monitoring.Logger
	throttle    *monitoring.Throttle
}

// NewDispatcher creates a dispatcher with room for capacity pending events.
func NewDispatcher(capacity int, sinks ...Sink) *Dispatcher {
	if capacity < 1 {
		capacity = 1
	}
	return &Dispatcher{
		ch:          make(chan Event, capacity),
		sinks:       sinks,
		sendTimeout: DefaultSendTimeout,
		logf:        monitoring.Component("notify"),
		throttle:    monitoring.Every(time.Minute),
	}
}

// Notify queues ev for delivery. It never blocks.
func (d *Dispatcher) Notify(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
		d.throttle.Logf(d.logf, "drop", "notification buffer full, dropped %s", ev.Kind)
	}
}

// Dropped returns how many events were discarded for lack of room.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Run delivers events until ctx is cancelled, then flushes what is already
// buffered with a fresh per-send timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.ch:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-d.ch:
					d.deliver(context.Background(), ev)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(parent context.Context, ev Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(parent, d.sendTimeout)
		if err := s.Send(ctx, ev); err != nil {
			d.throttle.Logf(d.logf, "send:"+s.Name(), "%s: failed to send %s: %v", s.Name(), ev.Kind, err)
		}
		cancel()
	}
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, ev Event) error {
	monitoring.Logf("[notify] %s: %s", ev.Kind, ev.Text)
	return nil
}
