package scanner

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/crossing.report/internal/monitoring"
	"github.com/banshee-data/crossing.report/internal/timeutil"
)

// Scan is one decoded identifier.
type Scan struct {
	Value string    `json:"value"`
	At    time.Time `json:"at"`
}

// Queue is the bounded identifier event queue. When full the oldest scan
// is dropped.
type Queue struct {
	ch      chan Scan
	dropped atomic.Uint64
}

// NewQueue creates a queue holding up to size scans.
func NewQueue(size int) *Queue {
	return &Queue{ch: make(chan Scan, max(1, size))}
}

// Push enqueues s without blocking.
func (q *Queue) Push(s Scan) {
	for {
		select {
		case q.ch <- s:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// C exposes the receive side for select loops.
func (q *Queue) C() <-chan Scan { return q.ch }

// Dropped returns how many scans were evicted.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Subscriber is the part of Mux the producer uses.
type Subscriber interface {
	Subscribe() (string, chan string)
	Unsubscribe(id string)
}

// Producer turns raw scanner lines into Scans: it trims whitespace, drops
// empty reads and suppresses a repeat of the same value within the
// debounce window.
type Producer struct {
	queue    *Queue
	debounce time.Duration
	clock    timeutil.Clock
	logf     monitoring.Logger

	mu        sync.Mutex
	last      string
	lastAt    time.Time
	accepted  uint64
	debounced uint64
}

// NewProducer creates a producer feeding queue.
func NewProducer(queue *Queue, debounce time.Duration, clock timeutil.Clock) *Producer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Producer{
		queue:    queue,
		debounce: debounce,
		clock:    clock,
		logf:     monitoring.Component("scanner"),
	}
}

// Submit offers one raw line and reports whether it was queued.
func (p *Producer) Submit(raw string) bool {
	value := strings.TrimSpace(raw)
	if value == "" {
		return false
	}
	now := p.clock.Now()

	p.mu.Lock()
	if value == p.last && now.Sub(p.lastAt) < p.debounce {
		p.debounced++
		p.mu.Unlock()
		return false
	}
	p.last, p.lastAt = value, now
	p.accepted++
	p.mu.Unlock()

	p.logf("scanned %q", value)
	p.queue.Push(Scan{Value: value, At: now})
	return true
}

// Run forwards lines from src until ctx is cancelled or src closes the
// subscription.
func (p *Producer) Run(ctx context.Context, src Subscriber) error {
	id, lines := src.Subscribe()
	defer src.Unsubscribe(id)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			p.Submit(line)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns accepted and debounced counts.
func (p *Producer) Stats() (accepted, debounced uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted, p.debounced
}
