// Package status aggregates the live counters and pipeline health into the
// snapshot served to dashboards.
package status

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/banshee-data/crossing.report/internal/capture"
	"github.com/banshee-data/crossing.report/internal/config"
	"github.com/banshee-data/crossing.report/internal/crossing"
	"github.com/banshee-data/crossing.report/internal/session"
	"github.com/banshee-data/crossing.report/internal/syncengine"
	"github.com/banshee-data/crossing.report/internal/timeutil"
)

// Status is the health and counter snapshot.
type Status struct {
	Loading           int                 `json:"loading"`
	Rehab             int                 `json:"rehab"`
	Total             int                 `json:"total"`
	FPS               float64             `json:"fps"`
	CurrentIdentifier string              `json:"current_identifier"`
	SessionStatus     session.Status      `json:"session_status"`
	ConnectionStatus  capture.ConnStatus  `json:"connection_status"`
	Healthy           bool                `json:"healthy"`
	Session           session.Snapshot    `json:"session"`
	Capture           capture.ConnState   `json:"capture"`
	Frames            FPSStats            `json:"frames"`
	Sync              syncengine.State    `json:"sync"`
	Engine            crossing.Stats      `json:"engine"`
	Runtime           config.RuntimeState `json:"runtime"`
	ScanQueueDropped  uint64              `json:"scan_queue_dropped"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Sources are the accessors a Board reads. Nil accessors are skipped.
type Sources struct {
	Session     func() session.Snapshot
	Capture     func() capture.ConnState
	Sync        func() syncengine.State
	Engine      func() crossing.Stats
	FPS         *FPSMeter
	Runtime     func() config.RuntimeState
	ScanDropped func() uint64
}

// Board builds Status snapshots and pushes them to subscribers.
type Board struct {
	src   Sources
	clock timeutil.Clock

	mu   sync.Mutex
	subs map[string]chan Status
	last Status
}

// NewBoard creates a Board over src.
func NewBoard(src Sources, clock timeutil.Clock) *Board {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Board{src: src, clock: clock, subs: make(map[string]chan Status)}
}

// Healthy reports whether the pipeline is in a serving state: the capture
// feed is connected and the ledger breaker is closed.
func Healthy(s Status) bool {
	return s.ConnectionStatus == capture.Connected && s.Sync.Breaker.State == syncengine.BreakerClosed
}

// Snapshot collects a fresh Status.
func (b *Board) Snapshot() Status {
	var s Status
	if b.src.Session != nil {
		s.Session = b.src.Session()
	}
	if b.src.Capture != nil {
		s.Capture = b.src.Capture()
	}
	if b.src.Sync != nil {
		s.Sync = b.src.Sync()
	}
	if b.src.Engine != nil {
		s.Engine = b.src.Engine()
	}
	if b.src.FPS != nil {
		s.Frames = b.src.FPS.Stats()
	}
	if b.src.Runtime != nil {
		s.Runtime = b.src.Runtime()
	}
	if b.src.ScanDropped != nil {
		s.ScanQueueDropped = b.src.ScanDropped()
	}
	s.Loading = s.Session.Loading
	s.Rehab = s.Session.Rehab
	s.Total = s.Session.Total
	s.CurrentIdentifier = s.Session.Identifier
	s.SessionStatus = s.Session.Status
	s.ConnectionStatus = s.Capture.Status
	s.FPS = s.Frames.FPS
	s.Healthy = Healthy(s)
	s.UpdatedAt = b.clock.Now()
	return s
}

// Subscribe returns a channel receiving each published Status. A slow
// subscriber misses updates.
func (b *Board) Subscribe() (string, <-chan Status) {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	ch := make(chan Status, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Board) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Publish takes a snapshot and sends it to every subscriber.
func (b *Board) Publish() Status {
	s := b.Snapshot()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = s
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
			// replace the stale pending update
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
	return s
}

// Last returns the most recently published Status.
func (b *Board) Last() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Run publishes every interval until ctx is cancelled, calling each hook
// with the new snapshot.
func (b *Board) Run(ctx context.Context, interval time.Duration, hooks ...func(Status)) error {
	t := b.clock.NewTicker(interval)
	defer t.Stop()
	for {
		s := b.Publish()
		for _, h := range hooks {
			h(s)
		}
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for id, ch := range b.subs {
				close(ch)
				delete(b.subs, id)
			}
			b.mu.Unlock()
			return ctx.Err()
		case <-t.C():
		}
	}
}
