package capture

import (
	"context"
	"sync/atomic"

	"github.com/banshee-data/crossing.report/internal/crossing"
)

// FrameQueue is a small bounded queue between capture and detection. When
// full, the oldest frame is discarded: a stale frame is worth less than a
// late one.
type FrameQueue struct {
	ch      chan crossing.Frame
	dropped atomic.Uint64
}

// NewFrameQueue creates a queue holding 1 to 4 frames.
func NewFrameQueue(size int) *FrameQueue {
	size = max(1, min(size, 4))
	return &FrameQueue{ch: make(chan crossing.Frame, size)}
}

// Push enqueues f without blocking, evicting the oldest frame if needed.
// It reports whether a frame was dropped.
func (q *FrameQueue) Push(f crossing.Frame) (dropped bool) {
	for {
		select {
		case q.ch <- f:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// Pop blocks until a frame is available or ctx is done.
func (q *FrameQueue) Pop(ctx context.Context) (crossing.Frame, error) {
	select {
	case f := <-q.ch:
		return f, nil
	case <-ctx.Done():
		return crossing.Frame{}, ctx.Err()
	}
}

// C exposes the receive side for select loops.
func (q *FrameQueue) C() <-chan crossing.Frame { return q.ch }

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int { return cap(q.ch) }

// Dropped returns how many frames were evicted.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }
