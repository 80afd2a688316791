package syncengine

import "sync"

// Queue is the bounded FIFO of operations awaiting retry. When full, the
// oldest entry is dropped. Count updates for one session coalesce so only
// the newest counters are kept.
type Queue struct {
	mu        sync.Mutex
	capacity  int
	items     []Op
	dropped   uint64
	coalesced uint64
}

// NewQueue creates a queue holding at most capacity operations.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{capacity: capacity}
}

// Push adds op and returns the oldest entry if it had to be dropped to make
// room. An update superseded by a newer queued update or a queued finalize
// for the same session is discarded.
func (q *Queue) Push(op Op) (overflowed *Op) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch op.Kind {
	case UpdateRow:
		for _, it := range q.items {
			if it.SessionKey != op.SessionKey {
				continue
			}
			if it.Kind == FinalizeRow || (it.Kind == UpdateRow && it.Seq > op.Seq) {
				q.coalesced++
				return nil
			}
		}
		q.coalesced += q.removeLocked(op.SessionKey, UpdateRow)
	case FinalizeRow:
		q.coalesced += q.removeLocked(op.SessionKey, UpdateRow)
	}

	if len(q.items) >= q.capacity {
		oldest := q.items[0]
		overflowed = &oldest
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, op)
	return overflowed
}

func (q *Queue) removeLocked(session string, kind Kind) uint64 {
	var removed uint64
	kept := q.items[:0]
	for _, it := range q.items {
		if it.SessionKey == session && it.Kind == kind {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return removed
}

// Pop removes and returns the oldest operation.
func (q *Queue) Pop() (Op, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Op{}, false
	}
	op := q.items[0]
	q.items = q.items[1:]
	return op, true
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many operations were evicted for lack of room.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Coalesced returns how many updates were discarded as superseded.
func (q *Queue) Coalesced() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.coalesced
}

// Snapshot returns a copy of the queued operations, oldest first.
func (q *Queue) Snapshot() []Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Op(nil), q.items...)
}
