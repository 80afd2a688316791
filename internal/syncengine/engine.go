// Package syncengine keeps the ledger in step with the counter without ever
// blocking the counting path on the network.
//
// Every mutation is executed by a single worker goroutine behind a timeout
// box. Failures land in a bounded retry queue that a periodic pass drains a
// few at a time, guarded by a circuit breaker so a dead ledger is probed
// once per cool-down instead of hammered.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/crossing.report/internal/config"
	"github.com/banshee-data/crossing.report/internal/ledger"
	"github.com/banshee-data/crossing.report/internal/monitoring"
	"github.com/banshee-data/crossing.report/internal/timeutil"
)

var (
	// ErrCircuitOpen is returned by RetryOnce while the breaker blocks attempts.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrTimeout is returned when a ledger call exceeds the timeout box.
	ErrTimeout = errors.New("ledger call timed out")
	// ErrQueueFull is reported when an operation is evicted to make room.
	ErrQueueFull = errors.New("retry queue full")
)

// Outcome is reported for every operation that leaves the engine.
type Outcome struct {
	Op     Op
	Result string // "ok", "expired", "overflow", "superseded"
	Err    error
	At     time.Time
}

// Options configures an Engine.
type Options struct {
	Timeout          time.Duration
	QueueCapacity    int
	MaxAge           time.Duration
	RetryBatch       int
	RetryInterval    time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
	Clock            timeutil.Clock

	// OnOutcome, if set, is called for every finished or dropped op.
	OnOutcome func(Outcome)
	// OnBreakerChange, if set, is called when the breaker changes state.
	OnBreakerChange func(BreakerState)
}

// OptionsFromConfig returns Options populated from the service config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Timeout:          cfg.GetSyncTimeout(),
		QueueCapacity:    cfg.GetQueueCapacity(),
		MaxAge:           cfg.GetMaxAge(),
		RetryBatch:       cfg.GetRetryBatch(),
		RetryInterval:    cfg.GetRetryInterval(),
		BreakerThreshold: cfg.GetBreakerThreshold(),
		BreakerReset:     cfg.GetBreakerReset(),
	}
}

// RunInfo captures details about a single retry pass.
type RunInfo struct {
	Trigger    string    `json:"trigger,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Attempted  int       `json:"attempted"`
	Error      string    `json:"error,omitempty"`
}

// State is the engine's externally visible status.
type State struct {
	Breaker         BreakerSnapshot `json:"breaker"`
	QueueLen        int             `json:"queue_len"`
	Succeeded       uint64          `json:"succeeded"`
	Failed          uint64          `json:"failed"`
	DroppedExpired  uint64          `json:"dropped_expired"`
	DroppedOverflow uint64          `json:"dropped_overflow"`
	Coalesced       uint64          `json:"coalesced"`
	Superseded      uint64          `json:"superseded"`
	SkippedOpen     uint64          `json:"skipped_open"`
	LastError       string          `json:"last_error,omitempty"`
	LastErrorAt     time.Time       `json:"last_error_at,omitzero"`
	LastSuccess     time.Time       `json:"last_success,omitzero"`
	RunCount        int64           `json:"run_count"`
	LastRun         *RunInfo        `json:"last_run,omitempty"`
	Healthy         bool            `json:"healthy"`
}

// Engine is the resilient sync engine.
type Engine struct {
	ledger  ledger.Ledger
	opts    Options
	clock   timeutil.Clock
	queue   *Queue
	breaker *Breaker
	logf    monitoring.Logger

	outbox  chan Op
	trigger chan struct{}
	seq     atomic.Uint64

	mu             sync.Mutex
	refs           map[string]string // session key -> ledger row ref
	settled        map[string]settled
	superseded     uint64
	succeeded      uint64
	failed         uint64
	droppedExpired uint64
	skippedOpen    uint64
	lastError      string
	lastErrorAt    time.Time
	lastSuccess    time.Time
	runCount       int64
	lastRun        *RunInfo
}

// New creates an Engine writing to l.
func New(l ledger.Ledger, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.RetryBatch < 1 {
		opts.RetryBatch = 1
	}
	e := &Engine{
		ledger:  l,
		opts:    opts,
		clock:   opts.Clock,
		queue:   NewQueue(opts.QueueCapacity),
		logf:    monitoring.Component("sync"),
		outbox:  make(chan Op, opts.QueueCapacity),
		trigger: make(chan struct{}, 1),
		refs:    make(map[string]string),
		settled: make(map[string]settled),
	}
	e.breaker = NewBreaker(opts.BreakerThreshold, opts.BreakerReset, opts.Clock, e.breakerChanged)
	return e
}

func (e *Engine) breakerChanged(s BreakerState) {
	e.logf("circuit breaker %s", s)
	if e.opts.OnBreakerChange != nil {
		e.opts.OnBreakerChange(s)
	}
}

func (e *Engine) report(op Op, result string, err error) {
	if e.opts.OnOutcome != nil {
		e.opts.OnOutcome(Outcome{Op: op, Result: result, Err: err, At: e.clock.Now()})
	}
}

// Submit hands op to the sync worker and returns immediately. If the worker
// is backed up the op goes straight to the retry queue.
func (e *Engine) Submit(op Op) {
	op.ID = uuid.NewString()
	op.Seq = e.seq.Add(1)
	op.EnqueuedAt = e.clock.Now()
	select {
	case e.outbox <- op:
	default:
		e.logf("worker backed up, queueing %s for retry", op)
		e.enqueue(op)
	}
}

// TriggerRetry requests an immediate retry pass. Non-blocking; rapid
// triggers coalesce.
func (e *Engine) TriggerRetry() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run executes submitted ops and retries the queue every RetryInterval and
// on TriggerRetry. It returns when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.opts.RetryInterval)
	defer ticker.Stop()
	e.logf("sync worker started: interval=%s batch=%d max_age=%s", e.opts.RetryInterval, e.opts.RetryBatch, e.opts.MaxAge)

	for {
		select {
		case op := <-e.outbox:
			e.process(ctx, op)
		case <-ticker.C():
			e.runPass(ctx, "periodic")
		case <-e.trigger:
			e.runPass(ctx, "manual")
		case <-ctx.Done():
			e.logf("sync worker terminated with %d queued", e.queue.Len()+len(e.outbox))
			return ctx.Err()
		}
	}
}

func (e *Engine) runPass(ctx context.Context, trigger string) {
	if e.queue.Len() == 0 {
		return
	}
	run := &RunInfo{Trigger: trigger, StartedAt: e.clock.Now()}
	n, err := e.RetryOnce(ctx)
	run.FinishedAt = e.clock.Now()
	run.Attempted = n
	if err != nil {
		run.Error = err.Error()
	}
	e.mu.Lock()
	e.runCount++
	e.lastRun = run
	e.mu.Unlock()
	e.pruneSettled()
}

// settled is the newest op applied to the ledger for one session.
type settled struct {
	seq   uint64
	final bool
}

// stale reports whether a newer op for the same session has already been
// written. Every op carries the full counts, so an older one would only
// roll the row back or, after finalize, open a second row.
func (e *Engine) stale(op Op) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.settled[op.SessionKey]
	if !ok || op.Seq >= st.seq {
		return false
	}
	e.superseded++
	return true
}

func (e *Engine) dropStale(op Op) {
	e.logf("dropping superseded %s", op)
	e.report(op, "superseded", nil)
}

// pruneSettled forgets finalized sessions once nothing older can still
// arrive for them.
func (e *Engine) pruneSettled() {
	if e.queue.Len() > 0 || len(e.outbox) > 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, st := range e.settled {
		if st.final {
			delete(e.settled, k)
		}
	}
}

// process makes the first attempt at a freshly submitted op.
func (e *Engine) process(ctx context.Context, op Op) {
	if e.stale(op) {
		e.dropStale(op)
		return
	}
	ok, _ := e.breaker.Allow()
	if !ok {
		e.enqueue(op)
		return
	}
	_ = e.try(ctx, op)
}

// RetryOnce runs one retry pass: up to RetryBatch queued ops, or a single
// probe when the breaker is half-open. Ops older than MaxAge are dropped
// without an attempt. It returns the number of attempts made.
func (e *Engine) RetryOnce(ctx context.Context) (int, error) {
	ok, probe := e.breaker.Allow()
	if !ok {
		e.mu.Lock()
		e.skippedOpen++
		e.mu.Unlock()
		return 0, ErrCircuitOpen
	}
	limit := e.opts.RetryBatch
	if probe {
		limit = 1
	}

	attempted := 0
	var lastErr error
	for attempted < limit {
		if attempted > 0 {
			if ok, _ := e.breaker.Allow(); !ok {
				break
			}
		}
		op, ok := e.queue.Pop()
		if !ok {
			break
		}
		if age := e.clock.Since(op.EnqueuedAt); age > e.opts.MaxAge {
			e.logf("dropping stale %s (age %s)", op, age.Round(time.Second))
			e.mu.Lock()
			e.droppedExpired++
			e.mu.Unlock()
			e.report(op, "expired", nil)
			continue
		}
		if e.stale(op) {
			e.dropStale(op)
			continue
		}
		attempted++
		if err := e.try(ctx, op); err != nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if probe && attempted == 0 {
		e.breaker.Release()
	}
	return attempted, lastErr
}

// Drain flushes pending work at shutdown until the queue is empty, the
// breaker opens, or ctx expires. It must not run concurrently with Run. It
// returns how many ops reached the ledger and how many were left behind.
func (e *Engine) Drain(ctx context.Context) (written, left int) {
	e.mu.Lock()
	before := e.succeeded
	e.mu.Unlock()

	for len(e.outbox) > 0 {
		e.process(ctx, <-e.outbox)
	}
	for e.queue.Len() > 0 && ctx.Err() == nil {
		n, err := e.RetryOnce(ctx)
		if errors.Is(err, ErrCircuitOpen) || n == 0 {
			break
		}
	}
	e.mu.Lock()
	written = int(e.succeeded - before)
	e.mu.Unlock()
	left = e.queue.Len()
	if left > 0 {
		e.logf("shutdown with %d ops still queued", left)
	}
	return written, left
}

func (e *Engine) enqueue(op Op) {
	if dropped := e.queue.Push(op); dropped != nil {
		e.logf("retry queue full, dropped oldest %s", *dropped)
		e.report(*dropped, "overflow", ErrQueueFull)
	}
}

type result struct {
	ref string
	err error
}

// try runs op behind the timeout box and settles the breaker and queue.
func (e *Engine) try(ctx context.Context, op Op) error {
	ref, err := e.callWithTimeout(ctx, op)
	if err != nil {
		e.breaker.Failure()
		op.Attempts++
		e.mu.Lock()
		e.failed++
		e.lastError = err.Error()
		e.lastErrorAt = e.clock.Now()
		e.mu.Unlock()
		e.logf("%s failed: %v", op, err)
		e.enqueue(op)
		return err
	}

	e.breaker.Success()
	e.mu.Lock()
	e.succeeded++
	e.lastSuccess = e.clock.Now()
	if st := e.settled[op.SessionKey]; op.Seq >= st.seq {
		e.settled[op.SessionKey] = settled{seq: op.Seq, final: op.Kind == FinalizeRow}
	}
	if op.Kind == FinalizeRow {
		delete(e.refs, op.SessionKey)
	} else if ref != "" {
		e.refs[op.SessionKey] = ref
	}
	e.mu.Unlock()
	e.report(op, "ok", nil)
	return nil
}

// callWithTimeout runs op on its own goroutine. If the timeout elapses
// first the call is abandoned and its result discarded.
func (e *Engine) callWithTimeout(parent context.Context, op Op) (string, error) {
	ctx, cancel := context.WithTimeout(parent, e.opts.Timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		ref, err := e.exec(ctx, op)
		done <- result{ref: ref, err: err}
	}()

	timer := e.clock.NewTimer(e.opts.Timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.ref, r.err
	case <-timer.C():
		return "", ErrTimeout
	case <-parent.Done():
		return "", parent.Err()
	}
}

func (e *Engine) knownRef(session string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs[session]
}

// resolve returns the row ref for op's session, finding or creating the
// row when the engine has not seen it yet.
func (e *Engine) resolve(ctx context.Context, op Op) (string, error) {
	if ref := e.knownRef(op.SessionKey); ref != "" {
		return ref, nil
	}
	row, _, err := ledger.FindOrCreate(ctx, e.ledger, op.Identifier, op.Date, op.Start, op.Loading, op.Rehab)
	if err != nil {
		return "", err
	}
	return row.Ref, nil
}

// exec performs op against the ledger. It must not touch engine state:
// an abandoned call may still be running when the next one starts.
func (e *Engine) exec(ctx context.Context, op Op) (string, error) {
	switch op.Kind {
	case CreateRow:
		return e.resolve(ctx, op)

	case UpdateRow:
		ref, err := e.resolve(ctx, op)
		if err != nil {
			return "", err
		}
		err = e.ledger.UpdateCounts(ctx, ref, op.Loading, op.Rehab)
		if errors.Is(err, ledger.ErrRowNotFound) {
			row, _, ferr := ledger.FindOrCreate(ctx, e.ledger, op.Identifier, op.Date, op.Start, op.Loading, op.Rehab)
			if ferr != nil {
				return "", ferr
			}
			return row.Ref, e.ledger.UpdateCounts(ctx, row.Ref, op.Loading, op.Rehab)
		}
		return ref, err

	case FinalizeRow:
		ref := e.knownRef(op.SessionKey)
		if ref == "" {
			row, err := e.ledger.FindOpenRow(ctx, op.Identifier, op.Date)
			switch {
			case errors.Is(err, ledger.ErrRowNotFound):
				n, err := e.ledger.CountRows(ctx, op.Identifier, op.Date)
				if err != nil {
					return "", err
				}
				row, err = e.ledger.AppendRow(ctx, ledger.Row{
					Identifier: op.Identifier,
					Date:       op.Date,
					StartTime:  op.Start,
					EndTime:    op.End,
					Loading:    op.Loading,
					Rehab:      op.Rehab,
					Batch:      n + 1,
				})
				return row.Ref, err
			case err != nil:
				return "", err
			}
			ref = row.Ref
		}
		return ref, e.ledger.FinalizeRow(ctx, ref, op.End, op.Loading, op.Rehab)
	}
	return "", fmt.Errorf("unknown op kind %q", op.Kind)
}

// State returns the engine status.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := State{
		Breaker:         e.breaker.Snapshot(),
		QueueLen:        e.queue.Len(),
		Succeeded:       e.succeeded,
		Failed:          e.failed,
		DroppedExpired:  e.droppedExpired,
		DroppedOverflow: e.queue.Dropped(),
		Coalesced:       e.queue.Coalesced(),
		Superseded:      e.superseded,
		SkippedOpen:     e.skippedOpen,
		LastError:       e.lastError,
		LastErrorAt:     e.lastErrorAt,
		LastSuccess:     e.lastSuccess,
		RunCount:        e.runCount,
	}
	if e.lastRun != nil {
		runCopy := *e.lastRun
		s.LastRun = &runCopy
	}
	s.Healthy = s.Breaker.State == BreakerClosed
	return s
}

// Pending returns a copy of the retry queue.
func (e *Engine) Pending() []Op {
	return e.queue.Snapshot()
}
