package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/crossing.report/internal/ledger"
	"github.com/banshee-data/crossing.report/internal/monitoring"
	"github.com/banshee-data/crossing.report/internal/testutil"
	"github.com/banshee-data/crossing.report/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func testOptions(clock timeutil.Clock) Options {
	return Options{
		Timeout:          5 * time.Second,
		QueueCapacity:    100,
		MaxAge:           300 * time.Second,
		RetryBatch:       3,
		RetryInterval:    10 * time.Second,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
		Clock:            clock,
	}
}

func testOp(clock timeutil.Clock, kind Kind, session string) Op {
	return Op{
		Seq:        1,
		Kind:       kind,
		SessionKey: session,
		Identifier: session,
		Date:       "2026-03-02",
		Start:      t0,
		EnqueuedAt: clock.Now(),
	}
}

type outcomes struct {
	mu   sync.Mutex
	list []Outcome
}

func (o *outcomes) add(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, out)
}

func (o *outcomes) results() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var r []string
	for _, out := range o.list {
		r = append(r, out.Result)
	}
	return r
}

// Five failures open the breaker, a pass 29s later is skipped, and a pass
// at 31s makes exactly one probe attempt.
func TestEngine_BreakerBlocksRetriesUntilReset(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	l.SetErr(errors.New("ledger offline"))
	opts := testOptions(clock)
	opts.RetryBatch = 5
	e := New(l, opts)
	ctx := context.Background()

	for _, s := range []string{"A", "B", "C", "D", "E"} {
		e.enqueue(testOp(clock, CreateRow, s))
	}

	n, err := e.RetryOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, l.Calls("find"))
	st := e.State()
	assert.Equal(t, BreakerOpen, st.Breaker.State)
	assert.Equal(t, 5, st.QueueLen)

	clock.Advance(29 * time.Second)
	n, err = e.RetryOnce(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, n)
	assert.Equal(t, 5, l.Calls("find"), "no attempt while open")
	assert.Equal(t, uint64(1), e.State().SkippedOpen)

	clock.Advance(2 * time.Second)
	n, err = e.RetryOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n, "exactly one probe")
	assert.Equal(t, 6, l.Calls("find"))
	assert.Equal(t, BreakerOpen, e.State().Breaker.State)

	l.SetErr(nil)
	clock.Advance(31 * time.Second)
	n, err = e.RetryOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, BreakerClosed, e.State().Breaker.State)
	assert.Equal(t, 4, e.State().QueueLen)

	n, err = e.RetryOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Zero(t, e.State().QueueLen)
	assert.Len(t, l.Rows(), 5)
}

func TestEngine_DropsExpiredOps(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	out := &outcomes{}
	opts := testOptions(clock)
	opts.OnOutcome = out.add
	e := New(l, opts)

	e.enqueue(testOp(clock, CreateRow, "OLD"))
	clock.Advance(301 * time.Second)
	e.enqueue(testOp(clock, CreateRow, "NEW"))

	n, err := e.RetryOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st := e.State()
	assert.Equal(t, uint64(1), st.DroppedExpired)
	assert.Zero(t, st.QueueLen)
	rows := l.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "NEW", rows[0].Identifier)
	assert.Equal(t, []string{"expired", "ok"}, out.results())
}

func TestEngine_RetryKeepsOriginalEnqueueTime(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	l.SetErr(errors.New("offline"))
	opts := testOptions(clock)
	opts.BreakerThreshold = 1000
	e := New(l, opts)
	ctx := context.Background()

	e.enqueue(testOp(clock, CreateRow, "A"))
	for i := 0; i < 3; i++ {
		clock.Advance(100 * time.Second)
		_, _ = e.RetryOnce(ctx)
	}
	pending := e.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, t0, pending[0].EnqueuedAt)
	assert.Positive(t, pending[0].Attempts)

	clock.Advance(100 * time.Second)
	n, err := e.RetryOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, e.State().QueueLen)
}

func TestEngine_HalfOpenWithOnlyExpiredOpsReleasesProbe(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	l.SetErr(errors.New("offline"))
	opts := testOptions(clock)
	opts.BreakerThreshold = 1
	e := New(l, opts)
	ctx := context.Background()

	e.enqueue(testOp(clock, CreateRow, "A"))
	_, _ = e.RetryOnce(ctx)
	require.Equal(t, BreakerOpen, e.State().Breaker.State)

	clock.Advance(301 * time.Second)
	n, err := e.RetryOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, probe := e.breaker.Allow()
	assert.True(t, ok)
	assert.True(t, probe)
}

func TestEngine_TimeoutAbandonsCall(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	release := l.Block()
	defer release()
	e := New(l, testOptions(clock))

	errc := make(chan error, 1)
	go func() { errc <- e.try(context.Background(), testOp(clock, CreateRow, "A")) }()

	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)
	err := <-errc
	assert.ErrorIs(t, err, ErrTimeout)

	st := e.State()
	assert.Equal(t, 1, st.QueueLen)
	assert.Equal(t, uint64(1), st.Failed)
	assert.Equal(t, 1, st.Breaker.ConsecutiveFailures)
	assert.Empty(t, e.knownRef("A"), "abandoned result is discarded")
}

func TestEngine_UpdateCreatesMissingRow(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	e := New(l, testOptions(clock))
	ctx := context.Background()

	op := testOp(clock, UpdateRow, "ABC123")
	op.Loading, op.Rehab = 3, 1
	require.NoError(t, e.try(ctx, op))

	rows := l.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].Loading)
	assert.Equal(t, 1, rows[0].Rehab)
	assert.Equal(t, 1, rows[0].Batch)
	assert.Equal(t, rows[0].Ref, e.knownRef("ABC123"))

	op.Loading = 4
	require.NoError(t, e.try(ctx, op))
	assert.Equal(t, 1, l.Calls("append"))
	assert.Equal(t, 4, l.Rows()[0].Loading)
}

func TestEngine_UpdateRecoversFromStaleRef(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	e := New(l, testOptions(clock))
	e.refs["ABC123"] = "missing"

	op := testOp(clock, UpdateRow, "ABC123")
	op.Loading = 2
	require.NoError(t, e.try(context.Background(), op))

	rows := l.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Loading)
	assert.Equal(t, rows[0].Ref, e.knownRef("ABC123"))
}

func TestEngine_FinalizeWithoutRowAppendsClosedRow(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	l.Seed(ledger.Row{Identifier: "ABC123", Date: "2026-03-02", StartTime: t0.Add(-2 * time.Hour), EndTime: t0.Add(-time.Hour), Batch: 1})
	e := New(l, testOptions(clock))

	op := testOp(clock, FinalizeRow, "ABC123")
	op.End = t0.Add(10 * time.Minute)
	op.Loading, op.Rehab = 5, 2
	require.NoError(t, e.try(context.Background(), op))

	rows := l.Rows()
	require.Len(t, rows, 2)
	assert.False(t, rows[1].Open())
	assert.Equal(t, 2, rows[1].Batch)
	assert.Equal(t, 3, rows[1].Total())
	assert.Empty(t, e.knownRef("ABC123"))
}

func TestEngine_FinalizeKnownRow(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	e := New(l, testOptions(clock))
	ctx := context.Background()

	require.NoError(t, e.try(ctx, testOp(clock, CreateRow, "ABC123")))
	op := testOp(clock, FinalizeRow, "ABC123")
	op.End = t0.Add(time.Hour)
	op.Loading = 6
	require.NoError(t, e.try(ctx, op))

	rows := l.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, t0.Add(time.Hour), rows[0].EndTime)
	assert.Equal(t, 6, rows[0].Loading)
	assert.Equal(t, 1, l.Calls("find"), "finalize uses the remembered ref")
}

func TestEngine_RunSubmitAndTrigger(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	var (
		mu      sync.Mutex
		changes []BreakerState
	)
	opts := testOptions(clock)
	opts.BreakerThreshold = 1
	opts.BreakerReset = 0
	opts.OnBreakerChange = func(s BreakerState) {
		mu.Lock()
		changes = append(changes, s)
		mu.Unlock()
	}
	e := New(l, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.Submit(testOp(clock, CreateRow, "A"))
	require.Eventually(t, func() bool { return e.State().Succeeded == 1 }, time.Second, 5*time.Millisecond)

	l.SetErr(errors.New("offline"))
	e.Submit(testOp(clock, CreateRow, "B"))
	require.Eventually(t, func() bool { return e.State().QueueLen == 1 }, time.Second, 5*time.Millisecond)

	l.SetErr(nil)
	e.TriggerRetry()
	require.Eventually(t, func() bool {
		st := e.State()
		return st.QueueLen == 0 && st.RunCount == 1
	}, time.Second, 5*time.Millisecond)

	st := e.State()
	require.NotNil(t, st.LastRun)
	assert.Equal(t, "manual", st.LastRun.Trigger)
	assert.Equal(t, 1, st.LastRun.Attempted)
	assert.True(t, st.Healthy)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}, changes)
}

func TestEngine_PeriodicRetry(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	e := New(l, testOptions(clock))
	e.enqueue(testOp(clock, CreateRow, "A"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		st := e.State()
		return st.QueueLen == 0 && st.RunCount == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "periodic", e.State().LastRun.Trigger)

	cancel()
	<-done
}

func TestEngine_DrainFlushesQueue(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	opts := testOptions(clock)
	opts.RetryBatch = 2
	e := New(l, opts)
	for _, s := range []string{"A", "B", "C", "D", "E"} {
		e.enqueue(testOp(clock, CreateRow, s))
	}
	e.Submit(testOp(clock, CreateRow, "F"))

	written, left := e.Drain(context.Background())
	assert.Equal(t, 6, written)
	assert.Zero(t, left)
	assert.Len(t, l.Rows(), 6)
}

func TestEngine_DrainStopsWhenBreakerOpens(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	l.SetErr(errors.New("offline"))
	opts := testOptions(clock)
	opts.BreakerThreshold = 2
	e := New(l, opts)
	for _, s := range []string{"A", "B", "C"} {
		e.enqueue(testOp(clock, CreateRow, s))
	}

	written, left := e.Drain(context.Background())
	assert.Zero(t, written)
	assert.Equal(t, 3, left)
	assert.Equal(t, 2, l.Calls("find"))
}

func TestEngine_OverflowReported(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	out := &outcomes{}
	opts := testOptions(clock)
	opts.QueueCapacity = 1
	opts.OnOutcome = out.add
	e := New(testutil.NewMemoryLedger(), opts)

	e.enqueue(testOp(clock, CreateRow, "A"))
	e.enqueue(testOp(clock, CreateRow, "B"))

	assert.Equal(t, []string{"overflow"}, out.results())
	assert.Equal(t, uint64(1), e.State().DroppedOverflow)
}

func seqOp(clock timeutil.Clock, kind Kind, session string, seq uint64, loading int) Op {
	op := testOp(clock, kind, session)
	op.Seq = seq
	op.Loading = loading
	return op
}

// An update that failed before the session was finalized must not reopen
// the session as a second row when it is retried.
func TestEngine_RetryAfterFinalizeIsSuperseded(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	out := &outcomes{}
	opts := testOptions(clock)
	opts.OnOutcome = out.add
	e := New(l, opts)
	ctx := context.Background()

	e.process(ctx, seqOp(clock, CreateRow, "ABC123", 1, 0))

	l.SetErr(errors.New("ledger offline"))
	e.process(ctx, seqOp(clock, UpdateRow, "ABC123", 2, 1))
	require.Equal(t, 1, e.State().QueueLen)
	require.Equal(t, BreakerClosed, e.State().Breaker.State)

	l.SetErr(nil)
	fin := seqOp(clock, FinalizeRow, "ABC123", 3, 1)
	fin.End = t0.Add(10 * time.Minute)
	e.process(ctx, fin)

	n, err := e.RetryOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, e.State().QueueLen)
	assert.Equal(t, uint64(1), e.State().Superseded)

	rows := l.Rows()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Open())
	assert.Equal(t, 1, rows[0].Loading)
	assert.Equal(t, 1, rows[0].Batch)
	assert.Equal(t, []string{"ok", "ok", "superseded"}, out.results())
}

// A retried update must not overwrite newer counts already written.
func TestEngine_RetryDoesNotRollBackCounts(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	e := New(l, testOptions(clock))
	ctx := context.Background()

	l.SetErr(errors.New("ledger offline"))
	e.process(ctx, seqOp(clock, UpdateRow, "ABC123", 1, 1))
	l.SetErr(nil)
	e.process(ctx, seqOp(clock, UpdateRow, "ABC123", 2, 2))

	_, err := e.RetryOnce(ctx)
	require.NoError(t, err)

	rows := l.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Loading)
	assert.True(t, rows[0].Open())
}

// A create still queued when the session finalizes is dropped instead of
// opening a fresh row, and finalized sessions are forgotten afterwards.
func TestEngine_QueuedCreateAfterFinalize(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	e := New(l, testOptions(clock))
	ctx := context.Background()

	e.enqueue(seqOp(clock, CreateRow, "ABC123", 1, 0))
	fin := seqOp(clock, FinalizeRow, "ABC123", 2, 3)
	fin.End = t0.Add(time.Minute)
	e.process(ctx, fin)

	e.runPass(ctx, "manual")
	assert.Zero(t, e.State().QueueLen)
	rows := l.Rows()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Open())
	assert.Equal(t, 3, rows[0].Loading)

	e.mu.Lock()
	assert.Empty(t, e.settled)
	e.mu.Unlock()
}
