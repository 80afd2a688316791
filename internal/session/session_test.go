package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crossing.report/internal/crossing"
	"github.com/banshee-data/crossing.report/internal/ledger"
	"github.com/banshee-data/crossing.report/internal/monitoring"
	"github.com/banshee-data/crossing.report/internal/notify"
	"github.com/banshee-data/crossing.report/internal/syncengine"
	"github.com/banshee-data/crossing.report/internal/testutil"
	"github.com/banshee-data/crossing.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	ops    []syncengine.Op
	events []notify.Event
}

func (r *recorder) Submit(op syncengine.Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recorder) Notify(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []syncengine.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var k []syncengine.Kind
	for _, op := range r.ops {
		k = append(k, op.Kind)
	}
	return k
}

func (r *recorder) last() syncengine.Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ops[len(r.ops)-1]
}

func (r *recorder) notified() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var k []notify.Kind
	for _, ev := range r.events {
		k = append(k, ev.Kind)
	}
	return k
}

func testOptions(clock timeutil.Clock) Options {
	return Options{
		Mode:              ModeScan,
		Inactivity:        600 * time.Second,
		RescanConfirm:     60 * time.Second,
		RescanIgnore:      5 * time.Second,
		FinishSentinel:    "FINISH",
		UnknownIdentifier: "UNKNOWN",
		Calendar:          ledger.Calendar{DayStart: 4 * time.Hour, Location: time.UTC},
		Clock:             clock,
	}
}

func newTestManager(t *testing.T, mode Mode) (*Manager, *recorder, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	rec := &recorder{}
	opts := testOptions(clock)
	opts.Mode = mode
	return NewManager(opts, rec, rec), rec, clock
}

func cross(counter crossing.Counter, at time.Time) crossing.CrossingEvent {
	return crossing.CrossingEvent{TrackID: 42, Counter: counter, Timestamp: at}
}

func TestHandleScan_OpensReadySession(t *testing.T) {
	m, rec, _ := newTestManager(t, ModeScan)
	resets := 0
	m.OnReset(func() { resets++ })

	m.HandleScan("  ABC123\r\n", t0)

	snap := m.Snapshot()
	assert.Equal(t, Ready, snap.Status)
	assert.Equal(t, "ABC123", snap.Identifier)
	assert.Equal(t, "2026-03-02", snap.Date)
	assert.NotEmpty(t, snap.SessionID)
	assert.Equal(t, []syncengine.Kind{syncengine.CreateRow}, rec.kinds())
	assert.Equal(t, []notify.Kind{notify.SessionStart}, rec.notified())
	assert.Equal(t, 1, resets)
}

func TestHandleCrossing_ReadyBecomesActive(t *testing.T) {
	m, rec, _ := newTestManager(t, ModeScan)
	m.HandleScan("ABC123", t0)

	require.True(t, m.HandleCrossing(cross(crossing.Rehab, t0.Add(time.Second))))
	snap := m.Snapshot()
	assert.Equal(t, Active, snap.Status)
	assert.Equal(t, 0, snap.Loading)
	assert.Equal(t, 1, snap.Rehab)
	assert.Equal(t, -1, snap.Total)

	require.True(t, m.HandleCrossing(cross(crossing.Loading, t0.Add(5*time.Second))))
	require.True(t, m.HandleCrossing(cross(crossing.Loading, t0.Add(9*time.Second))))
	snap = m.Snapshot()
	assert.Equal(t, 2, snap.Loading)
	assert.Equal(t, 1, snap.Total)
	assert.Equal(t, t0.Add(9*time.Second), snap.LastActivity)

	op := rec.last()
	assert.Equal(t, syncengine.UpdateRow, op.Kind)
	assert.Equal(t, 2, op.Loading)
	assert.Equal(t, 1, op.Rehab)
	assert.Equal(t, snap.SessionID, op.SessionKey)
}

func TestHandleCrossing_ScanModeDropsWithoutSession(t *testing.T) {
	m, rec, _ := newTestManager(t, ModeScan)
	assert.False(t, m.HandleCrossing(cross(crossing.Loading, t0)))
	assert.Equal(t, Idle, m.Snapshot().Status)
	assert.Empty(t, rec.kinds())
}

func TestHandleCrossing_AutoModeOpensUnknown(t *testing.T) {
	m, rec, _ := newTestManager(t, ModeAuto)
	require.True(t, m.HandleCrossing(cross(crossing.Loading, t0)))

	snap := m.Snapshot()
	assert.Equal(t, "UNKNOWN", snap.Identifier)
	assert.Equal(t, Active, snap.Status)
	assert.Equal(t, 1, snap.Loading)
	assert.Equal(t, []syncengine.Kind{syncengine.UpdateRow}, rec.kinds())
	assert.Equal(t, []notify.Kind{notify.SessionStart}, rec.notified())
}

func TestHandleScan_SameIdentifierRules(t *testing.T) {
	tests := []struct {
		name       string
		after      time.Duration
		wantStatus Status
		wantOps    []syncengine.Kind
	}{
		{"spam guard", 3 * time.Second, Active, []syncengine.Kind{syncengine.CreateRow, syncengine.UpdateRow}},
		{"before confirmation", 30 * time.Second, Active, []syncengine.Kind{syncengine.CreateRow, syncengine.UpdateRow}},
		{"confirmation finishes", 60 * time.Second, Idle, []syncengine.Kind{syncengine.CreateRow, syncengine.UpdateRow, syncengine.FinalizeRow}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, rec, _ := newTestManager(t, ModeScan)
			m.HandleScan("ABC123", t0)
			m.HandleCrossing(cross(crossing.Loading, t0.Add(time.Second)))

			m.HandleScan("ABC123", t0.Add(tt.after))
			assert.Equal(t, tt.wantStatus, m.Snapshot().Status)
			assert.Equal(t, tt.wantOps, rec.kinds())
		})
	}
}

func TestHandleScan_RescanFinalizeUsesScanTime(t *testing.T) {
	m, rec, _ := newTestManager(t, ModeScan)
	var got Summary
	m.OnFinalize(func(s Summary) { got = s })

	m.HandleScan("ABC123", t0)
	m.HandleCrossing(cross(crossing.Loading, t0.Add(10*time.Second)))
	m.HandleScan("ABC123", t0.Add(90*time.Second))

	op := rec.last()
	assert.Equal(t, syncengine.FinalizeRow, op.Kind)
	assert.Equal(t, t0.Add(90*time.Second), op.End)
	assert.Equal(t, 1, op.Loading)
	assert.Equal(t, ReasonRescan, got.Reason)
	assert.Equal(t, []notify.Kind{notify.SessionStart, notify.SessionFinalized}, rec.notified())
}

func TestHandleScan_DifferentIdentifierSwitches(t *testing.T) {
	m, rec, _ := newTestManager(t, ModeScan)
	m.HandleScan("ABC123", t0)
	first := m.Snapshot().SessionID
	m.HandleCrossing(cross(crossing.Loading, t0.Add(time.Second)))

	m.HandleScan("XYZ789", t0.Add(20*time.Second))

	snap := m.Snapshot()
	assert.Equal(t, "XYZ789", snap.Identifier)
	assert.Equal(t, Ready, snap.Status)
	assert.Zero(t, snap.Loading)
	assert.NotEqual(t, first, snap.SessionID)
	assert.Equal(t, []syncengine.Kind{
		syncengine.CreateRow, syncengine.UpdateRow, syncengine.FinalizeRow, syncengine.CreateRow,
	}, rec.kinds())
}

func TestHandleScan_FinishSentinel(t *testing.T) {
	m, rec, _ := newTestManager(t, ModeScan)
	m.HandleScan("FINISH", t0)
	assert.Empty(t, rec.kinds(), "finish with no session does nothing")

	m.HandleScan("ABC123", t0)
	m.HandleCrossing(cross(crossing.Rehab, t0.Add(time.Second)))
	m.HandleScan("FINISH", t0.Add(2*time.Second))

	assert.Equal(t, Idle, m.Snapshot().Status)
	assert.Equal(t, syncengine.FinalizeRow, rec.last().Kind)
}

// A real identifier scanned during an auto-opened session books the
// UNKNOWN counts as their own row and starts a fresh session.
func TestHandleScan_IdentifierEndsAutoSession(t *testing.T) {
	m, rec, _ := newTestManager(t, ModeAuto)
	m.HandleCrossing(cross(crossing.Loading, t0))
	m.HandleScan("ABC123", t0.Add(time.Second))

	snap := m.Snapshot()
	assert.Equal(t, "ABC123", snap.Identifier)
	assert.Equal(t, Ready, snap.Status)
	assert.Zero(t, snap.Loading)

	assert.Equal(t, []syncengine.Kind{syncengine.UpdateRow, syncengine.FinalizeRow, syncengine.CreateRow}, rec.kinds())
	rec.mu.Lock()
	fin := rec.ops[1]
	rec.mu.Unlock()
	assert.Equal(t, "UNKNOWN", fin.Identifier)
	assert.Equal(t, 1, fin.Loading)
	assert.Equal(t, "ABC123", rec.last().Identifier)
}

func TestHandleScan_AutoSessionConfirmedByUnknownScan(t *testing.T) {
	m, rec, _ := newTestManager(t, ModeAuto)
	m.HandleCrossing(cross(crossing.Loading, t0))
	m.HandleScan("UNKNOWN", t0.Add(time.Second))

	snap := m.Snapshot()
	assert.Equal(t, Active, snap.Status)
	assert.Equal(t, 1, snap.Loading)
	assert.Equal(t, []syncengine.Kind{syncengine.UpdateRow}, rec.kinds())
}

// An active session with counts and no crossing for the inactivity window
// finalizes with the last activity as its end time.
func TestTick_InactivityFinalizes(t *testing.T) {
	m, rec, _ := newTestManager(t, ModeScan)
	m.HandleScan("ABC123", t0)
	last := t0.Add(30 * time.Second)
	m.HandleCrossing(cross(crossing.Loading, t0.Add(10*time.Second)))
	m.HandleCrossing(cross(crossing.Rehab, last))

	m.Tick(last.Add(599 * time.Second))
	assert.Equal(t, Active, m.Snapshot().Status)

	m.Tick(last.Add(600 * time.Second))
	assert.Equal(t, Idle, m.Snapshot().Status)

	op := rec.last()
	assert.Equal(t, syncengine.FinalizeRow, op.Kind)
	assert.Equal(t, last, op.End)
	assert.Equal(t, 1, op.Loading)
	assert.Equal(t, 1, op.Rehab)
}

func TestTick_NoCountsNoFinalize(t *testing.T) {
	m, rec, _ := newTestManager(t, ModeScan)
	m.HandleScan("ABC123", t0)
	m.Tick(t0.Add(time.Hour))
	assert.Equal(t, Ready, m.Snapshot().Status)
	assert.Equal(t, []syncengine.Kind{syncengine.CreateRow}, rec.kinds())
}

func TestReset_KeepsSession(t *testing.T) {
	m, rec, _ := newTestManager(t, ModeScan)
	resets := 0
	m.OnReset(func() { resets++ })
	m.HandleScan("ABC123", t0)
	m.HandleCrossing(cross(crossing.Loading, t0.Add(time.Second)))

	m.Reset()
	snap := m.Snapshot()
	assert.Equal(t, "ABC123", snap.Identifier)
	assert.Zero(t, snap.Loading)
	assert.Equal(t, 2, resets)
	assert.Equal(t, syncengine.UpdateRow, rec.last().Kind)
	assert.Zero(t, rec.last().Loading)
}

func TestFinalize_Manual(t *testing.T) {
	m, _, clock := newTestManager(t, ModeScan)
	assert.False(t, m.Finalize(ReasonFinish))

	m.HandleScan("ABC123", t0)
	clock.Advance(time.Minute)
	assert.True(t, m.Finalize(ReasonFinish))
	assert.Equal(t, Idle, m.Snapshot().Status)
}

func TestOperationalDate(t *testing.T) {
	m, _, _ := newTestManager(t, ModeScan)
	m.HandleScan("ABC123", time.Date(2026, 3, 3, 2, 30, 0, 0, time.UTC))
	assert.Equal(t, "2026-03-02", m.Snapshot().Date)
}

// A scan while the ledger is down still opens the session, the failed write
// waits in the retry queue, and later crossings count immediately.
func TestScanWithLedgerDown(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := testutil.NewMemoryLedger()
	l.SetErr(errors.New("ledger offline"))
	eng := syncengine.New(l, syncengine.Options{
		Timeout:          5 * time.Second,
		QueueCapacity:    100,
		MaxAge:           300 * time.Second,
		RetryBatch:       3,
		RetryInterval:    10 * time.Second,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
		Clock:            clock,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	opts := testOptions(clock)
	m := NewManager(opts, eng, nil)
	m.HandleScan("ABC123", clock.Now())
	assert.Equal(t, Ready, m.Snapshot().Status)
	require.Eventually(t, func() bool { return eng.State().QueueLen == 1 }, time.Second, 5*time.Millisecond)

	require.True(t, m.HandleCrossing(cross(crossing.Loading, clock.Now())))
	snap := m.Snapshot()
	assert.Equal(t, Active, snap.Status)
	assert.Equal(t, 1, snap.Loading)

	l.SetErr(nil)
	eng.TriggerRetry()
	require.Eventually(t, func() bool {
		rows := l.Rows()
		return len(rows) == 1 && rows[0].Loading == 1
	}, time.Second, 5*time.Millisecond)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("auto")
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, mode)
	_, err = ParseMode("manual")
	assert.Error(t, err)
}
