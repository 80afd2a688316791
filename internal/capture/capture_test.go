package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/crossing.report/internal/crossing"
	"github.com/banshee-data/crossing.report/internal/monitoring"
	"github.com/banshee-data/crossing.report/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type readResult struct {
	frame crossing.Frame
	err   error
}

// scriptedSource returns whatever the test sends on reads.
type scriptedSource struct {
	reads chan readResult

	mu       sync.Mutex
	opens    int
	closes   int
	openErrs []error
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{reads: make(chan readResult)}
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if len(s.openErrs) > 0 {
		err := s.openErrs[0]
		s.openErrs = s.openErrs[1:]
		return err
	}
	return nil
}

func (s *scriptedSource) Read(ctx context.Context) (crossing.Frame, error) {
	select {
	case r := <-s.reads:
		return r.frame, r.err
	case <-ctx.Done():
		return crossing.Frame{}, ctx.Err()
	}
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *scriptedSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

type statusLog struct {
	mu   sync.Mutex
	list []ConnStatus
}

func (l *statusLog) add(s ConnStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, s)
}

func (l *statusLog) all() []ConnStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnStatus(nil), l.list...)
}

func startSupervisor(t *testing.T, src Source, clock *timeutil.MockClock, log *statusLog) (*Supervisor, *FrameQueue, func()) {
	t.Helper()
	q := NewFrameQueue(2)
	sup := NewSupervisor(src, q, SupervisorConfig{
		MaxReadFailures: 5,
		Silence:         20 * time.Second,
		BackoffInitial:  time.Second,
		BackoffMax:      30 * time.Second,
		Clock:           clock,
		OnStatus:        log.add,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	return sup, q, func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	}
}

func TestFrameQueue_DropOldest(t *testing.T) {
	q := NewFrameQueue(2)
	assert.False(t, q.Push(crossing.Frame{Seq: 1}))
	assert.False(t, q.Push(crossing.Frame{Seq: 2}))
	assert.True(t, q.Push(crossing.Frame{Seq: 3}))
	assert.Equal(t, uint64(1), q.Dropped())

	f, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Seq)
	f, err = q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), f.Seq)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFrameQueue_SizeBounds(t *testing.T) {
	assert.Equal(t, 1, NewFrameQueue(0).Cap())
	assert.Equal(t, 4, NewFrameQueue(10).Cap())
}

// Silence past the reconnect window reopens the source without tripping
// the watchdog; silence past the watchdog window does.
func TestSupervisor_SilenceReconnectsThenWatchdogExpires(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	src := newScriptedSource()
	log := &statusLog{}
	sup, q, stop := startSupervisor(t, src, clock, log)
	defer stop()
	wd := NewWatchdog(60*time.Second, sup.LastFrame, clock)

	require.Eventually(t, func() bool { return src.openCount() == 1 }, time.Second, time.Millisecond)
	src.reads <- readResult{frame: crossing.Frame{Seq: 1}}
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)

	clock.Advance(25 * time.Second)
	src.reads <- readResult{err: ErrNoData}
	clock.BlockUntil(1)
	assert.Equal(t, Reconnecting, sup.State().Status)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return src.openCount() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return sup.State().Status == Connected }, time.Second, time.Millisecond)

	assert.NoError(t, wd.Check(), "26s of silence is handled by reconnecting")
	assert.Equal(t, uint64(1), sup.State().Reconnects)

	clock.Advance(35 * time.Second)
	assert.ErrorIs(t, wd.Check(), ErrWatchdogExpired)
	assert.Equal(t, []ConnStatus{Connected, Reconnecting, Connected}, log.all())
}

func TestSupervisor_ConsecutiveReadFailures(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	src := newScriptedSource()
	sup, _, stop := startSupervisor(t, src, clock, &statusLog{})
	defer stop()

	require.Eventually(t, func() bool { return src.openCount() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 4; i++ {
		src.reads <- readResult{err: errors.New("connection reset")}
	}
	src.reads <- readResult{frame: crossing.Frame{Seq: 1}}
	for i := 0; i < 5; i++ {
		src.reads <- readResult{err: errors.New("connection reset")}
	}

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return src.openCount() == 2 }, time.Second, time.Millisecond)

	st := sup.State()
	assert.Equal(t, uint64(9), st.ReadFailures)
	assert.Equal(t, uint64(1), st.Frames)
	assert.Equal(t, "connection reset", st.LastError)
}

// Undecodable messages are discarded without tearing down a live feed.
func TestSupervisor_MalformedIsNotAFailure(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	src := newScriptedSource()
	sup, q, stop := startSupervisor(t, src, clock, &statusLog{})
	defer stop()

	require.Eventually(t, func() bool { return src.openCount() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 12; i++ {
		_, err := DecodeFrame([]byte("\x00garbage"))
		src.reads <- readResult{err: err}
	}
	src.reads <- readResult{frame: crossing.Frame{Seq: 7}}

	require.Eventually(t, func() bool { return sup.State().Frames == 1 }, time.Second, time.Millisecond)
	st := sup.State()
	assert.Equal(t, uint64(12), st.Malformed)
	assert.Zero(t, st.ReadFailures)
	assert.Zero(t, st.Reconnects)
	assert.Equal(t, 1, src.openCount())
	assert.Equal(t, Connected, st.Status)
	assert.Equal(t, 1, q.Len())
}

func TestSupervisor_OpenBackoffDoubles(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	src := newScriptedSource()
	src.openErrs = []error{errors.New("refused"), errors.New("refused"), errors.New("refused")}
	_, _, stop := startSupervisor(t, src, clock, &statusLog{})
	defer stop()

	require.Eventually(t, func() bool { return src.openCount() == 1 }, time.Second, time.Millisecond)
	for i, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		clock.BlockUntil(1)
		clock.Advance(wait - time.Millisecond)
		assert.Never(t, func() bool { return src.openCount() == i+2 }, 20*time.Millisecond, time.Millisecond)
		clock.Advance(time.Millisecond)
		require.Eventually(t, func() bool { return src.openCount() == i+2 }, time.Second, time.Millisecond)
	}
}

func TestSupervisor_SourceClosedReopens(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	src := newScriptedSource()
	_, _, stop := startSupervisor(t, src, clock, &statusLog{})
	defer stop()

	require.Eventually(t, func() bool { return src.openCount() == 1 }, time.Second, time.Millisecond)
	src.reads <- readResult{err: ErrSourceClosed}
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return src.openCount() == 2 }, time.Second, time.Millisecond)
}

func TestSupervisor_StampsArrivalTime(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	src := newScriptedSource()
	_, q, stop := startSupervisor(t, src, clock, &statusLog{})
	defer stop()

	require.Eventually(t, func() bool { return src.openCount() == 1 }, time.Second, time.Millisecond)
	src.reads <- readResult{frame: crossing.Frame{Seq: 7}}
	f, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0, f.Timestamp)
}

func TestWatchdog_Run(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	last := t0
	wd := NewWatchdog(60*time.Second, func() time.Time { return last }, clock)

	done := make(chan error, 1)
	go func() { done <- wd.Run(context.Background()) }()

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	clock.Advance(31 * time.Second)
	assert.ErrorIs(t, <-done, ErrWatchdogExpired)
}

func TestWatchdog_RunCancelled(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	wd := NewWatchdog(time.Minute, func() time.Time { return t0 }, clock)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wd.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"seq":3,"frame_width":1280,"frame_height":720,
		"detections":[{"track_id":42,"confidence":0.9,"bbox":{"x1":10,"y1":20,"x2":110,"y2":220}},
		{"track_id":null,"confidence":0.5,"bbox":{"x1":0,"y1":0,"x2":5,"y2":5}}]}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), f.Seq)
	assert.Equal(t, 1280, f.Width)
	require.Len(t, f.Detections, 2)
	require.NotNil(t, f.Detections[0].TrackID)
	assert.Equal(t, int64(42), *f.Detections[0].TrackID)
	assert.Nil(t, f.Detections[1].TrackID)
	assert.Equal(t, 110.0, f.Detections[0].BBox.X2)

	_, err = DecodeFrame([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWatchdog_NoFrameYet(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	wd := NewWatchdog(60*time.Second, func() time.Time { return time.Time{} }, clock)
	clock.Advance(59 * time.Second)
	assert.NoError(t, wd.Check(), "window runs from creation")
	clock.Advance(time.Second)
	assert.ErrorIs(t, wd.Check(), ErrWatchdogExpired)
}
