package syncengine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crossing.report/internal/timeutil"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []BreakerState
}

func (r *stateRecorder) record(s BreakerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BreakerState(nil), r.states...)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	rec := &stateRecorder{}
	b := NewBreaker(5, 30*time.Second, clock, rec.record)

	for i := 0; i < 4; i++ {
		b.Failure()
		ok, probe := b.Allow()
		require.True(t, ok, "failure %d should not open the breaker", i+1)
		require.False(t, probe)
	}
	b.Failure()
	snap := b.Snapshot()
	assert.Equal(t, BreakerOpen, snap.State)
	assert.Equal(t, 5, snap.ConsecutiveFailures)
	assert.Equal(t, clock.Now(), snap.LastFailure)

	ok, _ := b.Allow()
	assert.False(t, ok)
	assert.Equal(t, []BreakerState{BreakerOpen}, rec.all())
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	b := NewBreaker(3, 30*time.Second, clock, nil)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.Snapshot().State)
	assert.Equal(t, 2, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	rec := &stateRecorder{}
	b := NewBreaker(1, 30*time.Second, clock, rec.record)
	b.Failure()

	clock.Advance(29 * time.Second)
	ok, _ := b.Allow()
	require.False(t, ok)

	clock.Advance(time.Second)
	ok, probe := b.Allow()
	require.True(t, ok)
	require.True(t, probe)
	assert.Equal(t, BreakerHalfOpen, b.Snapshot().State)

	ok, _ = b.Allow()
	assert.False(t, ok, "only one probe may be in flight")

	b.Failure()
	assert.Equal(t, BreakerOpen, b.Snapshot().State)
	ok, _ = b.Allow()
	assert.False(t, ok, "failed probe restarts the cool-down")

	clock.Advance(30 * time.Second)
	ok, probe = b.Allow()
	require.True(t, ok)
	require.True(t, probe)
	b.Success()

	assert.Equal(t, BreakerClosed, b.Snapshot().State)
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
	assert.Equal(t, []BreakerState{
		BreakerOpen, BreakerHalfOpen, BreakerOpen, BreakerHalfOpen, BreakerClosed,
	}, rec.all())
}

func TestBreaker_ReleaseReturnsProbe(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	b := NewBreaker(1, time.Second, clock, nil)
	b.Failure()
	clock.Advance(time.Second)

	ok, probe := b.Allow()
	require.True(t, ok && probe)
	b.Release()

	ok, probe = b.Allow()
	assert.True(t, ok)
	assert.True(t, probe)
}
