package timeutil

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func TestMockClock_TimerFiresOnAdvance(t *testing.T) {
	c := NewMockClock(epoch)
	timer := c.NewTimer(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-timer.C():
		if !got.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("timer did not fire at deadline")
	}
	if c.Waiters() != 0 {
		t.Errorf("fired timer still registered: %d", c.Waiters())
	}
}

func TestMockClock_TickerRepeats(t *testing.T) {
	c := NewMockClock(epoch)
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	fired := 0
	for i := 0; i < 3; i++ {
		c.Advance(time.Second)
		select {
		case <-tk.C():
			fired++
		default:
		}
	}
	if fired != 3 {
		t.Errorf("ticker fired %d times, want 3", fired)
	}
}

var (
	_ Clock  = (*MockClock)(nil)
	_ Clock  = RealClock{}
	_ Ticker = mockTicker{}
)

func TestMockClock_TickerStop(t *testing.T) {
	c := NewMockClock(epoch)
	tk := c.NewTicker(time.Second)
	if c.Waiters() != 1 {
		t.Fatalf("waiters = %d, want 1", c.Waiters())
	}
	tk.Stop()
	if c.Waiters() != 0 {
		t.Errorf("stopped ticker still registered: %d", c.Waiters())
	}
	c.Advance(2 * time.Second)
	select {
	case <-tk.C():
		t.Error("stopped ticker fired")
	default:
	}
}

func TestMockClock_StopAndReset(t *testing.T) {
	c := NewMockClock(epoch)
	timer := c.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatal("Stop on pending timer should report active")
	}
	c.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}

	timer.Reset(time.Second)
	c.Advance(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("reset timer did not fire")
	}
}

func TestMockClock_BlockUntil(t *testing.T) {
	c := NewMockClock(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Minute)
		close(done)
	}()
	c.BlockUntil(1)
	c.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}
