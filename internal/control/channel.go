package control

import (
	"errors"
	"sync/atomic"
)

// ErrBusy is returned when the channel is full.
var ErrBusy = errors.New("control channel full")

// Submitter accepts control messages.
type Submitter interface {
	Submit(Message) error
}

// Channel is the bounded queue between control sources and the detection
// loop. Submit never blocks.
type Channel struct {
	ch       chan Message
	rejected atomic.Uint64
}

// NewChannel creates a channel holding up to size messages.
func NewChannel(size int) *Channel {
	return &Channel{ch: make(chan Message, max(1, size))}
}

// Submit validates and queues m.
func (c *Channel) Submit(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	select {
	case c.ch <- m:
		return nil
	default:
		c.rejected.Add(1)
		return ErrBusy
	}
}

// C exposes the receive side for select loops.
func (c *Channel) C() <-chan Message { return c.ch }

// Drain applies every queued message in order and returns how many ran.
func (c *Channel) Drain(apply func(Message)) int {
	n := 0
	for {
		select {
		case m := <-c.ch:
			apply(m)
			n++
		default:
			return n
		}
	}
}

// Rejected returns how many messages were refused because the channel was
// full.
func (c *Channel) Rejected() uint64 { return c.rejected.Load() }
