// Package channel carries messages between the client and server roles.
//
// A Channel is multiple-producer, single-consumer. Send and TryReceive never
// block; a full or closed channel is reported to the caller instead of
// dropping the message.
package channel

import (
	"fmt"
	"sync"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
)

type Channel[T any] struct {
	mu     sync.RWMutex
	ch     chan T
	closed bool
}

func New[T any](capacity int) (*Channel[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("channel capacity must be positive, got %d", capacity)
	}
	return &Channel[T]{ch: make(chan T, capacity)}, nil
}

// Send enqueues v. It returns protocol.ErrChannelFull when the buffer is
// full and protocol.ErrChannelClosed once the channel has been closed.
func (c *Channel[T]) Send(v T) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return protocol.ErrChannelClosed
	}
	select {
	case c.ch <- v:
		return nil
	default:
		return protocol.ErrChannelFull
	}
}

// TryReceive returns the next pending value, if any. Values sent before
// Close are still delivered; after that it reports protocol.ErrChannelClosed.
func (c *Channel[T]) TryReceive() (T, bool, error) {
	var zero T
	select {
	case v, ok := <-c.ch:
		if !ok {
			return zero, false, protocol.ErrChannelClosed
		}
		return v, true, nil
	default:
		return zero, false, nil
	}
}

// C exposes the receive side for a consumer that may block in a select.
func (c *Channel[T]) C() <-chan T { return c.ch }

func (c *Channel[T]) Len() int { return len(c.ch) }

// Close is idempotent.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

func (c *Channel[T]) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
