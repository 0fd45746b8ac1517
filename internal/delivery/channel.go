// Package delivery moves values produced on a real-time audio thread to a
// consumer running on its own goroutine, without ever blocking the producer.
package delivery

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Enqueue after Close has been called.
var ErrClosed = errors.New("delivery channel is closed")

// Policy selects what happens when a bounded queue is full.
type Policy string

const (
	// PolicyUnbounded never drops; a slow consumer grows the queue
	// instead of stalling the producer.
	PolicyUnbounded Policy = "unbounded"
	// PolicyDropOldest evicts the oldest queued value to make room.
	PolicyDropOldest Policy = "drop-oldest"
	// PolicyDropNewest discards the value being enqueued.
	PolicyDropNewest Policy = "drop-newest"
)

// Options configures queue bounds. Capacity is ignored for PolicyUnbounded.
type Options struct {
	Policy   Policy
	Capacity int
}

// Channel hands values from a producer thread to a single consumer callback.
// Enqueue is non-blocking; the consumer runs on a dedicated dispatcher
// goroutine and receives values in submission order.
type Channel[T any] struct {
	consumer func(T)
	policy   Policy
	capacity int
	log      zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	closed  bool
	dropped uint64

	done chan struct{}
}

// New creates a channel bound to consumer and starts its dispatcher.
func New[T any](consumer func(T), opts Options, log zerolog.Logger) (*Channel[T], error) {
	if consumer == nil {
		return nil, errors.New("consumer must not be nil")
	}
	switch opts.Policy {
	case "", PolicyUnbounded:
		opts.Policy = PolicyUnbounded
	case PolicyDropOldest, PolicyDropNewest:
		if opts.Capacity < 1 {
			return nil, fmt.Errorf("policy %q requires a positive capacity, got %d", opts.Policy, opts.Capacity)
		}
	default:
		return nil, fmt.Errorf("unknown delivery policy: %q", opts.Policy)
	}

	c := &Channel[T]{
		consumer: consumer,
		policy:   opts.Policy,
		capacity: opts.Capacity,
		log:      log,
		done:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.dispatch()
	return c, nil
}

// Enqueue hands off v for asynchronous delivery. It only takes the queue
// lock briefly and never waits for the consumer. After Close it fails with
// ErrClosed and v is discarded.
func (c *Channel[T]) Enqueue(v T) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.policy != PolicyUnbounded && len(c.queue) >= c.capacity {
		c.dropped++
		if c.policy == PolicyDropNewest {
			c.mu.Unlock()
			return nil
		}
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, v)
	c.cond.Signal()
	c.mu.Unlock()
	return nil
}

// Dropped reports how many values were discarded by the bounding policy.
func (c *Channel[T]) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close stops accepting new values, delivers everything already queued,
// and returns once the dispatcher has exited.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	<-c.done
	if dropped := c.Dropped(); dropped > 0 {
		c.log.Debug().Uint64("dropped", dropped).Msg("Delivery channel closed with dropped frames")
	}
}

func (c *Channel[T]) dispatch() {
	defer close(c.done)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		v := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.consumer(v)
	}
}
