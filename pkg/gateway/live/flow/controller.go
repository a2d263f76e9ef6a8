// Package flow bounds the outbound audio queued for one client.
//
// Producers Push items and block while the queue is paused. The queue pauses
// when its byte total reaches the high-water mark and resumes once the writer
// has drained it to the low-water mark.
package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vango-go/vai-talk/pkg/gateway/live/protocol"
)

var (
	ErrStalled = errors.New("outbound queue stalled")
	ErrClosed  = errors.New("outbound queue closed")
)

// Item is one queued outbound frame. Turn tags the reply that produced it so
// a barge-in can purge exactly that reply.
type Item struct {
	Turn  uint64
	Frame protocol.Frame

	// Segment is set on the last frame of a synthesized sentence.
	Segment string
}

func (it Item) Size() int {
	return protocol.HeaderSize + len(it.Frame.Payload)
}

type Config struct {
	HighWater    int
	LowWater     int
	StallTimeout time.Duration

	// OnPause is called each time the queue crosses the high-water mark.
	OnPause func()
}

func DefaultConfig() Config {
	return Config{
		HighWater:    256 * 1024,
		LowWater:     64 * 1024,
		StallTimeout: 10 * time.Second,
	}
}

type Controller struct {
	cfg Config

	mu      sync.Mutex
	queue   []Item
	bytes   int
	paused  bool
	closed  bool
	resumed chan struct{}

	ready chan struct{}
}

func New(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.HighWater <= 0 {
		cfg.HighWater = def.HighWater
	}
	if cfg.LowWater < 0 || cfg.LowWater >= cfg.HighWater {
		cfg.LowWater = cfg.HighWater / 4
	}
	return &Controller{
		cfg:   cfg,
		ready: make(chan struct{}, 1),
	}
}

// Push enqueues item, waiting while the queue is paused. A wait longer than
// StallTimeout returns ErrStalled.
func (c *Controller) Push(ctx context.Context, item Item) error {
	var stall <-chan time.Time
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if !c.paused {
			c.queue = append(c.queue, item)
			c.bytes += item.Size()
			pausedNow := false
			if c.bytes >= c.cfg.HighWater {
				c.paused = true
				c.resumed = make(chan struct{})
				pausedNow = true
			}
			c.mu.Unlock()
			c.signal()
			if pausedNow && c.cfg.OnPause != nil {
				c.cfg.OnPause()
			}
			return nil
		}
		resumed := c.resumed
		c.mu.Unlock()

		if stall == nil && c.cfg.StallTimeout > 0 {
			timer := time.NewTimer(c.cfg.StallTimeout)
			defer timer.Stop()
			stall = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stall:
			return ErrStalled
		case <-resumed:
		}
	}
}

// TryPop removes the oldest item without blocking.
func (c *Controller) TryPop() (Item, bool) {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return Item{}, false
	}
	item := c.queue[0]
	c.queue[0] = Item{}
	c.queue = c.queue[1:]
	c.bytes -= item.Size()
	c.maybeResumeLocked()
	more := len(c.queue) > 0
	c.mu.Unlock()
	if more {
		c.signal()
	}
	return item, true
}

// Ready receives a value whenever items may be available.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Purge drops every queued item matching pred and returns how many it dropped.
func (c *Controller) Purge(pred func(Item) bool) int {
	if pred == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.queue[:0]
	dropped := 0
	for _, it := range c.queue {
		if pred(it) {
			c.bytes -= it.Size()
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(c.queue); i++ {
		c.queue[i] = Item{}
	}
	c.queue = kept
	c.maybeResumeLocked()
	return dropped
}

// Close wakes blocked producers with ErrClosed and discards queued items.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.queue = nil
	c.bytes = 0
	if c.paused {
		c.paused = false
		close(c.resumed)
	}
}

func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Controller) Bytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Controller) maybeResumeLocked() {
	if c.paused && c.bytes <= c.cfg.LowWater {
		c.paused = false
		close(c.resumed)
	}
}

func (c *Controller) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}
