package store

import (
	"sync"
	"time"
)

// Clock hands out logical ordering ticks for new messages.
type Clock interface {
	// Reserve returns the first of n consecutive ticks that no earlier call
	// has handed out.
	Reserve(n int) int64
}

// MonotonicClock derives ticks from the wall clock in milliseconds and bumps
// them when needed so they never repeat or go backwards.
type MonotonicClock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewMonotonicClock creates a clock backed by time.Now.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{now: time.Now}
}

// Reserve implements Clock.
func (c *MonotonicClock) Reserve(n int) int64 {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	first := c.now().UnixMilli()
	if first <= c.last {
		first = c.last + 1
	}
	c.last = first + int64(n) - 1
	return first
}

// FixedClock starts at a given tick and counts up. Useful in tests.
type FixedClock struct {
	mu   sync.Mutex
	next int64
}

// NewFixedClock creates a FixedClock whose first tick is start.
func NewFixedClock(start int64) *FixedClock {
	return &FixedClock{next: start}
}

// Reserve implements Clock.
func (c *FixedClock) Reserve(n int) int64 {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	first := c.next
	c.next += int64(n)
	return first
}
