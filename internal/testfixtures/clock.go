package testfixtures

import (
	"sync"
	"time"
)

// ReferenceTime is Monday 2024-03-04 08:00 UTC. Fixtures schedule relative to it.
func ReferenceTime() time.Time {
	return time.Date(2024, time.March, 4, 8, 0, 0, 0, time.UTC)
}

// Clock is a manual time source. Lock expiry, late-cancellation windows and future-only series
// edits are all driven by moving it.
type Clock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewClock starts at start, or at ReferenceTime when start is zero.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = ReferenceTime()
	}
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// NowFunc adapts the clock to the Now options used across the module.
func (c *Clock) NowFunc() func() time.Time {
	return c.Now
}

// Set jumps to t, which may be in the past.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
