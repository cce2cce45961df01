package playback

import (
	"sync"
	"time"
)

// Clock reports the position of an active asset transport.
type Clock interface {
	// Elapsed is the playback position, starting at 0 when playback starts.
	// It MUST be monotonic while playback runs.
	Elapsed() time.Duration
	// Stopped reports that playback was ended externally.
	Stopped() bool
}

// WallClock is a Clock driven by the monotonic system clock. Paused time
// does not count towards Elapsed.
//
// The zero WallClock is usable and reads 0 until Start is called.
type WallClock struct {
	mu          sync.Mutex
	now         func() time.Time
	resumedAt   time.Time
	accumulated time.Duration
	running     bool
	stopped     bool
}

// NewWallClock returns a clock that has not started yet.
func NewWallClock() *WallClock {
	return &WallClock{now: time.Now}
}

func (c *WallClock) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

// Start resets the position to 0 and starts counting.
func (c *WallClock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulated = 0
	c.resumedAt = c.clock()
	c.running = true
	c.stopped = false
}

// Pause freezes Elapsed. No-op if not running.
func (c *WallClock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.accumulated += c.clock().Sub(c.resumedAt)
	c.running = false
}

// Resume continues counting after Pause. No-op once stopped.
func (c *WallClock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.stopped {
		return
	}
	c.resumedAt = c.clock()
	c.running = true
}

// Stop ends playback. Elapsed keeps the final position.
func (c *WallClock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.accumulated += c.clock().Sub(c.resumedAt)
		c.running = false
	}
	c.stopped = true
}

// Elapsed implements Clock.
func (c *WallClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return c.accumulated + c.clock().Sub(c.resumedAt)
	}
	return c.accumulated
}

// Stopped implements Clock.
func (c *WallClock) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Active reports whether the clock is counting.
func (c *WallClock) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
