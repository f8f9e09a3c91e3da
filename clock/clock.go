// Package clock implements the master playback clock shared by all channel
// pipelines. The clock is mutated only by the synchronizer's control path;
// pipelines read it through lock-free snapshots.
package clock

import (
	"sync/atomic"
	"time"
)

// state is an immutable snapshot of the clock. Readers load the current
// snapshot atomically and compute playback time from it without locking.
type state struct {
	origin  time.Time     // wall time the current running segment started
	offset  time.Duration // playback time accumulated before origin
	rate    float64
	running bool
}

// Clock converts wall time into playback time with a variable rate and
// pause support:
//
//	playbackTime = running ? offset + (wallNow - origin) * rate : offset
//
// All mutating methods are expected to be called from a single control
// context; Now and Snapshot are safe from any goroutine.
type Clock struct {
	cur atomic.Pointer[state]
	now func() time.Time
}

// New creates a stopped clock at playback time zero with rate 1.0.
// If now is nil, time.Now is used; tests inject a fake wall clock.
func New(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	c := &Clock{now: now}
	c.cur.Store(&state{rate: 1.0})
	return c
}

// Now returns the current playback time. Lock-free.
func (c *Clock) Now() time.Duration {
	s := c.cur.Load()
	if !s.running {
		return s.offset
	}
	elapsed := c.now().Sub(s.origin)
	return s.offset + time.Duration(float64(elapsed)*s.rate)
}

// Rate returns the current playback rate.
func (c *Clock) Rate() float64 {
	return c.cur.Load().rate
}

// Running reports whether the clock is advancing.
func (c *Clock) Running() bool {
	return c.cur.Load().running
}

// Start begins advancing the clock from its current playback time.
// No-op if already running.
func (c *Clock) Start() {
	s := c.cur.Load()
	if s.running {
		return
	}
	c.cur.Store(&state{
		origin:  c.now(),
		offset:  s.offset,
		rate:    s.rate,
		running: true,
	})
}

// Stop freezes the clock at its current playback time. Calling Stop on an
// already stopped clock leaves the frozen offset unchanged.
func (c *Clock) Stop() {
	s := c.cur.Load()
	if !s.running {
		return
	}
	c.cur.Store(&state{
		offset: c.Now(),
		rate:   s.rate,
	})
}

// SetTime repositions the clock at playback time t, preserving the
// running/rate state. While running, the origin is rebased so playback
// time is continuous from t.
func (c *Clock) SetTime(t time.Duration) {
	s := c.cur.Load()
	c.cur.Store(&state{
		origin:  c.now(),
		offset:  t,
		rate:    s.rate,
		running: s.running,
	})
}

// SetRate changes the playback rate. The current playback time is folded
// into the offset first so the rate change never causes a time jump.
func (c *Clock) SetRate(rate float64) {
	s := c.cur.Load()
	c.cur.Store(&state{
		origin:  c.now(),
		offset:  c.Now(),
		rate:    rate,
		running: s.running,
	})
}
