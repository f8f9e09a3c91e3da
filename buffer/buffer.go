// Package buffer provides the bounded, time-ordered frame store that sits
// between a channel's decode loop (single producer) and the synchronizer
// (single consumer). All operations are short critical sections; nothing
// in this package blocks on I/O or decode work.
package buffer

import (
	"sync"
	"time"

	"github.com/mcamp/blackbox/media"
)

// Strategy selects how Query matches a frame against the requested time.
type Strategy int

const (
	// Nearest returns the frame whose timestamp is closest to the query
	// time, within the configured tolerance.
	Nearest Strategy = iota
	// Exact returns a frame only when its timestamp equals the query time.
	Exact
	// NotAfter returns the latest frame with timestamp <= the query time.
	NotAfter
	// NotBefore returns the earliest frame with timestamp >= the query time.
	NotBefore
)

// Config bounds the buffer's size and staleness.
type Config struct {
	// Capacity is the maximum number of frames held. Pushing past it
	// evicts the oldest frame.
	Capacity int

	// Tolerance is the maximum |frame.Timestamp - queryTime| the Nearest
	// strategy accepts before reporting no usable frame.
	Tolerance time.Duration

	// Retention is the window around the last-queried time outside of
	// which SweepRetention discards frames, bounding memory when the
	// producer runs far ahead of the clock.
	Retention time.Duration
}

// DefaultConfig returns the production defaults: one second of frames at
// 30 fps, one frame interval of tolerance, and a five second retention
// window on each side of the playhead.
func DefaultConfig() Config {
	return Config{
		Capacity:  30,
		Tolerance: 33 * time.Millisecond,
		Retention: 5 * time.Second,
	}
}

// FrameBuffer is a bounded collection of decoded frames ordered by
// timestamp. It is safe for one producer and one consumer to use
// concurrently; a single mutex guards the ordered slice.
type FrameBuffer struct {
	cfg Config

	mu        sync.Mutex
	frames    []*media.Frame
	lastQuery time.Duration
	queried   bool

	drops     int64 // frames evicted by capacity pressure
	evictions int64 // frames discarded by retention sweeps and explicit eviction
}

// New creates a FrameBuffer. Zero or negative config fields fall back to
// the defaults.
func New(cfg Config) *FrameBuffer {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &FrameBuffer{
		cfg:    cfg,
		frames: make([]*media.Frame, 0, cfg.Capacity),
	}
}

// Push appends a frame, dropping the oldest frame instead of failing when
// the buffer is at capacity. Out-of-order frames (possible transiently
// around a seek) are inserted at their sorted position so queries always
// see non-decreasing timestamps.
func (b *FrameBuffer) Push(f *media.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) >= b.cfg.Capacity {
		n := copy(b.frames, b.frames[1:])
		b.frames = b.frames[:n]
		b.drops++
	}

	if n := len(b.frames); n > 0 && f.Timestamp < b.frames[n-1].Timestamp {
		i := b.searchLocked(f.Timestamp)
		b.frames = append(b.frames, nil)
		copy(b.frames[i+1:], b.frames[i:])
		b.frames[i] = f
		return
	}
	b.frames = append(b.frames, f)
}

// Query returns the frame matching at according to strategy, or nil when
// no frame qualifies. The queried time becomes the center of the next
// retention sweep.
func (b *FrameBuffer) Query(at time.Duration, s Strategy) *media.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastQuery = at
	b.queried = true

	if len(b.frames) == 0 {
		return nil
	}

	// i is the first index with timestamp >= at.
	i := b.searchLocked(at)

	switch s {
	case Exact:
		if i < len(b.frames) && b.frames[i].Timestamp == at {
			return b.frames[i]
		}
		return nil

	case NotBefore:
		if i < len(b.frames) {
			return b.frames[i]
		}
		return nil

	case NotAfter:
		if i < len(b.frames) && b.frames[i].Timestamp == at {
			return b.frames[i]
		}
		if i > 0 {
			return b.frames[i-1]
		}
		return nil

	default: // Nearest
		best := b.nearestLocked(at, i)
		if best == nil {
			return nil
		}
		if diff := absDuration(best.Timestamp - at); diff > b.cfg.Tolerance {
			return nil
		}
		return best
	}
}

// EvictOlderThan discards every frame with timestamp strictly before t.
func (b *FrameBuffer) EvictOlderThan(t time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.searchLocked(t)
	if i == 0 {
		return 0
	}
	n := copy(b.frames, b.frames[i:])
	for j := n; j < len(b.frames); j++ {
		b.frames[j] = nil
	}
	b.frames = b.frames[:n]
	b.evictions += int64(i)
	return i
}

// SweepRetention discards frames outside the retention window around the
// last-queried time. It is a no-op until the first query, since there is
// no playhead to anchor the window to. Returns the number of frames
// discarded.
func (b *FrameBuffer) SweepRetention() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.queried || len(b.frames) == 0 {
		return 0
	}

	lo := b.lastQuery - b.cfg.Retention
	hi := b.lastQuery + b.cfg.Retention

	kept := b.frames[:0]
	removed := 0
	for _, f := range b.frames {
		if f.Timestamp < lo || f.Timestamp > hi {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	for j := len(kept); j < len(b.frames); j++ {
		b.frames[j] = nil
	}
	b.frames = kept
	b.evictions += int64(removed)
	return removed
}

// Clear discards all frames, used when a seek invalidates buffered output.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.frames = b.frames[:0]
	b.queried = false
}

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Newest returns the timestamp of the most recent frame and whether the
// buffer is non-empty. The decode loop uses it to decide how far ahead of
// the clock it has run.
func (b *FrameBuffer) Newest() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return 0, false
	}
	return b.frames[len(b.frames)-1].Timestamp, true
}

// Drops returns the number of frames discarded by capacity pressure.
func (b *FrameBuffer) Drops() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drops
}

// Evictions returns the number of frames discarded by eviction sweeps.
func (b *FrameBuffer) Evictions() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evictions
}

// searchLocked returns the first index whose timestamp is >= t.
// Callers must hold b.mu.
func (b *FrameBuffer) searchLocked(t time.Duration) int {
	lo, hi := 0, len(b.frames)
	for lo < hi {
		mid := (lo + hi) / 2
		if b.frames[mid].Timestamp < t {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// nearestLocked picks the closer of the frames straddling index i.
// Callers must hold b.mu.
func (b *FrameBuffer) nearestLocked(at time.Duration, i int) *media.Frame {
	switch {
	case i == 0:
		return b.frames[0]
	case i == len(b.frames):
		return b.frames[len(b.frames)-1]
	}
	before, after := b.frames[i-1], b.frames[i]
	if absDuration(at-before.Timestamp) <= absDuration(after.Timestamp-at) {
		return before
	}
	return after
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
