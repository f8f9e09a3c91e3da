// Package telemetry accumulates per-channel playback health counters in a
// concurrency-safe manner using atomic counters, and produces
// point-in-time JSON-serializable snapshots for UI and diagnostics.
package telemetry

import (
	"sync"

	"github.com/mcamp/blackbox/media"
)

// ChannelSnapshot is the per-channel counter snapshot included in state
// reports sent to the presentation layer once per tick.
type ChannelSnapshot struct {
	FramesDecoded int64 `json:"framesDecoded"`
	Keyframes     int64 `json:"keyframes"`
	CorruptSkips  int64 `json:"corruptSkips"`
	BufferDrops   int64 `json:"bufferDrops"`
	Evictions     int64 `json:"evictions"`
	Resyncs       int64 `json:"resyncs"`
	Stalls        int64 `json:"stalls"`
	SeekTimeouts  int64 `json:"seekTimeouts"`
	SyncFaults    int64 `json:"syncFaults"`
}

// ChannelStats accumulates counters for one channel. All methods are safe
// for concurrent use; the decode goroutine and the control context update
// disjoint counters anyway.
type ChannelStats struct {
	mu   sync.Mutex
	snap ChannelSnapshot
}

// RecordFrame counts one decoded frame.
func (c *ChannelStats) RecordFrame(keyframe bool) {
	c.mu.Lock()
	c.snap.FramesDecoded++
	if keyframe {
		c.snap.Keyframes++
	}
	c.mu.Unlock()
}

// RecordCorruptSkip counts one recovered corrupt-data skip.
func (c *ChannelStats) RecordCorruptSkip() {
	c.mu.Lock()
	c.snap.CorruptSkips++
	c.mu.Unlock()
}

// RecordResync counts one drift-correction reseek.
func (c *ChannelStats) RecordResync() {
	c.mu.Lock()
	c.snap.Resyncs++
	c.mu.Unlock()
}

// RecordStall counts one transition into the stalled state.
func (c *ChannelStats) RecordStall() {
	c.mu.Lock()
	c.snap.Stalls++
	c.mu.Unlock()
}

// RecordSeekTimeout counts one global-seek timeout on this channel.
func (c *ChannelStats) RecordSeekTimeout() {
	c.mu.Lock()
	c.snap.SeekTimeouts++
	c.mu.Unlock()
}

// RecordSyncFault counts one persistent-drift fault.
func (c *ChannelStats) RecordSyncFault() {
	c.mu.Lock()
	c.snap.SyncFaults++
	c.mu.Unlock()
}

// SetBufferCounters stores the buffer's cumulative drop/eviction counts.
func (c *ChannelStats) SetBufferCounters(drops, evictions int64) {
	c.mu.Lock()
	c.snap.BufferDrops = drops
	c.snap.Evictions = evictions
	c.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (c *ChannelStats) Snapshot() ChannelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Registry holds the per-channel stats for one loaded channel group.
type Registry struct {
	mu       sync.RWMutex
	channels map[media.ChannelID]*ChannelStats
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[media.ChannelID]*ChannelStats)}
}

// Channel returns the stats accumulator for id, creating it on first use.
func (r *Registry) Channel(id media.ChannelID) *ChannelStats {
	r.mu.RLock()
	c, ok := r.channels[id]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.channels[id]; ok {
		return c
	}
	c = &ChannelStats{}
	r.channels[id] = c
	return c
}

// Snapshot returns a copy of every channel's counters.
func (r *Registry) Snapshot() map[media.ChannelID]ChannelSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[media.ChannelID]ChannelSnapshot, len(r.channels))
	for id, c := range r.channels {
		out[id] = c.Snapshot()
	}
	return out
}
