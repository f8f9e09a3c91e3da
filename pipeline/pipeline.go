// Package pipeline owns the per-channel decode loop: one decoder, one
// frame buffer, and one background goroutine pulling compressed data,
// decoding it, and pushing timestamped frames ahead of the master clock.
// The pipeline is the unit of per-channel concurrency; it communicates
// with the synchronizer only through the frame buffer and read-only clock
// snapshots.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcamp/blackbox/buffer"
	"github.com/mcamp/blackbox/clock"
	"github.com/mcamp/blackbox/decode"
	"github.com/mcamp/blackbox/media"
	"github.com/mcamp/blackbox/telemetry"
)

// ErrSeekSuperseded reports that a pending seek was replaced by a newer
// one before the decode loop picked it up.
var ErrSeekSuperseded = errors.New("pipeline: seek superseded by a newer seek")

// State is the pipeline lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateDecoding
	StateSeeking
	StateStalled
	StateError
)

// String returns the state's log name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDecoding:
		return "decoding"
	case StateSeeking:
		return "seeking"
	case StateStalled:
		return "stalled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config tunes the decode loop.
type Config struct {
	// Buffer configures the channel's frame buffer.
	Buffer buffer.Config

	// LookAhead is how far past the master clock the loop decodes at
	// rate 1.0; it scales proportionally with the playback rate.
	LookAhead time.Duration

	// KeepBehind is how far behind the clock frames are retained before
	// the loop evicts them to free buffer space.
	KeepBehind time.Duration

	// IdlePoll is how long the loop sleeps when it has decoded far
	// enough ahead or the buffer is full.
	IdlePoll time.Duration

	// SweepInterval is the wall-time cadence of the retention sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns the production decode-loop defaults.
func DefaultConfig() Config {
	return Config{
		Buffer:        buffer.DefaultConfig(),
		LookAhead:     time.Second,
		KeepBehind:    500 * time.Millisecond,
		IdlePoll:      5 * time.Millisecond,
		SweepInterval: 5 * time.Second,
	}
}

// seekRequest carries one pending reseek. Only the most recent request is
// kept; superseded requests complete with ErrSeekSuperseded.
type seekRequest struct {
	target time.Duration
	done   chan error
}

// Pipeline couples one channel's decoder and frame buffer with the
// background goroutine that keeps the buffer decoded ahead of the clock.
type Pipeline struct {
	channel media.ChannelID
	dec     decode.Decoder
	buf     *buffer.FrameBuffer
	clk     *clock.Clock
	stats   *telemetry.ChannelStats
	log     *slog.Logger
	cfg     Config

	state   atomic.Int32
	seekGen atomic.Int64

	pendingMu sync.Mutex
	pending   *seekRequest
	seekKick  chan struct{}

	errMu   sync.Mutex
	lastErr error
}

// New creates a Pipeline for one channel. The decoder must already be
// open. If log is nil, slog.Default() is used.
func New(channel media.ChannelID, dec decode.Decoder, clk *clock.Clock, stats *telemetry.ChannelStats, cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Buffer.Capacity <= 0 {
		cfg.Buffer.Capacity = def.Buffer.Capacity
	}
	if cfg.Buffer.Tolerance <= 0 {
		cfg.Buffer.Tolerance = def.Buffer.Tolerance
	}
	if cfg.Buffer.Retention <= 0 {
		cfg.Buffer.Retention = def.Buffer.Retention
	}
	if cfg.LookAhead <= 0 {
		cfg.LookAhead = def.LookAhead
	}
	if cfg.KeepBehind <= 0 {
		cfg.KeepBehind = def.KeepBehind
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = def.IdlePoll
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if stats == nil {
		stats = &telemetry.ChannelStats{}
	}
	return &Pipeline{
		channel:  channel,
		dec:      dec,
		buf:      buffer.New(cfg.Buffer),
		clk:      clk,
		stats:    stats,
		log:      log.With("component", "pipeline", "channel", string(channel)),
		cfg:      cfg,
		seekKick: make(chan struct{}, 1),
	}
}

// Channel returns the pipeline's channel id.
func (p *Pipeline) Channel() media.ChannelID {
	return p.channel
}

// Buffer returns the channel's frame buffer. The synchronizer is the only
// intended consumer.
func (p *Pipeline) Buffer() *buffer.FrameBuffer {
	return p.buf
}

// Duration returns the channel's media duration.
func (p *Pipeline) Duration() time.Duration {
	return p.dec.Duration()
}

// State returns the current pipeline state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// LastError returns the error that moved the pipeline into StateError,
// or nil.
func (p *Pipeline) LastError() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.lastErr
}

// MarkStalled flags the channel as stalled. The decode loop clears the
// flag as soon as it pushes a fresh frame. No-op once the pipeline is in
// StateError.
func (p *Pipeline) MarkStalled() {
	p.state.CompareAndSwap(int32(StateDecoding), int32(StateStalled))
	p.state.CompareAndSwap(int32(StateIdle), int32(StateStalled))
	p.state.CompareAndSwap(int32(StateSeeking), int32(StateStalled))
}

// Seek asynchronously repositions the channel at target. Frames decoded
// before the seek completes are discarded; a newer Seek supersedes a
// pending one. The returned channel receives exactly one result.
func (p *Pipeline) Seek(target time.Duration) <-chan error {
	done := make(chan error, 1)
	if p.State() == StateError {
		done <- p.LastError()
		return done
	}

	p.seekGen.Add(1)
	p.state.Store(int32(StateSeeking))

	p.pendingMu.Lock()
	if p.pending != nil {
		p.pending.done <- ErrSeekSuperseded
	}
	p.pending = &seekRequest{target: target, done: done}
	p.pendingMu.Unlock()

	select {
	case p.seekKick <- struct{}{}:
	default:
	}
	return done
}

// Close releases the decoder's resources. Call after Run has returned.
func (p *Pipeline) Close() error {
	return p.dec.Close()
}

// Run executes the decode loop until ctx is cancelled or the channel hits
// a fatal error. Per-channel faults never propagate as a Run error; they
// surface through State and LastError so one broken channel cannot take
// down the group.
func (p *Pipeline) Run(ctx context.Context) error {
	p.state.Store(int32(StateDecoding))
	p.log.Debug("decode loop started", "duration", p.dec.Duration())

	sweep := time.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			p.state.Store(int32(StateIdle))
			p.failPending(ctx.Err())
			p.log.Debug("decode loop stopped")
			return nil
		case <-p.seekKick:
			p.handleSeek()
			continue
		case <-sweep.C:
			p.buf.SweepRetention()
			p.stats.SetBufferCounters(p.buf.Drops(), p.buf.Evictions())
			continue
		default:
		}

		// Free frames the playhead has passed, then check how far ahead
		// the buffer already runs.
		now := p.clk.Now()
		if behind := now - p.cfg.KeepBehind; behind > 0 {
			p.buf.EvictOlderThan(behind)
		}
		if p.decodedAhead(now) {
			p.idle(ctx)
			continue
		}

		gen := p.seekGen.Load()
		frame, err := p.dec.DecodeNext()

		if gen != p.seekGen.Load() {
			// A seek arrived while this decode was in flight; its output
			// is stale and must not re-enter the buffer out of order.
			continue
		}

		switch {
		case err == nil:
			p.buf.Push(frame)
			p.stats.RecordFrame(frame.Keyframe)
			p.state.CompareAndSwap(int32(StateStalled), int32(StateDecoding))
			p.state.CompareAndSwap(int32(StateIdle), int32(StateDecoding))

		case errors.Is(err, io.EOF):
			// End of stream is quiescence, not failure: keep serving the
			// buffered tail and stay responsive to seeks.
			p.state.CompareAndSwap(int32(StateDecoding), int32(StateIdle))
			p.idle(ctx)

		case decode.IsCorrupt(err):
			p.stats.RecordCorruptSkip()
			p.log.Warn("skipped corrupt data", "error", err)

		default:
			p.fail(err)
			p.log.Error("channel decode failed", "error", err)
			return nil
		}
	}
}

// handleSeek applies the most recent pending seek request.
func (p *Pipeline) handleSeek() {
	p.pendingMu.Lock()
	req := p.pending
	p.pending = nil
	p.pendingMu.Unlock()
	if req == nil {
		return
	}

	err := p.dec.Seek(req.target)
	p.buf.Clear()

	switch {
	case err == nil:
		p.state.Store(int32(StateDecoding))
	case errors.Is(err, decode.ErrOutOfRange):
		// The channel survives a bad target; it just has nothing new.
		p.state.Store(int32(StateDecoding))
	default:
		p.fail(err)
	}

	p.log.Debug("seek applied", "target", req.target, "error", err)
	req.done <- err
}

// decodedAhead reports whether the buffer already holds frames far enough
// past the clock. The look-ahead budget scales with the playback rate so
// fast playback decodes further ahead; capacity is always a hard stop.
func (p *Pipeline) decodedAhead(now time.Duration) bool {
	if p.buf.Len() >= p.cfg.Buffer.Capacity {
		return true
	}
	newest, ok := p.buf.Newest()
	if !ok {
		return false
	}
	budget := p.cfg.LookAhead
	if rate := p.clk.Rate(); rate > 1.0 {
		budget = time.Duration(float64(budget) * rate)
	}
	return newest > now+budget
}

// idle sleeps briefly without missing cancellation or seek requests.
func (p *Pipeline) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-p.seekKick:
		p.handleSeek()
	case <-time.After(p.cfg.IdlePoll):
	}
}

// fail moves the pipeline into StateError and fails any pending seek.
func (p *Pipeline) fail(err error) {
	p.errMu.Lock()
	p.lastErr = err
	p.errMu.Unlock()
	p.state.Store(int32(StateError))
	p.failPending(err)
}

// failPending completes any pending seek request with err.
func (p *Pipeline) failPending(err error) {
	p.pendingMu.Lock()
	if p.pending != nil {
		p.pending.done <- err
		p.pending = nil
	}
	p.pendingMu.Unlock()
}
