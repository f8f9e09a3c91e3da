// Package player implements the playback synchronizer: it owns the master
// clock and one pipeline per camera channel, selects the frame each
// channel should present at every tick, measures cross-channel drift, and
// corrects drifting channels without disturbing the rest of the group.
//
// All commands and Tick execute in a single control context (serialized
// by one mutex); decode work never runs there, so a slow decoder degrades
// to a stalled channel rather than freezing playback.
package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mcamp/blackbox/clock"
	"github.com/mcamp/blackbox/decode"
	"github.com/mcamp/blackbox/media"
	"github.com/mcamp/blackbox/pipeline"
)

// PlaybackState is the synchronizer's top-level state.
type PlaybackState string

const (
	StateStopped PlaybackState = "stopped"
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
)

// Config tunes the synchronizer. Zero fields fall back to defaults.
type Config struct {
	// Pipeline configures every channel's decode loop and frame buffer.
	Pipeline pipeline.Config

	// StallThreshold is how long a channel may report no usable frame
	// during playback before it is marked stalled.
	StallThreshold time.Duration

	// CorrectionThreshold is the |drift| beyond which a channel is
	// considered off-pace. Correction engages only when the buffer
	// tolerance admits frames that far from the clock.
	CorrectionThreshold time.Duration

	// CorrectionStreak is how many consecutive over-threshold ticks are
	// required before correcting, rejecting transient jitter.
	CorrectionStreak int

	// CorrectionCooldown rate-limits corrective reseeks per channel.
	CorrectionCooldown time.Duration

	// FaultWindow and FaultCorrections define a persistent sync fault:
	// that many corrections inside the window without recovery stalls
	// the channel and raises a telemetry fault.
	FaultWindow      time.Duration
	FaultCorrections int

	// SeekTimeout bounds how long a global seek waits for each channel;
	// channels that miss it are marked stalled and playback proceeds.
	SeekTimeout time.Duration

	// MinRate and MaxRate clamp SetPlaybackRate.
	MinRate float64
	MaxRate float64

	// CacheSize bounds the shared payload cache.
	CacheSize int

	// Now is the wall clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the production synchronizer defaults.
func DefaultConfig() Config {
	return Config{
		Pipeline:            pipeline.DefaultConfig(),
		StallThreshold:      500 * time.Millisecond,
		CorrectionThreshold: 50 * time.Millisecond,
		CorrectionStreak:    3,
		CorrectionCooldown:  time.Second,
		FaultWindow:         10 * time.Second,
		FaultCorrections:    3,
		SeekTimeout:         2 * time.Second,
		MinRate:             0.1,
		MaxRate:             8.0,
		CacheSize:           64,
	}
}

// Player is the multi-channel playback synchronizer.
type Player struct {
	cfg  Config
	log  *slog.Logger
	now  func() time.Time
	sink Sink

	// mu serializes all commands and Tick (the control context).
	mu      sync.Mutex
	state   PlaybackState
	seeking bool
	clk     *clock.Clock
	session string
	engCtx  *EngineContext

	pipelines  map[media.ChannelID]*pipeline.Pipeline
	drift      map[media.ChannelID]*driftTracker
	lastUsable map[media.ChannelID]time.Time
	prevStatus map[media.ChannelID]media.ChannelStatus

	loopCancel  context.CancelFunc
	loopGroup   *errgroup.Group
	loopRunning bool
}

// New creates a Player. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Player {
	def := DefaultConfig()
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = def.StallThreshold
	}
	if cfg.CorrectionThreshold <= 0 {
		cfg.CorrectionThreshold = def.CorrectionThreshold
	}
	if cfg.CorrectionStreak <= 0 {
		cfg.CorrectionStreak = def.CorrectionStreak
	}
	if cfg.CorrectionCooldown <= 0 {
		cfg.CorrectionCooldown = def.CorrectionCooldown
	}
	if cfg.FaultWindow <= 0 {
		cfg.FaultWindow = def.FaultWindow
	}
	if cfg.FaultCorrections <= 0 {
		cfg.FaultCorrections = def.FaultCorrections
	}
	if cfg.SeekTimeout <= 0 {
		cfg.SeekTimeout = def.SeekTimeout
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = def.MinRate
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = def.MaxRate
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Player{
		cfg:   cfg,
		log:   log.With("component", "player"),
		now:   cfg.Now,
		state: StateStopped,
		clk:   clock.New(cfg.Now),
	}
}

// SetSink installs the presentation sink that receives every tick's
// output. Pass nil to detach.
func (p *Player) SetSink(s Sink) {
	p.mu.Lock()
	p.sink = s
	p.mu.Unlock()
}

// Load opens every channel source and builds the channel pipelines.
// Loading is all-or-nothing: if any source fails to open, everything is
// closed again and a *LoadError is returned. A group that is already
// loaded is unloaded first.
func (p *Player) Load(sources map[media.ChannelID]decode.Decoder) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(sources) == 0 {
		return ErrNoChannels
	}
	if p.pipelines != nil {
		p.unloadLocked()
	}

	g := new(errgroup.Group)
	for id, dec := range sources {
		g.Go(func() error {
			if err := dec.Open(); err != nil {
				return &LoadError{Channel: id, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, dec := range sources {
			dec.Close()
		}
		return err
	}

	p.session = uuid.NewString()
	log := p.log.With("session", p.session)
	p.engCtx = newEngineContext(log, p.cfg.CacheSize)

	p.pipelines = make(map[media.ChannelID]*pipeline.Pipeline, len(sources))
	p.drift = make(map[media.ChannelID]*driftTracker, len(sources))
	p.lastUsable = make(map[media.ChannelID]time.Time, len(sources))
	p.prevStatus = make(map[media.ChannelID]media.ChannelStatus, len(sources))
	for id, dec := range sources {
		p.pipelines[id] = pipeline.New(id, dec, p.clk, p.engCtx.Stats.Channel(id), p.cfg.Pipeline, log)
		p.drift[id] = &driftTracker{}
		p.prevStatus[id] = media.StatusMissing
	}

	p.clk.Stop()
	p.clk.SetTime(0)
	p.state = StateStopped

	log.Info("channel group loaded", "channels", len(sources))
	return nil
}

// Unload stops playback, tears down every pipeline, and releases the
// shared engine context. Safe to call when nothing is loaded.
func (p *Player) Unload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unloadLocked()
}

func (p *Player) unloadLocked() {
	if p.pipelines == nil {
		return
	}
	p.stopLoopsLocked()
	for id, pipe := range p.pipelines {
		if err := pipe.Close(); err != nil {
			p.log.Warn("closing channel decoder", "channel", string(id), "error", err)
		}
	}
	p.engCtx.teardown()
	p.pipelines = nil
	p.drift = nil
	p.lastUsable = nil
	p.prevStatus = nil
	p.engCtx = nil
	p.clk.Stop()
	p.clk.SetTime(0)
	p.state = StateStopped
	p.log.Info("channel group unloaded", "session", p.session)
	p.session = ""
}

// Play starts playback from the beginning when stopped, or resumes the
// clock continuously when paused. No-op while already playing.
func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pipelines == nil {
		return ErrNotLoaded
	}
	switch p.state {
	case StatePlaying:
		return nil
	case StateStopped:
		p.clk.SetTime(0)
		p.startLoopsLocked()
		// Decoders may still sit where the last run left them.
		for _, pipe := range p.pipelines {
			done := pipe.Seek(0)
			go func() { <-done }()
		}
		p.resetGraceLocked()
		p.clk.Start()
	case StatePaused:
		p.resetGraceLocked()
		p.clk.Start()
	}
	p.state = StatePlaying
	p.log.Info("playing", "at", p.clk.Now())
	return nil
}

// Pause freezes the clock, leaving buffers intact so pipelines keep a
// small decoded lead. Pausing twice leaves the frozen position unchanged.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pipelines == nil {
		return ErrNotLoaded
	}
	if p.state != StatePlaying {
		return nil
	}
	p.clk.Stop()
	p.state = StatePaused
	p.log.Info("paused", "at", p.clk.Now())
	return nil
}

// Stop halts playback and rewinds to zero. Decode loops are shut down;
// Play starts them again.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pipelines == nil {
		return ErrNotLoaded
	}
	if p.state == StateStopped {
		return nil
	}
	p.stopLoopsLocked()
	p.clk.Stop()
	p.clk.SetTime(0)
	for id, pipe := range p.pipelines {
		pipe.Buffer().Clear()
		p.drift[id].reset()
	}
	p.state = StateStopped
	p.log.Info("stopped")
	return nil
}

// SeekToTime repositions every channel at t in parallel and returns once
// every channel has completed or the per-seek timeout elapsed. Channels
// that time out are marked stalled and excluded from presentation until
// they recover; the rest of the group proceeds. Negative targets clamp
// to zero.
func (p *Player) SeekToTime(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pipelines == nil {
		return ErrNotLoaded
	}
	if t < 0 {
		t = 0
	}

	p.seeking = true
	defer func() { p.seeking = false }()

	p.clk.SetTime(t)
	for _, tr := range p.drift {
		tr.reset()
	}

	g := new(errgroup.Group)
	for id, pipe := range p.pipelines {
		done := pipe.Seek(t)
		g.Go(func() error {
			select {
			case err := <-done:
				switch {
				case err == nil:
				case errors.Is(err, pipeline.ErrSeekSuperseded):
				case errors.Is(err, decode.ErrOutOfRange):
					p.log.Warn("seek target out of channel range", "channel", string(id), "target", t)
				default:
					p.log.Warn("channel seek failed", "channel", string(id), "error", err)
				}
			case <-time.After(p.cfg.SeekTimeout):
				pipe.MarkStalled()
				p.engCtx.Stats.Channel(id).RecordSeekTimeout()
				p.log.Warn("channel seek timed out", "channel", string(id), "target", t)
			}
			return nil
		})
	}
	g.Wait()

	p.resetGraceLocked()
	p.log.Info("seeked", "target", t, "state", string(p.state))
	return nil
}

// SetPlaybackRate changes the playback rate, clamping out-of-range values
// instead of failing, and returns the rate actually applied. Frame
// selection is rate-independent; pipelines scale their decode look-ahead.
func (p *Player) SetPlaybackRate(rate float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rate < p.cfg.MinRate {
		rate = p.cfg.MinRate
	}
	if rate > p.cfg.MaxRate {
		rate = p.cfg.MaxRate
	}
	p.clk.SetRate(rate)
	p.log.Info("playback rate changed", "rate", rate)
	return rate
}

// Rate returns the current playback rate.
func (p *Player) Rate() float64 {
	return p.clk.Rate()
}

// Context returns the engine context of the loaded group, or nil.
func (p *Player) Context() *EngineContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engCtx
}

// startLoopsLocked launches one decode goroutine per channel.
func (p *Player) startLoopsLocked() {
	if p.loopRunning {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	for _, pipe := range p.pipelines {
		g.Go(func() error {
			return pipe.Run(gctx)
		})
	}
	p.loopCancel = cancel
	p.loopGroup = g
	p.loopRunning = true
}

// stopLoopsLocked cancels the decode goroutines and waits for them to
// exit. Decode calls are bounded, so this returns promptly.
func (p *Player) stopLoopsLocked() {
	if !p.loopRunning {
		return
	}
	p.loopCancel()
	if err := p.loopGroup.Wait(); err != nil {
		p.log.Warn("decode loops exited with error", "error", err)
	}
	p.loopRunning = false
}

// resetGraceLocked restarts every channel's stall grace period, e.g.
// after play or a seek, so channels are not immediately stalled while
// their buffers refill.
func (p *Player) resetGraceLocked() {
	wallNow := p.now()
	for id := range p.pipelines {
		p.lastUsable[id] = wallNow
	}
}
