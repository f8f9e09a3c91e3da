package player

import (
	"time"

	"github.com/mcamp/blackbox/buffer"
	"github.com/mcamp/blackbox/media"
	"github.com/mcamp/blackbox/pipeline"
	"github.com/mcamp/blackbox/telemetry"
)

// Tick performs one presentation step: it samples the master clock once,
// selects the nearest buffered frame per channel against that single
// instant, measures drift, and applies the correction policy. The
// resulting snapshot is returned and, if a sink is installed, delivered
// to it. Channels never block each other here; an unhealthy channel
// degrades to a non-ok status while the rest present normally.
func (p *Player) Tick() TickSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := TickSnapshot{
		Session:  p.session,
		Rate:     p.clk.Rate(),
		Channels: make(map[media.ChannelID]ChannelPresentation, len(p.pipelines)),
	}
	if p.pipelines == nil {
		return snap
	}

	now := p.clk.Now()
	wallNow := p.now()
	snap.PlaybackTime = now

	for id, pipe := range p.pipelines {
		pres := p.presentChannel(id, pipe, now, wallNow)
		p.prevStatus[id] = pres.Status
		snap.Channels[id] = pres
	}

	if p.sink != nil {
		p.sink.Present(snap)
	}
	return snap
}

// presentChannel selects one channel's frame for playback time now and
// runs stall detection and the drift policy on the outcome.
func (p *Player) presentChannel(id media.ChannelID, pipe *pipeline.Pipeline, now time.Duration, wallNow time.Time) ChannelPresentation {
	switch pipe.State() {
	case pipeline.StateError:
		return ChannelPresentation{Status: media.StatusError}
	case pipeline.StateStalled:
		// A stalled channel recovers through its pipeline (next pushed
		// frame flips it back to decoding); keep probing the buffer so
		// recovery is visible immediately.
		if f := pipe.Buffer().Query(now, buffer.Nearest); f != nil {
			p.lastUsable[id] = wallNow
			return ChannelPresentation{Status: media.StatusOK, Frame: f}
		}
		return ChannelPresentation{Status: media.StatusStalled}
	}

	f := pipe.Buffer().Query(now, buffer.Nearest)
	if f == nil {
		if p.state != StatePlaying {
			return ChannelPresentation{Status: media.StatusMissing}
		}
		// A channel that ran out of media before the others is simply
		// absent, not stalled.
		if pipe.State() == pipeline.StateIdle && now >= pipe.Duration() {
			return ChannelPresentation{Status: media.StatusMissing}
		}
		// Within the grace period a gap reads as a transient hole, e.g.
		// a buffer still refilling after a seek.
		if wallNow.Sub(p.lastUsable[id]) < p.cfg.StallThreshold {
			return ChannelPresentation{Status: media.StatusMissing}
		}
		pipe.MarkStalled()
		if p.prevStatus[id] != media.StatusStalled {
			p.engCtx.Stats.Channel(id).RecordStall()
			p.log.Warn("channel stalled", "channel", string(id), "at", now)
		}
		return ChannelPresentation{Status: media.StatusStalled}
	}

	p.lastUsable[id] = wallNow
	if p.state == StatePlaying && !p.seeking {
		p.observeDrift(id, pipe, f, now, wallNow)
	}
	return ChannelPresentation{Status: media.StatusOK, Frame: f}
}

// observeDrift records this tick's offset for the channel and issues a
// channel-local corrective reseek when the drift policy demands one. The
// correction targets the current clock position and never touches the
// clock or the other channels.
func (p *Player) observeDrift(id media.ChannelID, pipe *pipeline.Pipeline, f *media.Frame, now time.Duration, wallNow time.Time) {
	tr := p.drift[id]
	tr.observe(DriftRecord{MeasuredAt: now, Offset: f.Timestamp - now}, p.cfg.CorrectionThreshold)

	if !tr.shouldCorrect(wallNow, p.cfg.CorrectionStreak, p.cfg.CorrectionCooldown) {
		return
	}
	if pipe.State() != pipeline.StateDecoding && pipe.State() != pipeline.StateIdle {
		return
	}

	faulted := tr.recordCorrection(wallNow, p.cfg.FaultWindow, p.cfg.FaultCorrections)
	stats := p.engCtx.Stats.Channel(id)

	if faulted {
		// Corrections keep piling up without resolving; stop fighting
		// and surface the channel as stalled.
		pipe.MarkStalled()
		stats.RecordSyncFault()
		p.log.Error("persistent sync fault", "channel", string(id), "at", now)
		return
	}

	stats.RecordResync()
	p.log.Info("correcting channel drift",
		"channel", string(id), "at", now, "driftMs", float64(f.Timestamp-now)/float64(time.Millisecond))

	// Completion is observed on later ticks through the buffer; the
	// control context never waits on a decoder.
	done := pipe.Seek(now)
	go func() { <-done }()
}

// ChannelState is one channel's entry in the player's state report.
type ChannelState struct {
	Status     media.ChannelStatus       `json:"status"`
	Pipeline   string                    `json:"pipeline"`
	DriftMs    float64                   `json:"driftMs"`
	DurationMs int64                     `json:"durationMs"`
	Stats      telemetry.ChannelSnapshot `json:"stats"`
}

// State is a point-in-time report of the whole playback session, shaped
// for logs and status endpoints.
type State struct {
	Session        string                            `json:"session"`
	Playback       PlaybackState                     `json:"playback"`
	PlaybackTimeMs int64                             `json:"playbackTimeMs"`
	Rate           float64                           `json:"rate"`
	Channels       map[media.ChannelID]*ChannelState `json:"channels"`
}

// CurrentState reports the session state without side effects: no frame
// selection, no stall or drift transitions.
func (p *Player) CurrentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := State{
		Session:  p.session,
		Playback: p.state,
		Rate:     p.clk.Rate(),
		Channels: make(map[media.ChannelID]*ChannelState, len(p.pipelines)),
	}
	if p.pipelines == nil {
		return st
	}
	st.PlaybackTimeMs = p.clk.Now().Milliseconds()

	for id, pipe := range p.pipelines {
		cs := &ChannelState{
			Status:     p.prevStatus[id],
			Pipeline:   pipe.State().String(),
			DurationMs: pipe.Duration().Milliseconds(),
			Stats:      p.engCtx.Stats.Channel(id).Snapshot(),
		}
		if rec, ok := p.drift[id].last(); ok {
			cs.DriftMs = float64(rec.Offset) / float64(time.Millisecond)
		}
		st.Channels[id] = cs
	}
	return st
}

// DriftHistory returns the recent drift measurements for one channel,
// oldest first. Nil when the channel is unknown.
func (p *Player) DriftHistory(id media.ChannelID) []DriftRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	tr, ok := p.drift[id]
	if !ok {
		return nil
	}
	return tr.history()
}
