package player

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mcamp/blackbox/decode"
	"github.com/mcamp/blackbox/media"
	"github.com/mcamp/blackbox/pipeline"
)

const stubInterval = 33 * time.Millisecond

// fakeWall is a controllable wall clock shared by the master clock and
// the stall/cooldown bookkeeping.
type fakeWall struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeWall() *fakeWall {
	return &fakeWall{t: time.Unix(1000, 0)}
}

func (w *fakeWall) Now() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.t
}

func (w *fakeWall) Advance(d time.Duration) {
	w.mu.Lock()
	w.t = w.t.Add(d)
	w.mu.Unlock()
}

// stubDecoder produces synthetic frames at a fixed interval with
// scriptable faults. It satisfies decode.Decoder without touching I/O.
type stubDecoder struct {
	mu      sync.Mutex
	channel media.ChannelID
	total   int
	cursor  int
	stuckAt int // frames available before the decoder falls behind; 0 = never
	stuck   bool
	failAt  int // cursor at which DecodeNext returns an io failure; -1 = never
	openErr error

	seekHold chan struct{} // non-nil: Seek blocks until closed

	seeks  []time.Duration
	opened bool
	closed bool
}

var _ decode.Decoder = (*stubDecoder)(nil)

func newStubDecoder(ch media.ChannelID, total int) *stubDecoder {
	return &stubDecoder{channel: ch, total: total, failAt: -1}
}

func (d *stubDecoder) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return d.openErr
	}
	d.opened = true
	d.stuck = d.stuckAt > 0
	return nil
}

func (d *stubDecoder) DecodeNext() (*media.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	limit := d.total
	if d.stuck && d.stuckAt < limit {
		limit = d.stuckAt
	}
	if d.cursor >= limit {
		return nil, io.EOF
	}
	if d.failAt >= 0 && d.cursor == d.failAt {
		return nil, &decode.Error{Kind: decode.KindIOFailure, Op: "stub", Err: errors.New("disk gone")}
	}

	f := &media.Frame{
		Channel:   d.channel,
		Sequence:  int64(d.cursor),
		Timestamp: time.Duration(d.cursor) * stubInterval,
		Duration:  stubInterval,
		Keyframe:  d.cursor%30 == 0,
	}
	d.cursor++
	return f, nil
}

func (d *stubDecoder) Seek(target time.Duration) error {
	d.mu.Lock()
	hold := d.seekHold
	d.mu.Unlock()
	if hold != nil {
		<-hold
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if target < 0 {
		return decode.ErrOutOfRange
	}
	d.seeks = append(d.seeks, target)
	// A reseek past the stuck region recovers the decoder.
	if d.stuck && target > time.Duration(d.stuckAt)*stubInterval {
		d.stuck = false
	}
	cursor := int((target + stubInterval - 1) / stubInterval)
	if cursor > d.total {
		cursor = d.total
	}
	d.cursor = cursor
	return nil
}

func (d *stubDecoder) Duration() time.Duration {
	return time.Duration(d.total) * stubInterval
}

func (d *stubDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *stubDecoder) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *stubDecoder) seekCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seeks)
}

// testConfig keeps decode loops responsive and disarms wall-time stall
// detection, which most tests defeat by jumping the fake wall forward.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Pipeline.IdlePoll = time.Millisecond
	cfg.StallThreshold = time.Hour
	return cfg
}

func newTestPlayer(t *testing.T, cfg Config, wall *fakeWall, sources map[media.ChannelID]decode.Decoder) *Player {
	t.Helper()
	cfg.Now = wall.Now
	p := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := p.Load(sources); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(p.Unload)
	return p
}

// waitForFrames polls Tick until cond accepts a snapshot, for up to two
// seconds of real time, and returns the accepted snapshot.
func waitForFrames(t *testing.T, p *Player, what string, cond func(TickSnapshot) bool) TickSnapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := p.Tick()
		if cond(snap) {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return TickSnapshot{}
}

func allPresenting(snap TickSnapshot) bool {
	for _, pres := range snap.Channels {
		if pres.Frame == nil {
			return false
		}
	}
	return len(snap.Channels) > 0
}

func TestPlayPresentsSynchronizedFrames(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	p := newTestPlayer(t, testConfig(), wall, map[media.ChannelID]decode.Decoder{
		media.ChannelFront: newStubDecoder(media.ChannelFront, 300),
		media.ChannelRear:  newStubDecoder(media.ChannelRear, 300),
	})

	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	wall.Advance(5 * time.Second)

	snap := waitForFrames(t, p, "both channels at the playhead", allPresenting)
	if snap.PlaybackTime != 5*time.Second {
		t.Fatalf("playback time = %v, want 5s", snap.PlaybackTime)
	}

	tolerance := 33 * time.Millisecond
	var stamps []time.Duration
	for id, pres := range snap.Channels {
		if pres.Status != media.StatusOK {
			t.Fatalf("channel %s status = %s, want ok", id, pres.Status)
		}
		off := pres.Frame.Timestamp - snap.PlaybackTime
		if off < -tolerance || off > tolerance {
			t.Errorf("channel %s frame at %v, off by %v", id, pres.Frame.Timestamp, off)
		}
		stamps = append(stamps, pres.Frame.Timestamp)
	}
	if diff := stamps[0] - stamps[1]; diff < -tolerance || diff > tolerance {
		t.Errorf("channels diverge by %v", diff)
	}
}

func TestSeekRepositionsAllChannels(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	front := newStubDecoder(media.ChannelFront, 300)
	rear := newStubDecoder(media.ChannelRear, 300)
	p := newTestPlayer(t, testConfig(), wall, map[media.ChannelID]decode.Decoder{
		media.ChannelFront: front, media.ChannelRear: rear,
	})

	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	target := 7500 * time.Millisecond
	if err := p.SeekToTime(target); err != nil {
		t.Fatalf("SeekToTime: %v", err)
	}
	if got := p.CurrentState().PlaybackTimeMs; got != 7500 {
		t.Fatalf("playback time after seek = %dms, want 7500ms", got)
	}

	snap := waitForFrames(t, p, "both channels at the seek target", allPresenting)
	for id, pres := range snap.Channels {
		if pres.Frame.Timestamp < target {
			t.Errorf("channel %s presents %v, want >= %v after seek", id, pres.Frame.Timestamp, target)
		}
		if pres.Frame.Timestamp > target+stubInterval {
			t.Errorf("channel %s presents %v, too far past %v", id, pres.Frame.Timestamp, target)
		}
	}
	if front.seekCount() == 0 || rear.seekCount() == 0 {
		t.Error("expected every channel decoder to receive the seek")
	}
}

func TestNegativeSeekClampsToZero(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	p := newTestPlayer(t, testConfig(), wall, map[media.ChannelID]decode.Decoder{
		media.ChannelFront: newStubDecoder(media.ChannelFront, 300),
	})

	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := p.SeekToTime(-3 * time.Second); err != nil {
		t.Fatalf("SeekToTime: %v", err)
	}
	if got := p.CurrentState().PlaybackTimeMs; got != 0 {
		t.Fatalf("playback time after negative seek = %dms, want 0", got)
	}
}

func TestChannelErrorIsContained(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	front := newStubDecoder(media.ChannelFront, 300)
	rear := newStubDecoder(media.ChannelRear, 300)
	rear.failAt = 10
	p := newTestPlayer(t, testConfig(), wall, map[media.ChannelID]decode.Decoder{
		media.ChannelFront: front, media.ChannelRear: rear,
	})

	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}

	snap := waitForFrames(t, p, "rear fault surfacing", func(s TickSnapshot) bool {
		return s.Channels[media.ChannelRear].Status == media.StatusError &&
			s.Channels[media.ChannelFront].Frame != nil
	})
	if got := snap.Channels[media.ChannelFront].Status; got != media.StatusOK {
		t.Fatalf("front status = %s, want ok next to a failed rear", got)
	}
	if snap.Channels[media.ChannelRear].Frame != nil {
		t.Error("failed channel must not present frames")
	}

	// The group stays controllable: seeks skip the dead channel.
	if err := p.SeekToTime(3 * time.Second); err != nil {
		t.Fatalf("SeekToTime with failed channel: %v", err)
	}
	snap = waitForFrames(t, p, "front at the seek target", func(s TickSnapshot) bool {
		return s.Channels[media.ChannelFront].Frame != nil
	})
	if ts := snap.Channels[media.ChannelFront].Frame.Timestamp; ts < 3*time.Second {
		t.Errorf("front presents %v, want >= 3s", ts)
	}
	if st := p.CurrentState().Channels[media.ChannelRear]; st.Pipeline != pipeline.StateError.String() {
		t.Errorf("rear pipeline state = %s, want error", st.Pipeline)
	}
}

func TestPlaybackRateScalesTheClock(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	p := newTestPlayer(t, testConfig(), wall, map[media.ChannelID]decode.Decoder{
		media.ChannelFront: newStubDecoder(media.ChannelFront, 600),
	})

	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := p.SetPlaybackRate(2.0); got != 2.0 {
		t.Fatalf("SetPlaybackRate(2.0) = %v", got)
	}
	wall.Advance(2 * time.Second)

	snap := waitForFrames(t, p, "frames at 2x playhead", allPresenting)
	if snap.PlaybackTime != 4*time.Second {
		t.Fatalf("playback time = %v after 2s at 2x, want 4s", snap.PlaybackTime)
	}
	if snap.Rate != 2.0 {
		t.Fatalf("snapshot rate = %v, want 2.0", snap.Rate)
	}
	f := snap.Channels[media.ChannelFront].Frame
	if off := f.Timestamp - snap.PlaybackTime; off < -stubInterval || off > stubInterval {
		t.Errorf("frame at %v, off by %v at 2x", f.Timestamp, off)
	}
}

func TestPlaybackRateClamps(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	p := newTestPlayer(t, testConfig(), wall, map[media.ChannelID]decode.Decoder{
		media.ChannelFront: newStubDecoder(media.ChannelFront, 300),
	})

	if got := p.SetPlaybackRate(100); got != 8.0 {
		t.Errorf("SetPlaybackRate(100) = %v, want clamp to 8.0", got)
	}
	if got := p.SetPlaybackRate(0.001); got != 0.1 {
		t.Errorf("SetPlaybackRate(0.001) = %v, want clamp to 0.1", got)
	}
}

func TestDriftCorrectionReseeksLaggingChannel(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	cfg := testConfig()
	// A wide selection tolerance lets a channel present frames well
	// behind the clock, which is exactly what correction must detect.
	cfg.Pipeline.Buffer.Tolerance = 300 * time.Millisecond

	front := newStubDecoder(media.ChannelFront, 300)
	rear := newStubDecoder(media.ChannelRear, 300)
	rear.stuckAt = 30 // rear stops producing past ~1s until reseeked
	p := newTestPlayer(t, cfg, wall, map[media.ChannelID]decode.Decoder{
		media.ChannelFront: front, media.ChannelRear: rear,
	})

	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	wall.Advance(1200 * time.Millisecond)

	// Polling ticks build the over-threshold streak on rear, trigger the
	// corrective reseek, and finally observe rear back on pace.
	waitForFrames(t, p, "rear back within the correction threshold", func(s TickSnapshot) bool {
		rearPres := s.Channels[media.ChannelRear]
		if !allPresenting(s) {
			return false
		}
		off := rearPres.Frame.Timestamp - s.PlaybackTime
		if off < 0 {
			off = -off
		}
		return off <= 50*time.Millisecond
	})

	st := p.CurrentState()
	if got := st.Channels[media.ChannelRear].Stats.Resyncs; got != 1 {
		t.Errorf("rear resyncs = %d, want exactly 1 inside the cooldown", got)
	}
	if got := st.Channels[media.ChannelFront].Stats.Resyncs; got != 0 {
		t.Errorf("front resyncs = %d, correction must stay channel-local", got)
	}
	if rear.seekCount() == 0 {
		t.Error("rear decoder never received the corrective seek")
	}

	hist := p.DriftHistory(media.ChannelRear)
	if len(hist) == 0 {
		t.Fatal("expected drift history for rear")
	}
	last := hist[len(hist)-1].Offset
	if last < -50*time.Millisecond || last > 50*time.Millisecond {
		t.Errorf("rear drift after correction = %v, want within 50ms", last)
	}
}

func TestPauseFreezesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	p := newTestPlayer(t, testConfig(), wall, map[media.ChannelID]decode.Decoder{
		media.ChannelFront: newStubDecoder(media.ChannelFront, 300),
	})

	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	wall.Advance(time.Second)
	if err := p.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := p.Pause(); err != nil {
		t.Fatalf("second Pause: %v", err)
	}
	wall.Advance(time.Second)
	if got := p.CurrentState().PlaybackTimeMs; got != 1000 {
		t.Fatalf("paused playback time = %dms, want 1000ms", got)
	}

	// Paused channels still present the frame at the frozen position.
	snap := waitForFrames(t, p, "a frame while paused", allPresenting)
	if snap.Channels[media.ChannelFront].Status != media.StatusOK {
		t.Errorf("paused status = %s, want ok", snap.Channels[media.ChannelFront].Status)
	}

	if err := p.Play(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	wall.Advance(500 * time.Millisecond)
	if got := p.CurrentState().PlaybackTimeMs; got != 1500 {
		t.Fatalf("resumed playback time = %dms, want 1500ms", got)
	}
}

func TestStopRewindsToZero(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	p := newTestPlayer(t, testConfig(), wall, map[media.ChannelID]decode.Decoder{
		media.ChannelFront: newStubDecoder(media.ChannelFront, 300),
	})

	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	wall.Advance(2 * time.Second)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st := p.CurrentState()
	if st.Playback != StateStopped {
		t.Fatalf("playback = %s, want stopped", st.Playback)
	}
	if st.PlaybackTimeMs != 0 {
		t.Fatalf("playback time after stop = %dms, want 0", st.PlaybackTimeMs)
	}

	if err := p.Play(); err != nil {
		t.Fatalf("replay: %v", err)
	}
	snap := waitForFrames(t, p, "frames from the start", allPresenting)
	if ts := snap.Channels[media.ChannelFront].Frame.Timestamp; ts > stubInterval {
		t.Errorf("replay starts at %v, want near 0", ts)
	}
}

func TestShortChannelGoesMissingAtEndOfStream(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	p := newTestPlayer(t, testConfig(), wall, map[media.ChannelID]decode.Decoder{
		media.ChannelFront: newStubDecoder(media.ChannelFront, 300), // ~10s
		media.ChannelRear:  newStubDecoder(media.ChannelRear, 60),   // ~2s
	})

	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	wall.Advance(3 * time.Second)

	snap := waitForFrames(t, p, "rear exhausted while front plays", func(s TickSnapshot) bool {
		return s.Channels[media.ChannelFront].Frame != nil &&
			s.Channels[media.ChannelRear].Status == media.StatusMissing
	})
	if got := p.CurrentState().Channels[media.ChannelRear].Stats.Stalls; got != 0 {
		t.Errorf("rear stalls = %d, end of stream must not count as a stall", got)
	}
	if snap.Channels[media.ChannelFront].Status != media.StatusOK {
		t.Error("front must keep presenting past rear's end of stream")
	}
}

func TestSeekTimeoutStallsOnlyTheSlowChannel(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	cfg := testConfig()
	cfg.SeekTimeout = 30 * time.Millisecond

	front := newStubDecoder(media.ChannelFront, 300)
	rear := newStubDecoder(media.ChannelRear, 300)
	rear.seekHold = make(chan struct{})
	p := newTestPlayer(t, cfg, wall, map[media.ChannelID]decode.Decoder{
		media.ChannelFront: front, media.ChannelRear: rear,
	})
	t.Cleanup(func() { close(rear.seekHold) })

	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := p.SeekToTime(2 * time.Second); err != nil {
		t.Fatalf("SeekToTime: %v", err)
	}

	st := p.CurrentState()
	if got := st.Channels[media.ChannelRear].Stats.SeekTimeouts; got != 1 {
		t.Errorf("rear seek timeouts = %d, want 1", got)
	}
	if got := st.Channels[media.ChannelRear].Pipeline; got != pipeline.StateStalled.String() {
		t.Errorf("rear pipeline state = %s, want stalled after seek timeout", got)
	}

	snap := waitForFrames(t, p, "front at the seek target", func(s TickSnapshot) bool {
		return s.Channels[media.ChannelFront].Frame != nil
	})
	if ts := snap.Channels[media.ChannelFront].Frame.Timestamp; ts < 2*time.Second {
		t.Errorf("front presents %v, want >= 2s", ts)
	}
}

func TestLoadIsAllOrNothing(t *testing.T) {
	t.Parallel()
	p := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := p.Load(nil); !errors.Is(err, ErrNoChannels) {
		t.Fatalf("Load(nil) = %v, want ErrNoChannels", err)
	}

	good := newStubDecoder(media.ChannelFront, 300)
	bad := newStubDecoder(media.ChannelRear, 300)
	bad.openErr = errors.New("card pulled mid-write")

	err := p.Load(map[media.ChannelID]decode.Decoder{
		media.ChannelFront: good, media.ChannelRear: bad,
	})
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("Load = %v, want *LoadError", err)
	}
	if le.Channel != media.ChannelRear {
		t.Errorf("LoadError channel = %s, want rear", le.Channel)
	}
	if !good.isClosed() {
		t.Error("successfully opened decoders must be closed on a failed load")
	}
	if err := p.Play(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Play after failed load = %v, want ErrNotLoaded", err)
	}
}

func TestControlRequiresLoadedGroup(t *testing.T) {
	t.Parallel()
	p := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := p.Play(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Play = %v, want ErrNotLoaded", err)
	}
	if err := p.Pause(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Pause = %v, want ErrNotLoaded", err)
	}
	if err := p.Stop(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Stop = %v, want ErrNotLoaded", err)
	}
	if err := p.SeekToTime(time.Second); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("SeekToTime = %v, want ErrNotLoaded", err)
	}
	if snap := p.Tick(); len(snap.Channels) != 0 {
		t.Errorf("Tick without a group returned %d channels", len(snap.Channels))
	}
}

func TestUnloadTearsDownDecoders(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	front := newStubDecoder(media.ChannelFront, 300)
	p := newTestPlayer(t, testConfig(), wall, map[media.ChannelID]decode.Decoder{
		media.ChannelFront: front,
	})

	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	p.Unload()

	if !front.isClosed() {
		t.Error("unload must close channel decoders")
	}
	if err := p.Play(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Play after unload = %v, want ErrNotLoaded", err)
	}
}

func TestSinkReceivesEveryTick(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	p := newTestPlayer(t, testConfig(), wall, map[media.ChannelID]decode.Decoder{
		media.ChannelFront: newStubDecoder(media.ChannelFront, 300),
	})

	var mu sync.Mutex
	var got []TickSnapshot
	p.SetSink(SinkFunc(func(s TickSnapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}))

	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	p.Tick()
	p.Tick()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("sink saw %d snapshots, want 2", len(got))
	}
	if got[0].Session == "" {
		t.Error("snapshots must carry the session id")
	}
}
