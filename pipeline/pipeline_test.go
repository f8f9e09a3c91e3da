package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mcamp/blackbox/buffer"
	"github.com/mcamp/blackbox/clock"
	"github.com/mcamp/blackbox/decode"
	"github.com/mcamp/blackbox/media"
	"github.com/mcamp/blackbox/telemetry"
)

const stubInterval = 33 * time.Millisecond

// stubDecoder produces synthetic frames at a fixed interval with
// scriptable faults. It satisfies decode.Decoder without touching I/O.
type stubDecoder struct {
	mu        sync.Mutex
	total     int
	cursor    int
	corruptAt map[int]bool
	failAt    int // cursor at which DecodeNext returns an io failure; -1 = never
	seeks     []time.Duration
	closed    bool
}

var _ decode.Decoder = (*stubDecoder)(nil)

func newStubDecoder(total int) *stubDecoder {
	return &stubDecoder{total: total, failAt: -1, corruptAt: map[int]bool{}}
}

func (d *stubDecoder) Open() error { return nil }

func (d *stubDecoder) DecodeNext() (*media.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cursor >= d.total {
		return nil, io.EOF
	}
	if d.failAt >= 0 && d.cursor == d.failAt {
		return nil, &decode.Error{Kind: decode.KindIOFailure, Op: "stub", Err: errors.New("disk gone")}
	}
	if d.corruptAt[d.cursor] {
		delete(d.corruptAt, d.cursor)
		d.cursor++
		return nil, &decode.Error{Kind: decode.KindCorrupt, Op: "stub", Err: errors.New("bad sample")}
	}

	f := &media.Frame{
		Channel:   media.ChannelFront,
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
	defer d.mu.Unlock()
	if target < 0 {
		return decode.ErrOutOfRange
	}
	d.seeks = append(d.seeks, target)
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

// startPipeline runs p until the test ends.
func startPipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// waitUntil polls cond for up to two seconds.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Buffer.Capacity = 30
	cfg.IdlePoll = time.Millisecond
	return cfg
}

func TestRunFillsBufferAhead(t *testing.T) {
	t.Parallel()
	clk := clock.New(nil) // stopped at 0
	p := New(media.ChannelFront, newStubDecoder(300), clk, nil, testConfig(), nil)
	startPipeline(t, p)

	waitUntil(t, "buffer fill", func() bool { return p.Buffer().Len() >= 30 })

	f := p.Buffer().Query(0, buffer.Nearest)
	if f == nil || f.Timestamp != 0 {
		t.Errorf("frame at clock 0: got %v", f)
	}
	if got := p.State(); got != StateDecoding {
		t.Errorf("state: got %v, want decoding", got)
	}
}

func TestSeekDiscardsStaleFramesAndResumes(t *testing.T) {
	t.Parallel()
	clk := clock.New(nil)
	p := New(media.ChannelFront, newStubDecoder(300), clk, nil, testConfig(), nil)
	startPipeline(t, p)

	waitUntil(t, "initial fill", func() bool { return p.Buffer().Len() > 5 })

	target := 7500 * time.Millisecond
	clk.SetTime(target)
	select {
	case err := <-p.Seek(target):
		if err != nil {
			t.Fatalf("Seek: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("seek did not complete")
	}

	waitUntil(t, "post-seek frames", func() bool { return p.Buffer().Len() > 0 })

	// No frame before the target may survive the seek.
	if f := p.Buffer().Query(0, buffer.NotBefore); f == nil || f.Timestamp < target {
		t.Errorf("earliest post-seek frame: got %v, want >= %v", f, target)
	}
}

func TestSeekSuperseded(t *testing.T) {
	t.Parallel()
	clk := clock.New(nil)
	// Not running the loop: both seeks stay pending, so the first must be
	// superseded deterministically.
	p := New(media.ChannelFront, newStubDecoder(300), clk, nil, testConfig(), nil)

	first := p.Seek(time.Second)
	second := p.Seek(2 * time.Second)

	select {
	case err := <-first:
		if !errors.Is(err, ErrSeekSuperseded) {
			t.Errorf("first seek: got %v, want ErrSeekSuperseded", err)
		}
	default:
		t.Error("superseded seek should complete immediately")
	}

	startPipeline(t, p)
	select {
	case err := <-second:
		if err != nil {
			t.Errorf("second seek: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second seek did not complete")
	}
}

func TestIOFailureMovesToErrorState(t *testing.T) {
	t.Parallel()
	dec := newStubDecoder(300)
	dec.failAt = 10
	clk := clock.New(nil)
	p := New(media.ChannelFront, dec, clk, nil, testConfig(), nil)
	startPipeline(t, p)

	waitUntil(t, "error state", func() bool { return p.State() == StateError })

	if err := p.LastError(); !decode.IsIOFailure(err) {
		t.Errorf("LastError: got %v, want io_failure", err)
	}
	// Frames decoded before the fault remain queryable.
	if f := p.Buffer().Query(0, buffer.Nearest); f == nil {
		t.Error("pre-fault frames should remain in buffer")
	}
	// Seeking a dead channel reports the fault immediately.
	select {
	case err := <-p.Seek(time.Second):
		if err == nil {
			t.Error("Seek on errored pipeline should fail")
		}
	default:
		t.Error("Seek on errored pipeline should complete immediately")
	}
}

func TestCorruptSampleIsSkipped(t *testing.T) {
	t.Parallel()
	dec := newStubDecoder(300)
	dec.corruptAt[5] = true
	clk := clock.New(nil)
	stats := telemetry.NewRegistry().Channel(media.ChannelFront)
	p := New(media.ChannelFront, dec, clk, stats, testConfig(), nil)
	startPipeline(t, p)

	waitUntil(t, "decode past corruption", func() bool {
		return p.Buffer().Query(10*stubInterval, buffer.Exact) != nil
	})

	if got := stats.Snapshot().CorruptSkips; got != 1 {
		t.Errorf("corrupt skips: got %d, want 1", got)
	}
	if got := p.State(); got != StateDecoding {
		t.Errorf("state after corrupt skip: got %v, want decoding", got)
	}
}

func TestEndOfStreamGoesIdle(t *testing.T) {
	t.Parallel()
	clk := clock.New(nil)
	p := New(media.ChannelFront, newStubDecoder(10), clk, nil, testConfig(), nil)
	startPipeline(t, p)

	waitUntil(t, "idle at EOF", func() bool { return p.State() == StateIdle })

	// The buffered tail is still queryable, and a seek revives decoding.
	if f := p.Buffer().Query(0, buffer.Nearest); f == nil {
		t.Error("tail frames should remain queryable at EOF")
	}
	select {
	case err := <-p.Seek(0):
		if err != nil {
			t.Fatalf("Seek after EOF: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("seek after EOF did not complete")
	}
	waitUntil(t, "decoding resumed", func() bool { return p.Buffer().Len() > 0 })
}

func TestMarkStalledClearsOnNextFrame(t *testing.T) {
	t.Parallel()
	clk := clock.New(nil)
	p := New(media.ChannelFront, newStubDecoder(600), clk, nil, testConfig(), nil)
	startPipeline(t, p)

	waitUntil(t, "initial fill", func() bool { return p.Buffer().Len() >= 30 })

	p.MarkStalled()
	if got := p.State(); got != StateStalled {
		t.Fatalf("state: got %v, want stalled", got)
	}

	// Advancing the clock opens look-ahead budget; the next push recovers.
	clk.SetTime(5 * time.Second)
	waitUntil(t, "stall recovery", func() bool { return p.State() == StateDecoding })
}
