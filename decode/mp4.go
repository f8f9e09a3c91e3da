package decode

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/mcamp/blackbox/media"
)

var errClosed = errors.New("decoder is closed")

// Compile-time interface check.
var _ Decoder = (*MP4Decoder)(nil)

// sampleMeta is the per-sample index entry built at Open. Sample payloads
// are read lazily; only timing and addressing metadata is held for the
// whole stream.
type sampleMeta struct {
	ts   time.Duration
	dur  time.Duration
	sync bool
	nr   uint32 // 1-based sample number (progressive files)
	frag int    // fragment index, -1 for progressive files
	idx  int    // sample index within the fragment
}

// MP4Decoder reads one camera channel from an MP4 file by walking its
// sample tables. Both progressive files (stbl addressing) and fragmented
// files (per-GOP moof fragments, as written by genclips) are supported.
// Payload bytes are handed through opaquely; the decoder never interprets
// the codec bitstream.
//
// An MP4Decoder is owned by a single pipeline goroutine and is not safe
// for concurrent use.
type MP4Decoder struct {
	channel media.ChannelID
	path    string
	log     *slog.Logger

	file      *os.File
	timescale uint32
	trackID   uint32
	trex      *mp4.TrexBox
	stbl      *mp4.StblBox
	frags     []*mp4.Fragment

	samples  []sampleMeta
	cursor   int
	seq      int64
	duration time.Duration

	// Cache of the currently loaded fragment's samples so sequential
	// decoding reads each fragment once.
	loadedFrag  int
	fragSamples []mp4.FullSample
}

// NewMP4Decoder creates a decoder for one channel backed by an MP4 file.
// If log is nil, slog.Default() is used. Call Open before decoding.
func NewMP4Decoder(channel media.ChannelID, path string, log *slog.Logger) *MP4Decoder {
	if log == nil {
		log = slog.Default()
	}
	return &MP4Decoder{
		channel:    channel,
		path:       path,
		log:        log.With("component", "mp4-decoder", "channel", string(channel)),
		loadedFrag: -1,
	}
}

// Open parses the container and builds the sample index. Unreadable files
// yield an io_failure error; files without a parseable video track yield
// unsupported_format.
func (d *MP4Decoder) Open() error {
	f, err := os.Open(d.path)
	if err != nil {
		return ioErr("open", err)
	}

	mp4f, err := mp4.DecodeFile(f)
	if err != nil {
		f.Close()
		return unsupportedErr("parse", err)
	}

	moov := mp4f.Moov
	if mp4f.IsFragmented() && mp4f.Init != nil {
		moov = mp4f.Init.Moov
	}
	if moov == nil {
		f.Close()
		return unsupportedErr("parse", errors.New("no moov box"))
	}

	var videoTrak *mp4.TrakBox
	for _, trak := range moov.Traks {
		if trak.Mdia != nil && trak.Mdia.Hdlr != nil && trak.Mdia.Hdlr.HandlerType == "vide" {
			videoTrak = trak
			break
		}
	}
	if videoTrak == nil {
		f.Close()
		return unsupportedErr("parse", errors.New("no video track"))
	}

	d.file = f
	d.trackID = videoTrak.Tkhd.TrackID
	d.timescale = 1000
	if videoTrak.Mdia.Mdhd != nil {
		d.timescale = videoTrak.Mdia.Mdhd.Timescale
	}

	if mp4f.IsFragmented() {
		if moov.Mvex != nil {
			for _, t := range moov.Mvex.Trexs {
				if t.TrackID == d.trackID {
					d.trex = t
					break
				}
			}
		}
		if err := d.indexFragmented(mp4f); err != nil {
			d.Close()
			return err
		}
	} else {
		if videoTrak.Mdia.Minf == nil || videoTrak.Mdia.Minf.Stbl == nil {
			d.Close()
			return unsupportedErr("parse", errors.New("no sample table"))
		}
		d.stbl = videoTrak.Mdia.Minf.Stbl
		if err := d.indexProgressive(); err != nil {
			d.Close()
			return err
		}
	}

	if n := len(d.samples); n > 0 {
		last := d.samples[n-1]
		d.duration = last.ts + last.dur
	}

	d.log.Debug("channel opened",
		"samples", len(d.samples),
		"duration", d.duration,
		"timescale", d.timescale,
	)
	return nil
}

// indexProgressive builds the sample index from the stts/stss boxes.
func (d *MP4Decoder) indexProgressive() error {
	if d.stbl.Stsz == nil || d.stbl.Stts == nil {
		return unsupportedErr("parse", errors.New("missing stsz or stts box"))
	}

	syncSamples := make(map[uint32]bool)
	if d.stbl.Stss != nil {
		for _, nr := range d.stbl.Stss.SampleNumber {
			syncSamples[nr] = true
		}
	}

	count := d.stbl.Stsz.SampleNumber
	d.samples = make([]sampleMeta, 0, count)
	for nr := uint32(1); nr <= count; nr++ {
		decodeTime, dur := d.stbl.Stts.GetDecodeTime(nr)
		d.samples = append(d.samples, sampleMeta{
			ts:   d.toDuration(decodeTime),
			dur:  d.toDuration(uint64(dur)),
			sync: syncSamples[nr] || len(syncSamples) == 0,
			nr:   nr,
			frag: -1,
		})
	}
	return nil
}

// indexFragmented builds the sample index from moof fragments. Sample
// timing comes from the tfdt base decode time plus per-sample durations;
// payload data stays in the parsed fragments and is extracted lazily one
// fragment at a time.
func (d *MP4Decoder) indexFragmented(mp4f *mp4.File) error {
	for _, seg := range mp4f.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil {
				continue
			}
			for _, traf := range frag.Moof.Trafs {
				if traf.Tfhd.TrackID != d.trackID {
					continue
				}
				var base uint64
				if traf.Tfdt != nil {
					base = traf.Tfdt.BaseMediaDecodeTime()
				}
				fulls, err := frag.GetFullSamples(d.trex)
				if err != nil {
					d.log.Warn("skipping unparseable fragment", "error", err)
					continue
				}
				fi := len(d.frags)
				d.frags = append(d.frags, frag)

				current := base
				for i, s := range fulls {
					d.samples = append(d.samples, sampleMeta{
						ts:   d.toDuration(current),
						dur:  d.toDuration(uint64(s.Dur)),
						sync: s.Flags == mp4.SyncSampleFlags || i == 0,
						frag: fi,
						idx:  i,
					})
					current += uint64(s.Dur)
				}
			}
		}
	}
	if len(d.samples) == 0 {
		return unsupportedErr("parse", errors.New("no video samples in fragments"))
	}
	return nil
}

// DecodeNext produces the next frame in decode order. It returns io.EOF
// at end of stream. Corrupt samples are skipped to the next sync point
// and reported with KindCorrupt so the caller can continue.
func (d *MP4Decoder) DecodeNext() (*media.Frame, error) {
	if d.file == nil {
		return nil, ioErr("decode", errClosed)
	}
	if d.cursor >= len(d.samples) {
		return nil, io.EOF
	}

	m := d.samples[d.cursor]
	data, err := d.sampleData(m)
	if err != nil {
		d.skipToNextSync(m)
		return nil, corruptErr("decode", err)
	}

	frame := &media.Frame{
		Channel:   d.channel,
		Sequence:  d.seq,
		Timestamp: m.ts,
		Duration:  m.dur,
		Keyframe:  m.sync,
		Payload:   media.Bytes(data),
	}
	d.seq++
	d.cursor++
	return frame, nil
}

// Seek repositions the decoder so the next DecodeNext returns the first
// frame with Timestamp >= target. Internally it lands on the nearest sync
// sample at or before the target and discards forward from there. A
// target past the end of the stream positions the decoder at EOF;
// negative targets return ErrOutOfRange.
func (d *MP4Decoder) Seek(target time.Duration) error {
	if d.file == nil {
		return ioErr("seek", errClosed)
	}
	if target < 0 {
		return ErrOutOfRange
	}

	// First sample with ts >= target.
	lo, hi := 0, len(d.samples)
	for lo < hi {
		mid := (lo + hi) / 2
		if d.samples[mid].ts < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	if lo == len(d.samples) {
		d.cursor = lo
		return nil
	}

	// Land on the sync sample at or before the target, then walk forward
	// discarding until the target is reached.
	start := lo
	for start > 0 && !d.samples[start].sync {
		start--
	}
	cur := start
	for cur < lo && d.samples[cur].ts < target {
		cur++
	}
	d.cursor = cur
	return nil
}

// Duration returns the media duration of the channel.
func (d *MP4Decoder) Duration() time.Duration {
	return d.duration
}

// Close releases the file handle. Safe to call more than once.
func (d *MP4Decoder) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	d.fragSamples = nil
	d.loadedFrag = -1
	return err
}

// sampleData extracts the payload bytes for one indexed sample.
func (d *MP4Decoder) sampleData(m sampleMeta) ([]byte, error) {
	if m.frag >= 0 {
		if d.loadedFrag != m.frag {
			fulls, err := d.frags[m.frag].GetFullSamples(d.trex)
			if err != nil {
				return nil, fmt.Errorf("load fragment: %w", err)
			}
			d.fragSamples = fulls
			d.loadedFrag = m.frag
		}
		if m.idx >= len(d.fragSamples) {
			return nil, fmt.Errorf("sample %d out of fragment range", m.idx)
		}
		return d.fragSamples[m.idx].Data, nil
	}
	return readProgressiveSample(d.stbl, d.file, m.nr)
}

// skipToNextSync advances the cursor past the corrupt sample to the next
// recoverable point: the following sync sample, or for fragmented files
// the next fragment boundary.
func (d *MP4Decoder) skipToNextSync(bad sampleMeta) {
	d.cursor++
	for d.cursor < len(d.samples) {
		m := d.samples[d.cursor]
		if bad.frag >= 0 && m.frag != bad.frag {
			return
		}
		if bad.frag < 0 && m.sync {
			return
		}
		d.cursor++
	}
}

// readProgressiveSample reads one sample's bytes via the stsc/stco/stsz
// chunk addressing of a progressive MP4.
func readProgressiveSample(stbl *mp4.StblBox, r io.ReadSeeker, sampleNr uint32) ([]byte, error) {
	if stbl.Stsc == nil || stbl.Stsz == nil {
		return nil, errors.New("missing stsc or stsz box")
	}

	chunkNr, firstSampleInChunk, err := stbl.Stsc.ChunkNrFromSampleNr(int(sampleNr))
	if err != nil {
		return nil, fmt.Errorf("chunk nr: %w", err)
	}

	var chunkOffset uint64
	switch {
	case stbl.Stco != nil:
		chunkOffset, err = stbl.Stco.GetOffset(chunkNr)
		if err != nil {
			return nil, fmt.Errorf("chunk offset: %w", err)
		}
	case stbl.Co64 != nil:
		if chunkNr < 1 || chunkNr > len(stbl.Co64.ChunkOffset) {
			return nil, errors.New("chunk nr out of range")
		}
		chunkOffset = stbl.Co64.ChunkOffset[chunkNr-1]
	default:
		return nil, errors.New("no stco or co64 box")
	}

	offset := chunkOffset
	for s := uint32(firstSampleInChunk); s < sampleNr; s++ {
		offset += uint64(stbl.Stsz.GetSampleSize(int(s)))
	}

	size := stbl.Stsz.GetSampleSize(int(sampleNr))
	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to sample: %w", err)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read sample: %w", err)
	}
	return data, nil
}

// toDuration converts track timescale units to a time.Duration without
// overflowing on long recordings.
func (d *MP4Decoder) toDuration(t uint64) time.Duration {
	ts := uint64(d.timescale)
	return time.Duration(t/ts)*time.Second + time.Duration((t%ts)*uint64(time.Second)/ts)
}
