// Package clipgen writes synthetic multi-channel dashcam clips: rendered
// frames with the channel name and a burned-in timestamp, JPEG payloads,
// muxed as a fragmented MP4 with one fragment per GOP. The output feeds
// the MP4 decoder in tests and demos without needing real camera footage.
package clipgen

import (
	"bytes"
	"fmt"
	"image/color"
	"image/jpeg"
	"io"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/fogleman/gg"

	"github.com/mcamp/blackbox/media"
)

// timescale is the track timescale in units per second. 90 kHz divides
// evenly by the common dashcam frame rates.
const timescale = 90000

// Spec describes one synthetic channel clip.
type Spec struct {
	Channel  media.ChannelID
	Width    int
	Height   int
	FPS      int
	GOPSize  int // samples per fragment; fragment-leading samples are sync samples
	Duration time.Duration
	Quality  int // JPEG quality 1-100
}

// DefaultSpec returns a 10 second 320x180 clip at 30 fps with 1 second GOPs.
func DefaultSpec(channel media.ChannelID) Spec {
	return Spec{
		Channel:  channel,
		Width:    320,
		Height:   180,
		FPS:      30,
		GOPSize:  30,
		Duration: 10 * time.Second,
		Quality:  75,
	}
}

// channelColors gives each camera position a distinct background so
// misrouted frames are visible at a glance in demo playback.
var channelColors = map[media.ChannelID]color.RGBA{
	media.ChannelFront:    {R: 0x1f, G: 0x4e, B: 0x79, A: 0xff},
	media.ChannelRear:     {R: 0x6b, G: 0x2d, B: 0x2d, A: 0xff},
	media.ChannelLeft:     {R: 0x2d, G: 0x5a, B: 0x33, A: 0xff},
	media.ChannelRight:    {R: 0x5a, G: 0x4a, B: 0x1f, A: 0xff},
	media.ChannelInterior: {R: 0x3d, G: 0x34, B: 0x52, A: 0xff},
}

// WriteClip renders and muxes one channel clip to w.
func WriteClip(w io.Writer, spec Spec) error {
	if spec.Width <= 0 || spec.Height <= 0 || spec.FPS <= 0 || spec.Duration <= 0 {
		return fmt.Errorf("clipgen: invalid spec %+v", spec)
	}
	if spec.GOPSize <= 0 {
		spec.GOPSize = spec.FPS
	}
	if spec.Quality <= 0 {
		spec.Quality = 75
	}

	frameCount := int(spec.Duration.Seconds() * float64(spec.FPS))
	if frameCount == 0 {
		return fmt.Errorf("clipgen: duration %v too short for %d fps", spec.Duration, spec.FPS)
	}
	sampleDur := uint32(timescale / spec.FPS)

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(timescale, "video", "en")
	trak := init.Moov.Trak
	trackID := trak.Tkhd.TrackID

	entry := mp4.CreateVisualSampleEntryBox("mp4v", uint16(spec.Width), uint16(spec.Height), nil)
	trak.Mdia.Minf.Stbl.Stsd.AddChild(entry)
	trak.Tkhd.Width = mp4.Fixed32(spec.Width << 16)
	trak.Tkhd.Height = mp4.Fixed32(spec.Height << 16)

	ftyp := mp4.NewFtyp("isom", 0x200, []string{"isom", "iso2", "mp41"})
	if err := ftyp.Encode(w); err != nil {
		return fmt.Errorf("clipgen: encode ftyp: %w", err)
	}
	if err := init.Moov.Encode(w); err != nil {
		return fmt.Errorf("clipgen: encode moov: %w", err)
	}

	fragSeq := uint32(1)
	var frag *mp4.Fragment
	var err error

	for i := 0; i < frameCount; i++ {
		if i%spec.GOPSize == 0 {
			if frag != nil {
				if err := frag.Encode(w); err != nil {
					return fmt.Errorf("clipgen: encode fragment %d: %w", fragSeq-1, err)
				}
			}
			frag, err = mp4.CreateFragment(fragSeq, trackID)
			if err != nil {
				return fmt.Errorf("clipgen: create fragment %d: %w", fragSeq, err)
			}
			fragSeq++
		}

		ts := time.Duration(i) * time.Second / time.Duration(spec.FPS)
		data, err := renderFrame(spec, ts)
		if err != nil {
			return fmt.Errorf("clipgen: render frame %d: %w", i, err)
		}

		flags := mp4.NonSyncSampleFlags
		if i%spec.GOPSize == 0 {
			flags = mp4.SyncSampleFlags
		}
		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: flags,
				Size:  uint32(len(data)),
				Dur:   sampleDur,
			},
			DecodeTime: uint64(i) * uint64(sampleDur),
			Data:       data,
		})
	}

	if frag != nil {
		if err := frag.Encode(w); err != nil {
			return fmt.Errorf("clipgen: encode final fragment: %w", err)
		}
	}
	return nil
}

// renderFrame draws one frame and returns it JPEG-encoded.
func renderFrame(spec Spec, ts time.Duration) ([]byte, error) {
	dc := gg.NewContext(spec.Width, spec.Height)

	bg, ok := channelColors[spec.Channel]
	if !ok {
		bg = color.RGBA{R: 0x30, G: 0x30, B: 0x30, A: 0xff}
	}
	dc.SetColor(bg)
	dc.Clear()

	// Moving marker so consecutive frames differ even at low JPEG quality.
	x := float64(int(ts/(time.Second/time.Duration(spec.FPS))) % spec.Width)
	dc.SetColor(color.White)
	dc.DrawRectangle(x, float64(spec.Height)-12, 8, 8)
	dc.Fill()

	dc.DrawStringAnchored(string(spec.Channel), float64(spec.Width)/2, float64(spec.Height)/2-10, 0.5, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%06.3fs", ts.Seconds()), float64(spec.Width)/2, float64(spec.Height)/2+10, 0.5, 0.5)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dc.Image(), &jpeg.Options{Quality: spec.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
