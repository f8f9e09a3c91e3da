// Package media defines the core frame and channel types that flow through
// the blackbox playback engine, from per-channel decoding through
// synchronized presentation.
package media

import "time"

// ChannelID identifies one physical camera stream within a multi-camera
// recording group.
type ChannelID string

// The five camera positions a blackbox recording group may carry.
const (
	ChannelFront    ChannelID = "front"
	ChannelRear     ChannelID = "rear"
	ChannelLeft     ChannelID = "left"
	ChannelRight    ChannelID = "right"
	ChannelInterior ChannelID = "interior"
)

// AllChannels returns the five known channel positions in presentation order.
func AllChannels() []ChannelID {
	return []ChannelID{ChannelFront, ChannelRear, ChannelLeft, ChannelRight, ChannelInterior}
}

// ChannelStatus describes the per-channel health reported to the
// presentation sink on every tick. A degraded channel renders as
// "no signal" while the rest of the group keeps playing.
type ChannelStatus string

const (
	StatusOK      ChannelStatus = "ok"
	StatusStalled ChannelStatus = "stalled"
	StatusError   ChannelStatus = "error"
	StatusMissing ChannelStatus = "missing"
)

// Payload is an opaque handle to decoded picture data. The engine never
// inspects pixels; it only moves handles from the decoder through the
// frame buffer to the presentation sink.
type Payload interface{}

// Bytes is the payload form produced by the shipped MP4 decoder: the raw
// sample bitstream (JPEG data for MJPEG clips) for the sink to decode.
type Bytes []byte

// Frame is a single decoded video sample. Timestamp is media time relative
// to the channel's start. Frames are immutable once produced: created by a
// channel decoder, owned by the frame buffer until evicted, and handed to
// the synchronizer and sink as shared read-only references.
type Frame struct {
	Channel   ChannelID
	Sequence  int64
	Timestamp time.Duration
	Duration  time.Duration
	Keyframe  bool
	Payload   Payload
}

// End returns the media time at which the frame stops being current.
func (f *Frame) End() time.Duration {
	return f.Timestamp + f.Duration
}
