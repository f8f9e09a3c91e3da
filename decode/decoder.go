// Package decode defines the per-channel decoder contract and the MP4
// sample-table decoder that implements it. A decoder is owned by exactly
// one channel pipeline and is never called concurrently; all blocking
// work happens on the pipeline's decode goroutine, off the synchronizer's
// control path.
package decode

import (
	"time"

	"github.com/mcamp/blackbox/media"
)

// Decoder pulls compressed data from one camera stream and produces
// timestamped frames.
//
// DecodeNext returns io.EOF at end of stream; end of stream is not a
// failure. A *Error with KindCorrupt means the decoder already skipped to
// the next recoverable sync point and the caller may keep decoding.
// KindIOFailure is fatal for the channel.
//
// Seek is exact-or-later: the decoder lands on the nearest keyframe at or
// before target internally, then discards until the next DecodeNext call
// returns the first frame with Timestamp >= target (or io.EOF when the
// target lies past the end of the stream).
type Decoder interface {
	Open() error
	DecodeNext() (*media.Frame, error)
	Seek(target time.Duration) error
	Duration() time.Duration
	Close() error
}
