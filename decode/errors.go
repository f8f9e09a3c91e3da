package decode

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned by Seek when the target lies before the start
// of the stream.
var ErrOutOfRange = errors.New("decode: seek target out of range")

// Kind classifies decoder failures so callers can pick a recovery policy
// without string matching.
type Kind int

const (
	// KindCorrupt marks malformed stream data. The decoder has already
	// skipped forward to the next recoverable sync point; the caller may
	// simply continue decoding.
	KindCorrupt Kind = iota
	// KindIOFailure marks an unreadable source. Fatal for this channel
	// only; other channels are unaffected.
	KindIOFailure
	// KindUnsupportedFormat marks a source the decoder cannot interpret
	// at all (no video track, unparseable container).
	KindUnsupportedFormat
)

// String returns the kind's wire/log name.
func (k Kind) String() string {
	switch k {
	case KindCorrupt:
		return "corrupt"
	case KindIOFailure:
		return "io_failure"
	case KindUnsupportedFormat:
		return "unsupported_format"
	default:
		return "unknown"
	}
}

// Error is the decoder failure type. It records the failing operation and
// wraps the underlying cause for errors.Is/As inspection.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("decode: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCorrupt reports whether err is a recoverable corrupt-data failure.
func IsCorrupt(err error) bool {
	return kindOf(err) == KindCorrupt
}

// IsIOFailure reports whether err is a fatal source read failure.
func IsIOFailure(err error) bool {
	return kindOf(err) == KindIOFailure
}

// IsUnsupported reports whether err marks an uninterpretable source.
func IsUnsupported(err error) bool {
	return kindOf(err) == KindUnsupportedFormat
}

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Kind(-1)
}

func corruptErr(op string, err error) *Error {
	return &Error{Kind: KindCorrupt, Op: op, Err: err}
}

func ioErr(op string, err error) *Error {
	return &Error{Kind: KindIOFailure, Op: op, Err: err}
}

func unsupportedErr(op string, err error) *Error {
	return &Error{Kind: KindUnsupportedFormat, Op: op, Err: err}
}
