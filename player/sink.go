package player

import (
	"time"

	"github.com/mcamp/blackbox/media"
)

// ChannelPresentation is one channel's output for a tick: a frame when
// the channel has a usable one, otherwise a status the presentation
// layer renders as "no signal".
type ChannelPresentation struct {
	Status media.ChannelStatus
	Frame  *media.Frame // nil unless Status is ok
}

// TickSnapshot is what the presentation sink receives once per tick: the
// current playback time and one entry per loaded channel. The engine
// makes no assumption about how (or whether) it is drawn.
type TickSnapshot struct {
	Session      string
	PlaybackTime time.Duration
	Rate         float64
	Channels     map[media.ChannelID]ChannelPresentation
}

// Sink receives tick snapshots. Present is called from the control
// context and must not block; slow sinks should hand off internally.
type Sink interface {
	Present(TickSnapshot)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(TickSnapshot)

// Present calls f.
func (f SinkFunc) Present(s TickSnapshot) { f(s) }
