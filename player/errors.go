package player

import (
	"errors"
	"fmt"

	"github.com/mcamp/blackbox/media"
)

// Sentinel errors for playback control. These enable callers to
// programmatically distinguish failure modes using errors.Is.
var (
	ErrNoChannels = errors.New("player: no channels to load")
	ErrNotLoaded  = errors.New("player: no channel group loaded")
)

// LoadError reports that a channel's source could not be opened. Loading
// is all-or-nothing: any unavailable source fails the whole load and the
// already-opened channels are closed again.
type LoadError struct {
	Channel media.ChannelID
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("player: load channel %s: %v", e.Channel, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
