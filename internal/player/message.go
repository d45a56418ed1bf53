package player

import (
	"time"

	"github.com/bigbluebutton/bbb-stream-player/internal/media/audio"
	"github.com/bigbluebutton/bbb-stream-player/internal/utils"
)

// Message is one inbound event of the dispatch loop. The set of variants is
// closed: only the types of this package implement it.
type Message interface {
	Tag() string
	message()
}

// Connect starts a new stream. Per-stream state from the previous one is
// discarded.
type Connect struct {
	URL string
}

// Disconnect ends the stream: the decoder is drained and audio output stops.
type Disconnect struct {
	Reason string
	State  utils.ConnectionState
}

// Reset drains the decoder and audio queues without stopping the output.
type Reset struct{}

// ClearBuffers drops all queued audio immediately.
type ClearBuffers struct{}

// Stop makes the audio render path go idle; it renders silence until the
// next Connect.
type Stop struct{}

// SetVolume changes the output gain; zero mutes.
type SetVolume struct {
	Volume float64
}

// VideoPayload carries one or more length-prefixed access units.
type VideoPayload struct {
	Payload []byte
	PTS     time.Duration
}

// AudioPayload carries one self-contained compressed audio buffer.
type AudioPayload struct {
	Payload []byte
	PTS     time.Duration
	Format  audio.Format
}

// Unknown wraps an inbound event the transport could not classify.
type Unknown struct {
	Name string
	Raw  []byte
}

const (
	TagConnect      = "connect"
	TagDisconnect   = "disconnect"
	TagReset        = "reset"
	TagClearBuffers = "clearBuffers"
	TagStop         = "stop"
	TagSetVolume    = "setVolume"
	TagVideo        = "video"
	TagAudio        = "audio"
)

func (Connect) Tag() string      { return TagConnect }
func (Disconnect) Tag() string   { return TagDisconnect }
func (Reset) Tag() string        { return TagReset }
func (ClearBuffers) Tag() string { return TagClearBuffers }
func (Stop) Tag() string         { return TagStop }
func (SetVolume) Tag() string    { return TagSetVolume }
func (VideoPayload) Tag() string { return TagVideo }
func (AudioPayload) Tag() string { return TagAudio }
func (u Unknown) Tag() string    { return u.Name }

func (Connect) message()      {}
func (Disconnect) message()   {}
func (Reset) message()        {}
func (ClearBuffers) message() {}
func (Stop) message()         {}
func (SetVolume) message()    {}
func (VideoPayload) message() {}
func (AudioPayload) message() {}
func (Unknown) message()      {}

// ControlMessage maps the tag of a control event to its message. Unrecognized
// tags yield an Unknown.
func ControlMessage(tag string, raw []byte) Message {
	switch tag {
	case TagReset:
		return Reset{}
	case TagClearBuffers:
		return ClearBuffers{}
	case TagStop:
		return Stop{}
	default:
		return Unknown{Name: tag, Raw: raw}
	}
}
