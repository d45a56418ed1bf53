package player

import (
	"github.com/bigbluebutton/bbb-stream-player/internal/media/audio"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/bitstream"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/decoder"
)

type State int32

const (
	StateIdle State = iota
	StateConfiguring
	StateStreaming
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Renderer receives decoded frames in presentation order and must release
// each of them once displayed.
type Renderer interface {
	RenderFrame(f *decoder.Frame)
}

type RendererFunc func(f *decoder.Frame)

func (fn RendererFunc) RenderFrame(f *decoder.Frame) {
	fn(f)
}

// discardRenderer releases frames as soon as they are decoded.
var discardRenderer = RendererFunc(func(f *decoder.Frame) { f.Release() })

// Output is the audio device pulling from the jitter buffer.
type Output interface {
	Start() error
	Stop() error
}

// Mixer is the gain stage of the audio output. Volumes are clamped to
// [0, 1]; zero mutes the output.
type Mixer interface {
	SetVolume(v float64)
	Volume() float64
}

// Tap observes the media accepted by the loop, e.g. to record it.
type Tap interface {
	ConfigureVideo(cfg decoder.Config) error
	WriteVideo(u bitstream.Unit) error
	WriteAudio(c audio.Chunk) error
}
