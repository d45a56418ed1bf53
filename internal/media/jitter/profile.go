package jitter

import (
	"math"
	"runtime"

	"github.com/bigbluebutton/bbb-stream-player/internal/config"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/audio"
)

const (
	defaultMaxQueuedChunks = 20
	aacMaxQueuedChunks     = 15
	defaultSmoothingFactor = 0.1
	windowsSmoothingFactor = 0.15
	minimumBufferSeconds   = 0.10
	targetBufferSeconds    = 0.30
	maxBufferSeconds       = 2.0
)

// Profile sizes a Buffer. Sample counts are per channel.
type Profile struct {
	SampleRate           int
	MinimumBufferSamples int
	TargetBufferSamples  int
	MaxBufferSamples     int
	MaxQueuedChunks      int
	SmoothingFactor      float32
}

// NewProfile derives the default sizing for a native sample rate.
func NewProfile(rate int) Profile {
	smoothing := float32(defaultSmoothingFactor)
	if runtime.GOOS == "windows" {
		smoothing = windowsSmoothingFactor
	}

	return Profile{
		SampleRate:           rate,
		MinimumBufferSamples: int(math.Ceil(minimumBufferSeconds * float64(rate))),
		TargetBufferSamples:  int(math.Ceil(targetBufferSeconds * float64(rate))),
		MaxBufferSamples:     int(math.Ceil(maxBufferSeconds * float64(rate))),
		MaxQueuedChunks:      defaultMaxQueuedChunks,
		SmoothingFactor:      smoothing,
	}
}

// ProfileFor returns the default profile of a stream format. A zero rate
// selects the format's native rate.
func ProfileFor(format audio.Format, rate int) Profile {
	if rate <= 0 {
		rate = format.NativeRate()
	}

	p := NewProfile(rate)
	if format == audio.FormatAAC {
		p.MaxQueuedChunks = aacMaxQueuedChunks
	}

	return p
}

// WithOverrides replaces every field that is set in o.
func (p Profile) WithOverrides(o config.AudioProfile) Profile {
	if o.MinimumBufferSamples > 0 {
		p.MinimumBufferSamples = o.MinimumBufferSamples
	}
	if o.TargetBufferSamples > 0 {
		p.TargetBufferSamples = o.TargetBufferSamples
	}
	if o.MaxBufferSamples > 0 {
		p.MaxBufferSamples = o.MaxBufferSamples
	}
	if o.MaxQueuedChunks > 0 {
		p.MaxQueuedChunks = o.MaxQueuedChunks
	}
	if o.SmoothingFactor > 0 {
		p.SmoothingFactor = float32(o.SmoothingFactor)
	}
	return p
}
