package audio

import (
	"fmt"
	"strings"
	"time"
)

type Format int

const (
	FormatUnknown Format = iota
	FormatOpus
	FormatAAC
	FormatMP3
	FormatWAV
)

var formatNames = map[Format]string{
	FormatOpus: "opus",
	FormatAAC:  "aac",
	FormatMP3:  "mp3",
	FormatWAV:  "wav",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "unknown"
}

// NativeRate is the output rate a player uses for streams of this format.
func (f Format) NativeRate() int {
	switch f {
	case FormatOpus:
		return 48000
	default:
		return 44100
	}
}

func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(text []byte) error {
	v, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range formatNames {
		if name == s {
			return f, nil
		}
	}
	return FormatUnknown, fmt.Errorf("unknown audio format '%s'", s)
}

// Packet is one self-contained compressed audio buffer.
type Packet struct {
	Payload []byte
	PTS     time.Duration
	Format  Format
}

// Chunk holds planar float samples in [-1, 1]. A mono chunk has one plane,
// which the jitter buffer feeds to both output channels.
type Chunk struct {
	Planes     [][]float32
	Channels   int
	SampleRate int
	PTS        time.Duration
}

// Len returns the number of samples per plane.
func (c Chunk) Len() int {
	if len(c.Planes) == 0 {
		return 0
	}
	return len(c.Planes[0])
}

func (c Chunk) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.Len()) * time.Second / time.Duration(c.SampleRate)
}

// PCM is interleaved decoded audio as produced by a Decoder.
type PCM struct {
	Samples    []float32
	Channels   int
	SampleRate int
}

// Frames returns the number of sample frames (samples per channel).
func (p PCM) Frames() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}
