package audio

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePCM_Peak(t *testing.T) {
	tests := []struct {
		name    string
		samples []float32
		want    []float32
	}{
		{
			name:    "peak above one is scaled down",
			samples: []float32{0.5, -2, 1, 4},
			want:    []float32{0.125, -0.5, 0.25, 1},
		},
		{
			name:    "peak below one is untouched",
			samples: []float32{0.1, -0.9, 0.3},
			want:    []float32{0.1, -0.9, 0.3},
		},
		{
			name:    "silence passes through",
			samples: []float32{0, 0, 0, 0},
			want:    []float32{0, 0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, err := NormalizePCM(PCM{Samples: tt.samples, Channels: 1, SampleRate: 48000}, 48000)
			require.NoError(t, err)
			require.Len(t, chunk.Planes, 1)
			assert.InDeltaSlice(t, tt.want, chunk.Planes[0], 1e-6)

			for _, v := range chunk.Planes[0] {
				assert.False(t, math.IsNaN(float64(v)))
				assert.LessOrEqual(t, math.Abs(float64(v)), 1.0+1e-6)
			}
		})
	}
}

func TestNormalizePCM_Channels(t *testing.T) {
	stereo, err := NormalizePCM(PCM{
		Samples:    []float32{0.1, -0.1, 0.2, -0.2, 0.3, -0.3},
		Channels:   2,
		SampleRate: 44100,
	}, 44100)
	require.NoError(t, err)
	assert.Equal(t, 2, stereo.Channels)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, stereo.Planes[0])
	assert.Equal(t, []float32{-0.1, -0.2, -0.3}, stereo.Planes[1])

	mono, err := NormalizePCM(PCM{Samples: []float32{0.1, 0.2}, Channels: 1, SampleRate: 44100}, 44100)
	require.NoError(t, err)
	assert.Equal(t, 1, mono.Channels)
	assert.Len(t, mono.Planes, 1)

	surround, err := NormalizePCM(PCM{
		Samples:    []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8},
		Channels:   4,
		SampleRate: 44100,
	}, 44100)
	require.NoError(t, err)
	assert.Equal(t, 2, surround.Channels)
	assert.Equal(t, []float32{0.1, 0.5}, surround.Planes[0])
	assert.Equal(t, []float32{0.2, 0.6}, surround.Planes[1])

	_, err = NormalizePCM(PCM{Samples: []float32{0.1}, Channels: 0, SampleRate: 44100}, 44100)
	assert.Error(t, err)
}

func TestNormalizePCM_Resample(t *testing.T) {
	up, err := NormalizePCM(PCM{Samples: []float32{0.1, 0.2, 0.3}, Channels: 1, SampleRate: 24000}, 48000)
	require.NoError(t, err)
	assert.Equal(t, 48000, up.SampleRate)
	assert.Equal(t, []float32{0.1, 0.1, 0.2, 0.2, 0.3, 0.3}, up.Planes[0])

	down, err := NormalizePCM(PCM{
		Samples:    []float32{0.1, -0.1, 0.2, -0.2, 0.3, -0.3, 0.4, -0.4},
		Channels:   2,
		SampleRate: 48000,
	}, 24000)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.3}, down.Planes[0])
	assert.Equal(t, []float32{-0.1, -0.3}, down.Planes[1])

	odd, err := NormalizePCM(PCM{Samples: make([]float32, 441), Channels: 1, SampleRate: 44100}, 48000)
	require.NoError(t, err)
	assert.Len(t, odd.Planes[0], 480)
}

func TestAdapter_Normalize(t *testing.T) {
	registry := NewRegistry()
	adapter := NewAdapterWithRegistry(48000, registry)

	_, err := adapter.Normalize(Packet{Payload: []byte{1, 2, 3}, Format: FormatOpus})
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	_, err = adapter.Normalize(Packet{Format: FormatOpus})
	assert.True(t, errors.Is(err, ErrEmptyPacket))

	registry.Register(FormatOpus, DecoderFunc(func(payload []byte) (PCM, error) {
		if payload[0] == 0xff {
			return PCM{}, errors.New("corrupt packet")
		}
		return PCM{Samples: []float32{0.5, -0.5, 0.25, -0.25}, Channels: 2, SampleRate: 48000}, nil
	}))

	chunk, err := adapter.Normalize(Packet{Payload: []byte{1}, Format: FormatOpus, PTS: 20})
	require.NoError(t, err)
	assert.Equal(t, 2, chunk.Len())
	assert.EqualValues(t, 20, chunk.PTS)

	_, err = adapter.Normalize(Packet{Payload: []byte{0xff}, Format: FormatOpus})
	assert.Error(t, err)
}

func TestAdapter_WAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, 24000, 16, 1, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 24000},
		Data:           []int{0, 16384, -16384, 32767},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	payload, err := os.ReadFile(path)
	require.NoError(t, err)

	chunk, err := NewAdapter(48000).Normalize(Packet{Payload: payload, Format: FormatWAV})
	require.NoError(t, err)
	assert.Equal(t, 1, chunk.Channels)
	require.Len(t, chunk.Planes[0], 8)
	assert.InDelta(t, 0.5, chunk.Planes[0][2], 1e-3)
	assert.InDelta(t, -0.5, chunk.Planes[0][4], 1e-3)

	_, err = NewAdapter(48000).Normalize(Packet{Payload: []byte("not a wav file"), Format: FormatWAV})
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("OPUS")
	require.NoError(t, err)
	assert.Equal(t, FormatOpus, f)
	assert.Equal(t, 48000, f.NativeRate())
	assert.Equal(t, 44100, FormatAAC.NativeRate())

	_, err = ParseFormat("flac")
	assert.Error(t, err)
}

func TestOpusFrameSamples(t *testing.T) {
	tests := []struct {
		name string
		toc  byte
		want int
	}{
		{"silk narrowband 10ms", 0x00, 480},
		{"silk wideband 20ms", 0x48, 960},
		{"silk 60ms", 0x18, 2880},
		{"hybrid 10ms", 0x70, 480},
		{"hybrid 20ms", 0x78, 960},
		{"celt 2.5ms", 0x80, 120},
		{"celt fullband 20ms", 0xf8, 960},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, opusFrameSamples(tt.toc))
		})
	}
}

func TestAdapter_Opus(t *testing.T) {
	// TOC 0x48: one 20ms SILK wideband mono frame
	packet := []byte{0x48, 0x0b, 0xe4, 0xc1, 0x36, 0xec, 0xc5, 0x80}

	adapter := NewAdapter(48000)
	for i := 0; i < 2; i++ {
		chunk, err := adapter.Normalize(Packet{Payload: packet, Format: FormatOpus})
		require.NoError(t, err)
		assert.Equal(t, 1, chunk.Channels)
		assert.Equal(t, 48000, chunk.SampleRate)
		assert.Equal(t, 960, chunk.Len())
	}
}

// adts prefixes an AAC-LC raw data block with a 7 byte ADTS header.
func adts(freqIndex, channels byte, raw []byte) []byte {
	n := 7 + len(raw)
	h := []byte{
		0xff,
		0xf1,
		1<<6 | freqIndex<<2 | channels>>2,
		(channels&3)<<6 | byte(n>>11),
		byte(n >> 3),
		byte(n&7)<<5 | 0x1f,
		0xfc,
	}
	return append(h, raw...)
}

func TestAdapter_AAC(t *testing.T) {
	// silent mono AAC-LC frame at 44.1kHz
	frame := adts(4, 1, []byte{0x00, 0xc8, 0x00, 0x80, 0x23, 0x80})
	require.True(t, isADTS(frame))

	adapter := NewAdapter(44100)

	var decoded int
	for i := 0; i < 3; i++ {
		chunk, err := adapter.Normalize(Packet{Payload: frame, Format: FormatAAC})
		require.NoError(t, err)

		for _, plane := range chunk.Planes {
			for _, v := range plane {
				require.InDelta(t, 0, v, 1e-3)
			}
		}
		if chunk.Len() > 0 {
			assert.Equal(t, 44100, chunk.SampleRate)
		}
		decoded += chunk.Len()
	}
	assert.Positive(t, decoded)

	_, err := adapter.Normalize(Packet{Payload: []byte{0x01, 0x02}, Format: FormatAAC})
	assert.Error(t, err)
}

func TestAdapter_DecoderPerAdapter(t *testing.T) {
	registry := NewRegistry()

	var created int
	registry.RegisterFactory(FormatOpus, func() Decoder {
		created++
		return DecoderFunc(func(payload []byte) (PCM, error) {
			return PCM{Samples: []float32{0.1}, Channels: 1, SampleRate: 48000}, nil
		})
	})

	a := NewAdapterWithRegistry(48000, registry)
	b := NewAdapterWithRegistry(48000, registry)

	for i := 0; i < 3; i++ {
		_, err := a.Normalize(Packet{Payload: []byte{1}, Format: FormatOpus})
		require.NoError(t, err)
	}
	_, err := b.Normalize(Packet{Payload: []byte{1}, Format: FormatOpus})
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	a.Reset()
	_, err = a.Normalize(Packet{Payload: []byte{1}, Format: FormatOpus})
	require.NoError(t, err)
	assert.Equal(t, 3, created)
}
