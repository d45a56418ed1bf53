package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// go-mp3 always produces signed 16-bit little-endian stereo.
const mp3Channels = 2

func decodeMP3(payload []byte) (PCM, error) {
	if len(payload) == 0 {
		return PCM{}, ErrEmptyPacket
	}

	d, err := mp3.NewDecoder(bytes.NewReader(payload))
	if err != nil {
		return PCM{}, fmt.Errorf("mp3: %w", err)
	}

	raw, err := io.ReadAll(d)
	if err != nil {
		return PCM{}, fmt.Errorf("mp3: %w", err)
	}

	return PCM{
		Samples:    s16ToFloat(raw),
		Channels:   mp3Channels,
		SampleRate: d.SampleRate(),
	}, nil
}

func decodeWAV(payload []byte) (PCM, error) {
	if len(payload) == 0 {
		return PCM{}, ErrEmptyPacket
	}

	d := wav.NewDecoder(bytes.NewReader(payload))
	if !d.IsValidFile() {
		return PCM{}, fmt.Errorf("wav: invalid file")
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("wav: %w", err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 {
		return PCM{}, fmt.Errorf("wav: missing format")
	}

	bitDepth := int(d.BitDepth)
	if bitDepth == 0 {
		bitDepth = buf.SourceBitDepth
	}
	if bitDepth <= 0 || bitDepth > 32 {
		return PCM{}, fmt.Errorf("wav: unsupported bit depth %d", bitDepth)
	}

	scale := float32(int64(1) << uint(bitDepth-1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		// 8-bit WAV is unsigned
		if bitDepth == 8 {
			v -= 128
		}
		samples[i] = float32(v) / scale
	}

	return PCM{
		Samples:    samples,
		Channels:   buf.Format.NumChannels,
		SampleRate: buf.Format.SampleRate,
	}, nil
}

// s16ToFloat converts signed 16-bit little-endian samples to [-1, 1).
func s16ToFloat(raw []byte) []float32 {
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[2*i:]))) / 32768
	}
	return samples
}
