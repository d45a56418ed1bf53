package audio

import (
	"fmt"
	"math"
)

// Adapter normalizes compressed packets into chunks at a fixed native rate.
// It is not safe for concurrent use.
type Adapter struct {
	rate     int
	registry *Registry
	decoders map[Format]Decoder
}

func NewAdapter(rate int) *Adapter {
	return NewAdapterWithRegistry(rate, defaultRegistry)
}

func NewAdapterWithRegistry(rate int, registry *Registry) *Adapter {
	return &Adapter{rate: rate, registry: registry, decoders: make(map[Format]Decoder)}
}

func (a *Adapter) Rate() int {
	return a.rate
}

func (a *Adapter) Normalize(p Packet) (Chunk, error) {
	if len(p.Payload) == 0 {
		return Chunk{}, ErrEmptyPacket
	}

	d, ok := a.decoder(p.Format)
	if !ok {
		return Chunk{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, p.Format)
	}

	pcm, err := d.Decode(p.Payload)
	if err != nil {
		return Chunk{}, fmt.Errorf("decode %s: %w", p.Format, err)
	}

	chunk, err := NormalizePCM(pcm, a.rate)
	if err != nil {
		return Chunk{}, err
	}
	chunk.PTS = p.PTS

	return chunk, nil
}

func (a *Adapter) decoder(f Format) (Decoder, bool) {
	if d, ok := a.decoders[f]; ok {
		return d, true
	}

	d, ok := a.registry.Lookup(f)
	if ok {
		a.decoders[f] = d
	}
	return d, ok
}

// Reset drops the decoders, and the state they carry, of the previous stream.
func (a *Adapter) Reset() {
	clear(a.decoders)
}

// NormalizePCM de-interleaves pcm into at most two planes, resamples them to
// rate and scales them down when the peak amplitude exceeds 1.
func NormalizePCM(pcm PCM, rate int) (Chunk, error) {
	if pcm.Channels <= 0 {
		return Chunk{}, fmt.Errorf("invalid channel count %d", pcm.Channels)
	}
	if pcm.SampleRate <= 0 {
		return Chunk{}, fmt.Errorf("invalid sample rate %d", pcm.SampleRate)
	}

	planeCount := pcm.Channels
	if planeCount > 2 {
		planeCount = 2
	}

	planes := deinterleave(pcm.Samples, pcm.Channels, planeCount)

	if rate > 0 && rate != pcm.SampleRate {
		for i, plane := range planes {
			planes[i] = resample(plane, float64(rate)/float64(pcm.SampleRate))
		}
	} else {
		rate = pcm.SampleRate
	}

	normalizePeak(planes)

	return Chunk{
		Planes:     planes,
		Channels:   planeCount,
		SampleRate: rate,
	}, nil
}

func deinterleave(samples []float32, channels, keep int) [][]float32 {
	frames := len(samples) / channels
	planes := make([][]float32, keep)
	for c := range planes {
		planes[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		base := i * channels
		for c := 0; c < keep; c++ {
			planes[c][i] = samples[base+c]
		}
	}
	return planes
}

// resample maps every output index to floor(i / ratio) of the input, where
// ratio is native rate over decoded rate.
func resample(in []float32, ratio float64) []float32 {
	n := int(math.Floor(float64(len(in)) * ratio))
	out := make([]float32, n)
	for i := range out {
		src := int(math.Floor(float64(i) / ratio))
		if src >= len(in) {
			src = len(in) - 1
		}
		out[i] = in[src]
	}
	return out
}

func normalizePeak(planes [][]float32) {
	var peak float32
	for _, plane := range planes {
		for _, v := range plane {
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
	}

	if peak <= 1 {
		return
	}

	scale := 1 / peak
	for _, plane := range planes {
		for i := range plane {
			plane[i] *= scale
		}
	}
}
