package audio

import (
	"fmt"

	"github.com/pion/opus"
)

const (
	opusRate = 48000

	// 60ms at 48kHz, the longest frame a TOC byte can announce.
	opusMaxFrameSamples = 2880
)

var (
	opusSilkDurations   = [4]int{480, 960, 1920, 2880}
	opusHybridDurations = [2]int{480, 960}
	opusCeltDurations   = [4]int{120, 240, 480, 960}
)

// opusFrameSamples returns the samples per channel at 48kHz of one frame
// of a packet starting with toc (RFC 6716 section 3.1).
func opusFrameSamples(toc byte) int {
	config := int(toc >> 3)
	switch {
	case config < 12:
		return opusSilkDurations[config%4]
	case config < 16:
		return opusHybridDurations[config%2]
	default:
		return opusCeltDurations[config%4]
	}
}

// newOpusDecoder decodes single-frame SILK packets into 48kHz mono. The
// SILK state carries over from packet to packet.
func newOpusDecoder() Decoder {
	dec := opus.NewDecoder()
	out := make([]byte, opusMaxFrameSamples*2)

	return DecoderFunc(func(payload []byte) (PCM, error) {
		if len(payload) == 0 {
			return PCM{}, ErrEmptyPacket
		}

		if _, _, err := dec.Decode(payload, out); err != nil {
			return PCM{}, fmt.Errorf("opus: %w", err)
		}

		n := min(opusFrameSamples(payload[0]), len(out)/2)

		return PCM{
			Samples:    s16ToFloat(out[:n*2]),
			Channels:   1,
			SampleRate: opusRate,
		}, nil
	})
}
