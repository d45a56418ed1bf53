package audio

import (
	"errors"
	"fmt"

	aac "github.com/llehouerou/go-aac"
)

var errNoADTS = errors.New("missing ADTS sync word")

// isADTS reports whether payload starts with an ADTS frame header.
func isADTS(payload []byte) bool {
	return len(payload) >= 7 && payload[0] == 0xff && payload[1]&0xf6 == 0xf0
}

// newAACDecoder decodes ADTS frames. The decoder is initialized from the
// header of the first frame and keeps its state for the following ones.
func newAACDecoder() Decoder {
	dec := aac.NewDecoder()
	var rate, channels int

	return DecoderFunc(func(payload []byte) (PCM, error) {
		if len(payload) == 0 {
			return PCM{}, ErrEmptyPacket
		}
		if !isADTS(payload) {
			return PCM{}, fmt.Errorf("aac: %w", errNoADTS)
		}

		if rate == 0 {
			r, c, err := dec.SimpleInit(payload)
			if err != nil {
				return PCM{}, fmt.Errorf("aac: %w", err)
			}
			if int(r) <= 0 || int(c) <= 0 {
				return PCM{}, fmt.Errorf("aac: invalid stream %d Hz, %d channels", r, c)
			}
			rate, channels = int(r), int(c)
		}

		samples, err := dec.DecodeFloat32(payload)
		if err != nil {
			return PCM{}, fmt.Errorf("aac: %w", err)
		}

		return PCM{
			Samples:    samples,
			Channels:   channels,
			SampleRate: rate,
		}, nil
	})
}
