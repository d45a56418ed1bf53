package render

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/bigbluebutton/bbb-stream-player/internal/media/jitter"
	log "github.com/sirupsen/logrus"
)

const (
	Channels       = 2
	BytesPerSample = 2
	frameSize      = Channels * BytesPerSample
)

// Reader renders a jitter buffer as interleaved signed 16-bit little-endian
// stereo, pulling one block at a time. Read never fails and never blocks on
// the producer: missing audio is rendered as silence.
type Reader struct {
	buffer *jitter.Buffer
	left   []float32
	right  []float32
	out    []byte

	pending []byte

	// float32 bits of the output gain
	volume atomic.Uint32

	blocks    atomic.Uint64
	underruns atomic.Uint64
	panics    atomic.Uint64
}

func NewReader(b *jitter.Buffer, blockSize int) *Reader {
	if blockSize <= 0 {
		blockSize = 1024
	}
	r := &Reader{
		buffer: b,
		left:   make([]float32, blockSize),
		right:  make([]float32, blockSize),
		out:    make([]byte, blockSize*frameSize),
	}
	r.SetVolume(1)
	return r
}

// SetVolume sets the output gain, clamped to [0, 1]. It takes effect on the
// next block.
func (r *Reader) SetVolume(v float64) {
	switch {
	case math.IsNaN(v) || v < 0:
		v = 0
	case v > 1:
		v = 1
	}
	r.volume.Store(math.Float32bits(float32(v)))
}

func (r *Reader) Volume() float64 {
	return float64(math.Float32frombits(r.volume.Load()))
}

func (r *Reader) BlockSize() int {
	return len(r.left)
}

// Blocks returns the number of blocks pulled from the buffer so far.
func (r *Reader) Blocks() uint64 {
	return r.blocks.Load()
}

// Underruns returns the number of blocks that were padded with silence.
func (r *Reader) Underruns() uint64 {
	return r.underruns.Load()
}

func (r *Reader) Read(p []byte) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			log.Errorf("recovered from panic in audio render: %v", rec)
			for i := n; i < len(p); i++ {
				p[i] = 0
			}
			r.pending = nil
			n, err = len(p), nil
		}
	}()

	for n < len(p) {
		if len(r.pending) == 0 {
			r.renderBlock()
		}
		c := copy(p[n:], r.pending)
		r.pending = r.pending[c:]
		n += c
	}

	return n, nil
}

func (r *Reader) renderBlock() {
	res := r.buffer.Pull(r.left, r.right)
	r.blocks.Add(1)
	if res.Underrun {
		r.underruns.Add(1)
	}

	gain := math.Float32frombits(r.volume.Load())
	for i := range r.left {
		o := i * frameSize
		binary.LittleEndian.PutUint16(r.out[o:], uint16(toInt16(r.left[i]*gain)))
		binary.LittleEndian.PutUint16(r.out[o+BytesPerSample:], uint16(toInt16(r.right[i]*gain)))
	}
	r.pending = r.out
}

func toInt16(v float32) int16 {
	switch {
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int16(v * 32767)
}
