package audio

import (
	"errors"
	"sync"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrEmptyPacket       = errors.New("empty audio packet")
)

// Decoder turns one self-contained compressed buffer into interleaved PCM.
type Decoder interface {
	Decode(payload []byte) (PCM, error)
}

type DecoderFunc func(payload []byte) (PCM, error)

func (f DecoderFunc) Decode(payload []byte) (PCM, error) {
	return f(payload)
}

// Registry maps formats to decoder constructors.
type Registry struct {
	mu       sync.RWMutex
	decoders map[Format]func() Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[Format]func() Decoder)}
}

// Register installs a stateless decoder shared by every adapter.
func (r *Registry) Register(f Format, d Decoder) {
	r.RegisterFactory(f, func() Decoder { return d })
}

// RegisterFactory installs a constructor for decoders that keep state
// between packets. Every adapter gets its own instance.
func (r *Registry) RegisterFactory(f Format, fn func() Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[f] = fn
}

// Lookup returns a decoder for f.
func (r *Registry) Lookup(f Format) (Decoder, bool) {
	r.mu.RLock()
	fn, ok := r.decoders[f]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return fn(), true
}

var defaultRegistry = func() *Registry {
	r := NewRegistry()
	r.RegisterFactory(FormatOpus, newOpusDecoder)
	r.RegisterFactory(FormatAAC, newAACDecoder)
	r.Register(FormatMP3, DecoderFunc(decodeMP3))
	r.Register(FormatWAV, DecoderFunc(decodeWAV))
	return r
}()

// RegisterDecoder installs a decoder for f in the process-wide registry,
// replacing any previous one.
func RegisterDecoder(f Format, d Decoder) {
	defaultRegistry.Register(f, d)
}

func DefaultRegistry() *Registry {
	return defaultRegistry
}
