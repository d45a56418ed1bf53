package decoder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bigbluebutton/bbb-stream-player/internal/media/bitstream"
)

var ErrBackendClosed = errors.New("decoder backend closed")

// Backend is the platform decode capability driven by a Session. Decode must
// not block on decoding; the result is reported through done, from any
// goroutine, exactly once per call.
type Backend interface {
	Configure(cfg Config) error
	Decode(unit bitstream.Unit, done func(*Frame, error))
	Flush(ctx context.Context) error
	Close() error
}

type BackendFactory func() Backend

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{
		"headless": func() Backend { return NewHeadless() },
	}
)

func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

func NewBackend(name string) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown decoder backend '%s' (available: %v)", name, Backends())
	}
	return factory(), nil
}

func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
