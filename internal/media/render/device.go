package render

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

const (
	DeviceClock = "clock"
	DeviceOto   = "oto"
)

// Device drives a Reader at the render cadence.
type Device interface {
	Start() error
	Stop() error
	Close() error
}

type DeviceFactory func(r *Reader, rate int) (Device, error)

// The sound card device needs cgo and is only registered in builds with the
// oto tag.
var (
	devicesMu sync.RWMutex
	devices   = map[string]DeviceFactory{
		DeviceClock: func(r *Reader, rate int) (Device, error) { return NewClockDevice(r, rate), nil },
	}
)

func RegisterDevice(kind string, factory DeviceFactory) {
	devicesMu.Lock()
	defer devicesMu.Unlock()
	devices[kind] = factory
}

// NewDevice opens the device named kind for r at the given sample rate.
func NewDevice(kind string, r *Reader, rate int) (Device, error) {
	if kind == "" {
		kind = DeviceClock
	}

	devicesMu.RLock()
	factory, ok := devices[kind]
	devicesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown audio device '%s' (available: %v)", kind, Devices())
	}
	return factory(r, rate)
}

func Devices() []string {
	devicesMu.RLock()
	defer devicesMu.RUnlock()

	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClockDevice pulls one block per block period from its own goroutine and
// discards it. It stands in for a sound card on servers and in tests.
type ClockDevice struct {
	reader io.Reader
	period time.Duration
	block  []byte

	mu      sync.Mutex
	running bool
	closed  bool
	stop    chan struct{}
	stopped chan struct{}
}

func NewClockDevice(r *Reader, rate int) *ClockDevice {
	if rate <= 0 {
		rate = 48000
	}
	return &ClockDevice{
		reader: r,
		period: time.Duration(r.BlockSize()) * time.Second / time.Duration(rate),
		block:  make([]byte, r.BlockSize()*frameSize),
	}
}

func (d *ClockDevice) Period() time.Duration {
	return d.period
}

func (d *ClockDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("audio device closed")
	}
	if d.running {
		return nil
	}

	d.running = true
	d.stop = make(chan struct{})
	d.stopped = make(chan struct{})
	go d.run(d.stop, d.stopped)

	return nil
}

func (d *ClockDevice) run(stop, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_, _ = io.ReadFull(d.reader, d.block)
		}
	}
}

func (d *ClockDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}
	d.running = false
	close(d.stop)
	<-d.stopped

	return nil
}

func (d *ClockDevice) Close() error {
	if err := d.Stop(); err != nil {
		return err
	}

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	return nil
}
