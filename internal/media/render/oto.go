//go:build oto

package render

import (
	"fmt"
	"sync"

	"github.com/hajimehoshi/oto/v2"
)

// There can only be one oto context per process; every device shares it.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

func init() {
	RegisterDevice(DeviceOto, func(r *Reader, rate int) (Device, error) {
		return NewOtoDevice(r, rate)
	})
}

func otoContext(rate int) (*oto.Context, error) {
	otoOnce.Do(func() {
		c, ready, err := oto.NewContext(rate, Channels, BytesPerSample)
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = c
		otoRate = rate
	})

	if otoErr != nil {
		return nil, fmt.Errorf("open audio context: %w", otoErr)
	}
	if otoRate != rate {
		return nil, fmt.Errorf("audio context runs at %d Hz, stream needs %d Hz", otoRate, rate)
	}
	return otoCtx, nil
}

// OtoDevice plays a Reader on the system sound card.
type OtoDevice struct {
	mu     sync.Mutex
	player oto.Player
	closed bool
}

func NewOtoDevice(r *Reader, rate int) (*OtoDevice, error) {
	c, err := otoContext(rate)
	if err != nil {
		return nil, err
	}
	return &OtoDevice{player: c.NewPlayer(r)}, nil
}

func (d *OtoDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("audio device closed")
	}
	d.player.Play()
	return d.player.Err()
}

func (d *OtoDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.player.Pause()
	return d.player.Err()
}

func (d *OtoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.player.Close()
}
