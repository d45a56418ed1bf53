package decoder

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bigbluebutton/bbb-stream-player/internal/media/bitstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	idrUnit   = []byte{0x00, 0x00, 0x00, 0x02, 0x65, 0x88}
	deltaUnit = []byte{0x00, 0x00, 0x00, 0x02, 0x41, 0xc0}
)

func defaultBlob(t *testing.T) []byte {
	blob, err := hex.DecodeString(DefaultConfigHex)
	require.NoError(t, err)
	return blob
}

func units(t *testing.T, buf []byte, pts time.Duration) []bitstream.Unit {
	u, err := bitstream.Split(buf, pts)
	require.NoError(t, err)
	return u
}

// manualBackend parks decode callbacks until the test completes them.
type manualBackend struct {
	mu         sync.Mutex
	configured *Config
	pending    []func(*Frame, error)
	flushes    int
	closes     int
}

func (b *manualBackend) Configure(cfg Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configured = &cfg
	return nil
}

func (b *manualBackend) Decode(unit bitstream.Unit, done func(*Frame, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, done)
}

func (b *manualBackend) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes++
	return nil
}

func (b *manualBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func (b *manualBackend) complete(i int, f *Frame, err error) {
	b.mu.Lock()
	done := b.pending[i]
	b.mu.Unlock()
	done(f, err)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfigHex(DefaultConfigHex, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, "avc1.42c028", cfg.Codec)
	assert.Equal(t, defaultBlob(t), cfg.Description)
	assert.Equal(t, byte(0x42), cfg.Profile())
	assert.Equal(t, byte(0xc0), cfg.Constraints())
	assert.Equal(t, byte(0x28), cfg.Level())
	assert.Equal(t, 1920, cfg.CodedWidth)
	assert.Equal(t, 1080, cfg.CodedHeight)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{name: "empty", blob: ""},
		{name: "not hex", blob: "zz42c028"},
		{name: "wrong record marker", blob: "0242c028ffe100196742c028"},
		{name: "truncated parameter sets", blob: "0142c028ffe10019674200"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfigHex(tt.blob, 0, 0)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend("headless")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = NewBackend("gpu")
	assert.Error(t, err)
	assert.Contains(t, Backends(), "headless")
}

func TestSession_HeadlessDecode(t *testing.T) {
	queue := NewFrameQueue()
	backend := NewHeadless()
	s, err := NewSession("test", backend, defaultBlob(t), 0, 0, queue)
	require.NoError(t, err)

	for i, buf := range [][]byte{idrUnit, deltaUnit, deltaUnit} {
		for _, u := range units(t, buf, time.Duration(i)*40*time.Millisecond) {
			s.Submit(u)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		f, err := queue.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(i)*40*time.Millisecond, f.PTS)
		assert.Equal(t, 1920, f.Width)
		f.Release()
	}

	assert.False(t, s.Failed())
	require.NoError(t, s.FlushAndClose(ctx))

	stats := s.Stats()
	assert.EqualValues(t, 3, stats.Submitted)
	assert.EqualValues(t, 3, stats.Decoded)
	assert.EqualValues(t, 0, stats.Outstanding)
	assert.EqualValues(t, 0, backend.Live())
}

func TestSession_DecodeErrorMarksFailed(t *testing.T) {
	queue := NewFrameQueue()
	s, err := NewSession("test", NewHeadless(), defaultBlob(t), 0, 0, queue)
	require.NoError(t, err)

	var reported []error
	var mu sync.Mutex
	s.OnDecodeError = func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}

	// delta before any keyframe
	for _, u := range units(t, deltaUnit, 0) {
		s.Submit(u)
	}

	ctx := context.Background()
	require.NoError(t, s.FlushAndClose(ctx))

	assert.True(t, s.Failed())
	assert.True(t, errors.Is(s.LastError(), ErrMissingReference))
	assert.EqualValues(t, 1, s.Stats().DecodeErrors)
	assert.Equal(t, 0, queue.Len())

	mu.Lock()
	assert.Len(t, reported, 1)
	mu.Unlock()
}

func TestSession_StaleCompletionsAreNoOps(t *testing.T) {
	queue := NewFrameQueue()
	backend := &manualBackend{}
	s, err := NewSession("test", backend, defaultBlob(t), 0, 0, queue)
	require.NoError(t, err)
	require.NotNil(t, backend.configured)
	assert.Equal(t, "avc1.42c028", backend.configured.Codec)

	for _, u := range units(t, idrUnit, 0) {
		s.Submit(u)
	}
	for _, u := range units(t, deltaUnit, 40*time.Millisecond) {
		s.Submit(u)
	}

	released := make(chan struct{}, 2)
	newFrame := func(pts time.Duration) *Frame {
		return NewFrame(pts, 1920, 1080, nil, func() { released <- struct{}{} })
	}

	backend.complete(0, newFrame(0), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	f, err := queue.Pop(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.Stats().Outstanding)

	require.NoError(t, s.FlushAndClose(ctx))
	require.NoError(t, s.FlushAndClose(ctx))
	assert.Equal(t, 1, backend.flushes)
	assert.Equal(t, 1, backend.closes)

	// arrives after teardown
	assert.NotPanics(t, func() {
		backend.complete(1, newFrame(40*time.Millisecond), nil)
		backend.complete(1, nil, errors.New("late failure"))
	})

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("stale frame was not released")
	}

	assert.Equal(t, 0, queue.Len())
	assert.False(t, s.Failed())
	assert.EqualValues(t, 2, s.Stats().Stale)

	f.Release()
	f.Release()
	assert.EqualValues(t, 0, s.Stats().Outstanding)
}

func TestFrameQueue(t *testing.T) {
	q := NewFrameQueue()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var releases int
	for i := 0; i < 3; i++ {
		q.Push(NewFrame(time.Duration(i), 1, 1, nil, func() { releases++ }))
	}
	assert.Equal(t, 3, q.Len())

	f := q.TryPop()
	require.NotNil(t, f)
	assert.Equal(t, time.Duration(0), f.PTS)

	assert.Equal(t, 2, q.Drain())
	assert.Equal(t, 2, releases)
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.TryPop())
}
