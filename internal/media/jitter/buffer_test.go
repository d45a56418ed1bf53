package jitter

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bigbluebutton/bbb-stream-player/internal/config"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func mono(n int, v float32) audio.Chunk {
	return audio.Chunk{Planes: [][]float32{constant(n, v)}, Channels: 1, SampleRate: 48000}
}

func stereo(n int, l, r float32) audio.Chunk {
	return audio.Chunk{Planes: [][]float32{constant(n, l), constant(n, r)}, Channels: 2, SampleRate: 48000}
}

func testProfile() Profile {
	return Profile{
		SampleRate:           48000,
		MinimumBufferSamples: 1,
		TargetBufferSamples:  100,
		MaxBufferSamples:     10000,
		MaxQueuedChunks:      20,
		SmoothingFactor:      0.1,
	}
}

func TestProfileFor(t *testing.T) {
	p := ProfileFor(audio.FormatOpus, 0)
	assert.Equal(t, 48000, p.SampleRate)
	assert.Equal(t, 4800, p.MinimumBufferSamples)
	assert.Equal(t, 14400, p.TargetBufferSamples)
	assert.Equal(t, 96000, p.MaxBufferSamples)
	assert.Equal(t, 20, p.MaxQueuedChunks)
	assert.GreaterOrEqual(t, p.SmoothingFactor, float32(0.1))
	assert.LessOrEqual(t, p.SmoothingFactor, float32(0.2))

	aac := ProfileFor(audio.FormatAAC, 0)
	assert.Equal(t, 44100, aac.SampleRate)
	assert.Equal(t, 4410, aac.MinimumBufferSamples)
	assert.Equal(t, 15, aac.MaxQueuedChunks)

	o := p.WithOverrides(config.AudioProfile{MaxQueuedChunks: 5, SmoothingFactor: 0.2})
	assert.Equal(t, 5, o.MaxQueuedChunks)
	assert.Equal(t, float32(0.2), o.SmoothingFactor)
	assert.Equal(t, p.MaxBufferSamples, o.MaxBufferSamples)
}

func TestBuffer_DropOldestChunk(t *testing.T) {
	p := testProfile()
	p.MaxQueuedChunks = 2
	b := NewBuffer(p)

	b.Push(mono(100, 0.2))
	b.Push(mono(100, 0.4))
	b.Push(mono(100, 0.6))

	assert.Equal(t, 2, b.QueuedChunks())

	left := make([]float32, 100)
	right := make([]float32, 100)

	b.Pull(left, right)
	assert.InDeltaSlice(t, constant(100, 0.4), left, 1e-6)
	assert.InDeltaSlice(t, constant(100, 0.4), right, 1e-6)

	b.Pull(left, right)
	assert.InDeltaSlice(t, constant(100, 0.6), left, 1e-6)

	stats := b.Stats()
	assert.EqualValues(t, 3, stats.PushedChunks)
	assert.EqualValues(t, 1, stats.DroppedChunks)
	assert.EqualValues(t, 100, stats.DroppedSamples)
}

func TestBuffer_DropOldestOnSampleBound(t *testing.T) {
	p := testProfile()
	p.MaxBufferSamples = 250
	b := NewBuffer(p)

	b.Push(mono(100, 0.2))
	b.Push(mono(100, 0.4))
	b.Push(mono(100, 0.6))

	assert.Equal(t, 2, b.QueuedChunks())
	assert.LessOrEqual(t, b.Stats().Buffered, 250)
}

func TestBuffer_PullEmpty(t *testing.T) {
	b := NewBuffer(ProfileFor(audio.FormatOpus, 0))

	left := constant(512, 1)
	right := constant(512, 1)

	res := b.Pull(left, right)

	assert.True(t, res.Underrun)
	assert.Equal(t, 0, res.Available)
	assert.Equal(t, make([]float32, 512), left)
	assert.Equal(t, make([]float32, 512), right)
	assert.EqualValues(t, 1, b.Stats().Underruns)
}

func TestBuffer_PullPartial(t *testing.T) {
	b := NewBuffer(testProfile())
	b.Push(stereo(100, 0.5, -0.5))

	left := make([]float32, 128)
	right := make([]float32, 128)

	res := b.Pull(left, right)
	assert.True(t, res.Underrun)
	assert.Equal(t, 100, res.Available)
	assert.InDeltaSlice(t, constant(100, 0.5), left[:100], 1e-6)
	assert.InDeltaSlice(t, constant(100, -0.5), right[:100], 1e-6)
	assert.Equal(t, make([]float32, 28), left[100:])
	assert.Equal(t, make([]float32, 28), right[100:])

	assert.Equal(t, 0, b.Stats().Buffered)
}

func TestBuffer_PullSplitsChunk(t *testing.T) {
	p := testProfile()
	p.MinimumBufferSamples = 150
	b := NewBuffer(p)

	b.Push(mono(100, 0.1))
	b.Push(mono(100, 0.3))

	left := make([]float32, 60)

	res := b.Pull(left, nil)
	assert.False(t, res.Underrun)
	assert.Equal(t, 60, res.Available)
	assert.InDeltaSlice(t, constant(60, 0.1), left, 1e-6)
	assert.Equal(t, 140, b.Stats().Buffered)

	b.Pull(left, nil)
	assert.InDeltaSlice(t, constant(40, 0.1), left[:40], 1e-6)
	assert.InDeltaSlice(t, constant(20, 0.3), left[40:], 1e-6)
}

func ramp(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i) / 1000
	}
	return s
}

func TestBuffer_TrimRetainsNewest(t *testing.T) {
	p := testProfile()
	p.MinimumBufferSamples = 1000
	p.MaxBufferSamples = 1000
	p.SmoothingFactor = 0
	b := NewBuffer(p)

	// only the newest 1000 samples of an oversized chunk are kept
	b.Push(audio.Chunk{Planes: [][]float32{ramp(1800)}, Channels: 1})

	stats := b.Stats()
	assert.Equal(t, 1000, stats.Buffered)
	assert.EqualValues(t, 800, stats.TrimmedSamples)

	left := make([]float32, 10)
	b.Pull(left, nil)
	assert.InDelta(t, 0.8, left[0], 1e-6)
	assert.InDelta(t, 0.809, left[9], 1e-6)
	assert.Equal(t, 990, b.Stats().Buffered)
}

func TestBuffer_TrimCurrentBeforeChunk(t *testing.T) {
	p := testProfile()
	p.MaxBufferSamples = 1000
	p.SmoothingFactor = 0
	b := NewBuffer(p)

	b.Push(audio.Chunk{Planes: [][]float32{ramp(990)}, Channels: 1})

	left := make([]float32, 10)
	b.Pull(left, nil)
	require.Equal(t, 980, b.Stats().Buffered)

	// 480 samples over the bound come off the current buffer
	b.Push(mono(500, 0.9))
	stats := b.Stats()
	assert.Equal(t, 1000, stats.Buffered)
	assert.EqualValues(t, 480, stats.TrimmedSamples)

	b.Pull(left, nil)
	assert.InDelta(t, 0.49, left[0], 1e-6)

	// a chunk larger than the bound replaces everything and loses its head
	b.Push(audio.Chunk{Planes: [][]float32{ramp(5000)}, Channels: 1})
	assert.Equal(t, 1000, b.Stats().Buffered)

	b.Pull(left, nil)
	assert.InDelta(t, 4.0, left[0], 1e-6)
}

func TestBuffer_UnevenStereoPlanes(t *testing.T) {
	b := NewBuffer(testProfile())
	b.Push(audio.Chunk{
		Planes:     [][]float32{constant(10, 0.5), constant(8, -0.5)},
		Channels:   2,
		SampleRate: 48000,
	})
	assert.Equal(t, 8, b.Stats().Buffered)

	left := make([]float32, 8)
	right := make([]float32, 8)
	res := b.Pull(left, right)
	assert.False(t, res.Underrun)
	assert.InDeltaSlice(t, constant(8, 0.5), left, 1e-6)
	assert.InDeltaSlice(t, constant(8, -0.5), right, 1e-6)

	b.Push(audio.Chunk{Planes: [][]float32{constant(4, 0.5), {}}, Channels: 2})
	assert.Equal(t, 0, b.Stats().Buffered)
}

func TestBuffer_PullAlwaysFillsBlock(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := testProfile()
	p.MinimumBufferSamples = 300
	p.MaxBufferSamples = 2000
	p.MaxQueuedChunks = 4
	b := NewBuffer(p)

	for i := 0; i < 500; i++ {
		if rng.Intn(3) > 0 {
			b.Push(stereo(1+rng.Intn(700), 0.25, -0.25))
			assert.LessOrEqual(t, b.QueuedChunks(), p.MaxQueuedChunks)
		}

		n := 1 + rng.Intn(512)
		left := constant(n, 9)
		right := constant(n, 9)
		b.Pull(left, right)

		assert.Len(t, left, n)
		for j := range left {
			require.NotEqual(t, float32(9), left[j])
			require.NotEqual(t, float32(9), right[j])
		}
		assert.LessOrEqual(t, len(b.left.current), p.MaxBufferSamples)
	}
}

func TestBuffer_ConcurrentPushPull(t *testing.T) {
	p := testProfile()
	p.MinimumBufferSamples = 256
	p.MaxBufferSamples = 4096
	p.MaxQueuedChunks = 8
	p.SmoothingFactor = 0
	b := NewBuffer(p)

	var (
		wg      sync.WaitGroup
		invalid atomic.Int64
		done    = make(chan struct{})
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 2000; i++ {
			b.Push(stereo(480, 0.25, -0.25))
			if i%100 == 0 {
				b.Clear()
			}
		}
	}()

	go func() {
		defer wg.Done()
		left := make([]float32, 128)
		right := make([]float32, 128)
		for {
			select {
			case <-done:
				return
			default:
			}

			b.Pull(left, right)
			for i := range left {
				if (left[i] != 0 && left[i] != 0.25) || (right[i] != 0 && right[i] != -0.25) {
					invalid.Add(1)
				}
			}
			if b.Stats().Buffered > p.MaxBufferSamples {
				invalid.Add(1)
			}
		}
	}()

	wg.Wait()

	assert.Zero(t, invalid.Load())
	assert.EqualValues(t, 2000, b.Stats().PushedChunks)
	assert.LessOrEqual(t, b.Stats().Buffered, p.MaxBufferSamples)
}

func TestBuffer_ClearIdempotent(t *testing.T) {
	b := NewBuffer(testProfile())
	b.Push(stereo(100, 0.5, 0.5))
	b.Pull(make([]float32, 10), make([]float32, 10))

	b.Clear()
	once := b.Stats()
	b.Clear()
	twice := b.Stats()

	assert.Equal(t, once, twice)
	assert.Equal(t, 0, twice.Buffered)
	assert.Equal(t, 0, twice.QueuedChunks)

	res := b.Pull(make([]float32, 10), make([]float32, 10))
	assert.True(t, res.Underrun)
}

func TestBuffer_StopStart(t *testing.T) {
	b := NewBuffer(testProfile())
	b.Push(mono(100, 0.5))

	b.Stop()
	left := constant(50, 1)
	res := b.Pull(left, nil)
	assert.True(t, res.Stopped)
	assert.Equal(t, make([]float32, 50), left)
	assert.Equal(t, 100, b.Stats().Buffered)

	b.Start()
	res = b.Pull(left, nil)
	assert.False(t, res.Stopped)
	assert.Equal(t, 50, res.Available)
}

func TestSmooth(t *testing.T) {
	s := []float32{1, 0, 0}
	smooth(s, 0.1)
	assert.InDeltaSlice(t, []float32{1, 0.9, 0.81}, s, 1e-6)

	// a mono chunk is smoothed once even though it feeds both channels
	b := NewBuffer(testProfile())
	b.Push(audio.Chunk{Planes: [][]float32{{1, 0, 0}}, Channels: 1})

	left := make([]float32, 3)
	right := make([]float32, 3)
	b.Pull(left, right)
	assert.InDeltaSlice(t, []float32{1, 0.9, 0.81}, left, 1e-6)
	assert.InDeltaSlice(t, []float32{1, 0.9, 0.81}, right, 1e-6)
}
