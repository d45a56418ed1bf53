package jitter

import (
	"sync"
	"sync/atomic"

	"github.com/bigbluebutton/bbb-stream-player/internal/media/audio"
	"github.com/gammazero/deque"
)

// ChannelQueue holds the chunks of one output channel plus the partially
// consumed current buffer.
type ChannelQueue struct {
	chunks  deque.Deque[[]float32]
	queued  int
	current []float32
}

// Len returns the number of queued chunks, not counting the current buffer.
func (q *ChannelQueue) Len() int {
	return q.chunks.Len()
}

// Buffered returns the samples held in queued chunks and the current buffer.
func (q *ChannelQueue) Buffered() int {
	return q.queued + len(q.current)
}

func (q *ChannelQueue) push(samples []float32) {
	q.chunks.PushBack(samples)
	q.queued += len(samples)
}

func (q *ChannelQueue) dropOldest() int {
	samples := q.chunks.PopFront()
	q.queued -= len(samples)
	return len(samples)
}

// pull fills out from the queue and reports whether it ran short.
func (q *ChannelQueue) pull(out []float32, p Profile) (underrun bool, available, trimmed int) {
	n := len(out)

	for len(q.current) < p.MinimumBufferSamples && q.chunks.Len() > 0 {
		chunk := q.chunks.PopFront()
		q.queued -= len(chunk)
		q.current = append(q.current, chunk...)
	}

	if len(q.current) < n {
		available = copy(out, q.current)
		clear(out[available:])
		q.current = q.current[:0]
		return true, available, 0
	}

	copy(out, q.current[:n])

	start := n
	remaining := len(q.current) - n
	if remaining > p.MaxBufferSamples {
		trimmed = remaining - p.MaxBufferSamples
		start += trimmed
		remaining = p.MaxBufferSamples
	}

	copy(q.current, q.current[start:])
	q.current = q.current[:remaining]

	return false, n, trimmed
}

// trimCurrent drops up to n of the oldest samples of the current buffer.
func (q *ChannelQueue) trimCurrent(n int) int {
	n = min(n, len(q.current))
	copy(q.current, q.current[n:])
	q.current = q.current[:len(q.current)-n]
	return n
}

func (q *ChannelQueue) reset() {
	q.chunks.Clear()
	q.queued = 0
	q.current = q.current[:0]
}

type PullResult struct {
	// Samples copied from buffered audio per channel; the rest is silence.
	Available int
	Underrun  bool
	Stopped   bool
}

type Stats struct {
	PushedChunks   uint64 `json:"pushedChunks"`
	DroppedChunks  uint64 `json:"droppedChunks"`
	DroppedSamples uint64 `json:"droppedSamples"`
	TrimmedSamples uint64 `json:"trimmedSamples"`
	Underruns      uint64 `json:"underruns"`
	Pulls          uint64 `json:"pulls"`
	QueuedChunks   int    `json:"queuedChunks"`
	Buffered       int    `json:"buffered"`
}

// Buffer is a two-channel jitter buffer fed by one producer and drained by
// one fixed-cadence consumer. The lock is only taken to hand chunks over and
// to copy out one block; smoothing runs before it is acquired.
type Buffer struct {
	profile Profile

	mu    sync.Mutex
	left  ChannelQueue
	right ChannelQueue
	stats Stats

	// scratch receives the right channel when the caller renders mono.
	scratch []float32

	stopped atomic.Bool
}

func NewBuffer(p Profile) *Buffer {
	if p.MaxQueuedChunks <= 0 {
		p.MaxQueuedChunks = defaultMaxQueuedChunks
	}
	if p.MaxBufferSamples <= 0 {
		p.MaxBufferSamples = NewProfile(p.SampleRate).MaxBufferSamples
	}

	b := &Buffer{profile: p}
	b.left.current = make([]float32, 0, p.MaxBufferSamples+p.MinimumBufferSamples)
	b.right.current = make([]float32, 0, p.MaxBufferSamples+p.MinimumBufferSamples)
	return b
}

func (b *Buffer) Profile() Profile {
	return b.profile
}

// Push takes ownership of the chunk planes. A mono chunk feeds both channels;
// stereo planes of unequal length are cut to the shorter one. At most
// MaxBufferSamples per channel stay buffered: whole queued chunks are dropped
// first, then the oldest samples.
func (b *Buffer) Push(c audio.Chunk) {
	if c.Len() == 0 {
		return
	}

	left := c.Planes[0]
	right := left
	if len(c.Planes) > 1 {
		n := min(len(left), len(c.Planes[1]))
		if n == 0 {
			return
		}
		left, right = left[:n], c.Planes[1][:n]
	}

	smooth(left, b.profile.SmoothingFactor)
	if !samePlane(left, right) {
		smooth(right, b.profile.SmoothingFactor)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.left.Len() > 0 && b.left.Len() >= b.profile.MaxQueuedChunks {
		b.dropOldest()
	}
	for b.left.Len() > 0 && b.left.Buffered()+len(left) > b.profile.MaxBufferSamples {
		b.dropOldest()
	}

	if excess := b.left.Buffered() + len(left) - b.profile.MaxBufferSamples; excess > 0 {
		n := b.left.trimCurrent(excess)
		b.right.trimCurrent(excess)
		left, right = left[excess-n:], right[excess-n:]
		b.stats.TrimmedSamples += uint64(excess)
	}

	b.left.push(left)
	b.right.push(right)
	b.stats.PushedChunks++
}

// Locked
func (b *Buffer) dropOldest() {
	n := b.left.dropOldest()
	if b.right.Len() > 0 {
		b.right.dropOldest()
	}
	b.stats.DroppedChunks++
	b.stats.DroppedSamples += uint64(n)
}

// Pull writes exactly len(left) samples into left and right, filling with
// silence when not enough audio is buffered. right may be nil.
func (b *Buffer) Pull(left, right []float32) PullResult {
	if b.stopped.Load() {
		clear(left)
		clear(right)
		return PullResult{Stopped: true}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Pulls++

	underrun, available, trimmed := b.left.pull(left, b.profile)

	if right == nil {
		if cap(b.scratch) < len(left) {
			b.scratch = make([]float32, len(left))
		}
		right = b.scratch[:len(left)]
	}
	b.right.pull(right, b.profile)

	if underrun {
		b.stats.Underruns++
	}
	b.stats.TrimmedSamples += uint64(trimmed)

	return PullResult{Available: available, Underrun: underrun}
}

// Clear drops all queued and current audio. Calling it repeatedly is harmless.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.left.reset()
	b.right.reset()
}

// Stop makes every following Pull return silence until Start is called.
func (b *Buffer) Stop() {
	b.stopped.Store(true)
}

func (b *Buffer) Start() {
	b.stopped.Store(false)
}

func (b *Buffer) Stopped() bool {
	return b.stopped.Load()
}

func (b *Buffer) QueuedChunks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.left.Len()
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.QueuedChunks = b.left.Len()
	s.Buffered = b.left.Buffered()
	return s
}

// smooth applies a one-pole low pass filter in place.
func smooth(samples []float32, alpha float32) {
	if alpha <= 0 || alpha >= 1 {
		return
	}
	for i := 1; i < len(samples); i++ {
		samples[i] = alpha*samples[i] + (1-alpha)*samples[i-1]
	}
}

func samePlane(a, b []float32) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}
