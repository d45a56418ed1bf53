package decoder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
)

// Frame is an opaque decoded picture. Whoever holds it last must call Release.
type Frame struct {
	PTS    time.Duration
	Width  int
	Height int
	Handle any

	released  atomic.Bool
	onRelease func()
}

func NewFrame(pts time.Duration, width, height int, handle any, onRelease func()) *Frame {
	return &Frame{
		PTS:       pts,
		Width:     width,
		Height:    height,
		Handle:    handle,
		onRelease: onRelease,
	}
}

// Release frees the underlying picture. Only the first call has an effect.
func (f *Frame) Release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.onRelease != nil {
		f.onRelease()
	}
}

func (f *Frame) Released() bool {
	return f.released.Load()
}

// chain runs fn after the frame's own release hook.
func (f *Frame) chain(fn func()) {
	prev := f.onRelease
	f.onRelease = func() {
		if prev != nil {
			prev()
		}
		fn()
	}
}

// FrameQueue is an unbounded FIFO of decoded frames waiting for the renderer.
type FrameQueue struct {
	mu     sync.Mutex
	frames deque.Deque[*Frame]
	notify chan struct{}
}

func NewFrameQueue() *FrameQueue {
	return &FrameQueue{notify: make(chan struct{}, 1)}
}

func (q *FrameQueue) Push(f *Frame) {
	q.mu.Lock()
	q.frames.PushBack(f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop returns the oldest frame, or nil when the queue is empty.
func (q *FrameQueue) TryPop() *Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.frames.Len() == 0 {
		return nil
	}
	return q.frames.PopFront()
}

// Pop blocks until a frame is available or ctx is done.
func (q *FrameQueue) Pop(ctx context.Context) (*Frame, error) {
	for {
		if f := q.TryPop(); f != nil {
			return f, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frames.Len()
}

// Drain releases every queued frame and returns how many there were.
func (q *FrameQueue) Drain() int {
	q.mu.Lock()
	frames := make([]*Frame, 0, q.frames.Len())
	for q.frames.Len() > 0 {
		frames = append(frames, q.frames.PopFront())
	}
	q.mu.Unlock()

	for _, f := range frames {
		f.Release()
	}
	return len(frames)
}
