package decoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bigbluebutton/bbb-stream-player/internal/media/bitstream"
	"github.com/gammazero/deque"
	"github.com/nareix/joy4/codec/h264parser"
	log "github.com/sirupsen/logrus"
)

const lengthPrefixSize = 4

var (
	ErrNotConfigured    = errors.New("decoder not configured")
	ErrMissingReference = errors.New("delta unit without a preceding keyframe")
)

// HeadlessPicture is the handle of frames produced by the headless backend.
type HeadlessPicture struct {
	Index     uint64
	SliceType h264parser.SliceType
	Size      int
}

type headlessJob struct {
	unit    bitstream.Unit
	done    func(*Frame, error)
	flushed chan struct{}
}

// Headless validates slice headers and produces frame handles without
// decoding pictures. It is used on servers and in tests. Jobs are handled in
// submission order on a single worker goroutine.
type Headless struct {
	mu      sync.Mutex
	jobs    deque.Deque[headlessJob]
	wake    chan struct{}
	closed  bool
	stopped chan struct{}

	cfg           *Config
	haveReference bool
	index         uint64

	live atomic.Int64
}

func NewHeadless() *Headless {
	h := &Headless{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Headless) Configure(cfg Config) error {
	if len(cfg.Description) == 0 || cfg.CodedWidth <= 0 || cfg.CodedHeight <= 0 {
		return fmt.Errorf("%w: incomplete config", ErrInvalidConfig)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrBackendClosed
	}
	h.cfg = &cfg
	h.haveReference = false
	return nil
}

func (h *Headless) Decode(unit bitstream.Unit, done func(*Frame, error)) {
	if !h.enqueue(headlessJob{unit: unit, done: done}) {
		done(nil, ErrBackendClosed)
	}
}

// Flush waits until every job submitted before it has completed.
func (h *Headless) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	if !h.enqueue(headlessJob{flushed: flushed}) {
		return nil
	}

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Headless) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.signal()
	<-h.stopped
	return nil
}

// Live returns the number of produced frames that are not released yet.
func (h *Headless) Live() int64 {
	return h.live.Load()
}

func (h *Headless) enqueue(job headlessJob) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.jobs.PushBack(job)
	h.mu.Unlock()

	h.signal()
	return true
}

func (h *Headless) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Headless) next() (headlessJob, bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.jobs.Len() > 0 {
		return h.jobs.PopFront(), true, h.closed
	}
	return headlessJob{}, false, h.closed
}

func (h *Headless) run() {
	defer close(h.stopped)

	for {
		job, ok, closed := h.next()
		if !ok {
			if closed {
				return
			}
			<-h.wake
			continue
		}

		if job.flushed != nil {
			close(job.flushed)
			continue
		}

		if closed {
			job.done(nil, ErrBackendClosed)
			continue
		}

		job.done(h.decode(job.unit))
	}
}

func (h *Headless) decode(unit bitstream.Unit) (*Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := h.cfg
	if cfg == nil {
		return nil, ErrNotConfigured
	}

	if len(unit.Payload) <= lengthPrefixSize {
		return nil, fmt.Errorf("empty unit")
	}
	nalu := unit.Payload[lengthPrefixSize:]

	if nalu[0]&0x80 != 0 {
		return nil, fmt.Errorf("forbidden_zero_bit set in unit type %d", unit.Type)
	}

	sliceType, err := h264parser.ParseSliceHeaderFromNALU(nalu)
	if err != nil {
		return nil, err
	}

	if unit.IsKeyframe {
		if sliceType != h264parser.SLICE_I {
			return nil, fmt.Errorf("keyframe carries %s slice", sliceType)
		}
		h.haveReference = true
	} else if !h.haveReference {
		return nil, ErrMissingReference
	}

	h.index++
	h.live.Add(1)

	log.Tracef("headless decode #%d: %s slice, %d bytes, pts=%s", h.index, sliceType, len(nalu), unit.PTS)

	return NewFrame(unit.PTS, cfg.CodedWidth, cfg.CodedHeight, &HeadlessPicture{
		Index:     h.index,
		SliceType: sliceType,
		Size:      len(nalu),
	}, func() {
		h.live.Add(-1)
	}), nil
}
