package decoder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bigbluebutton/bbb-stream-player/internal/media/bitstream"
	log "github.com/sirupsen/logrus"
)

const completionQueueSize = 64

// Ticket identifies one submitted unit.
type Ticket struct {
	Generation uint64
	Seq        uint64
}

type completion struct {
	ticket  Ticket
	frame   *Frame
	err     error
	barrier chan struct{}
}

type SessionStats struct {
	Submitted    uint64 `json:"submitted"`
	Decoded      uint64 `json:"decoded"`
	DecodeErrors uint64 `json:"decodeErrors"`
	Stale        uint64 `json:"stale"`
	Outstanding  int64  `json:"outstanding"`
}

// Session drives one configured Backend. Completions reported by the backend
// are collected on a single goroutine and pushed to the frame queue; the ones
// that arrive after teardown are released and otherwise ignored.
type Session struct {
	id      string
	cfg     Config
	backend Backend
	queue   *FrameQueue

	generation atomic.Uint64
	seq        atomic.Uint64

	// closing is taken for writing once, at teardown, so that no completion
	// is sent after the collector stops reading.
	closing     sync.RWMutex
	closed      bool
	completions chan completion
	done        chan struct{}
	collected   chan struct{}
	closeOnce   sync.Once
	closeErr    error

	failed       atomic.Bool
	lastErr      atomic.Value
	submitted    atomic.Uint64
	decoded      atomic.Uint64
	decodeErrors atomic.Uint64
	stale        atomic.Uint64
	outstanding  atomic.Int64

	// OnDecodeError, when set before the first Submit, is called from the
	// collector goroutine for every failed decode.
	OnDecodeError func(err error)
	// OnFrame, when set before the first Submit, is called from the collector
	// goroutine for every frame handed to the queue.
	OnFrame func(f *Frame)
}

// NewSession derives the decoder configuration from blob and configures the
// backend with it. The returned error wraps ErrInvalidConfig when the blob is
// malformed or the backend rejects it.
func NewSession(id string, backend Backend, blob []byte, width, height int, queue *FrameQueue) (*Session, error) {
	cfg, err := ParseConfig(blob, width, height)
	if err != nil {
		return nil, err
	}

	if err := backend.Configure(cfg); err != nil {
		return nil, fmt.Errorf("%w: configure %s: %v", ErrInvalidConfig, cfg.Codec, err)
	}

	s := &Session{
		id:          id,
		cfg:         cfg,
		backend:     backend,
		queue:       queue,
		completions: make(chan completion, completionQueueSize),
		done:        make(chan struct{}),
		collected:   make(chan struct{}),
	}
	s.generation.Store(1)

	go s.collect()

	log.WithField("session", id).
		Infof("decoder configured: codec=%s size=%dx%d", cfg.Codec, cfg.CodedWidth, cfg.CodedHeight)

	return s, nil
}

func (s *Session) Config() Config {
	return s.cfg
}

func (s *Session) Generation() uint64 {
	return s.generation.Load()
}

// Submit hands unit to the backend and returns immediately. The decoded
// frame shows up in the frame queue once the backend completes it.
func (s *Session) Submit(unit bitstream.Unit) Ticket {
	t := Ticket{Generation: s.generation.Load(), Seq: s.seq.Add(1)}
	s.submitted.Add(1)

	s.backend.Decode(unit, func(f *Frame, err error) {
		s.deliver(completion{ticket: t, frame: f, err: err})
	})

	return t
}

func (s *Session) deliver(c completion) {
	s.closing.RLock()
	defer s.closing.RUnlock()

	if s.closed {
		s.stale.Add(1)
		c.frame.Release()
		return
	}

	s.completions <- c
}

func (s *Session) collect() {
	defer close(s.collected)

	for {
		select {
		case c := <-s.completions:
			s.handle(c)
		case <-s.done:
			for {
				select {
				case c := <-s.completions:
					s.handle(c)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) handle(c completion) {
	if c.barrier != nil {
		close(c.barrier)
		return
	}

	if c.ticket.Generation != s.generation.Load() {
		s.stale.Add(1)
		c.frame.Release()
		log.WithField("session", s.id).
			Tracef("dropping stale completion gen=%d seq=%d", c.ticket.Generation, c.ticket.Seq)
		return
	}

	if c.err != nil {
		c.frame.Release()
		s.decodeErrors.Add(1)
		s.lastErr.Store(c.err)
		if !s.failed.Swap(true) {
			log.WithField("session", s.id).Errorf("decode error on unit %d: %s", c.ticket.Seq, c.err)
		} else {
			log.WithField("session", s.id).Debugf("decode error on unit %d: %s", c.ticket.Seq, c.err)
		}
		if s.OnDecodeError != nil {
			s.OnDecodeError(c.err)
		}
		return
	}

	if c.frame == nil {
		return
	}

	s.decoded.Add(1)
	s.outstanding.Add(1)
	c.frame.chain(func() { s.outstanding.Add(-1) })

	if s.OnFrame != nil {
		s.OnFrame(c.frame)
	}
	s.queue.Push(c.frame)
}

// Failed reports whether the backend returned a decode error. The session
// keeps accepting units; recovering is up to the caller.
func (s *Session) Failed() bool {
	return s.failed.Load()
}

func (s *Session) LastError() error {
	if err, ok := s.lastErr.Load().(error); ok {
		return err
	}
	return nil
}

// FlushAndClose waits for in-flight decodes to be collected, then closes the
// backend. Later completions are no-ops. It is safe to call more than once.
func (s *Session) FlushAndClose(ctx context.Context) error {
	s.closeOnce.Do(func() {
		l := log.WithField("session", s.id)

		if err := s.backend.Flush(ctx); err != nil {
			l.Warnf("decoder flush failed: %s", err)
		} else {
			s.barrier(ctx)
		}

		s.generation.Add(1)

		s.closing.Lock()
		s.closed = true
		s.closing.Unlock()

		close(s.done)
		<-s.collected

		if err := s.backend.Close(); err != nil {
			s.closeErr = fmt.Errorf("close decoder: %w", err)
		}

		l.WithField("stats", s.Stats()).Debug("decoder session closed")
	})

	return s.closeErr
}

// barrier returns once every completion queued so far has been handled.
func (s *Session) barrier(ctx context.Context) {
	b := make(chan struct{})

	select {
	case s.completions <- completion{barrier: b}:
	case <-ctx.Done():
		return
	}

	select {
	case <-b:
	case <-ctx.Done():
	}
}

func (s *Session) Stats() SessionStats {
	return SessionStats{
		Submitted:    s.submitted.Load(),
		Decoded:      s.decoded.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		Stale:        s.stale.Load(),
		Outstanding:  s.outstanding.Load(),
	}
}
