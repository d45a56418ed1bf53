package player

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bigbluebutton/bbb-stream-player/internal/appstats"
	"github.com/bigbluebutton/bbb-stream-player/internal/config"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/audio"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/bitstream"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/decoder"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/jitter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultDrainTimeout = 2 * time.Second

type Option func(*Loop)

func WithRenderer(r Renderer) Option {
	return func(l *Loop) { l.renderer = r }
}

func WithOutput(o Output) Option {
	return func(l *Loop) { l.output = o }
}

func WithTap(t Tap) Option {
	return func(l *Loop) { l.tap = t }
}

func WithMixer(m Mixer) Option {
	return func(l *Loop) { l.mixer = m }
}

// WithStateCallback is called from the dispatch goroutine on every state
// transition.
func WithStateCallback(fn func(State)) Option {
	return func(l *Loop) { l.onState = fn }
}

// WithAudioRegistry replaces the built-in audio decoders.
func WithAudioRegistry(r *audio.Registry) Option {
	return func(l *Loop) { l.adapter = audio.NewAdapterWithRegistry(l.adapter.Rate(), r) }
}

type counters struct {
	keyframes        atomic.Uint64
	deltaUnits       atomic.Uint64
	ignoredUnits     atomic.Uint64
	backwardsDropped atomic.Uint64
	awaitingKeyframe atomic.Uint64
	framingErrors    atomic.Uint64
	rendered         atomic.Uint64
	audioPackets     atomic.Uint64
	audioErrors      atomic.Uint64
	configErrors     atomic.Uint64
	reconfigurations atomic.Uint64
}

// Loop is the per-stream coordinator. Messages are handled one at a time on
// the goroutine running Run; State and Stats may be called from anywhere.
type Loop struct {
	id  string
	cfg config.Player

	blob    []byte
	blobErr error

	frames   *decoder.FrameQueue
	adapter  *audio.Adapter
	buffer   *jitter.Buffer
	format   audio.Format
	renderer Renderer
	output   Output
	mixer    Mixer
	tap      Tap
	onState  func(State)

	state     atomic.Int32
	startTime time.Time

	// Owned by the dispatch goroutine.
	videoBlocked bool
	lastPTS      time.Duration
	havePTS      bool

	mu       sync.Mutex
	url      string
	session  *decoder.Session
	retired  decoder.SessionStats
	codec    string
	counters counters
}

func NewLoop(id string, cfg *config.Config, opts ...Option) (*Loop, error) {
	format, err := audio.ParseFormat(cfg.Player.AudioFormat)
	if err != nil {
		return nil, err
	}

	overrides := cfg.AudioProfile(format.String())
	profile := jitter.ProfileFor(format, overrides.SampleRate).WithOverrides(overrides)

	l := &Loop{
		id:        id,
		cfg:       cfg.Player,
		frames:    decoder.NewFrameQueue(),
		adapter:   audio.NewAdapter(profile.SampleRate),
		buffer:    jitter.NewBuffer(profile),
		format:    format,
		renderer:  discardRenderer,
		startTime: time.Now(),
	}
	l.blob, l.blobErr = hex.DecodeString(cfg.Player.DecoderConfig)

	for _, opt := range opts {
		opt(l)
	}

	if l.cfg.DrainTimeout <= 0 {
		l.cfg.DrainTimeout = defaultDrainTimeout
	}

	return l, nil
}

func (l *Loop) ID() string {
	return l.id
}

func (l *Loop) State() State {
	return State(l.state.Load())
}

// Buffer is the jitter buffer the audio output pulls from.
func (l *Loop) Buffer() *jitter.Buffer {
	return l.buffer
}

// Frames is the queue of decoded frames waiting for the renderer.
func (l *Loop) Frames() *decoder.FrameQueue {
	return l.frames
}

// SetOutput attaches the audio device pulling from Buffer. It must be called
// before Run.
func (l *Loop) SetOutput(o Output) {
	l.output = o
}

// SetMixer attaches the gain control of the audio output. It must be called
// before Run.
func (l *Loop) SetMixer(m Mixer) {
	l.mixer = m
}

// Format is the audio format the jitter buffer was sized for.
func (l *Loop) Format() audio.Format {
	return l.format
}

func (l *Loop) setState(s State) {
	if prev := State(l.state.Swap(int32(s))); prev != s {
		log.WithField("session", l.id).Tracef("player state %s -> %s", prev, s)
		if l.onState != nil {
			l.onState(s)
		}
	}
}

// Run dispatches msgs until the channel is closed or ctx ends, then drains
// the decoder and the audio queues.
func (l *Loop) Run(ctx context.Context, msgs <-chan Message) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return l.dispatch(ctx, msgs)
	})
	g.Go(func() error {
		return l.renderFrames(ctx)
	})
	if l.cfg.StatsInterval > 0 {
		g.Go(func() error {
			return l.reportStats(ctx)
		})
	}

	err := g.Wait()

	l.drain("shutdown")
	if l.output != nil {
		if err := l.output.Stop(); err != nil {
			log.WithField("session", l.id).Warnf("failed to stop audio output: %s", err)
		}
	}

	return err
}

func (l *Loop) dispatch(ctx context.Context, msgs <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			l.handle(msg)
		}
	}
}

func (l *Loop) handle(msg Message) {
	switch m := msg.(type) {
	case Connect:
		l.connect(m)
	case Disconnect:
		log.WithField("session", l.id).
			WithField("state", m.State.String()).
			Infof("stream disconnected: %s", m.Reason)
		l.drain(TagDisconnect)
		if l.output != nil {
			if err := l.output.Stop(); err != nil {
				log.WithField("session", l.id).Warnf("failed to stop audio output: %s", err)
			}
		}
	case Reset:
		l.drain(TagReset)
		l.videoBlocked = false
	case ClearBuffers:
		l.buffer.Clear()
	case Stop:
		l.buffer.Clear()
		l.buffer.Stop()
	case SetVolume:
		l.setVolume(m.Volume)
	case VideoPayload:
		l.handleVideo(m)
	case AudioPayload:
		l.handleAudio(m)
	case Unknown:
		log.WithField("session", l.id).Debugf("ignoring unknown message %q (%d bytes)", m.Name, len(m.Raw))
	default:
		log.WithField("session", l.id).Warnf("unexpected message type %T", m)
	}
}

func (l *Loop) setVolume(v float64) {
	if l.mixer == nil {
		log.WithField("session", l.id).Debug("ignoring volume change without an audio output")
		return
	}
	l.mixer.SetVolume(v)
	log.WithField("session", l.id).Debugf("output volume set to %.2f", l.mixer.Volume())
}

func (l *Loop) connect(m Connect) {
	l.drain(TagConnect)

	l.mu.Lock()
	l.url = m.URL
	l.mu.Unlock()

	l.videoBlocked = false
	l.buffer.Start()

	if l.output != nil {
		if err := l.output.Start(); err != nil {
			log.WithField("session", l.id).Errorf("failed to start audio output: %s", err)
		}
	}

	log.WithField("session", l.id).Infof("stream connected: %s", m.URL)
}

func (l *Loop) handleVideo(m VideoPayload) {
	if l.videoBlocked {
		l.counters.ignoredUnits.Add(1)
		appstats.VideoUnitsDropped.WithLabelValues("config_error").Inc()
		return
	}

	units, err := bitstream.Split(m.Payload, m.PTS)
	if err != nil {
		l.counters.framingErrors.Add(1)
		appstats.FramingErrors.Inc()
		log.WithField("session", l.id).Debugf("framing error: %s", err)
	}

	for _, u := range units {
		switch u.Type {
		case bitstream.UnitTypeKeyframe:
			l.counters.keyframes.Add(1)
			appstats.VideoUnits.WithLabelValues("keyframe").Inc()
		case bitstream.UnitTypeDelta:
			l.counters.deltaUnits.Add(1)
			appstats.VideoUnits.WithLabelValues("delta").Inc()
		default:
			l.counters.ignoredUnits.Add(1)
			appstats.VideoUnits.WithLabelValues("other").Inc()
			continue
		}

		if l.havePTS && u.PTS < l.lastPTS {
			l.counters.backwardsDropped.Add(1)
			appstats.VideoUnitsDropped.WithLabelValues("backwards_pts").Inc()
			continue
		}

		if u.IsKeyframe && l.currentSession() != nil && l.currentSession().Failed() {
			log.WithField("session", l.id).
				Warnf("reconfiguring decoder after error: %s", l.currentSession().LastError())
			l.closeSession()
			l.counters.reconfigurations.Add(1)
		}

		if l.currentSession() == nil {
			if !u.IsKeyframe {
				l.counters.awaitingKeyframe.Add(1)
				appstats.VideoUnitsDropped.WithLabelValues("awaiting_keyframe").Inc()
				continue
			}

			if err := l.configure(); err != nil {
				l.counters.configErrors.Add(1)
				appstats.ConfigErrors.Inc()
				log.WithField("session", l.id).Errorf("decoder configuration failed, ignoring video: %s", err)
				l.videoBlocked = true
				l.setState(StateIdle)
				return
			}
		}

		l.lastPTS = u.PTS
		l.havePTS = true

		if l.tap != nil {
			if err := l.tap.WriteVideo(u); err != nil {
				log.WithField("session", l.id).Warnf("failed to write video to tap: %s", err)
			}
		}

		l.currentSession().Submit(u)
	}
}

func (l *Loop) configure() error {
	l.setState(StateConfiguring)

	if l.blobErr != nil {
		return fmt.Errorf("%w: %v", decoder.ErrInvalidConfig, l.blobErr)
	}

	backend, err := decoder.NewBackend(l.cfg.DecoderBackend)
	if err != nil {
		return err
	}

	sess, err := decoder.NewSession(l.id, backend, l.blob, l.cfg.Width, l.cfg.Height, l.frames)
	if err != nil {
		if cerr := backend.Close(); cerr != nil && !errors.Is(cerr, decoder.ErrBackendClosed) {
			log.WithField("session", l.id).Debugf("failed to close decoder backend: %s", cerr)
		}
		return err
	}
	sess.OnDecodeError = func(err error) {
		appstats.DecodeErrors.Inc()
	}
	sess.OnFrame = func(f *decoder.Frame) {
		appstats.DecodedFrames.Inc()
	}

	if l.tap != nil {
		if err := l.tap.ConfigureVideo(sess.Config()); err != nil {
			log.WithField("session", l.id).Warnf("failed to configure video tap: %s", err)
		}
	}

	l.mu.Lock()
	l.session = sess
	l.codec = sess.Config().Codec
	l.mu.Unlock()

	l.setState(StateStreaming)
	return nil
}

func (l *Loop) currentSession() *decoder.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// closeSession flushes and releases the running decoder session, if any.
func (l *Loop) closeSession() {
	l.mu.Lock()
	sess := l.session
	l.session = nil
	l.mu.Unlock()

	if sess == nil {
		return
	}

	// Teardown completes even when the caller's context is already done.
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.DrainTimeout)
	defer cancel()

	if err := sess.FlushAndClose(ctx); err != nil {
		log.WithField("session", l.id).Warnf("failed to close decoder session: %s", err)
	}

	st := sess.Stats()
	l.mu.Lock()
	l.retired.Submitted += st.Submitted
	l.retired.Decoded += st.Decoded
	l.retired.DecodeErrors += st.DecodeErrors
	l.retired.Stale += st.Stale
	l.mu.Unlock()
}

// drain tears down the decoder, drops undisplayed frames and clears the
// audio queues, leaving the loop Idle.
func (l *Loop) drain(reason string) {
	l.setState(StateDraining)

	l.closeSession()
	dropped := l.frames.Drain()
	l.buffer.Clear()
	l.adapter.Reset()
	l.havePTS = false
	l.lastPTS = 0

	if dropped > 0 {
		log.WithField("session", l.id).Debugf("%s: released %d undisplayed frames", reason, dropped)
	}

	l.setState(StateIdle)
}

func (l *Loop) handleAudio(m AudioPayload) {
	l.counters.audioPackets.Add(1)
	appstats.AudioPackets.WithLabelValues(m.Format.String()).Inc()

	chunk, err := l.adapter.Normalize(audio.Packet{Payload: m.Payload, PTS: m.PTS, Format: m.Format})
	if err != nil {
		l.counters.audioErrors.Add(1)
		appstats.AudioDecodeErrors.WithLabelValues(m.Format.String()).Inc()
		log.WithField("session", l.id).Debugf("dropping audio packet: %s", err)
		return
	}

	if l.tap != nil {
		if err := l.tap.WriteAudio(chunk); err != nil {
			log.WithField("session", l.id).Warnf("failed to write audio to tap: %s", err)
		}
	}

	l.buffer.Push(chunk)
}

func (l *Loop) renderFrames(ctx context.Context) error {
	for {
		f, err := l.frames.Pop(ctx)
		if err != nil {
			return nil
		}
		l.counters.rendered.Add(1)
		l.renderer.RenderFrame(f)
	}
}

func (l *Loop) reportStats(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.StatsInterval)
	defer ticker.Stop()

	var last jitter.Stats
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := l.Stats()
			appstats.UpdateStats(stats)

			cur := l.buffer.Stats()
			entry := log.WithField("session", l.id)
			if d := cur.DroppedChunks - last.DroppedChunks; d > 0 {
				entry.Debugf("jitter buffer overflow: dropped %d chunks", d)
			}
			if d := cur.Underruns - last.Underruns; d > 0 {
				entry.Debugf("jitter buffer underrun: %d silent pulls", d)
			}
			last = cur
		}
	}
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() *appstats.PlayerStats {
	l.mu.Lock()
	url := l.url
	codec := l.codec
	dec := l.retired
	sess := l.session
	l.mu.Unlock()

	if sess != nil {
		st := sess.Stats()
		dec.Submitted += st.Submitted
		dec.Decoded += st.Decoded
		dec.DecodeErrors += st.DecodeErrors
		dec.Stale += st.Stale
		dec.Outstanding = st.Outstanding
	}

	buf := l.buffer.Stats()
	c := &l.counters

	return &appstats.PlayerStats{
		SessionID: l.id,
		URL:       url,
		State:     l.State().String(),
		StartTime: l.startTime.Unix(),
		Video: &appstats.VideoStats{
			Keyframes:        c.keyframes.Load(),
			DeltaUnits:       c.deltaUnits.Load(),
			IgnoredUnits:     c.ignoredUnits.Load(),
			BackwardsDropped: c.backwardsDropped.Load(),
			AwaitingKeyframe: c.awaitingKeyframe.Load(),
			FramingErrors:    c.framingErrors.Load(),
			Rendered:         c.rendered.Load(),
		},
		Audio: &appstats.AudioStats{
			Format:       l.format.String(),
			Packets:      c.audioPackets.Load(),
			DecodeErrors: c.audioErrors.Load(),
		},
		Buffer: &appstats.BufferStatsWrapper{
			PushedChunks:   buf.PushedChunks,
			DroppedChunks:  buf.DroppedChunks,
			DroppedSamples: buf.DroppedSamples,
			TrimmedSamples: buf.TrimmedSamples,
			Underruns:      buf.Underruns,
			Pulls:          buf.Pulls,
			QueuedChunks:   buf.QueuedChunks,
			Buffered:       buf.Buffered,
			SampleRate:     l.buffer.Profile().SampleRate,
		},
		Decoder: &appstats.DecoderStatsWrapper{
			Codec:            codec,
			Submitted:        dec.Submitted,
			Decoded:          dec.Decoded,
			DecodeErrors:     dec.DecodeErrors,
			Stale:            dec.Stale,
			Outstanding:      dec.Outstanding,
			ConfigErrors:     c.configErrors.Load(),
			Reconfigurations: c.reconfigurations.Load(),
		},
	}
}
