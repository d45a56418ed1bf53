package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bigbluebutton/bbb-stream-player/internal/appstats"
	"github.com/bigbluebutton/bbb-stream-player/internal/config"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/render"
	"github.com/bigbluebutton/bbb-stream-player/internal/player"
	"github.com/bigbluebutton/bbb-stream-player/internal/pubsub/events"
	"github.com/bigbluebutton/bbb-stream-player/internal/recorder"
	"github.com/bigbluebutton/bbb-stream-player/internal/transport"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var _ player.Tap = (*recorder.WebM)(nil)

type startPlaybackCommand struct {
	event     *events.StartPlayback
	startTime time.Time
}

type stopPlaybackCommand struct {
	event     *events.StopPlayback
	reason    string
	startTime time.Time
}

type forwardCommand struct {
	event *events.SessionCommand
}

// Session owns one playback: the websocket client feeding a player loop,
// the audio device pulling from it and an optional recording.
type Session struct {
	id                  string
	server              *Server
	cfg                 *config.Config
	loop                *player.Loop
	client              *transport.Client
	device              render.Device
	recorder            *recorder.WebM
	msgs                chan player.Message
	stopped             bool
	stoppedOnce         sync.Once
	commands            chan interface{}
	statsWriter         *appstats.StatsFileWriter
	startedSuccessfully bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSession(id string, s *Server, e *events.StartPlayback) (*Session, error) {
	cfg := *s.cfg
	if e.AudioFormat != "" {
		cfg.Player.AudioFormat = e.AudioFormat
	}

	sess := &Session{
		id:       id,
		server:   s,
		cfg:      &cfg,
		commands: make(chan interface{}, 10),
		msgs:     make(chan player.Message, max(cfg.Player.MessageQueueSize, 1)),
	}

	opts := []player.Option{
		player.WithStateCallback(func(state player.State) {
			s.PublishPubSub(events.NewPlaybackStatusChanged(id, state.String()))
		}),
	}

	if e.Record || cfg.Recorder.Enable {
		fileName := e.FileName
		if fileName == "" {
			fileName = id + ".webm"
		}

		rec, err := recorder.NewRecorder(id, cfg.Recorder, fileName)
		if err != nil {
			return nil, err
		}
		sess.recorder = rec
		opts = append(opts, player.WithTap(rec))
	}

	loop, err := player.NewLoop(id, &cfg, opts...)
	if err != nil {
		return nil, err
	}
	sess.loop = loop

	rate := loop.Buffer().Profile().SampleRate
	if sess.recorder != nil {
		sess.recorder.SetAudioRate(rate)
	}

	reader := render.NewReader(loop.Buffer(), cfg.Player.BlockSize)
	reader.SetVolume(cfg.Player.Volume)
	loop.SetMixer(reader)

	device, err := render.NewDevice(cfg.Player.AudioDevice, reader, rate)
	if err != nil {
		sess.release()
		return nil, err
	}
	sess.device = device
	loop.SetOutput(device)

	client, err := transport.NewClient(id, e.URL, cfg.Transport)
	if err != nil {
		sess.release()
		return nil, err
	}
	sess.client = client

	if cfg.Recorder.WriteStatsFile {
		fileMode, err := recorder.ParseFileMode(cfg.Recorder.FileMode)
		if err != nil {
			log.WithField("session", id).
				Warnf("Invalid stats file mode %s, using 0600", cfg.Recorder.FileMode)
			fileMode = 0600
		}

		sess.statsWriter = appstats.NewStatsFileWriter(cfg.Recorder.Directory, fileMode)
	}

	return sess, nil
}

func (s *Session) StartPlayback(e *events.StartPlayback, startTime time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// The command channel is closed once the session stopped.
			log.WithField("session", s.id).Errorf("recovered from panic in start command: %v", r)
			err = errors.New("failed to start session, panic")
		}
	}()

	select {
	case s.commands <- startPlaybackCommand{event: e, startTime: startTime}:
		return nil

	default:
		return errors.New("session command queue is full")
	}
}

func (s *Session) StopPlayback(e *events.StopPlayback, reason string, startTime time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// Stopping an already stopped session is not an error for callers.
			log.WithField("session", s.id).Debugf("recovered from panic in stop command: %v", r)
			err = nil
		}
	}()

	select {
	case s.commands <- stopPlaybackCommand{event: e, reason: reason, startTime: startTime}:
		return nil

	default:
		return errors.New("session command queue is full")
	}
}

// Command forwards resetPlayback, clearBuffers and setVolume to the player loop.
func (s *Session) Command(e *events.SessionCommand) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("session", s.id).Debugf("recovered from panic in %s command: %v", e.Id, r)
			err = errors.New("session stopped")
		}
	}()

	select {
	case s.commands <- forwardCommand{event: e}:
		return nil

	default:
		return errors.New("session command queue is full")
	}
}

func (s *Session) Run(wg *sync.WaitGroup) {
	defer wg.Done()
	appstats.Sessions.Inc()
	defer appstats.Sessions.Dec()

	for cmd := range s.commands {
		switch c := cmd.(type) {
		case startPlaybackCommand:
			s.handleStartPlayback(c)

		case forwardCommand:
			s.handleForward(c)

		case stopPlaybackCommand:
			s.handleStopPlayback(c)
			return

		default:
			log.WithField("session", s.id).Errorf("unknown command type: %T", c)
			return
		}
	}
}

func (s *Session) handleStartPlayback(c startPlaybackCommand) {
	e := c.event
	defer func() {
		if !c.startTime.IsZero() {
			appstats.ObserveRequestDuration(e.Id, time.Since(c.startTime))
		}
	}()

	if s.ctx != nil {
		return
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})

	go s.stream(s.ctx)

	var fileName string
	if s.recorder != nil {
		fileName = s.recorder.GetFilePath()
	}

	s.server.PublishPubSub(e.Success(fileName))
	s.startedSuccessfully = true
}

// stream runs the player loop and the websocket client until the session is
// stopped. A stream ending on its own stops the session.
func (s *Session) stream(ctx context.Context) {
	defer close(s.done)

	var g errgroup.Group

	g.Go(func() error {
		return s.loop.Run(ctx, s.msgs)
	})

	g.Go(func() error {
		err := s.client.Run(ctx, s.msgs)
		if ctx.Err() != nil {
			return nil
		}

		reason := events.StopReasonStreamEnded
		if err != nil {
			log.WithField("session", s.id).Errorf("stream failed: %s", err)
			appstats.OnSessionError(events.StopReasonStreamFailed)
			reason = events.StopReasonStreamFailed
		}

		if err := s.StopPlayback(nil, reason, time.Time{}); err != nil {
			log.WithField("session", s.id).Errorf("failed to stop session: %s", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithField("session", s.id).Errorf("player loop failed: %s", err)
	}
}

func (s *Session) handleForward(c forwardCommand) {
	if s.ctx == nil {
		return
	}

	var msg player.Message
	switch c.event.Id {
	case events.ResetPlaybackKey:
		msg = player.Reset{}
	case events.ClearBuffersKey:
		msg = player.ClearBuffers{}
	case events.SetVolumeKey:
		if c.event.Volume == nil {
			return
		}
		msg = player.SetVolume{Volume: *c.event.Volume}
	default:
		return
	}

	select {
	case s.msgs <- msg:
	case <-s.ctx.Done():
	}
}

func (s *Session) handleStopPlayback(c stopPlaybackCommand) {
	s.stoppedOnce.Do(func() {
		defer func() {
			if !c.startTime.IsZero() {
				method := events.StopPlaybackKey
				if c.event != nil {
					method = c.event.Id
				}

				appstats.ObserveRequestDuration(method, time.Since(c.startTime))
			}
		}()

		s.stopped = true

		if s.cancel != nil {
			s.cancel()
			<-s.done
		}

		stats := s.Stats()
		s.release()

		appstats.UpdatePlayerMetrics(stats)
		appstats.ForgetSession(s.id)

		if s.statsWriter != nil {
			fileStats := &appstats.StatsFileOutput{
				PlayerStats:    stats,
				StatsTimestamp: time.Now().Unix(),
			}

			if file, err := s.statsWriter.WriteStats(fileStats); err != nil {
				log.WithField("session", s.id).WithError(err).Error("Failed to write player stats")
			} else {
				log.WithField("session", s.id).Debugf("player stats written to %s", file)
			}
		}

		var response *events.PlaybackStopped
		if c.event != nil {
			response = c.event.Stopped(c.reason, stats)
		} else {
			response = events.NewPlaybackStopped(s.id, c.reason, stats)
		}

		if s.startedSuccessfully {
			s.server.PublishPubSub(response)
		}

		s.server.CloseSession(s.id)
		close(s.commands)
	})
}

// release closes the recording and the audio device.
func (s *Session) release() {
	if s.recorder != nil {
		if _, err := s.recorder.Close(); err != nil {
			log.WithField("session", s.id).Errorf("failed to close recording: %s", err)
		}
	}

	if s.device != nil {
		if err := s.device.Close(); err != nil {
			log.WithField("session", s.id).Warnf("failed to close audio device: %s", err)
		}
	}
}

func (s *Session) Stats() *appstats.PlayerStats {
	if s.loop == nil {
		return nil
	}

	stats := s.loop.Stats()
	if s.client != nil {
		t := s.client.Stats()
		stats.Transport = &t
	}
	if s.recorder != nil {
		stats.Recorder = s.recorder.GetStats()
	}

	return stats
}
