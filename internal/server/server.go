package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bigbluebutton/bbb-stream-player/internal/appstats"
	"github.com/bigbluebutton/bbb-stream-player/internal/config"
	"github.com/bigbluebutton/bbb-stream-player/internal/pubsub"
	"github.com/bigbluebutton/bbb-stream-player/internal/pubsub/events"
	log "github.com/sirupsen/logrus"
)

type Server struct {
	cfg        *config.Config
	pubsub     pubsub.PubSub
	sessions   sync.Map
	shutdownWg sync.WaitGroup
}

func NewServer(cfg *config.Config, ps pubsub.PubSub) *Server {
	return &Server{cfg: cfg, pubsub: ps}
}

func (s *Server) HandlePubSubMsg(ctx context.Context, msg []byte) {
	startTime := time.Now()
	log.Trace(string(msg))
	event := events.Decode(msg)
	appstats.OnServerRequest(event)

	if !event.IsValid() {
		log.Debugf("ignoring event: %s", event.Err())
		return
	}

	switch event.Id {
	case events.StartPlaybackKey:
		e := event.StartPlayback()

		if e == nil {
			e = &events.StartPlayback{Id: event.Id, SessionId: event.SessionId}
			s.PublishPubSub(e.Fail(errors.New("incorrect event")))
			return
		}

		s.startPlayback(e, startTime)

	case events.StopPlaybackKey:
		e := event.StopPlayback()

		if e == nil {
			return
		}

		if sess, ok := s.sessions.Load(e.SessionId); ok {
			if err := sess.(*Session).StopPlayback(e, events.StopReasonNormal, startTime); err != nil {
				log.WithField("session", e.SessionId).Errorf("failed to stop session: %s", err)
			}
		} else {
			log.WithField("session", e.SessionId).Debug("stop requested for unknown session")
		}

	case events.ResetPlaybackKey, events.ClearBuffersKey, events.SetVolumeKey:
		c := event.SessionCommand()

		if c == nil {
			return
		}

		if sess, ok := s.sessions.Load(c.SessionId); ok {
			if err := sess.(*Session).Command(c); err != nil {
				log.WithField("session", c.SessionId).Errorf("failed to forward %s: %s", c.Id, err)
			}
		}

	case events.GetPlayerStatusKey:
		s.PublishPubSub(s.status())

	default:
		log.Debugf("ignoring unknown event %s", event.Id)
	}
}

func (s *Server) startPlayback(e *events.StartPlayback, startTime time.Time) {
	l := log.WithField("session", e.SessionId)

	if _, ok := s.sessions.Load(e.SessionId); ok {
		err := fmt.Errorf("session %s already exists", e.SessionId)
		l.Error(err)
		s.PublishPubSub(e.Fail(err))
		return
	}

	if err := e.Validate(); err != nil {
		l.Error(err)
		s.PublishPubSub(e.Fail(err))
		return
	}

	sess, err := NewSession(e.SessionId, s, e)
	if err != nil {
		l.Error(err)
		appstats.OnSessionError(events.StopReasonInitFailed)
		s.PublishPubSub(e.Fail(err))
		return
	}

	if _, loaded := s.sessions.LoadOrStore(e.SessionId, sess); loaded {
		err := fmt.Errorf("session %s already exists", e.SessionId)
		l.Error(err)
		sess.release()
		s.PublishPubSub(e.Fail(err))
		return
	}

	s.shutdownWg.Add(1)
	go sess.Run(&s.shutdownWg)

	if err := sess.StartPlayback(e, startTime); err != nil {
		l.Error(err)
		s.PublishPubSub(e.Fail(err))
	}
}

func (s *Server) status() *events.PlayerStatus {
	return events.NewPlayerStatus(s.cfg.App.Name, s.cfg.App.Version, s.cfg.App.InstanceId, s.SessionIDs())
}

// SessionIDs lists the running sessions in lexical order.
func (s *Server) SessionIDs() []string {
	var ids []string
	s.sessions.Range(func(key, value any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

func (s *Server) PublishPubSub(msg interface{}) {
	j, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("failed to encode %T: %s", msg, err)
		return
	}

	appstats.OnServerResponse(msg)

	if err := s.pubsub.Publish(s.cfg.PubSub.Channels.Publish, j); err != nil {
		log.Errorf("failed to publish %T: %s", msg, err)
	}
}

func (s *Server) OnStart() error {
	log.Info("Application started. Version=", s.cfg.App.Version, " InstanceId=", s.cfg.App.InstanceId)
	s.PublishPubSub(s.status())
	return nil
}

func (s *Server) CloseSession(id string) {
	s.sessions.Delete(id)
}

// Close stops every session and waits for them to finish.
func (s *Server) Close() error {
	s.sessions.Range(func(key, value any) bool {
		if err := value.(*Session).StopPlayback(nil, events.StopReasonShutdown, time.Time{}); err != nil {
			log.WithField("session", key).Errorf("failed to stop session: %s", err)
		}
		return true
	})

	s.shutdownWg.Wait()
	return nil
}
