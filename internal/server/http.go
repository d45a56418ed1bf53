package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bigbluebutton/bbb-stream-player/internal/config"
	"github.com/bigbluebutton/bbb-stream-player/internal/pubsub"
	"github.com/bigbluebutton/bbb-stream-player/internal/pubsub/events"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const responseTimeout = 10 * time.Second

// HTTPServer is a test surface that turns HTTP requests into pubsub events,
// exactly as an external controller would send them.
type HTTPServer struct {
	cfg    *config.Config
	port   int
	pubsub pubsub.PubSub

	mu      sync.Mutex
	answers map[string]chan *events.StartPlaybackResponse
}

type playRequest struct {
	URL         string `json:"url"`
	AudioFormat string `json:"audioFormat,omitempty"`
	Record      bool   `json:"record,omitempty"`
	FileName    string `json:"fileName,omitempty"`
}

func NewHTTPServer(cfg *config.Config, ps pubsub.PubSub) *HTTPServer {
	return &HTTPServer{
		cfg:     cfg,
		port:    cfg.HTTP.Port,
		pubsub:  ps,
		answers: make(map[string]chan *events.StartPlaybackResponse),
	}
}

func (s *HTTPServer) Serve() {
	go func() {
		err := s.pubsub.Subscribe(s.cfg.PubSub.Channels.Publish, s.onResponse, nil)
		if err != nil {
			log.Errorf("http server subscription ended: %s", err)
		}
	}()

	go func() {
		addr := ":" + strconv.Itoa(s.port)
		log.Printf("starting http server on %s", addr)
		if err := http.ListenAndServe(addr, s.Handler()); err != nil {
			log.Fatal(err)
		}
	}()
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/play", s.play)
	mux.HandleFunc("/stop", s.stop)
	mux.HandleFunc("/favicon.ico", func(rw http.ResponseWriter, r *http.Request) {})
	return mux
}

func (s *HTTPServer) onResponse(ctx context.Context, msg []byte) {
	r := events.Decode(msg).StartPlaybackResponse()
	if r == nil {
		return
	}

	s.mu.Lock()
	ch, ok := s.answers[r.SessionId]
	s.mu.Unlock()

	if ok {
		select {
		case ch <- r:
		default:
		}
	}
}

func (s *HTTPServer) play(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, "Post {\"url\": \"ws://...\"} in body")
		return
	}

	e := events.StartPlayback{
		Id:          events.StartPlaybackKey,
		SessionId:   uuid.New().String(),
		URL:         req.URL,
		AudioFormat: req.AudioFormat,
		Record:      req.Record,
		FileName:    req.FileName,
	}

	answer := make(chan *events.StartPlaybackResponse, 1)
	s.mu.Lock()
	s.answers[e.SessionId] = answer
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.answers, e.SessionId)
		s.mu.Unlock()
	}()

	if err := s.publish(e); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	select {
	case res := <-answer:
		w.Header().Set("Content-Type", "application/json")
		if res.Status != events.StatusOK {
			w.WriteHeader(http.StatusBadRequest)
		}
		_ = json.NewEncoder(w).Encode(res)
	case <-time.After(responseTimeout):
		http.Error(w, "no response from player", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

func (s *HTTPServer) stop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("session")
	if id == "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, "missing session parameter")
		return
	}

	if err := s.publish(events.StopPlayback{Id: events.StopPlaybackKey, SessionId: id}); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) publish(msg interface{}) error {
	j, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.pubsub.Publish(s.cfg.PubSub.Channels.Subscribe, j)
}
