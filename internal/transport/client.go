package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bigbluebutton/bbb-stream-player/internal/appstats"
	"github.com/bigbluebutton/bbb-stream-player/internal/config"
	"github.com/bigbluebutton/bbb-stream-player/internal/player"
	"github.com/bigbluebutton/bbb-stream-player/internal/types"
	"github.com/bigbluebutton/bbb-stream-player/internal/utils"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	log "github.com/sirupsen/logrus"
	"github.com/titanous/json5"
)

var ErrUnknownPayloadType = errors.New("unknown payload type")

type Stats = types.TransportStats

// stream tracks the sequence and clock of one payload type.
type stream struct {
	seq     *utils.SequenceUnwrapper
	clock   *utils.TimestampUnwrapper
	lastSeq int64
	started bool
}

// Client reads a media stream from a websocket and turns it into player
// messages. Binary frames hold one RTP packet each; text frames hold JSON5
// control events or a session description.
type Client struct {
	id     string
	url    string
	cfg    config.Transport
	dialer *websocket.Dialer

	defaults PayloadMap

	// Owned by the read loop.
	payloads PayloadMap
	streams  map[uint8]*stream

	connections atomic.Uint64
	packets     atomic.Uint64
	bytes       atomic.Uint64
	lost        atomic.Uint64
	reordered   atomic.Uint64
	invalid     atomic.Uint64
	unknownPT   atomic.Uint64
	control     atomic.Uint64
}

func NewClient(id, url string, cfg config.Transport) (*Client, error) {
	defaults, err := NewPayloadMap(cfg.PayloadTypes)
	if err != nil {
		return nil, err
	}

	return &Client{
		id:  id,
		url: url,
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		defaults: defaults,
	}, nil
}

func (c *Client) URL() string {
	return c.url
}

// Run connects and reads until ctx ends or the producer closes the stream
// normally. Other failures are retried every ReconnectInterval; a zero
// interval disables reconnection.
func (c *Client) Run(ctx context.Context, out chan<- player.Message) error {
	l := log.WithField("session", c.id)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			appstats.TransportReconnects.Inc()
		}

		connected, err := c.runOnce(ctx, out)
		state := utils.NormalizeCloseError(err)

		if ctx.Err() != nil {
			return nil
		}

		reason := "closed"
		if err != nil {
			reason = err.Error()
		}
		if connected && !send(ctx, out, player.Disconnect{Reason: reason, State: state}) {
			return nil
		}

		if state == utils.ConnectionStateClosed {
			l.Infof("stream %s ended", c.url)
			return nil
		}
		if c.cfg.ReconnectInterval <= 0 {
			return err
		}

		l.Warnf("stream %s interrupted (%s), reconnecting in %s", c.url, reason, c.cfg.ReconnectInterval)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

func (c *Client) runOnce(ctx context.Context, out chan<- player.Message) (bool, error) {
	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	conn, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	if c.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageSize)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "player stopped"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	c.reset()
	c.connections.Add(1)

	if !send(ctx, out, player.Connect{URL: c.url}) {
		return true, nil
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}

		var msg player.Message
		switch mt {
		case websocket.BinaryMessage:
			msg, err = c.handleBinary(data)
		case websocket.TextMessage:
			msg, err = c.handleText(data)
		}

		if err != nil {
			log.WithField("session", c.id).Tracef("dropping message: %s", err)
			continue
		}
		if msg == nil {
			continue
		}
		if !send(ctx, out, msg) {
			return true, nil
		}
	}
}

// reset restores the configured payload types and forgets the clocks of the
// previous connection.
func (c *Client) reset() {
	c.payloads = make(PayloadMap, len(c.defaults))
	for k, v := range c.defaults {
		c.payloads[k] = v
	}
	c.streams = make(map[uint8]*stream)
}

func (c *Client) handleBinary(data []byte) (player.Message, error) {
	var p rtp.Packet
	if err := p.Unmarshal(data); err != nil {
		c.invalid.Add(1)
		return nil, fmt.Errorf("invalid rtp packet: %w", err)
	}

	c.packets.Add(1)
	c.bytes.Add(uint64(len(data)))

	pt, ok := c.payloads[p.PayloadType]
	if !ok {
		c.unknownPT.Add(1)
		return nil, fmt.Errorf("%w %d", ErrUnknownPayloadType, p.PayloadType)
	}

	s := c.streamFor(pt)
	c.trackSequence(s, p.SequenceNumber)
	pts := s.clock.Unwrap(p.Timestamp)

	switch pt.Kind {
	case MediaVideo:
		return player.VideoPayload{Payload: p.Payload, PTS: pts}, nil
	case MediaAudio:
		return player.AudioPayload{Payload: p.Payload, PTS: pts, Format: pt.Format}, nil
	default:
		return nil, fmt.Errorf("%w %d", ErrUnknownPayloadType, p.PayloadType)
	}
}

func (c *Client) streamFor(pt PayloadType) *stream {
	s, ok := c.streams[pt.Number]
	if !ok {
		s = &stream{
			seq:   utils.NewSequenceUnwrapper(16),
			clock: utils.NewTimestampUnwrapper(pt.ClockRate),
		}
		c.streams[pt.Number] = s
	}
	return s
}

func (c *Client) trackSequence(s *stream, seq uint16) {
	n := s.seq.Unwrap(uint64(seq))
	if !s.started {
		s.started = true
		s.lastSeq = n
		return
	}

	switch {
	case n > s.lastSeq+1:
		c.lost.Add(uint64(n - s.lastSeq - 1))
		s.lastSeq = n
	case n <= s.lastSeq:
		c.reordered.Add(1)
	default:
		s.lastSeq = n
	}
}

type controlEvent struct {
	Id     string   `json:"id"`
	Volume *float64 `json:"volume,omitempty"`
}

func (c *Client) handleText(data []byte) (player.Message, error) {
	trimmed := bytes.TrimSpace(data)

	if bytes.HasPrefix(trimmed, []byte("v=")) {
		n, err := c.payloads.ApplySDP(trimmed)
		if err != nil {
			return nil, err
		}
		log.WithField("session", c.id).Debugf("session description announced %d payload types", n)
		return nil, nil
	}

	var e controlEvent
	if err := json5.Unmarshal(trimmed, &e); err != nil || e.Id == "" {
		return player.Unknown{Name: "text", Raw: data}, nil
	}

	c.control.Add(1)

	if e.Id == player.TagSetVolume {
		if e.Volume == nil {
			return player.Unknown{Name: e.Id, Raw: data}, nil
		}
		return player.SetVolume{Volume: *e.Volume}, nil
	}

	return player.ControlMessage(e.Id, data), nil
}

func (c *Client) Stats() Stats {
	return Stats{
		Connections:   c.connections.Load(),
		Packets:       c.packets.Load(),
		Bytes:         c.bytes.Load(),
		Lost:          c.lost.Load(),
		Reordered:     c.reordered.Load(),
		InvalidPacket: c.invalid.Load(),
		UnknownPT:     c.unknownPT.Load(),
		Control:       c.control.Load(),
	}
}

func send(ctx context.Context, out chan<- player.Message, msg player.Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
