package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bigbluebutton/bbb-stream-player/internal/config"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/audio"
	"github.com/bigbluebutton/bbb-stream-player/internal/player"
	"github.com/bigbluebutton/bbb-stream-player/internal/utils"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 RTP/AVP 120\r\n" +
	"a=rtpmap:120 MP4A-LATM/44100/2\r\n" +
	"m=video 9 RTP/AVP 102\r\n" +
	"a=rtpmap:102 H264/90000\r\n"

func testTransportConfig() config.Transport {
	cfg := (&config.Config{App: config.App{Name: "bbb-stream-player"}}).GetDefaults()
	return cfg.Transport
}

func rtpPacket(t *testing.T, pt uint8, seq uint16, ts uint32, payload []byte) []byte {
	t.Helper()
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           1234,
		},
		Payload: payload,
	}
	b, err := p.Marshal()
	require.NoError(t, err)
	return b
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient("test-session", "ws://127.0.0.1/stream", testTransportConfig())
	require.NoError(t, err)
	c.reset()
	return c
}

func TestNewPayloadMap(t *testing.T) {
	m, err := NewPayloadMap(testTransportConfig().PayloadTypes)
	require.NoError(t, err)

	assert.Equal(t, MediaVideo, m[96].Kind)
	assert.Equal(t, uint32(90000), m[96].ClockRate)
	assert.Equal(t, audio.FormatOpus, m[111].Format)
	assert.Equal(t, audio.FormatMP3, m[14].Format)
	assert.Equal(t, audio.FormatAAC, m[97].Format)
	assert.Equal(t, audio.FormatWAV, m[98].Format)

	_, err = NewPayloadMap([]config.PayloadType{{PayloadType: 100, Media: "video", Codec: "vp8"}})
	assert.Error(t, err)
}

func TestPayloadMap_ApplySDP(t *testing.T) {
	m := PayloadMap{}
	n, err := m.ApplySDP([]byte(testSDP))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, PayloadType{Number: 120, Kind: MediaAudio, Format: audio.FormatAAC, ClockRate: 44100}, m[120])
	assert.Equal(t, PayloadType{Number: 102, Kind: MediaVideo, Format: audio.FormatUnknown, ClockRate: 90000}, m[102])

	_, err = m.ApplySDP([]byte("not a session description"))
	assert.Error(t, err)
}

func TestClient_HandleBinary(t *testing.T) {
	c := newTestClient(t)

	msg, err := c.handleBinary(rtpPacket(t, 96, 10, 1000, []byte{0, 0, 0, 2, 0x65, 0x88}))
	require.NoError(t, err)
	video, ok := msg.(player.VideoPayload)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), video.PTS)
	assert.Equal(t, []byte{0, 0, 0, 2, 0x65, 0x88}, video.Payload)

	msg, err = c.handleBinary(rtpPacket(t, 96, 11, 1000+3600, []byte{0, 0, 0, 2, 0x41, 0xc0}))
	require.NoError(t, err)
	assert.Equal(t, 40*time.Millisecond, msg.(player.VideoPayload).PTS)

	msg, err = c.handleBinary(rtpPacket(t, 111, 500, 0xffffff00, []byte{0xfc}))
	require.NoError(t, err)
	a := msg.(player.AudioPayload)
	assert.Equal(t, audio.FormatOpus, a.Format)
	assert.Equal(t, time.Duration(0), a.PTS)

	// The audio clock wraps around 2^32.
	msg, err = c.handleBinary(rtpPacket(t, 111, 501, 0x000002c0, []byte{0xfc}))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, msg.(player.AudioPayload).PTS)

	_, err = c.handleBinary(rtpPacket(t, 50, 1, 0, []byte{1}))
	assert.ErrorIs(t, err, ErrUnknownPayloadType)

	_, err = c.handleBinary([]byte{0x80})
	assert.Error(t, err)

	stats := c.Stats()
	assert.Equal(t, uint64(5), stats.Packets)
	assert.Equal(t, uint64(1), stats.UnknownPT)
	assert.Equal(t, uint64(1), stats.InvalidPacket)
}

func TestClient_TracksLossAndReordering(t *testing.T) {
	c := newTestClient(t)

	for _, seq := range []uint16{65534, 65535, 2, 1, 3} {
		_, err := c.handleBinary(rtpPacket(t, 96, seq, 0, []byte{0, 0, 0, 2, 0x65, 0x88}))
		require.NoError(t, err)
	}

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Lost)
	assert.Equal(t, uint64(1), stats.Reordered)
}

func TestClient_HandleText(t *testing.T) {
	c := newTestClient(t)

	msg, err := c.handleText([]byte(`{id: 'reset'}`))
	require.NoError(t, err)
	assert.Equal(t, player.Reset{}, msg)

	msg, err = c.handleText([]byte(`{"id": "clearBuffers"}`))
	require.NoError(t, err)
	assert.Equal(t, player.ClearBuffers{}, msg)

	msg, err = c.handleText([]byte(`{id: 'stop',}`))
	require.NoError(t, err)
	assert.Equal(t, player.Stop{}, msg)

	msg, err = c.handleText([]byte(`{id: "setVolume", volume: 0.5}`))
	require.NoError(t, err)
	assert.Equal(t, player.SetVolume{Volume: 0.5}, msg)

	msg, err = c.handleText([]byte(`{id: "setVolume"}`))
	require.NoError(t, err)
	assert.IsType(t, player.Unknown{}, msg)

	msg, err = c.handleText([]byte(`hello`))
	require.NoError(t, err)
	assert.Equal(t, "text", msg.Tag())

	msg, err = c.handleText([]byte(testSDP))
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, audio.FormatAAC, c.payloads[120].Format)

	assert.Equal(t, uint64(5), c.Stats().Control)
}

func TestClient_Run(t *testing.T) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_ = ws.WriteMessage(websocket.BinaryMessage, rtpPacket(t, 96, 1, 0, []byte{0, 0, 0, 2, 0x65, 0x88}))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{id: 'reset'}`))
		_ = ws.WriteMessage(websocket.BinaryMessage, rtpPacket(t, 111, 1, 0, []byte{0xfc}))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))

		// Wait for the client to acknowledge the close.
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := NewClient("test-session", url, testTransportConfig())
	require.NoError(t, err)

	out := make(chan player.Message, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Run(ctx, out))
	close(out)

	var tags []string
	var last player.Message
	for m := range out {
		tags = append(tags, m.Tag())
		last = m
	}

	assert.Equal(t, []string{"connect", "video", "reset", "audio", "disconnect"}, tags)
	assert.Equal(t, utils.ConnectionStateClosed, last.(player.Disconnect).State)
	assert.Equal(t, uint64(1), c.Stats().Connections)
}

func TestClient_RunGivesUpWithoutReconnect(t *testing.T) {
	cfg := testTransportConfig()
	cfg.ReconnectInterval = 0
	cfg.DialTimeout = 500 * time.Millisecond

	c, err := NewClient("test-session", "ws://127.0.0.1:1/stream", cfg)
	require.NoError(t, err)

	out := make(chan player.Message, 1)
	err = c.Run(context.Background(), out)
	assert.Error(t, err)
	assert.Len(t, out, 0)
}

func TestClient_RunStopsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := NewClient("test-session", "ws"+strings.TrimPrefix(srv.URL, "http"), testTransportConfig())
	require.NoError(t, err)

	out := make(chan player.Message, 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, out)
	}()

	select {
	case m := <-out:
		assert.Equal(t, "connect", m.Tag())
	case <-time.After(2 * time.Second):
		t.Fatal("no connect message")
	}

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
