package events

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/bigbluebutton/bbb-stream-player/internal/media/audio"
)

const (
	StartPlaybackKey         = "startPlayback"
	StartPlaybackResponseKey = "startPlaybackResponse"
	StopPlaybackKey          = "stopPlayback"
	PlaybackStoppedKey       = "playbackStopped"
	ResetPlaybackKey         = "resetPlayback"
	ClearBuffersKey          = "clearBuffers"
	SetVolumeKey             = "setVolume"
	PlaybackStatusChangedKey = "playbackStatusChanged"
	GetPlayerStatusKey       = "getPlayerStatus"
	PlayerStatusKey          = "playerStatus"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

const (
	StopReasonNormal       = "normal"
	StopReasonStreamEnded  = "stream_ended"
	StopReasonStreamFailed = "stream_failed"
	StopReasonInitFailed   = "init_failed"
	StopReasonShutdown     = "shutdown"
)

/*
startPlayback (client -> player)
```JSON5
{
	id: 'startPlayback',
	sessionId: <String>, // requester-defined - error out if collision.
	url: <String>, // ws:// or wss:// media stream
	audioFormat: <String | undefined>, // opus | aac | mp3 | wav
	record: <Boolean | undefined>, // tap the stream into a webm file
	fileName: <String | undefined>, // recording file name INCLUDING format (.webm)
}
```
*/

type StartPlayback struct {
	Id          string `json:"id,omitempty"`
	SessionId   string `json:"sessionId,omitempty"`
	URL         string `json:"url,omitempty"`
	AudioFormat string `json:"audioFormat,omitempty"`
	Record      bool   `json:"record,omitempty"`
	FileName    string `json:"fileName,omitempty"`
}

func (e *StartPlayback) Validate() error {
	if e.SessionId == "" {
		return errors.New("missing sessionId")
	}
	if e.URL == "" {
		return errors.New("missing url")
	}

	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported url scheme '%s'", u.Scheme)
	}

	if e.AudioFormat != "" {
		if _, err := audio.ParseFormat(e.AudioFormat); err != nil {
			return err
		}
	}

	return nil
}

func (e *StartPlayback) Success(fileName string) *StartPlaybackResponse {
	r := &StartPlaybackResponse{
		Id:        StartPlaybackResponseKey,
		SessionId: e.SessionId,
		Status:    StatusOK,
	}
	if fileName != "" {
		r.FileName = pointer.ToString(fileName)
	}
	return r
}

func (e *StartPlayback) Fail(err error) *StartPlaybackResponse {
	return &StartPlaybackResponse{
		Id:        StartPlaybackResponseKey,
		SessionId: e.SessionId,
		Status:    StatusFailed,
		Error:     pointer.ToString(err.Error()),
	}
}

/*
startPlaybackResponse (player -> client)
```JSON5
{
	id: 'startPlaybackResponse',
	sessionId: <String>,
	status: 'ok' | 'failed',
	error: undefined | <String>,
	fileName: undefined | <String>, // recording file, when recording
}
```
*/

type StartPlaybackResponse struct {
	Id        string  `json:"id,omitempty"`
	SessionId string  `json:"sessionId,omitempty"`
	Status    string  `json:"status,omitempty"`
	Error     *string `json:"error,omitempty"`
	FileName  *string `json:"fileName,omitempty"`
}

func (e *StartPlaybackResponse) Validate() error {
	if e.SessionId == "" {
		return errors.New("missing sessionId")
	}
	switch e.Status {
	case StatusOK:
		if e.Error != nil {
			return errors.New("successful response carries an error")
		}
	case StatusFailed:
		if e.Error == nil {
			return errors.New("failed response without error")
		}
		if e.FileName != nil {
			return errors.New("failed response carries a file name")
		}
	default:
		return fmt.Errorf("invalid status '%s'", e.Status)
	}
	return nil
}

/*
stopPlayback (client -> player)
```JSON5
{
	id: 'stopPlayback',
	sessionId: <String>,
}
```
*/

type StopPlayback struct {
	Id        string `json:"id,omitempty"`
	SessionId string `json:"sessionId,omitempty"`
}

func (e *StopPlayback) Stopped(reason string, stats any) *PlaybackStopped {
	return NewPlaybackStopped(e.SessionId, reason, stats)
}

/*
playbackStopped (player -> client)
```JSON5
{
	id: 'playbackStopped',
	sessionId: <String>,
	reason: <String>,
	timestampUTC: <Number>, // wall clock, ms
	stats: <Object | undefined>, // counters of the session
}
```
*/

type PlaybackStopped struct {
	Id           string `json:"id,omitempty"`
	SessionId    string `json:"sessionId,omitempty"`
	Reason       string `json:"reason,omitempty"`
	TimestampUTC int64  `json:"timestampUTC,omitempty"`
	Stats        any    `json:"stats,omitempty"`
}

func NewPlaybackStopped(sessionId, reason string, stats any) *PlaybackStopped {
	if reason == "" {
		reason = StopReasonNormal
	}
	return &PlaybackStopped{
		Id:           PlaybackStoppedKey,
		SessionId:    sessionId,
		Reason:       reason,
		TimestampUTC: time.Now().UTC().UnixMilli(),
		Stats:        stats,
	}
}

/*
resetPlayback / clearBuffers / setVolume (client -> player)
```JSON5
{
	id: 'resetPlayback' | 'clearBuffers' | 'setVolume',
	sessionId: <String>,
	volume: <Number>, // setVolume only, 0 (muted) to 1
}
```
*/

type SessionCommand struct {
	Id        string   `json:"id,omitempty"`
	SessionId string   `json:"sessionId,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`
}

/*
playbackStatusChanged (player -> client)
```JSON5
{
	id: 'playbackStatusChanged',
	sessionId: <String>,
	status: 'idle' | 'configuring' | 'streaming' | 'draining',
	timestampUTC: <Number>,
}
```
*/

type PlaybackStatusChanged struct {
	Id           string `json:"id,omitempty"`
	SessionId    string `json:"sessionId,omitempty"`
	Status       string `json:"status,omitempty"`
	TimestampUTC int64  `json:"timestampUTC,omitempty"`
}

func NewPlaybackStatusChanged(sessionId, status string) *PlaybackStatusChanged {
	return &PlaybackStatusChanged{
		Id:           PlaybackStatusChangedKey,
		SessionId:    sessionId,
		Status:       status,
		TimestampUTC: time.Now().UTC().UnixMilli(),
	}
}

/*
getPlayerStatus (client -> player)
```JSON5
{
	id: 'getPlayerStatus',
}
```

playerStatus (player -> client)
```JSON5
{
	id: 'playerStatus',
	appName: <String>,
	appVersion: <String>,
	instanceId: <String>,
	timestamp: <Number>,
	sessions: <String[] | undefined>,
}
```
*/

type PlayerStatus struct {
	Id         string   `json:"id,omitempty"`
	AppName    string   `json:"appName,omitempty"`
	AppVersion string   `json:"appVersion,omitempty"`
	InstanceId string   `json:"instanceId,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"`
	Sessions   []string `json:"sessions,omitempty"`
}

func NewPlayerStatus(appName, version, instanceId string, sessions []string) *PlayerStatus {
	return &PlayerStatus{
		Id:         PlayerStatusKey,
		AppName:    appName,
		AppVersion: version,
		InstanceId: instanceId,
		Timestamp:  time.Now().UTC().UnixMilli(),
		Sessions:   sessions,
	}
}
