package events

import (
	"fmt"

	"github.com/titanous/json5"
)

// Event is an inbound message whose payload is decoded on demand.
type Event struct {
	Id        string `json:"id"`
	SessionId string `json:"sessionId,omitempty"`

	raw []byte
	err error
}

func Decode(message []byte) *Event {
	e := &Event{raw: message}
	if err := json5.Unmarshal(message, e); err != nil {
		e.err = fmt.Errorf("malformed event: %w", err)
		return e
	}
	if e.Id == "" {
		e.err = fmt.Errorf("event without id")
	}
	return e
}

func (e *Event) IsValid() bool {
	return e.err == nil
}

func (e *Event) Err() error {
	return e.err
}

func (e *Event) decode(id string, v any) bool {
	if !e.IsValid() || e.Id != id {
		return false
	}
	return json5.Unmarshal(e.raw, v) == nil
}

func (e *Event) StartPlayback() *StartPlayback {
	var v StartPlayback
	if !e.decode(StartPlaybackKey, &v) {
		return nil
	}
	return &v
}

func (e *Event) StartPlaybackResponse() *StartPlaybackResponse {
	var v StartPlaybackResponse
	if !e.decode(StartPlaybackResponseKey, &v) {
		return nil
	}
	return &v
}

func (e *Event) StopPlayback() *StopPlayback {
	var v StopPlayback
	if !e.decode(StopPlaybackKey, &v) {
		return nil
	}
	return &v
}

func (e *Event) PlaybackStopped() *PlaybackStopped {
	var v PlaybackStopped
	if !e.decode(PlaybackStoppedKey, &v) {
		return nil
	}
	return &v
}

// SessionCommand decodes resetPlayback, clearBuffers and setVolume.
func (e *Event) SessionCommand() *SessionCommand {
	switch e.Id {
	case ResetPlaybackKey, ClearBuffersKey, SetVolumeKey:
	default:
		return nil
	}

	var v SessionCommand
	if !e.decode(e.Id, &v) || v.SessionId == "" {
		return nil
	}
	if v.Id == SetVolumeKey && v.Volume == nil {
		return nil
	}
	return &v
}
