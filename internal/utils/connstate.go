package utils

import (
	"errors"

	"github.com/gorilla/websocket"
)

// ConnectionState is a normalized state of the media transport connection.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

// IsTerminalState returns true if the connection state is terminal (failed or closed)
func (s ConnectionState) IsTerminalState() bool {
	return s == ConnectionStateFailed || s == ConnectionStateClosed
}

// NormalizeCloseError converts the error that ended a websocket read loop.
// A normal closure means the producer ended the stream; anything else is a
// transport failure worth reconnecting for.
func NormalizeCloseError(err error) ConnectionState {
	if err == nil {
		return ConnectionStateDisconnected
	}

	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return ConnectionStateDisconnected
	}

	switch ce.Code {
	case websocket.CloseNormalClosure,
		websocket.CloseGoingAway:
		return ConnectionStateClosed
	case websocket.ClosePolicyViolation,
		websocket.CloseUnsupportedData,
		websocket.CloseInvalidFramePayloadData,
		websocket.CloseMessageTooBig,
		websocket.CloseMandatoryExtension,
		websocket.CloseInternalServerErr,
		websocket.CloseTLSHandshake:
		return ConnectionStateFailed
	default:
		return ConnectionStateDisconnected
	}
}

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
