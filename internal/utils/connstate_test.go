package utils

import (
	"errors"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ConnectionState
	}{
		{name: "nil", err: nil, want: ConnectionStateDisconnected},
		{name: "network error", err: errors.New("connection reset by peer"), want: ConnectionStateDisconnected},
		{name: "normal closure", err: &websocket.CloseError{Code: websocket.CloseNormalClosure}, want: ConnectionStateClosed},
		{name: "going away", err: &websocket.CloseError{Code: websocket.CloseGoingAway}, want: ConnectionStateClosed},
		{name: "too big", err: &websocket.CloseError{Code: websocket.CloseMessageTooBig}, want: ConnectionStateFailed},
		{name: "abnormal", err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, want: ConnectionStateDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NormalizeCloseError(tt.err)
			assert.Equal(t, tt.want, state)
			assert.Equal(t, tt.want == ConnectionStateClosed || tt.want == ConnectionStateFailed, state.IsTerminalState())
		})
	}

	assert.Equal(t, "failed", ConnectionStateFailed.String())
}
