package pubsub

import (
	"context"
	"fmt"

	"github.com/bigbluebutton/bbb-stream-player/internal/config"
	"github.com/mitchellh/mapstructure"
)

type PubSub interface {
	// Subscribe blocks, handing every message of channel to handler, until
	// the subscription fails or Close is called. onStart runs once the
	// subscription is active.
	Subscribe(channel string, handler PubSubHandler, onStart func() error) error
	Publish(channel string, message []byte) error
	Check() error
	Close() error
}

type PubSubHandler func(ctx context.Context, message []byte)

func NewPubSub(cfg config.PubSub) (PubSub, error) {
	switch cfg.Adapter {
	case "redis":
		c := config.Redis{}
		if err := mapstructure.Decode(cfg.Adapters[cfg.Adapter], &c); err != nil {
			return nil, fmt.Errorf("failed to decode %s pubsub configuration: %w", cfg.Adapter, err)
		}
		return NewRedis(c), nil
	default:
		return nil, fmt.Errorf("unknown pubsub adapter '%s'", cfg.Adapter)
	}
}
