package gateway

import (
	"context"
	"encoding/json"
	"strings"

	pkgredis "github.com/mx-space/authgate/internal/pkg/redis"
	"go.uber.org/zap"
)

const defaultFanoutChannel = "authgate:gateway"

// envelope is one emit as carried between instances. Target selects a user
// room, Room a subscribed room; neither means broadcast.
type envelope struct {
	Origin  string `json:"origin"`
	Target  string `json:"target,omitempty"`
	Room    string `json:"room,omitempty"`
	Event   Event  `json:"event"`
	Payload any    `json:"payload"`
}

type fanout struct {
	rc      *pkgredis.Client
	channel string
}

func newFanout(rc *pkgredis.Client, channel string) *fanout {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultFanoutChannel
	}
	return &fanout{rc: rc, channel: channel}
}

func (f *fanout) publish(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return f.rc.Publish(ctx, f.channel, string(data))
}

// subscribe delivers envelopes published by other instances until ctx is done.
func (f *fanout) subscribe(ctx context.Context, self string, logger *zap.Logger, deliver func(envelope)) {
	pubsub := f.rc.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warn("gateway fan-out: bad message", zap.Error(err))
				continue
			}
			if env.Origin == self || !env.Event.Valid() {
				continue
			}
			deliver(env)
		}
	}
}
