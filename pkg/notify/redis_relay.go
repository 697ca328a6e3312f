package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"recapai/pkg/domain"
)

// wireEvent carries the owner id, which TaskEvent hides from clients.
type wireEvent struct {
	OwnerID string           `json:"ownerId"`
	Event   domain.TaskEvent `json:"event"`
}

// RedisRelay publishes events on a Redis channel and feeds every received
// event to the local hub, so each instance reaches its own sessions.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   Deliverer
}

func NewRedisRelay(client *redis.Client, channel string, local Deliverer) (*RedisRelay, error) {
	if client == nil || local == nil {
		return nil, errors.New("notify relay requires a redis client and a local deliverer")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "recapai:task-events"
	}
	return &RedisRelay{client: client, channel: channel, local: local}, nil
}

// Deliver publishes event. When Redis is unreachable the event still reaches
// local sessions.
func (r *RedisRelay) Deliver(ctx context.Context, event domain.TaskEvent) {
	payload, err := json.Marshal(wireEvent{OwnerID: event.OwnerID, Event: event})
	if err != nil {
		r.local.Deliver(ctx, event)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(pubCtx, r.channel, payload).Err(); err != nil {
		slog.WarnContext(ctx, "notification publish failed, delivering locally", "err", err)
		r.local.Deliver(ctx, event)
	}
}

// Run subscribes until ctx is done. ready, if non-nil, is closed once the
// subscription is confirmed.
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var w wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				slog.Warn("notification relay: bad payload", "err", err)
				continue
			}
			w.Event.OwnerID = w.OwnerID
			r.local.Deliver(ctx, w.Event)
		}
	}
}
