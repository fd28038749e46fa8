package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/marketchat/internal/logger"
)

const fanoutChannel = "chat:fanout"

// envelope wraps a user-addressed event for cross-process fan-out. Origin
// lets each subscriber drop its own publications: the publishing process
// already delivered locally before publishing.
type envelope struct {
	Origin string        `json:"origin"`
	UserID string        `json:"user_id"`
	Event  OutgoingEvent `json:"event"`
}

// RedisBridge fans user-addressed events out to sibling processes over Redis
// Pub/Sub. Events are fire-and-forget: a process that is down simply has no
// connections to deliver to.
type RedisBridge struct {
	rdb    *redis.Client
	origin string
}

func NewRedisBridge(rdb *redis.Client) *RedisBridge {
	return &RedisBridge{rdb: rdb, origin: uuid.New().String()}
}

func (b *RedisBridge) Publish(ctx context.Context, userID string, ev OutgoingEvent) error {
	data, err := json.Marshal(envelope{Origin: b.origin, UserID: userID, Event: ev})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, fanoutChannel, data).Err()
}

// Run subscribes to the fan-out channel and hands remote-originated events to
// deliver until ctx is canceled. Subscription errors trigger a resubscribe
// with backoff.
func (b *RedisBridge) Run(ctx context.Context, deliver func(userID string, ev OutgoingEvent)) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		sub := b.rdb.Subscribe(ctx, fanoutChannel)
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("ws bridge subscribe: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		b.consume(ctx, sub, deliver)
		sub.Close()
	}
}

func (b *RedisBridge) consume(ctx context.Context, sub *redis.PubSub, deliver func(userID string, ev OutgoingEvent)) {
	ch := sub.Channel()
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
				logger.Errorf("ws bridge decode: %v", err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			deliver(env.UserID, env.Event)
		}
	}
}
