package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/events"
)

const publishTimeout = 5 * time.Second

// Redis implements Fanout on Redis pub/sub for cross-instance delivery.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedis creates a Redis pub/sub fanout.
func NewRedis(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, logger: logger}
}

// Publish publishes ev to the topic channel.
func (r *Redis) Publish(ctx context.Context, topic string, ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, topic, body).Err()
}

// Subscribe subscribes to the topic channel. The returned stream ends on Close or ctx cancel.
func (r *Redis) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(subCtx, topic)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	in := pubsub.Channel()
	out := make(chan events.Event, subscriptionBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var ev events.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Warn("drop malformed event", zap.String("topic", topic), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				default:
					r.logger.Debug("subscriber buffer full, event dropped", zap.String("topic", topic))
				}
			}
		}
	}()
	return newSubscription(out, cancel), nil
}
