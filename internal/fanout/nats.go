package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/events"
)

// NATS implements Fanout on core NATS subjects.
type NATS struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATS connects to url and returns a NATS fanout.
func NewNATS(url string, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("aura-live"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Info("NATS connected", zap.String("url", url))
	return &NATS{nc: nc, logger: logger}, nil
}

// subject maps a topic ("live:<id>") to a NATS subject ("live.<id>").
func subject(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// Publish publishes ev on the topic subject.
func (n *NATS) Publish(ctx context.Context, topic string, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.nc.Publish(subject(topic), body)
}

// Subscribe subscribes to the topic subject.
func (n *NATS) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	msgs := make(chan *nats.Msg, subscriptionBuffer)
	sub, err := n.nc.ChanSubscribe(subject(topic), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan events.Event, subscriptionBuffer)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg := <-msgs:
				var ev events.Event
				if err := json.Unmarshal(msg.Data, &ev); err != nil {
					n.logger.Warn("drop malformed event", zap.String("topic", topic), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return newSubscription(out, cancel), nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	return n.nc.Drain()
}
