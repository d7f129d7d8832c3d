package fanout

import (
	"context"

	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/events"
	"github.com/aura-live/backend/internal/metrics"
)

// Publisher emits events after a committed state change. Publish failures are logged
// and counted, never returned: the store is authoritative and clients resync by reads.
type Publisher struct {
	fanout Fanout
	logger *zap.Logger
}

// NewPublisher wraps f. A nil f yields a publisher that drops every event.
func NewPublisher(f Fanout, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{fanout: f, logger: logger}
}

// Emit publishes ev on its session topic.
func (p *Publisher) Emit(ctx context.Context, ev events.Event) {
	if p == nil || p.fanout == nil {
		return
	}
	if err := p.fanout.Publish(context.WithoutCancel(ctx), events.Topic(ev.SessionID), ev); err != nil {
		metrics.FanoutPublishErrors.WithLabelValues(string(ev.Kind)).Inc()
		p.logger.Warn("fanout publish failed",
			zap.String("session_id", ev.SessionID.String()),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}
