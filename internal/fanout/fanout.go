// Package fanout distributes session events to every connected instance and client.
// Delivery is at-least-once with no ordering guarantee; consumers must be idempotent.
package fanout

import (
	"context"
	"sync"

	"github.com/aura-live/backend/internal/events"
)

// Fanout publishes and subscribes to per-session topics.
type Fanout interface {
	Publish(ctx context.Context, topic string, ev events.Event) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
}

// subscriptionBuffer bounds events queued per subscriber before drops.
const subscriptionBuffer = 256

// Subscription is a finite stream of events. It ends when Close is called or the
// subscribe context is cancelled; resubscribe to restart.
type Subscription struct {
	C <-chan events.Event

	once   sync.Once
	cancel func()
}

func newSubscription(c <-chan events.Event, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
