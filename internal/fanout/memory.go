package fanout

import (
	"context"
	"sync"

	"github.com/aura-live/backend/internal/events"
)

// Memory is an in-process Fanout for a single instance and for tests.
type Memory struct {
	mu   sync.RWMutex
	subs map[string]map[chan events.Event]struct{}
}

// NewMemory creates an in-process fanout.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[chan events.Event]struct{})}
}

// Publish delivers ev to every current subscriber of topic. Slow subscribers drop events.
func (m *Memory) Publish(_ context.Context, topic string, ev events.Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.subs[topic] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber on topic.
func (m *Memory) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	ch := make(chan events.Event, subscriptionBuffer)
	m.mu.Lock()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[chan events.Event]struct{})
	}
	m.subs[topic][ch] = struct{}{}
	m.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-subCtx.Done()
		m.mu.Lock()
		delete(m.subs[topic], ch)
		if len(m.subs[topic]) == 0 {
			delete(m.subs, topic)
		}
		close(ch)
		m.mu.Unlock()
	}()
	return newSubscription(ch, cancel), nil
}

// Subscribers returns the number of live subscribers on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}
