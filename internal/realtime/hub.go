package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/events"
	"github.com/aura-live/backend/internal/fanout"
	"github.com/aura-live/backend/internal/metrics"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	resubscribeDelay = time.Second
)

// Hub maintains session_id -> set of connections. It holds one fanout subscription per
// session with local clients and hands every event to each of them.
type Hub struct {
	// sessionID -> map[clientID]*Client
	sessions map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]context.CancelFunc
	mu       sync.RWMutex
	fanout   fanout.Fanout
	logger   *zap.Logger
}

// NewHub creates a new WebSocket hub reading events from f.
func NewHub(f fanout.Fanout, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]context.CancelFunc),
		fanout:   f,
		logger:   logger,
	}
}

// Register adds a client to a session room. The first client of a session subscribes
// the hub to its topic before Register returns, so a snapshot read afterwards misses no
// event.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[c.SessionID] == nil {
		ctx, cancel := context.WithCancel(context.Background())
		sub, err := h.fanout.Subscribe(ctx, events.Topic(c.SessionID))
		if err != nil {
			cancel()
			return err
		}
		h.sessions[c.SessionID] = make(map[string]*Client)
		h.subs[c.SessionID] = cancel
		go h.pump(ctx, c.SessionID, sub)
	}
	h.sessions[c.SessionID][c.ID] = c
	metrics.WebSocketConnections.Inc()
	h.logger.Debug("client joined session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
	return nil
}

// Unregister removes a client and reports how many clients of the same user remain in
// the session. The last client of a session releases the subscription.
func (h *Hub) Unregister(c *Client) (sameUser int) {
	h.mu.Lock()
	if m, ok := h.sessions[c.SessionID]; ok {
		if _, present := m[c.ID]; present {
			delete(m, c.ID)
			metrics.WebSocketConnections.Dec()
		}
		for _, other := range m {
			if other.UserID == c.UserID {
				sameUser++
			}
		}
		if len(m) == 0 {
			delete(h.sessions, c.SessionID)
			if cancel, ok := h.subs[c.SessionID]; ok {
				cancel()
				delete(h.subs, c.SessionID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
	return sameUser
}

// pump dispatches events until ctx is cancelled. A subscription that ends on its own is
// restarted and local clients are asked to resync, since events may have been missed.
func (h *Hub) pump(ctx context.Context, sessionID uuid.UUID, sub *fanout.Subscription) {
	topic := events.Topic(sessionID)
	for {
		for ev := range sub.C {
			for _, c := range h.clients(sessionID) {
				c.deliver(ev)
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		h.logger.Warn("fanout subscription ended, resubscribing", zap.String("session_id", sessionID.String()))
		for {
			var err error
			sub, err = h.fanout.Subscribe(ctx, topic)
			if err == nil {
				break
			}
			h.logger.Warn("resubscribe failed", zap.String("session_id", sessionID.String()), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
		}
		for _, c := range h.clients(sessionID) {
			c.requestResync()
		}
	}
}

func (h *Hub) clients(sessionID uuid.UUID) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.sessions[sessionID]))
	for _, c := range h.sessions[sessionID] {
		out = append(out, c)
	}
	return out
}

// Count returns the number of connected clients in a session.
func (h *Hub) Count(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func encode(event string, payload interface{}) (WSMessage, bool) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return WSMessage{}, false
		}
	}
	return WSMessage{Event: event, Data: data}, true
}

// SendToUser sends a message to every local client of userID in a session. It is the
// media.Notifier used by transports to push grants and tokens.
func (h *Hub) SendToUser(sessionID, userID uuid.UUID, event string, payload interface{}) {
	msg, ok := encode(event, payload)
	if !ok {
		return
	}
	for _, c := range h.clients(sessionID) {
		if c.UserID == userID {
			c.enqueue(msg)
		}
	}
}

// SendToClient sends a message to a single client in a session (for WebRTC signaling).
func (h *Hub) SendToClient(sessionID uuid.UUID, clientID string, event string, payload interface{}) {
	msg, ok := encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	c, found := h.sessions[sessionID][clientID]
	h.mu.RUnlock()
	if found {
		c.enqueue(msg)
	}
}
