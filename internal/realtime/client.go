package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/events"
	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/projection"
	"github.com/aura-live/backend/internal/sessions"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

// Frames sent to clients besides raw domain events.
const (
	FrameSnapshot = "snapshot"
	FrameView     = "view"
	FrameError    = "error"
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents a single WebSocket connection watching a session.
type Client struct {
	ID        string
	SessionID uuid.UUID
	UserID    uuid.UUID
	JoinedAt  time.Time

	conn   *websocket.Conn
	send   chan WSMessage
	resync chan struct{}
	done   chan struct{}
	logger *zap.Logger

	mu   sync.Mutex
	view *projection.Projection
}

func newClient(sessionID, userID uuid.UUID, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		JoinedAt:  time.Now(),
		conn:      conn,
		send:      make(chan WSMessage, sendBuffer),
		resync:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		logger:    logger,
		view:      projection.New(sessionID, userID),
	}
}

func (c *Client) enqueue(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		metrics.WebSocketDrops.Inc()
	}
}

// deliver forwards ev and, when it changed what this client sees, the new view.
func (c *Client) deliver(ev events.Event) {
	c.mu.Lock()
	changed := c.view.Apply(ev)
	vm := c.view.View()
	c.mu.Unlock()

	if msg, ok := encode(string(ev.Kind), ev); ok {
		c.enqueue(msg)
	}
	if changed {
		if msg, ok := encode(FrameView, vm); ok {
			c.enqueue(msg)
		}
	}
}

func (c *Client) requestResync() {
	select {
	case c.resync <- struct{}{}:
	default:
	}
}

// reset seeds the projection from snap and queues a snapshot frame.
func (c *Client) reset(snap *projection.Snapshot) {
	c.mu.Lock()
	c.view.Reset(snap)
	vm := c.view.View()
	c.mu.Unlock()
	if msg, ok := encode(FrameSnapshot, vm); ok {
		c.enqueue(msg)
	}
}

// ServeWs handles GET /ws?session_id=&token=: upgrade, snapshot, then events until the
// connection closes.
func (s *Server) ServeWs(c *gin.Context) {
	sessionIDStr := c.Query("session_id")
	token := c.Query("token")
	if sessionIDStr == "" || token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and token required"})
		return
	}
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
		return
	}
	claims, err := s.tokens.Validate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(sessionID, claims.UserID, conn, s.logger)
	if err := s.hub.Register(client); err != nil {
		s.logger.Error("register client failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		_ = conn.Close()
		return
	}
	if err := s.sendSnapshot(c.Request.Context(), client); err != nil {
		s.logger.Warn("initial snapshot failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		client.enqueue(errorFrame(err))
	}

	go s.writePump(client)
	go s.resyncLoop(client)
	s.readPump(client)
}

func errorFrame(err error) WSMessage {
	code, _ := models.ErrorCode(err)
	msg, _ := encode(FrameError, map[string]string{"code": code, "error": err.Error()})
	return msg
}

func (s *Server) sendSnapshot(ctx context.Context, c *Client) error {
	snap, err := s.views.Snapshot(ctx, models.SessionContext{SessionID: c.SessionID, UserID: c.UserID})
	if err != nil {
		return err
	}
	c.reset(snap)
	return nil
}

func (s *Server) resyncLoop(c *Client) {
	var tick <-chan time.Time
	if s.resync > 0 {
		ticker := time.NewTicker(s.resync)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-c.done:
			return
		case <-tick:
		case <-c.resync:
		}
		if err := s.sendSnapshot(context.Background(), c); err != nil {
			s.logger.Debug("resync failed", zap.String("client_id", c.ID), zap.Error(err))
		}
	}
}

func (s *Server) readPump(c *Client) {
	defer func() {
		close(c.done)
		if s.signals != nil {
			s.signals.UnregisterClient(c.SessionID, c.ID)
		}
		remaining := s.hub.Unregister(c)
		_ = c.conn.Close()
		if remaining == 0 {
			s.teardown(c)
		}
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "resync":
			c.requestResync()
		default:
			if s.signals != nil {
				if err := s.signal(c, msg); err != nil {
					c.enqueue(errorFrame(err))
				}
			}
		}
	}
}

// teardown runs when the user's last connection to a session closes: a broadcaster
// disconnect ends the session, anyone else leaves it.
func (s *Server) teardown(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sess, err := s.sessions.Get(ctx, c.SessionID)
	if err != nil || !sess.Live() {
		return
	}
	if sess.BroadcasterID == c.UserID {
		if _, err := s.sessions.EndAbnormal(ctx, c.SessionID, sessions.CauseDisconnect); err != nil {
			s.logger.Error("end on disconnect failed", zap.String("session_id", c.SessionID.String()), zap.Error(err))
		}
		return
	}
	if err := s.roster.Leave(ctx, models.SessionContext{SessionID: c.SessionID, UserID: c.UserID}); err != nil {
		s.logger.Warn("leave on disconnect failed", zap.String("session_id", c.SessionID.String()), zap.Error(err))
	}
}

func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
