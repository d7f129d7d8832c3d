package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/auth"
	"github.com/aura-live/backend/internal/media"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/projection"
)

// TokenValidator checks the token passed in the WebSocket query.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// Snapshotter reads a caller's view of a session.
type Snapshotter interface {
	Snapshot(ctx context.Context, sc models.SessionContext) (*projection.Snapshot, error)
}

// SessionEnder reads sessions and ends them when their broadcaster disconnects.
type SessionEnder interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	EndAbnormal(ctx context.Context, id uuid.UUID, cause string) (*models.Session, error)
}

// Leaver removes a disconnected participant from the roster.
type Leaver interface {
	Leave(ctx context.Context, sc models.SessionContext) error
}

// Signaler relays WebRTC signaling to an in-process SFU.
type Signaler interface {
	HandlePublisherOffer(sessionID, userID uuid.UUID, sdp webrtc.SessionDescription, send media.SendFunc) error
	HandlePublisherICE(sessionID, userID uuid.UUID, candidate webrtc.ICECandidateInit) error
	HandleSubscribe(sessionID, userID uuid.UUID, clientID string, send media.SendFunc) error
	HandleSubscriberAnswer(sessionID uuid.UUID, clientID string, sdp webrtc.SessionDescription) error
	HandleSubscriberICE(sessionID uuid.UUID, clientID string, candidate webrtc.ICECandidateInit) error
	UnregisterClient(sessionID uuid.UUID, clientID string)
}

// Server upgrades WebSocket connections and ties each one to the hub, the projection
// and, on disconnect, to the roster.
type Server struct {
	hub      *Hub
	tokens   TokenValidator
	views    Snapshotter
	sessions SessionEnder
	roster   Leaver
	signals  Signaler
	upgrader websocket.Upgrader
	resync   time.Duration
	logger   *zap.Logger
}

// NewServer creates a WebSocket server. Snapshots are re-sent every resync (0 disables).
func NewServer(hub *Hub, tokens TokenValidator, views Snapshotter, sessions SessionEnder, roster Leaver, resync time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:      hub,
		tokens:   tokens,
		views:    views,
		sessions: sessions,
		roster:   roster,
		resync:   resync,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetOriginCheck restricts which browser origins may open a socket.
func (s *Server) SetOriginCheck(fn func(*http.Request) bool) {
	s.upgrader.CheckOrigin = fn
}

// SetSignaler enables WebRTC signaling over the socket.
func (s *Server) SetSignaler(sig Signaler) {
	s.signals = sig
}

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type icePayload struct {
	Target    string          `json:"target"`
	Candidate json.RawMessage `json:"candidate"`
}

var errBadSignal = fmt.Errorf("malformed signaling message: %w", models.ErrInvalidInput)

func (s *Server) signal(c *Client, msg WSMessage) error {
	sendToMe := func(event string, payload interface{}) {
		s.hub.SendToClient(c.SessionID, c.ID, event, payload)
	}
	switch msg.Event {
	case "webrtc_publisher_offer":
		var p sdpPayload
		if json.Unmarshal(msg.Data, &p) != nil || p.SDP == "" {
			return errBadSignal
		}
		err := s.signals.HandlePublisherOffer(c.SessionID, c.UserID, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}, sendToMe)
		if errors.Is(err, media.ErrPublishDenied) {
			return fmt.Errorf("%w: %w", models.ErrUnauthorized, err)
		}
		return err
	case "webrtc_subscribe":
		return s.signals.HandleSubscribe(c.SessionID, c.UserID, c.ID, sendToMe)
	case "webrtc_subscriber_answer":
		var p sdpPayload
		if json.Unmarshal(msg.Data, &p) != nil || p.SDP == "" {
			return errBadSignal
		}
		return s.signals.HandleSubscriberAnswer(c.SessionID, c.ID, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP})
	case "webrtc_ice":
		var p icePayload
		var cand webrtc.ICECandidateInit
		if json.Unmarshal(msg.Data, &p) != nil || json.Unmarshal(p.Candidate, &cand) != nil {
			return errBadSignal
		}
		switch p.Target {
		case "publisher":
			return s.signals.HandlePublisherICE(c.SessionID, c.UserID, cand)
		case "subscriber":
			return s.signals.HandleSubscriberICE(c.SessionID, c.ID, cand)
		}
		return errBadSignal
	}
	return nil
}
