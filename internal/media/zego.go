package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ZEGOCLOUD/zego_server_assistant/token/go/src/token04"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const zegoPrefix = "zego:"

// ZegoConfig holds ZEGOCLOUD console credentials.
type ZegoConfig struct {
	AppID        uint32
	ServerSecret string
	TokenTTL     time.Duration
}

// roomPayload is the token04 room payload. See ZEGOCLOUD token04 docs.
type roomPayload struct {
	RoomID       string      `json:"RoomId"`
	Privilege    map[int]int `json:"Privilege"`
	StreamIDList []string    `json:"StreamIdList,omitempty"`
}

// Zego issues ZEGOCLOUD token04 credentials. The room lives in ZEGOCLOUD; this side only
// decides who gets a publish-enabled token.
type Zego struct {
	cfg      ZegoConfig
	log      *zap.Logger
	mu       sync.RWMutex
	rooms    map[uuid.UUID]map[uuid.UUID]struct{}
	notifier Notifier
}

// NewZego validates cfg and creates the transport.
func NewZego(cfg ZegoConfig, log *zap.Logger) (*Zego, error) {
	if cfg.AppID == 0 || cfg.ServerSecret == "" {
		return nil, fmt.Errorf("zego: app_id and server_secret required")
	}
	if len(cfg.ServerSecret) != 32 {
		return nil, fmt.Errorf("zego: server_secret must be 32 characters")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Zego{cfg: cfg, log: log, rooms: make(map[uuid.UUID]map[uuid.UUID]struct{})}, nil
}

// SetNotifier sets where publish tokens are pushed after a grant.
func (z *Zego) SetNotifier(n Notifier) {
	z.mu.Lock()
	z.notifier = n
	z.mu.Unlock()
}

func zegoRoom(h Handle) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(string(h), zegoPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownCall, h)
	}
	return uuid.Parse(raw)
}

// token generates a token04 token for userID in room. Publishing is enabled only when publish is set.
func (z *Zego) token(room, userID uuid.UUID, publish bool) (string, error) {
	privilege := map[int]int{
		token04.PrivilegeKeyLogin:   token04.PrivilegeEnable,
		token04.PrivilegeKeyPublish: token04.PrivilegeDisable,
	}
	if publish {
		privilege[token04.PrivilegeKeyPublish] = token04.PrivilegeEnable
	}
	payload, err := json.Marshal(roomPayload{RoomID: room.String(), Privilege: privilege})
	if err != nil {
		return "", fmt.Errorf("zego: marshal payload: %w", err)
	}
	return token04.GenerateToken04(z.cfg.AppID, userID.String(), z.cfg.ServerSecret, int64(z.cfg.TokenTTL/time.Second), string(payload))
}

func (z *Zego) CreateBroadcastCall(_ context.Context, sessionID uuid.UUID) (Handle, error) {
	z.mu.Lock()
	if _, ok := z.rooms[sessionID]; !ok {
		z.rooms[sessionID] = make(map[uuid.UUID]struct{})
	}
	z.mu.Unlock()
	return Handle(zegoPrefix + sessionID.String()), nil
}

func (z *Zego) JoinAsViewer(ctx context.Context, h Handle, userID uuid.UUID) (*Subscription, error) {
	return z.Credentials(ctx, h, userID, false)
}

// Credentials returns a token for userID. A publish token is only issued after a grant.
func (z *Zego) Credentials(_ context.Context, h Handle, userID uuid.UUID, publish bool) (*Subscription, error) {
	room, err := zegoRoom(h)
	if err != nil {
		return nil, err
	}
	z.mu.RLock()
	granted, known := z.rooms[room]
	_, allowed := granted[userID]
	z.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, h)
	}
	if publish && !allowed {
		return nil, ErrPublishDenied
	}
	tok, err := z.token(room, userID, publish)
	if err != nil {
		return nil, err
	}
	return &Subscription{
		Handle:     h,
		Backend:    "zego",
		UserID:     userID,
		CanPublish: publish,
		Token:      tok,
		AppID:      z.cfg.AppID,
		ExpiresAt:  time.Now().Add(z.cfg.TokenTTL).UTC(),
	}, nil
}

// GrantPublishRights records the grant and pushes a publish-enabled token to the user.
func (z *Zego) GrantPublishRights(ctx context.Context, h Handle, userID uuid.UUID) error {
	room, err := zegoRoom(h)
	if err != nil {
		return err
	}
	z.mu.Lock()
	granted, ok := z.rooms[room]
	if ok {
		granted[userID] = struct{}{}
	}
	n := z.notifier
	z.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, h)
	}
	sub, err := z.Credentials(ctx, h, userID, true)
	if err != nil {
		return err
	}
	if n != nil {
		n.SendToUser(room, userID, EventPublishGranted, sub)
	}
	return nil
}

// RevokePublishRights drops the grant. Tokens already issued stay valid until they
// expire; clients are told to stop publishing.
func (z *Zego) RevokePublishRights(_ context.Context, h Handle, userID uuid.UUID) error {
	room, err := zegoRoom(h)
	if err != nil {
		return err
	}
	z.mu.Lock()
	delete(z.rooms[room], userID)
	n := z.notifier
	z.mu.Unlock()
	if n != nil {
		n.SendToUser(room, userID, EventPublishRevoked, map[string]string{"handle": string(h)})
	}
	return nil
}

func (z *Zego) Leave(_ context.Context, h Handle, userID uuid.UUID) error {
	room, err := zegoRoom(h)
	if err != nil {
		return err
	}
	z.mu.Lock()
	delete(z.rooms[room], userID)
	z.mu.Unlock()
	return nil
}

func (z *Zego) EndCall(_ context.Context, h Handle) error {
	room, err := zegoRoom(h)
	if err != nil {
		return err
	}
	z.mu.Lock()
	delete(z.rooms, room)
	z.mu.Unlock()
	z.log.Debug("zego room closed", zap.String("session_id", room.String()))
	return nil
}
