// Package media adapts external media transports (pion SFU, ZEGOCLOUD) to the calls the
// session coordinator needs. The coordinator stores Handle as the session's external
// media reference and never inspects it.
package media

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Handle identifies a broadcast call inside its transport.
type Handle string

// Subscription is what a client needs to attach to a call.
type Subscription struct {
	Handle     Handle    `json:"handle"`
	Backend    string    `json:"backend"`
	UserID     uuid.UUID `json:"user_id"`
	CanPublish bool      `json:"can_publish"`
	Token      string    `json:"token,omitempty"`
	AppID      uint32    `json:"app_id,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Transport is the call primitive surface. Implementations must be safe for concurrent use.
type Transport interface {
	CreateBroadcastCall(ctx context.Context, sessionID uuid.UUID) (Handle, error)
	JoinAsViewer(ctx context.Context, h Handle, userID uuid.UUID) (*Subscription, error)
	GrantPublishRights(ctx context.Context, h Handle, userID uuid.UUID) error
	RevokePublishRights(ctx context.Context, h Handle, userID uuid.UUID) error
	Leave(ctx context.Context, h Handle, userID uuid.UUID) error
	EndCall(ctx context.Context, h Handle) error
}

// CredentialIssuer is implemented by transports that hand out per-user credentials
// (for example a publish-enabled token after a grant).
type CredentialIssuer interface {
	Credentials(ctx context.Context, h Handle, userID uuid.UUID, publish bool) (*Subscription, error)
}

// Notifier delivers a media event to one user's connected clients.
type Notifier interface {
	SendToUser(sessionID, userID uuid.UUID, event string, payload interface{})
}

// Events pushed through Notifier.
const (
	EventPublishGranted = "media_publish_granted"
	EventPublishRevoked = "media_publish_revoked"
	EventTracksChanged  = "media_tracks_changed"
)

var (
	// ErrUnknownCall is returned for a handle the transport does not know.
	ErrUnknownCall = errors.New("unknown media call")
	// ErrPublishDenied is returned when a user without publish rights offers media.
	ErrPublishDenied = errors.New("publish rights not granted")
)
