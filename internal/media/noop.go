package media

import (
	"context"

	"github.com/google/uuid"
)

// Noop accepts every call and moves no media. Used when no transport is configured.
type Noop struct{}

func (Noop) CreateBroadcastCall(_ context.Context, sessionID uuid.UUID) (Handle, error) {
	return Handle("noop:" + sessionID.String()), nil
}

func (Noop) JoinAsViewer(_ context.Context, h Handle, userID uuid.UUID) (*Subscription, error) {
	return &Subscription{Handle: h, Backend: "noop", UserID: userID}, nil
}

func (Noop) GrantPublishRights(context.Context, Handle, uuid.UUID) error  { return nil }
func (Noop) RevokePublishRights(context.Context, Handle, uuid.UUID) error { return nil }
func (Noop) Leave(context.Context, Handle, uuid.UUID) error               { return nil }
func (Noop) EndCall(context.Context, Handle) error                        { return nil }
