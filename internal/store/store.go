// Package store persists sessions, participants, co-host requests and shared products.
// Backends return the sentinels from internal/models for domain outcomes and wrap every
// other failure with models.ErrStoreUnavailable.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/models"
)

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	LiveOnly      bool
	Category      models.Category
	BroadcasterID *uuid.UUID
}

// Cursor is a keyset position in the createdAt-descending session order.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// CursorOf returns the cursor positioned after s.
func CursorOf(s *models.Session) *Cursor {
	return &Cursor{CreatedAt: s.CreatedAt, ID: s.ID}
}

// Sessions persists live sessions.
type Sessions interface {
	// CreateSession inserts s and fills ID, CreatedAt and Version. ErrConflict when the
	// broadcaster already owns a live session.
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	// LiveSessionByBroadcaster returns ErrNotFound when the broadcaster has no live session.
	LiveSessionByBroadcaster(ctx context.Context, broadcasterID uuid.UUID) (*models.Session, error)
	// EndSession marks the session ended. ended is false when it was already ended.
	EndSession(ctx context.Context, id uuid.UUID, at time.Time) (s *models.Session, ended bool, err error)
	// ListSessions returns up to limit sessions strictly after cursor (nil = from the top).
	ListSessions(ctx context.Context, f SessionFilter, after *Cursor, limit int) ([]models.Session, error)
}

// Participants persists the per-session roster.
type Participants interface {
	// AddParticipant inserts p when the user is not in the session yet and returns the stored
	// row. created is false when the user was already present. ErrNotFound when the session
	// is not live.
	AddParticipant(ctx context.Context, p *models.Participant) (stored *models.Participant, created bool, err error)
	GetParticipant(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, error)
	ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
	// PromoteParticipant changes a viewer to co-presenter while fewer than limit co-presenters
	// exist. ErrCapacityExceeded at the cap, ErrConflict when the user is not a viewer.
	PromoteParticipant(ctx context.Context, sessionID, userID uuid.UUID, limit int) (*models.Participant, error)
	// DemoteParticipant changes a co-presenter back to viewer. ErrConflict when not a co-presenter.
	DemoteParticipant(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, error)
	// RemoveParticipant deletes and returns the row. ErrNotFound when absent.
	RemoveParticipant(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, error)
	// RemoveParticipants deletes every row of the session and returns them.
	RemoveParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
}

// Requests persists co-host requests.
type Requests interface {
	// CreateRequest inserts a pending request. ErrConflict when the requester already has
	// a pending request in the session.
	CreateRequest(ctx context.Context, r *models.CoHostRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*models.CoHostRequest, error)
	// LatestRequest returns the requester's newest request in the session or ErrNotFound.
	LatestRequest(ctx context.Context, sessionID, requesterID uuid.UUID) (*models.CoHostRequest, error)
	// TransitionRequest moves a pending request at version to status. ErrConflict when the
	// row is no longer pending or the version moved.
	TransitionRequest(ctx context.Context, id uuid.UUID, version int64, status models.RequestStatus, reason models.CancelReason, at time.Time) (*models.CoHostRequest, error)
	// ListPending returns the session's pending requests, oldest first.
	ListPending(ctx context.Context, sessionID uuid.UUID) ([]models.CoHostRequest, error)
	// ListStale returns pending requests of any session created before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.CoHostRequest, error)
}

// Products persists the shared product set of each session.
type Products interface {
	// ToggleProduct adds ref when absent (appended last) and removes it when present.
	// ErrCapacityExceeded when adding would exceed limit items.
	ToggleProduct(ctx context.Context, sessionID uuid.UUID, ref string, limit int, at time.Time) (list *models.ProductList, added bool, err error)
	ListProducts(ctx context.Context, sessionID uuid.UUID) (*models.ProductList, error)
	// ClearProducts removes every shared product. changed is false when the set was empty.
	ClearProducts(ctx context.Context, sessionID uuid.UUID) (list *models.ProductList, changed bool, err error)
}

// Store is the full persistence surface.
type Store interface {
	Sessions
	Participants
	Requests
	Products
	Ping(ctx context.Context) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}
