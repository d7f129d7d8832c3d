package models

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies a live session.
type Category string

const (
	CategoryBusiness      Category = "business"
	CategoryEntertainment Category = "entertainment"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryBusiness || c == CategoryEntertainment
}

// Session is one live broadcast. It is live while EndedAt is nil.
type Session struct {
	ID               uuid.UUID  `json:"id"`
	BroadcasterID    uuid.UUID  `json:"broadcaster_id"`
	Title            string     `json:"title"`
	Category         Category   `json:"category"`
	RecordingEnabled bool       `json:"recording_enabled"`
	ExternalMediaRef string     `json:"external_media_ref,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	Version          int64      `json:"version"`
}

// Live reports whether the session has not ended.
func (s *Session) Live() bool {
	return s.EndedAt == nil
}

// SessionContext identifies the caller of a core operation and the session it targets.
// It is owned by the caller and passed explicitly into every operation.
type SessionContext struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
}

// SessionStats tracks aggregate numbers for a session (peak viewers).
type SessionStats struct {
	SessionID   uuid.UUID `json:"session_id"`
	PeakViewers int       `json:"peak_viewers"`
	UpdatedAt   time.Time `json:"updated_at"`
}
