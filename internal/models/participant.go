package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is a participant's role inside a live session.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleCoPresenter Role = "copresenter"
	RoleViewer      Role = "viewer"
)

// CanPublish reports whether the role may send audio/video.
func (r Role) CanPublish() bool {
	return r == RoleBroadcaster || r == RoleCoPresenter
}

// Participant is one user's presence in a session.
// JoinID is unique per join and keys the viewer counter deltas of that presence.
type Participant struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	Role      Role      `json:"role"`
	JoinID    uuid.UUID `json:"join_id"`
	JoinedAt  time.Time `json:"joined_at"`
	Version   int64     `json:"version"`
}

// AttendanceRow is one join/leave record for a session.
type AttendanceRow struct {
	UserID       uuid.UUID  `json:"user_id"`
	JoinedAt     time.Time  `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
	WatchSeconds int64      `json:"watch_seconds"`
}
