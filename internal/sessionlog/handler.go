package sessionlog

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// Log is the attendance storage read by the report.
type Log interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.AttendanceRow, error)
	WatchTime(ctx context.Context, sessionID uuid.UUID) (*WatchTime, error)
}

// SessionLookup loads a session to authorize the report.
type SessionLookup interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// PeakSource returns the viewer peak of a session.
type PeakSource interface {
	Get(ctx context.Context, sessionID uuid.UUID) (*models.SessionStats, error)
}

// Report is the body of GET /sessions/:id/attendance.
type Report struct {
	Attendees   []models.AttendanceRow `json:"attendees"`
	WatchTime   *WatchTime             `json:"watch_time"`
	PeakViewers int                    `json:"peak_viewers"`
}

// Handler serves the attendance report to the broadcaster.
type Handler struct {
	log      Log
	sessions SessionLookup
	peaks    PeakSource
}

// NewHandler creates an attendance handler.
func NewHandler(log Log, sessions SessionLookup, peaks PeakSource) *Handler {
	return &Handler{log: log, sessions: sessions, peaks: peaks}
}

// Attendance handles GET /sessions/:id/attendance.
func (h *Handler) Attendance(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	report, err := h.report(c.Request.Context(), sc)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.OK(c, report)
}

func (h *Handler) report(ctx context.Context, sc models.SessionContext) (*Report, error) {
	sess, err := h.sessions.GetSession(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.BroadcasterID != sc.UserID {
		return nil, fmt.Errorf("attendance of %s: %w", sc.SessionID, models.ErrUnauthorized)
	}
	list, err := h.log.ListBySession(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	wt, err := h.log.WatchTime(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	stats, err := h.peaks.Get(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.AttendanceRow{}
	}
	return &Report{Attendees: list, WatchTime: wt, PeakViewers: stats.PeakViewers}, nil
}
