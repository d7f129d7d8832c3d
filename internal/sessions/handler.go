package sessions

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/store"
	"github.com/aura-live/backend/pkg/response"
)

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Title            string `json:"title" binding:"required"`
	Category         string `json:"category" binding:"required"`
	RecordingEnabled bool   `json:"recording_enabled"`
}

// ListResponse is one page of GET /sessions.
type ListResponse struct {
	Sessions   []models.Session `json:"sessions"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// Handler serves the session endpoints.
type Handler struct {
	registry *Registry
}

// NewHandler creates a session handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// Create handles POST /sessions.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	s, err := h.registry.Create(c.Request.Context(), userID, req.Title, models.Category(req.Category), req.RecordingEnabled)
	if err != nil {
		response.Err(c, err, s)
		return
	}
	response.Created(c, s)
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := middleware.UUIDParam(c, "id")
	if !ok {
		return
	}
	s, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.OK(c, s)
}

// End handles POST /sessions/:id/end (broadcaster only).
func (h *Handler) End(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	s, err := h.registry.End(c.Request.Context(), sc)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.OK(c, s)
}

// List handles GET /sessions?live=&category=&broadcaster_id=&limit=&cursor=.
func (h *Handler) List(c *gin.Context) {
	f := Filter{
		LiveOnly: c.DefaultQuery("live", "true") == "true",
		Category: models.Category(c.Query("category")),
	}
	if f.Category != "" && !f.Category.Valid() {
		response.BadRequest(c, "invalid category")
		return
	}
	if raw := c.Query("broadcaster_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.BadRequest(c, "invalid broadcaster_id")
			return
		}
		f.BroadcasterID = &id
	}
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = min(n, maxPageSize)
	}
	var after *store.Cursor
	if raw := c.Query("cursor"); raw != "" {
		cur, err := DecodeCursor(raw)
		if err != nil {
			response.BadRequest(c, "invalid cursor")
			return
		}
		after = cur
	}

	page, err := h.registry.Page(c.Request.Context(), f, after, limit)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	out := ListResponse{Sessions: page}
	if out.Sessions == nil {
		out.Sessions = []models.Session{}
	}
	if len(page) == limit {
		out.NextCursor = EncodeCursor(store.CursorOf(&page[len(page)-1]))
	}
	response.OK(c, out)
}

// EncodeCursor renders a keyset cursor as an opaque URL-safe token.
func EncodeCursor(c *store.Cursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token from EncodeCursor.
func DecodeCursor(token string) (*store.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	ts, id, found := strings.Cut(string(raw), ":")
	if !found {
		return nil, errors.New("malformed cursor")
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, err
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	return &store.Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: uid}, nil
}
