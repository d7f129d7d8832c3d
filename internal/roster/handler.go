package roster

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/pkg/response"
)

// Handler serves join/leave and roster endpoints.
type Handler struct {
	coord *Coordinator
}

// NewHandler creates a roster handler.
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

// Join handles POST /sessions/:id/join.
func (h *Handler) Join(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	res, err := h.coord.Join(c.Request.Context(), sc)
	if err != nil {
		response.Err(c, err, res)
		return
	}
	response.OK(c, res)
}

// Leave handles POST /sessions/:id/leave.
func (h *Handler) Leave(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	if err := h.coord.Leave(c.Request.Context(), sc); err != nil {
		response.Err(c, err, nil)
		return
	}
	response.NoContent(c)
}

// List handles GET /sessions/:id/participants.
func (h *Handler) List(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	list, err := h.coord.List(c.Request.Context(), sc.SessionID)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.OK(c, gin.H{"participants": list})
}

// Demote handles POST /sessions/:id/participants/:userId/demote.
func (h *Handler) Demote(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	userID, ok := middleware.UUIDParam(c, "userId")
	if !ok {
		return
	}
	p, err := h.coord.Demote(c.Request.Context(), sc, userID)
	if err != nil {
		response.Err(c, err, p)
		return
	}
	response.OK(c, p)
}

// RetryGrant handles POST /sessions/:id/participants/:userId/grant.
func (h *Handler) RetryGrant(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	userID, ok := middleware.UUIDParam(c, "userId")
	if !ok {
		return
	}
	if err := h.coord.RetryGrant(c.Request.Context(), sc, userID); err != nil {
		response.Err(c, err, nil)
		return
	}
	response.NoContent(c)
}

// MediaToken handles GET /sessions/:id/media-token.
func (h *Handler) MediaToken(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	sub, err := h.coord.MediaCredentials(c.Request.Context(), sc)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.OK(c, sub)
}
