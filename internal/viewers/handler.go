package viewers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/pkg/response"
)

// CountResponse is the body of GET /sessions/:id/viewers.
type CountResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	Count     int       `json:"count"`
}

// Handler serves the viewer count.
type Handler struct {
	counter *Counter
}

// NewHandler creates a viewer count handler.
func NewHandler(counter *Counter) *Handler {
	return &Handler{counter: counter}
}

// Count handles GET /sessions/:id/viewers.
func (h *Handler) Count(c *gin.Context) {
	id, ok := middleware.UUIDParam(c, "id")
	if !ok {
		return
	}
	n, err := h.counter.Current(c.Request.Context(), id)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.OK(c, CountResponse{SessionID: id, Count: n})
}
