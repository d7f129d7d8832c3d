package projection

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/pkg/response"
)

// Handler serves the caller's view of a session.
type Handler struct {
	builder *Builder
}

// NewHandler creates a view handler.
func NewHandler(builder *Builder) *Handler {
	return &Handler{builder: builder}
}

// View handles GET /sessions/:id/view.
func (h *Handler) View(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	vm, err := h.builder.View(c.Request.Context(), sc)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.OK(c, vm)
}
