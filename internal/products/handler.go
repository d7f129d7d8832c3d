package products

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/pkg/response"
)

// Handler serves the shared product endpoints.
type Handler struct {
	registry *Registry
}

// NewHandler creates a products handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// ToggleRequest is the body for POST /sessions/:id/products/toggle.
type ToggleRequest struct {
	ProductRef string `json:"product_ref" binding:"required"`
}

// Toggle handles POST /sessions/:id/products/toggle.
func (h *Handler) Toggle(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	list, err := h.registry.Toggle(c.Request.Context(), sc, req.ProductRef)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.OK(c, list)
}

// List handles GET /sessions/:id/products.
func (h *Handler) List(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	list, err := h.registry.List(c.Request.Context(), sc.SessionID)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.OK(c, list)
}
