package cohost

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/pkg/response"
)

// Handler serves the co-host request endpoints.
type Handler struct {
	machine *Machine
}

// NewHandler creates a co-host request handler.
func NewHandler(machine *Machine) *Handler {
	return &Handler{machine: machine}
}

// CreateRequest is the optional body for POST /sessions/:id/cohost-requests.
type CreateRequest struct {
	DisplayName string `json:"display_name"`
}

// Create handles POST /sessions/:id/cohost-requests.
func (h *Handler) Create(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	var req CreateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	if req.DisplayName == "" {
		req.DisplayName = middleware.DisplayName(c)
	}
	r, err := h.machine.Request(c.Request.Context(), sc, req.DisplayName)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.Created(c, r)
}

// ListPending handles GET /sessions/:id/cohost-requests (broadcaster only).
func (h *Handler) ListPending(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	list, err := h.machine.ListPending(c.Request.Context(), sc)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.OK(c, gin.H{"requests": list})
}

// Mine handles GET /sessions/:id/cohost-requests/mine.
func (h *Handler) Mine(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	r, err := h.machine.Mine(c.Request.Context(), sc)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.OK(c, r)
}

// Accept handles POST /sessions/:id/cohost-requests/:requestId/accept.
func (h *Handler) Accept(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	requestID, ok := middleware.UUIDParam(c, "requestId")
	if !ok {
		return
	}
	r, err := h.machine.Accept(c.Request.Context(), sc, requestID)
	if err != nil {
		response.Err(c, err, r)
		return
	}
	response.OK(c, r)
}

// Reject handles POST /sessions/:id/cohost-requests/:requestId/reject.
func (h *Handler) Reject(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	requestID, ok := middleware.UUIDParam(c, "requestId")
	if !ok {
		return
	}
	r, err := h.machine.Reject(c.Request.Context(), sc, requestID)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.OK(c, r)
}

// Cancel handles POST /sessions/:id/cohost-requests/:requestId/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	sc, ok := middleware.SessionContext(c)
	if !ok {
		return
	}
	requestID, ok := middleware.UUIDParam(c, "requestId")
	if !ok {
		return
	}
	r, err := h.machine.Cancel(c.Request.Context(), sc, requestID)
	if err != nil {
		response.Err(c, err, nil)
		return
	}
	response.OK(c, r)
}
