package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// SessionContext builds the caller's session context from the :id route param and the
// JWT user. It writes the error response and returns false when either is missing.
func SessionContext(c *gin.Context) (models.SessionContext, bool) {
	userID, ok := UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return models.SessionContext{}, false
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return models.SessionContext{}, false
	}
	return models.SessionContext{SessionID: sessionID, UserID: userID}, true
}

// UUIDParam parses a uuid route param, writing a 400 when malformed.
func UUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.BadRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
