package auth

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// RegisterRequest is the body for POST /auth/register.
type RegisterRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=6"`
	DisplayName string `json:"display_name" binding:"required,max=64"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	users  Users
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(users Users, jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{users: users, jwt: jwt, logger: logger}
}

// Register handles POST /auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		response.BadRequest(c, "display_name is required")
		return
	}

	hash, err := HashPassword(req.Password)
	if errors.Is(err, ErrPasswordTooLong) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		response.Internal(c, "failed to hash password")
		return
	}
	user, err := h.users.Create(c.Request.Context(), req.Email, hash, name)
	if errors.Is(err, models.ErrConflict) {
		response.BadRequest(c, "email already registered")
		return
	}
	if err != nil {
		h.logger.Error("create user failed", zap.Error(err))
		response.Err(c, err, nil)
		return
	}

	h.issue(c, user, true)
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	user, err := h.users.GetByEmail(c.Request.Context(), req.Email)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		response.Err(c, err, nil)
		return
	}
	hashed := ""
	if user != nil {
		hashed = user.Password
	}
	if !CheckPassword(req.Password, hashed) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	h.issue(c, user, false)
}

func (h *Handler) issue(c *gin.Context, user *models.User, created bool) {
	token, err := h.jwt.Generate(user.ID, user.Email, user.DisplayName)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	body := TokenResponse{Token: token, User: user.ToPublic()}
	if created {
		response.Created(c, body)
		return
	}
	response.OK(c, body)
}
