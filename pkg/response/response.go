package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-live/backend/internal/models"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Retry   bool        `json:"retry,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	c.JSON(http.StatusBadRequest, Body{Success: false, Error: err, Code: "VALIDATION_ERROR"})
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	c.JSON(http.StatusUnauthorized, Body{Success: false, Error: err, Code: "UNAUTHENTICATED"})
}

// TooManyRequests sends 429.
func TooManyRequests(c *gin.Context, err string) {
	c.JSON(http.StatusTooManyRequests, Body{Success: false, Error: err, Code: "RATE_LIMITED"})
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	c.JSON(http.StatusInternalServerError, Body{Success: false, Error: err, Code: "INTERNAL_ERROR"})
}

// Err maps a domain error to its status and stable code. A transport error means the
// logical change is committed, so data is still returned and the client is told to retry
// the media step.
func Err(c *gin.Context, err error, data interface{}) {
	code, status := models.ErrorCode(err)
	body := Body{Success: false, Error: err.Error(), Code: code}
	if status == http.StatusAccepted {
		body.Success = true
		body.Data = data
		body.Retry = true
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	c.JSON(status, body)
}
