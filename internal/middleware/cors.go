package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origins is the set of browser origins allowed to call the API and open sockets.
// An empty set or one containing "*" allows any origin.
type Origins map[string]bool

// NewOrigins normalizes origins (lowercase, no trailing slash).
func NewOrigins(list []string) Origins {
	o := make(Origins, len(list))
	for _, s := range list {
		s = strings.TrimRight(strings.ToLower(strings.TrimSpace(s)), "/")
		if s != "" {
			o[s] = true
		}
	}
	return o
}

func (o Origins) any() bool {
	return len(o) == 0 || o["*"]
}

// Allowed reports whether origin may be served. A missing Origin header is allowed:
// it comes from non-browser clients.
func (o Origins) Allowed(origin string) bool {
	if origin == "" || o.any() {
		return true
	}
	return o[strings.TrimRight(strings.ToLower(origin), "/")]
}

// CheckRequest is a websocket.Upgrader CheckOrigin func.
func (o Origins) CheckRequest(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, err := url.Parse(origin); err != nil {
		return false
	}
	return o.Allowed(origin)
}

// CORS sets CORS headers for the live API. Only GET and POST routes exist.
func CORS(origins Origins) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case origins.any():
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && origins.Allowed(origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		default:
			origin = ""
		}
		if origin != "" || origins.any() {
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Expose-Headers", "Retry-After")
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
