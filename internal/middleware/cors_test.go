package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func corsRouter(origins Origins) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS(origins))
	r.GET("/sessions", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func corsRequest(r *gin.Engine, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/sessions", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCORS_AllowList(t *testing.T) {
	r := corsRouter(NewOrigins([]string{"https://Studio.example.com/", ""}))

	w := corsRequest(r, http.MethodGet, "https://studio.example.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://studio.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))

	w = corsRequest(r, http.MethodGet, "https://evil.example.com")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Methods"))

	w = corsRequest(r, http.MethodOptions, "https://studio.example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}

func TestCORS_Wildcard(t *testing.T) {
	for _, origins := range []Origins{NewOrigins(nil), NewOrigins([]string{"*"})} {
		w := corsRequest(corsRouter(origins), http.MethodGet, "https://any.example.com")
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestOrigins_CheckRequest(t *testing.T) {
	o := NewOrigins([]string{"https://studio.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, o.CheckRequest(req), "non-browser clients send no origin")

	req.Header.Set("Origin", "https://studio.example.com")
	assert.True(t, o.CheckRequest(req))

	req.Header.Set("Origin", "https://other.example.com")
	assert.False(t, o.CheckRequest(req))
}
