package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitedRouter(rdb redis.Cmdable, user uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/limited", func(c *gin.Context) {
		if user != uuid.Nil {
			c.Set(ContextUserID, user)
		}
	}, RateLimit(rdb, "test", 2, time.Minute, nil), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func hit(r *gin.Engine) int {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/limited", nil))
	return w.Code
}

func TestRateLimit_WindowPerUser(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	alice := limitedRouter(rdb, uuid.New())
	assert.Equal(t, http.StatusOK, hit(alice))
	assert.Equal(t, http.StatusOK, hit(alice))
	assert.Equal(t, http.StatusTooManyRequests, hit(alice))

	assert.Equal(t, http.StatusOK, hit(limitedRouter(rdb, uuid.New())), "other users have their own budget")

	mr.FastForward(time.Minute + time.Second)
	assert.Equal(t, http.StatusOK, hit(alice), "window expired")
}

func TestRateLimit_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	r := limitedRouter(rdb, uuid.Nil)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, hit(r))
	}
	assert.Equal(t, http.StatusOK, hit(limitedRouter(nil, uuid.Nil)))
}

func TestRateLimit_RetryAfter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := limitedRouter(rdb, uuid.New())
	hit(r)
	hit(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/limited", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}
