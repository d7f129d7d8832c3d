package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/config"
	"github.com/aura-live/backend/internal/auth"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/projection"
	"github.com/aura-live/backend/internal/viewers"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.JWT = config.JWTConfig{Secret: "test", ExpireHours: 1}
	cfg.Server.CORSAllowedOrigins = []string{"*"}
	cfg.Live = config.LiveConfig{CoPresenterCap: 8, ProductsCap: 20, RateLimitPerMinute: 100}
	cfg.Backends = config.BackendsConfig{Store: "memory", Fanout: "memory", Media: "noop", Counter: "memory"}
	return cfg
}

type client struct {
	t      *testing.T
	router *gin.Engine
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
}

func (c client) do(method, path, token string, body any) (int, envelope) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func (c client) register(name string) (string, models.UserPublic) {
	c.t.Helper()
	status, env := c.do(http.MethodPost, "/auth/register", "", auth.RegisterRequest{Email: name + "@example.com", Password: "secret1", DisplayName: name})
	require.Equal(c.t, http.StatusCreated, status)
	var tr auth.TokenResponse
	require.NoError(c.t, json.Unmarshal(env.Data, &tr))
	return tr.Token, tr.User
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func newClient(t *testing.T, cfg *config.Config) (client, *App) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return client{t: t, router: a.Router()}, a
}

func TestHealthAndMetrics(t *testing.T) {
	c, _ := newClient(t, testConfig())
	status, _ := c.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)

	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aura_live_sessions")
}

func TestAPI_RequiresToken(t *testing.T) {
	c, _ := newClient(t, testConfig())
	status, _ := c.do(http.MethodGet, "/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPI_LiveSessionFlow(t *testing.T) {
	c, _ := newClient(t, testConfig())
	hostTok, _ := c.register("host")
	bTok, b := c.register("bea")
	cTok, _ := c.register("cal")

	status, env := c.do(http.MethodPost, "/sessions", hostTok, map[string]any{"title": "Spring drop", "category": "business"})
	require.Equal(t, http.StatusCreated, status)
	sess := decode[models.Session](t, env.Data)
	base := "/sessions/" + sess.ID.String()

	for _, tok := range []string{bTok, cTok} {
		status, _ = c.do(http.MethodPost, base+"/join", tok, nil)
		require.Equal(t, http.StatusOK, status)
	}

	status, env = c.do(http.MethodPost, base+"/cohost-requests", bTok, nil)
	require.Equal(t, http.StatusCreated, status)
	req := decode[models.CoHostRequest](t, env.Data)
	assert.Equal(t, "bea", req.RequesterDisplay)

	status, env = c.do(http.MethodPost, base+"/cohost-requests", bTok, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "RATE_LIMITED", env.Code)

	status, _ = c.do(http.MethodPost, base+"/cohost-requests/"+req.ID.String()+"/accept", cTok, nil)
	assert.Equal(t, http.StatusForbidden, status, "only the broadcaster decides")
	status, env = c.do(http.MethodPost, base+"/cohost-requests/"+req.ID.String()+"/accept", hostTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.RequestAccepted, decode[models.CoHostRequest](t, env.Data).Status)

	status, _ = c.do(http.MethodPost, base+"/products/toggle", hostTok, map[string]string{"product_ref": "sku-1"})
	require.Equal(t, http.StatusOK, status)

	_, env = c.do(http.MethodGet, base+"/viewers", cTok, nil)
	assert.Equal(t, 2, decode[viewers.CountResponse](t, env.Data).Count)

	_, env = c.do(http.MethodGet, base+"/view", bTok, nil)
	view := decode[projection.ViewModel](t, env.Data)
	assert.True(t, view.Live)
	assert.Equal(t, models.RoleCoPresenter, view.Role)
	require.Len(t, view.CoPresenters, 1)
	assert.Equal(t, b.ID, view.CoPresenters[0].UserID)
	require.Len(t, view.Products, 1)

	status, _ = c.do(http.MethodGet, base+"/attendance", bTok, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, env = c.do(http.MethodGet, base+"/attendance", hostTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"peak_viewers":2`)

	status, _ = c.do(http.MethodPost, base+"/end", bTok, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = c.do(http.MethodPost, base+"/end", hostTok, nil)
	require.Equal(t, http.StatusOK, status)

	_, env = c.do(http.MethodGet, base+"/view", cTok, nil)
	view = decode[projection.ViewModel](t, env.Data)
	assert.False(t, view.Live)
	assert.Empty(t, view.CoPresenters)
	assert.Empty(t, view.Products)

	status, _ = c.do(http.MethodPost, base+"/join", cTok, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.Addr = mr.Addr()
	cfg.Backends.Fanout = "redis"
	cfg.Backends.Counter = "redis"
	cfg.Live.RateLimitPerMinute = 2

	c, a := newClient(t, cfg)
	require.NotNil(t, a.Queue)

	hostTok, _ := c.register("host")
	status, env := c.do(http.MethodPost, "/sessions", hostTok, map[string]any{"title": "Recorded", "category": "entertainment", "recording_enabled": true})
	require.Equal(t, http.StatusCreated, status)
	sess := decode[models.Session](t, env.Data)

	status, _ = c.do(http.MethodPost, "/sessions/"+sess.ID.String()+"/end", hostTok, nil)
	require.Equal(t, http.StatusOK, status)
	pending, _, err := a.Queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "recorded session queued for archive")

	// register used one auth hit from this address; the limit is two per minute.
	status, _ = c.do(http.MethodPost, "/auth/login", "", auth.LoginRequest{Email: "host@example.com", Password: "secret1"})
	assert.Equal(t, http.StatusOK, status)
	status, _ = c.do(http.MethodPost, "/auth/login", "", auth.LoginRequest{Email: "host@example.com", Password: "secret1"})
	assert.Equal(t, http.StatusTooManyRequests, status)
}
