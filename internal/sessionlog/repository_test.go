package sessionlog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/stats"
	"github.com/aura-live/backend/internal/store"
)

func TestMemory_WatchTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }
	ctx := context.Background()
	sid, a, b := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, m.LogJoin(ctx, sid, a))
	now = now.Add(10 * time.Second)
	require.NoError(t, m.LogJoin(ctx, sid, b))
	now = now.Add(20 * time.Second)
	require.NoError(t, m.LogLeave(ctx, sid, a))
	require.NoError(t, m.LogJoin(ctx, sid, a))
	now = now.Add(5 * time.Second)
	require.NoError(t, m.LogLeave(ctx, sid, a))
	require.NoError(t, m.LogLeave(ctx, sid, uuid.New()))

	w, err := m.WatchTime(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(35), w.TotalWatchSeconds)
	assert.Equal(t, 1, w.DistinctUsers, "b is still watching")

	list, err := m.ListBySession(ctx, sid)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, a, list[0].UserID)
	assert.Nil(t, list[1].LeftAt)
}

func TestHandler_Attendance(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	st := store.NewMemory()
	peaks := stats.NewMemory()
	log := NewMemory()

	owner := uuid.New()
	sess := &models.Session{BroadcasterID: owner, Title: "launch", Category: models.CategoryBusiness}
	require.NoError(t, st.CreateSession(ctx, sess))
	viewer := uuid.New()
	require.NoError(t, log.LogJoin(ctx, sess.ID, viewer))
	require.NoError(t, peaks.RecordPeak(ctx, sess.ID, 4))

	h := NewHandler(log, st, peaks)
	serve := func(caller uuid.UUID) *httptest.ResponseRecorder {
		r := gin.New()
		r.GET("/sessions/:id/attendance", func(c *gin.Context) {
			c.Set(middleware.ContextUserID, caller)
		}, h.Attendance)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID.String()+"/attendance", nil))
		return w
	}

	w := serve(owner)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data Report `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 4, body.Data.PeakViewers)
	require.Len(t, body.Data.Attendees, 1)
	assert.Equal(t, viewer, body.Data.Attendees[0].UserID)

	assert.Equal(t, http.StatusForbidden, serve(viewer).Code)
}
