package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/auth"
	"github.com/aura-live/backend/internal/cohost"
	"github.com/aura-live/backend/internal/events"
	"github.com/aura-live/backend/internal/fanout"
	"github.com/aura-live/backend/internal/media/mediatest"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/products"
	"github.com/aura-live/backend/internal/projection"
	"github.com/aura-live/backend/internal/roster"
	"github.com/aura-live/backend/internal/sessions"
	"github.com/aura-live/backend/internal/store"
	"github.com/aura-live/backend/internal/viewers"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func drain(c *Client) []WSMessage {
	var out []WSMessage
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func frames(msgs []WSMessage, event string) int {
	n := 0
	for _, m := range msgs {
		if m.Event == event {
			n++
		}
	}
	return n
}

func TestHub_DeliversEventsAndViews(t *testing.T) {
	bus := fanout.NewMemory()
	hub := NewHub(bus, nil)
	sid := uuid.New()
	a := newClient(sid, uuid.New(), nil, zap.NewNop())
	b := newClient(sid, uuid.New(), nil, zap.NewNop())
	require.NoError(t, hub.Register(a))
	require.NoError(t, hub.Register(b))
	defer hub.Unregister(a)
	defer hub.Unregister(b)

	ev := events.New(sid, events.ViewersChanged, events.OpUpdate, 1, events.ViewerPayload{Count: 1, Raw: 1})
	require.NoError(t, bus.Publish(context.Background(), events.Topic(sid), ev))
	require.NoError(t, bus.Publish(context.Background(), events.Topic(sid), ev))

	var got []WSMessage
	assert.Eventually(t, func() bool {
		got = append(got, drain(a)...)
		return frames(got, string(events.ViewersChanged)) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, frames(got, FrameView), "the duplicate changes nothing")

	var vm projection.ViewModel
	for _, m := range got {
		if m.Event == FrameView {
			require.NoError(t, json.Unmarshal(m.Data, &vm))
		}
	}
	assert.Equal(t, 1, vm.ViewerCount)
	assert.Eventually(t, func() bool { return len(drain(b)) > 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_SendToUser(t *testing.T) {
	hub := NewHub(fanout.NewMemory(), nil)
	sid, user := uuid.New(), uuid.New()
	phone := newClient(sid, user, nil, zap.NewNop())
	laptop := newClient(sid, user, nil, zap.NewNop())
	other := newClient(sid, uuid.New(), nil, zap.NewNop())
	for _, c := range []*Client{phone, laptop, other} {
		require.NoError(t, hub.Register(c))
	}

	hub.SendToUser(sid, user, "media_publish_granted", map[string]string{"handle": "sfu:x"})
	assert.Len(t, drain(phone), 1)
	assert.Len(t, drain(laptop), 1)
	assert.Empty(t, drain(other))

	hub.SendToClient(sid, other.ID, "webrtc_subscriber_offer", map[string]string{"sdp": "v=0"})
	assert.Len(t, drain(other), 1)
}

func TestHub_UnregisterReleasesSubscription(t *testing.T) {
	bus := fanout.NewMemory()
	hub := NewHub(bus, nil)
	sid, user := uuid.New(), uuid.New()
	first := newClient(sid, user, nil, zap.NewNop())
	second := newClient(sid, user, nil, zap.NewNop())
	require.NoError(t, hub.Register(first))
	require.NoError(t, hub.Register(second))
	assert.Equal(t, 1, bus.Subscribers(events.Topic(sid)), "one subscription per session")

	assert.Equal(t, 1, hub.Unregister(first))
	assert.Equal(t, 0, hub.Unregister(second))
	assert.Equal(t, 0, hub.Count(sid))
	assert.Eventually(t, func() bool { return bus.Subscribers(events.Topic(sid)) == 0 }, time.Second, 10*time.Millisecond)
}

type wsApp struct {
	store    *store.Memory
	registry *sessions.Registry
	roster   *roster.Coordinator
	jwt      *auth.JWTService
	server   *httptest.Server
}

func newWSApp(t *testing.T) *wsApp {
	t.Helper()
	st := store.NewMemory()
	bus := fanout.NewMemory()
	pub := fanout.NewPublisher(bus, nil)
	fake := mediatest.New()
	counter := viewers.NewCounter(viewers.NewMemory(), pub, nil, nil)
	coord := roster.NewCoordinator(st, counter, fake, pub, 8, nil)
	machine := cohost.NewMachine(st, coord, nil, pub, cohost.Config{}, nil)
	shares := products.NewRegistry(st, pub, 20, nil)
	reg := sessions.NewRegistry(st, fake, counter, sessions.Cascade{Requests: machine, Roster: coord, Products: shares}, pub, nil)
	coord.SetSessionEnder(reg.LeaveEnder())

	jwt := auth.NewJWTService("test-secret", 1)
	hub := NewHub(bus, nil)
	srv := NewServer(hub, jwt, projection.NewBuilder(st, counter), reg, coord, 0, nil)
	r := gin.New()
	r.GET("/ws", srv.ServeWs)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &wsApp{store: st, registry: reg, roster: coord, jwt: jwt, server: ts}
}

func (a *wsApp) dial(t *testing.T, sessionID, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	token, err := a.jwt.Generate(userID, "u@example.com", "U")
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/ws?session_id=" + sessionID.String() + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) WSMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event == event {
			return msg
		}
	}
}

func TestServeWs_RejectsBadToken(t *testing.T) {
	a := newWSApp(t)
	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/ws?session_id=" + uuid.NewString() + "&token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestServeWs_SnapshotEventsAndViewerTeardown(t *testing.T) {
	a := newWSApp(t)
	ctx := context.Background()
	host, viewer := uuid.New(), uuid.New()
	s, err := a.registry.Create(ctx, host, "Live", models.CategoryBusiness, false)
	require.NoError(t, err)

	_, err = a.roster.Join(ctx, models.SessionContext{SessionID: s.ID, UserID: viewer})
	require.NoError(t, err)
	conn := a.dial(t, s.ID, viewer)

	var vm projection.ViewModel
	require.NoError(t, json.Unmarshal(readUntil(t, conn, FrameSnapshot).Data, &vm))
	assert.True(t, vm.Live)
	assert.Equal(t, models.RoleViewer, vm.Role)
	assert.Equal(t, 1, vm.ViewerCount)

	_, err = a.roster.Join(ctx, models.SessionContext{SessionID: s.ID, UserID: uuid.New()})
	require.NoError(t, err)
	readUntil(t, conn, string(events.ParticipantJoined))
	require.NoError(t, json.Unmarshal(readUntil(t, conn, FrameView).Data, &vm))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		_, err := a.store.GetParticipant(ctx, s.ID, viewer)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond, "disconnect leaves the session")
}

func TestServeWs_BroadcasterDisconnectEndsSession(t *testing.T) {
	a := newWSApp(t)
	ctx := context.Background()
	host := uuid.New()
	s, err := a.registry.Create(ctx, host, "Live", models.CategoryBusiness, false)
	require.NoError(t, err)

	conn := a.dial(t, s.ID, host)
	readUntil(t, conn, FrameSnapshot)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		got, err := a.registry.Get(ctx, s.ID)
		return err == nil && !got.Live()
	}, 2*time.Second, 20*time.Millisecond)
}
