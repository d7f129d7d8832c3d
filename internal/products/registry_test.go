package products

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/events"
	"github.com/aura-live/backend/internal/fanout"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/store"
)

type fixture struct {
	store    *store.Memory
	bus      *fanout.Memory
	registry *Registry
	session  *models.Session
	host     models.SessionContext
}

func setup(t *testing.T, limit int) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	bus := fanout.NewMemory()
	sess := &models.Session{BroadcasterID: uuid.New(), Title: "drop", Category: models.CategoryEntertainment}
	require.NoError(t, st.CreateSession(ctx, sess))
	_, _, err := st.AddParticipant(ctx, &models.Participant{SessionID: sess.ID, UserID: sess.BroadcasterID, Role: models.RoleBroadcaster})
	require.NoError(t, err)
	return &fixture{
		store:    st,
		bus:      bus,
		registry: NewRegistry(st, fanout.NewPublisher(bus, nil), limit, nil),
		session:  sess,
		host:     models.SessionContext{SessionID: sess.ID, UserID: sess.BroadcasterID},
	}
}

func refs(list *models.ProductList) []string {
	out := []string{}
	for _, item := range list.Items {
		out = append(out, item.ProductRef)
	}
	return out
}

func TestToggle_Involution(t *testing.T) {
	f := setup(t, 20)
	ctx := context.Background()

	_, err := f.registry.Toggle(ctx, f.host, "sku-a")
	require.NoError(t, err)
	before, err := f.registry.List(ctx, f.session.ID)
	require.NoError(t, err)

	_, err = f.registry.Toggle(ctx, f.host, "sku-b")
	require.NoError(t, err)
	after, err := f.registry.Toggle(ctx, f.host, "sku-b")
	require.NoError(t, err)

	assert.Equal(t, refs(before), refs(after))
	assert.Greater(t, after.Version, before.Version)
}

func TestToggle_KeepsDisplayOrder(t *testing.T) {
	f := setup(t, 20)
	ctx := context.Background()
	for _, ref := range []string{"a", "b", "c"} {
		_, err := f.registry.Toggle(ctx, f.host, ref)
		require.NoError(t, err)
	}
	list, err := f.registry.Toggle(ctx, f.host, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, refs(list))

	list, err = f.registry.Toggle(ctx, f.host, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, refs(list))
}

func TestToggle_Authorization(t *testing.T) {
	f := setup(t, 20)
	ctx := context.Background()
	viewer := uuid.New()
	_, _, err := f.store.AddParticipant(ctx, &models.Participant{SessionID: f.session.ID, UserID: viewer, Role: models.RoleViewer})
	require.NoError(t, err)

	_, err = f.registry.Toggle(ctx, models.SessionContext{SessionID: f.session.ID, UserID: viewer}, "sku")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = f.registry.Toggle(ctx, models.SessionContext{SessionID: f.session.ID, UserID: uuid.New()}, "sku")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = f.store.PromoteParticipant(ctx, f.session.ID, viewer, 8)
	require.NoError(t, err)
	_, err = f.registry.Toggle(ctx, models.SessionContext{SessionID: f.session.ID, UserID: viewer}, "sku")
	assert.NoError(t, err, "co-presenters may share")
}

func TestToggle_CapAndValidation(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	_, err := f.registry.Toggle(ctx, f.host, "  ")
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	for _, ref := range []string{"a", "b"} {
		_, err := f.registry.Toggle(ctx, f.host, ref)
		require.NoError(t, err)
	}
	_, err = f.registry.Toggle(ctx, f.host, "c")
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)

	_, err = f.registry.Toggle(ctx, f.host, "a")
	assert.NoError(t, err, "removal is allowed at the cap")
}

func TestToggle_EndedSession(t *testing.T) {
	f := setup(t, 20)
	ctx := context.Background()
	_, _, err := f.store.EndSession(ctx, f.session.ID, f.session.CreatedAt)
	require.NoError(t, err)

	_, err = f.registry.Toggle(ctx, f.host, "sku")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestToggle_PublishesFullList(t *testing.T) {
	f := setup(t, 20)
	ctx := context.Background()
	sub, err := f.bus.Subscribe(ctx, events.Topic(f.session.ID))
	require.NoError(t, err)
	defer sub.Close()

	_, err = f.registry.Toggle(ctx, f.host, "a")
	require.NoError(t, err)
	_, err = f.registry.Toggle(ctx, f.host, "b")
	require.NoError(t, err)

	<-sub.C
	ev := <-sub.C
	assert.Equal(t, events.ProductsChanged, ev.Kind)
	assert.Equal(t, events.OpInsert, ev.Op)
	var list models.ProductList
	require.NoError(t, ev.Decode(&list))
	assert.Equal(t, []string{"a", "b"}, refs(&list))
	assert.Equal(t, ev.Version, list.Version)
}

func TestClear_Idempotent(t *testing.T) {
	f := setup(t, 20)
	ctx := context.Background()
	_, err := f.registry.Toggle(ctx, f.host, "a")
	require.NoError(t, err)

	require.NoError(t, f.registry.Clear(ctx, f.session.ID))
	require.NoError(t, f.registry.Clear(ctx, f.session.ID))
	list, err := f.registry.List(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, list.Items)
}

// endingStore ends the session and clears its products right after the caller's role
// is read, before the toggle reaches the store.
type endingStore struct {
	*store.Memory
	once sync.Once
	end  func()
}

func (s *endingStore) GetParticipant(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, error) {
	p, err := s.Memory.GetParticipant(ctx, sessionID, userID)
	s.once.Do(s.end)
	return p, err
}

func TestToggle_RacingEndSharesNothing(t *testing.T) {
	f := setup(t, 20)
	ctx := context.Background()
	racing := &endingStore{Memory: f.store, end: func() {
		_, _, err := f.store.EndSession(ctx, f.session.ID, time.Now().UTC())
		require.NoError(t, err)
		require.NoError(t, f.registry.Clear(ctx, f.session.ID))
	}}
	reg := NewRegistry(racing, fanout.NewPublisher(f.bus, nil), 20, nil)

	_, err := reg.Toggle(ctx, f.host, "sku-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	list, err := f.registry.List(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, list.Items)
}
