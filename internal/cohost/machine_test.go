package cohost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/events"
	"github.com/aura-live/backend/internal/fanout"
	"github.com/aura-live/backend/internal/media/mediatest"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/roster"
	"github.com/aura-live/backend/internal/store"
	"github.com/aura-live/backend/internal/viewers"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var testConfig = Config{MinInterval: 5 * time.Second, Cooldown: 30 * time.Second, PendingTTL: 2 * time.Minute}

type fixture struct {
	store     *store.Memory
	bus       *fanout.Memory
	transport *mediatest.Fake
	counter   *viewers.Counter
	roster    *roster.Coordinator
	machine   *Machine
	clock     *clock
	session   *models.Session
}

func setup(t *testing.T, limit int) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	bus := fanout.NewMemory()
	pub := fanout.NewPublisher(bus, nil)
	fake := mediatest.New()
	clk := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	sessionID := uuid.New()
	h, err := fake.CreateBroadcastCall(ctx, sessionID)
	require.NoError(t, err)
	sess := &models.Session{ID: sessionID, BroadcasterID: uuid.New(), Title: "live", Category: models.CategoryBusiness, ExternalMediaRef: string(h)}
	require.NoError(t, st.CreateSession(ctx, sess))

	counter := viewers.NewCounter(viewers.NewMemory(), pub, nil, nil)
	coord := roster.NewCoordinator(st, counter, fake, pub, limit, nil)
	m := NewMachine(st, coord, NewMemoryGuard(clk.Now), pub, testConfig, nil)
	m.now = clk.Now

	f := &fixture{store: st, bus: bus, transport: fake, counter: counter, roster: coord, machine: m, clock: clk, session: sess}
	_, err = coord.Join(ctx, f.host())
	require.NoError(t, err)
	return f
}

func (f *fixture) host() models.SessionContext {
	return models.SessionContext{SessionID: f.session.ID, UserID: f.session.BroadcasterID}
}

func (f *fixture) viewer(t *testing.T) models.SessionContext {
	t.Helper()
	sc := models.SessionContext{SessionID: f.session.ID, UserID: uuid.New()}
	_, err := f.roster.Join(context.Background(), sc)
	require.NoError(t, err)
	return sc
}

func (f *fixture) role(t *testing.T, userID uuid.UUID) models.Role {
	t.Helper()
	p, err := f.store.GetParticipant(context.Background(), f.session.ID, userID)
	require.NoError(t, err)
	return p.Role
}

func TestRequest_CreatesPendingAndPublishes(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()
	sub, err := f.bus.Subscribe(ctx, events.Topic(f.session.ID))
	require.NoError(t, err)
	defer sub.Close()

	b := f.viewer(t)
	r, err := f.machine.Request(ctx, b, "Bee")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Equal(t, "Bee", r.RequesterDisplay)

	assert.Eventually(t, func() bool {
		for {
			select {
			case ev := <-sub.C:
				if ev.Kind == events.CoHostRequested {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)

	mine, err := f.machine.Mine(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, r.ID, mine.ID)
}

func TestRequest_Preconditions(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()

	_, err := f.machine.Request(ctx, models.SessionContext{SessionID: f.session.ID, UserID: uuid.New()}, "")
	assert.ErrorIs(t, err, models.ErrUnauthorized, "must join first")

	_, err = f.machine.Request(ctx, f.host(), "")
	assert.ErrorIs(t, err, models.ErrConflict, "broadcaster cannot request")

	_, err = f.machine.Request(ctx, models.SessionContext{SessionID: uuid.New(), UserID: uuid.New()}, "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRequest_ConcurrentDuplicatesYieldOnePending(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()
	b := f.viewer(t)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, limited := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.machine.Request(ctx, b, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, models.ErrRateLimited):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, limited)

	pending, err := f.machine.ListPending(ctx, f.host())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRequest_MinInterval(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()
	b := f.viewer(t)

	r, err := f.machine.Request(ctx, b, "")
	require.NoError(t, err)
	_, err = f.machine.Cancel(ctx, b, r.ID)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	_, err = f.machine.Request(ctx, b, "")
	assert.ErrorIs(t, err, models.ErrRateLimited)

	f.clock.Advance(4 * time.Second)
	_, err = f.machine.Request(ctx, b, "")
	assert.NoError(t, err)
}

func TestRequest_CooldownAfterRejection(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()
	b := f.viewer(t)

	r, err := f.machine.Request(ctx, b, "")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.machine.Reject(ctx, f.host(), r.ID)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	_, err = f.machine.Request(ctx, b, "")
	assert.ErrorIs(t, err, models.ErrRateLimited)

	f.clock.Advance(21 * time.Second)
	again, err := f.machine.Request(ctx, b, "")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, again.Status)
}

func TestAccept_PromotesAndGrants(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()
	b := f.viewer(t)
	r, err := f.machine.Request(ctx, b, "")
	require.NoError(t, err)

	accepted, err := f.machine.Accept(ctx, f.host(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, accepted.Status)
	assert.Equal(t, models.RoleCoPresenter, f.role(t, b.UserID))
	assert.Equal(t, 1, f.transport.Count("grant"))

	again, err := f.machine.Accept(ctx, f.host(), r.ID)
	require.NoError(t, err, "accepting twice is a no-op")
	assert.Equal(t, accepted.Version, again.Version)
	assert.Equal(t, 1, f.transport.Count("grant"))
}

func TestDecisions_BroadcasterOnly(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()
	b := f.viewer(t)
	c := f.viewer(t)
	r, err := f.machine.Request(ctx, b, "")
	require.NoError(t, err)

	_, err = f.machine.Accept(ctx, c, r.ID)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	_, err = f.machine.Reject(ctx, b, r.ID)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	_, err = f.machine.Cancel(ctx, c, r.ID)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	_, err = f.machine.ListPending(ctx, c)
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	current, err := f.store.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, current.Status)
	assert.Equal(t, models.RoleViewer, f.role(t, b.UserID))
}

func TestAcceptRejectRace_ExactlyOneOutcome(t *testing.T) {
	for i := 0; i < 25; i++ {
		f := setup(t, 8)
		ctx := context.Background()
		b := f.viewer(t)
		r, err := f.machine.Request(ctx, b, "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var acceptErr, rejectErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = f.machine.Accept(ctx, f.host(), r.ID)
		}()
		go func() {
			defer wg.Done()
			_, rejectErr = f.machine.Reject(ctx, f.host(), r.ID)
		}()
		wg.Wait()

		final, err := f.store.GetRequest(ctx, r.ID)
		require.NoError(t, err)
		switch final.Status {
		case models.RequestAccepted:
			assert.NoError(t, acceptErr)
			assert.ErrorIs(t, rejectErr, models.ErrConflict)
			assert.Equal(t, models.RoleCoPresenter, f.role(t, b.UserID))
		case models.RequestRejected:
			assert.NoError(t, rejectErr)
			assert.ErrorIs(t, acceptErr, models.ErrConflict)
			assert.Equal(t, models.RoleViewer, f.role(t, b.UserID), "losing accept is compensated")
			n, err := f.counter.Current(ctx, f.session.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		default:
			t.Fatalf("unexpected final status %s", final.Status)
		}
	}
}

func TestAccept_CapacityLeavesPending(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()
	b, c := f.viewer(t), f.viewer(t)
	rb, err := f.machine.Request(ctx, b, "")
	require.NoError(t, err)
	rc, err := f.machine.Request(ctx, c, "")
	require.NoError(t, err)

	_, err = f.machine.Accept(ctx, f.host(), rb.ID)
	require.NoError(t, err)
	_, err = f.machine.Accept(ctx, f.host(), rc.ID)
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)

	current, err := f.store.GetRequest(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, current.Status)
	assert.Equal(t, models.RoleViewer, f.role(t, c.UserID))
}

func TestAccept_TransportFailureCommitsRole(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()
	b := f.viewer(t)
	r, err := f.machine.Request(ctx, b, "")
	require.NoError(t, err)
	f.transport.Fail("grant", errors.New("sdk timeout"))

	accepted, err := f.machine.Accept(ctx, f.host(), r.ID)
	assert.ErrorIs(t, err, models.ErrTransport)
	require.NotNil(t, accepted)
	assert.Equal(t, models.RequestAccepted, accepted.Status)
	assert.Equal(t, models.RoleCoPresenter, f.role(t, b.UserID))
}

func TestTerminalStatesAreFinal(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()
	b := f.viewer(t)
	r, err := f.machine.Request(ctx, b, "")
	require.NoError(t, err)
	_, err = f.machine.Cancel(ctx, b, r.ID)
	require.NoError(t, err)

	_, err = f.machine.Accept(ctx, f.host(), r.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
	_, err = f.machine.Reject(ctx, f.host(), r.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
	_, err = f.machine.Cancel(ctx, b, r.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestCancelAll(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		r, err := f.machine.Request(ctx, f.viewer(t), "")
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	require.NoError(t, f.machine.CancelAll(ctx, f.session.ID))
	require.NoError(t, f.machine.CancelAll(ctx, f.session.ID))

	for _, id := range ids {
		r, err := f.store.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.RequestCancelled, r.Status)
		assert.Equal(t, models.CancelSessionEnded, r.CancelReason)
	}
}

// endingStore ends the session the first time the latest request is read, landing
// between Request's liveness check and its insert.
type endingStore struct {
	*store.Memory
	once sync.Once
	end  func()
}

func (s *endingStore) LatestRequest(ctx context.Context, sessionID, requesterID uuid.UUID) (*models.CoHostRequest, error) {
	s.once.Do(s.end)
	return s.Memory.LatestRequest(ctx, sessionID, requesterID)
}

func TestRequest_RacingEndLeavesNothingPending(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()
	b := f.viewer(t)

	racing := &endingStore{Memory: f.store}
	racing.end = func() {
		_, _, err := f.store.EndSession(ctx, f.session.ID, f.clock.Now())
		require.NoError(t, err)
		require.NoError(t, f.machine.CancelAll(ctx, f.session.ID))
	}
	m := NewMachine(racing, f.roster, nil, fanout.NewPublisher(f.bus, nil), testConfig, nil)
	m.now = f.clock.Now

	_, err := m.Request(ctx, b, "Bee")
	assert.ErrorIs(t, err, models.ErrNotFound)

	pending, err := f.store.ListPending(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, err = f.store.LatestRequest(ctx, f.session.ID, b.UserID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLeave_WithdrawsPendingRequest(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()
	f.roster.SetRequestWithdrawer(f.machine)

	b := f.viewer(t)
	r, err := f.machine.Request(ctx, b, "Bee")
	require.NoError(t, err)
	require.NoError(t, f.roster.Leave(ctx, b))

	got, err := f.store.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, got.Status)
	assert.Equal(t, models.CancelLeft, got.CancelReason)

	pending, err := f.machine.ListPending(ctx, f.host())
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.machine.Accept(ctx, f.host(), r.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestWithdraw_LeavesDecidedRequestsAlone(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()

	require.NoError(t, f.machine.Withdraw(ctx, f.session.ID, uuid.New()))

	b := f.viewer(t)
	r, err := f.machine.Request(ctx, b, "")
	require.NoError(t, err)
	_, err = f.machine.Reject(ctx, f.host(), r.ID)
	require.NoError(t, err)

	require.NoError(t, f.machine.Withdraw(ctx, f.session.ID, b.UserID))
	got, err := f.store.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestRejected, got.Status)
}

func TestExpireStale(t *testing.T) {
	f := setup(t, 8)
	ctx := context.Background()
	old, err := f.machine.Request(ctx, f.viewer(t), "")
	require.NoError(t, err)
	f.clock.Advance(90 * time.Second)
	fresh, err := f.machine.Request(ctx, f.viewer(t), "")
	require.NoError(t, err)

	f.clock.Advance(45 * time.Second)
	n, err := f.machine.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := f.store.GetRequest(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, r.Status)
	assert.Equal(t, models.CancelExpired, r.CancelReason)

	r, err = f.store.GetRequest(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)
}

func TestSweeper_StopsOnCancel(t *testing.T) {
	f := setup(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(f.machine, 10*time.Millisecond, nil).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestMemoryGuard(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	g := NewMemoryGuard(clk.Now)
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = g.Acquire(ctx, "k", time.Second)
	assert.False(t, ok)

	clk.Advance(time.Second)
	ok, _ = g.Acquire(ctx, "k", time.Second)
	assert.True(t, ok)
}

func TestRedisGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	g := NewRedisGuard(client)
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "s:u", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = g.Acquire(ctx, "s:u", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(6 * time.Second)
	ok, err = g.Acquire(ctx, "s:u", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequest_GuardFailureFailsOpen(t *testing.T) {
	f := setup(t, 8)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	f.machine.guard = NewRedisGuard(client)
	mr.Close()

	r, err := f.machine.Request(context.Background(), f.viewer(t), "")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)
}
