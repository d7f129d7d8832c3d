// Package sessions creates, ends and lists live sessions. Ending a session cascades to
// every other component that holds per-session state.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-live/backend/internal/events"
	"github.com/aura-live/backend/internal/fanout"
	"github.com/aura-live/backend/internal/media"
	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/roster"
	"github.com/aura-live/backend/internal/store"
	"github.com/aura-live/backend/internal/viewers"
)

const (
	maxTitleLen     = 120
	defaultPageSize = 50
	maxPageSize     = 200
)

// End causes recorded in metrics.
const (
	CauseExplicit   = "explicit"
	CauseDisconnect = "broadcaster_disconnect"
	CauseAdmin      = "admin"
)

// RequestCanceller forces pending co-host requests of an ended session to cancelled.
type RequestCanceller interface {
	CancelAll(ctx context.Context, sessionID uuid.UUID) error
}

// RosterCleaner removes every participant of an ended session.
type RosterCleaner interface {
	RemoveAll(ctx context.Context, sessionID uuid.UUID) error
}

// ProductClearer unshares every product of an ended session.
type ProductClearer interface {
	Clear(ctx context.Context, sessionID uuid.UUID) error
}

// Archiver queues the post-session summary of a recorded session.
type Archiver interface {
	EnqueueArchive(ctx context.Context, sessionID uuid.UUID) error
}

// Cascade lists the components cleaned up when a session ends.
type Cascade struct {
	Requests RequestCanceller
	Roster   RosterCleaner
	Products ProductClearer
}

// Filter narrows List. PageSize bounds each store read, not the sequence length.
type Filter struct {
	LiveOnly      bool
	Category      models.Category
	BroadcasterID *uuid.UUID
	PageSize      int
}

func (f Filter) store() store.SessionFilter {
	return store.SessionFilter{LiveOnly: f.LiveOnly, Category: f.Category, BroadcasterID: f.BroadcasterID}
}

// Registry owns the session lifecycle.
type Registry struct {
	store     store.Store
	transport media.Transport
	counter   *viewers.Counter
	cascade   Cascade
	archiver  Archiver
	pub       *fanout.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewRegistry creates a session registry.
func NewRegistry(s store.Store, transport media.Transport, counter *viewers.Counter, cascade Cascade, pub *fanout.Publisher, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: s, transport: transport, counter: counter, cascade: cascade, pub: pub, logger: logger, now: time.Now}
}

// SetArchiver enables archive jobs for sessions created with recording enabled.
func (r *Registry) SetArchiver(a Archiver) {
	r.archiver = a
}

// Create opens a live session owned by broadcasterID. The broadcaster is inserted as the
// first participant and granted publish rights. A failed grant returns the created
// session with an ErrTransport error.
func (r *Registry) Create(ctx context.Context, broadcasterID uuid.UUID, title string, category models.Category, recordingEnabled bool) (*models.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLen {
		return nil, fmt.Errorf("title must be 1-%d characters: %w", maxTitleLen, models.ErrInvalidInput)
	}
	if !category.Valid() {
		return nil, fmt.Errorf("unknown category %q: %w", category, models.ErrInvalidInput)
	}
	if _, err := r.store.LiveSessionByBroadcaster(ctx, broadcasterID); err == nil {
		return nil, fmt.Errorf("broadcaster already live: %w", models.ErrConflict)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	id := uuid.New()
	h, err := r.transport.CreateBroadcastCall(ctx, id)
	if err != nil {
		metrics.TransportErrors.WithLabelValues("create").Inc()
		return nil, fmt.Errorf("create broadcast call: %w", err)
	}

	s := &models.Session{
		ID:               id,
		BroadcasterID:    broadcasterID,
		Title:            title,
		Category:         category,
		RecordingEnabled: recordingEnabled,
		ExternalMediaRef: string(h),
		CreatedAt:        r.now().UTC(),
	}
	if err := r.store.CreateSession(ctx, s); err != nil {
		r.endCall(context.WithoutCancel(ctx), s)
		return nil, err
	}
	host, _, err := r.store.AddParticipant(ctx, &models.Participant{SessionID: id, UserID: broadcasterID, Role: models.RoleBroadcaster})
	if err != nil {
		cleanup := context.WithoutCancel(ctx)
		if _, _, endErr := r.store.EndSession(cleanup, id, r.now().UTC()); endErr != nil {
			r.logger.Error("end half-created session", zap.String("session_id", id.String()), zap.Error(endErr))
		}
		r.endCall(cleanup, s)
		return nil, err
	}

	metrics.LiveSessions.Inc()
	r.pub.Emit(ctx, events.New(id, events.SessionCreated, events.OpInsert, s.Version, s))
	r.pub.Emit(ctx, events.New(id, events.ParticipantJoined, events.OpInsert, host.Version, host))
	r.logger.Info("session created",
		zap.String("session_id", id.String()),
		zap.String("broadcaster_id", broadcasterID.String()),
		zap.String("category", string(category)))

	if err := r.transport.GrantPublishRights(ctx, h, broadcasterID); err != nil {
		metrics.TransportErrors.WithLabelValues("grant").Inc()
		r.logger.Warn("broadcaster grant failed", zap.String("session_id", id.String()), zap.Error(err))
		return s, fmt.Errorf("grant: %w: %w", models.ErrTransport, err)
	}
	return s, nil
}

// Get returns a session, live or ended.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return r.store.GetSession(ctx, id)
}

// End ends the caller's session. Only the broadcaster may end it. Ending an ended session
// returns it unchanged and re-runs the cleanup, which is safe to repeat.
func (r *Registry) End(ctx context.Context, sc models.SessionContext) (*models.Session, error) {
	sess, err := r.store.GetSession(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.BroadcasterID != sc.UserID {
		return nil, fmt.Errorf("only the broadcaster ends a session: %w", models.ErrUnauthorized)
	}
	return r.end(ctx, sess.ID, CauseExplicit)
}

// EndAbnormal ends a session without an authorization check, after the broadcaster
// disconnected or an operator forced it.
func (r *Registry) EndAbnormal(ctx context.Context, sessionID uuid.UUID, cause string) (*models.Session, error) {
	return r.end(ctx, sessionID, cause)
}

type leaveEnder struct{ r *Registry }

func (e leaveEnder) End(ctx context.Context, sc models.SessionContext) error {
	_, err := e.r.end(ctx, sc.SessionID, CauseDisconnect)
	return err
}

// LeaveEnder ends the session when its broadcaster leaves the roster.
func (r *Registry) LeaveEnder() roster.SessionEnder {
	return leaveEnder{r: r}
}

func (r *Registry) end(ctx context.Context, sessionID uuid.UUID, cause string) (*models.Session, error) {
	// The cascade must finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	sess, ended, err := r.store.EndSession(ctx, sessionID, r.now().UTC())
	if err != nil {
		return nil, err
	}
	if ended {
		metrics.LiveSessions.Dec()
		metrics.SessionsEnded.WithLabelValues(cause).Inc()
		r.pub.Emit(ctx, events.New(sessionID, events.SessionEnded, events.OpUpdate, sess.Version, sess))
		r.logger.Info("session ended", zap.String("session_id", sessionID.String()), zap.String("cause", cause))
	}

	if err := r.cleanup(ctx, sess); err != nil {
		return sess, err
	}

	if ended && sess.RecordingEnabled && r.archiver != nil {
		if err := r.archiver.EnqueueArchive(ctx, sessionID); err != nil {
			r.logger.Error("enqueue archive failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}
	return sess, nil
}

// cleanup runs the end cascade concurrently. Every step is idempotent.
func (r *Registry) cleanup(ctx context.Context, sess *models.Session) error {
	g, gctx := errgroup.WithContext(ctx)
	if c := r.cascade.Requests; c != nil {
		g.Go(func() error { return c.CancelAll(gctx, sess.ID) })
	}
	if c := r.cascade.Roster; c != nil {
		g.Go(func() error { return c.RemoveAll(gctx, sess.ID) })
	}
	if c := r.cascade.Products; c != nil {
		g.Go(func() error { return c.Clear(gctx, sess.ID) })
	}
	if r.counter != nil {
		g.Go(func() error { return r.counter.Drop(gctx, sess.ID) })
	}
	g.Go(func() error {
		r.endCall(gctx, sess)
		return nil
	})
	if err := g.Wait(); err != nil {
		r.logger.Error("session cleanup failed", zap.String("session_id", sess.ID.String()), zap.Error(err))
		return fmt.Errorf("cleanup: %w", err)
	}
	return nil
}

func (r *Registry) endCall(ctx context.Context, sess *models.Session) {
	err := r.transport.EndCall(ctx, media.Handle(sess.ExternalMediaRef))
	if err == nil || errors.Is(err, media.ErrUnknownCall) {
		return
	}
	metrics.TransportErrors.WithLabelValues("end").Inc()
	r.logger.Warn("end call failed", zap.String("session_id", sess.ID.String()), zap.Error(err))
}

// Page returns up to limit sessions after cursor, newest first.
func (r *Registry) Page(ctx context.Context, f Filter, after *store.Cursor, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return r.store.ListSessions(ctx, f.store(), after, limit)
}

// List yields every session matching f, newest first, reading one keyset page at a time.
// The sequence ends after the last page or the first error and can be ranged again.
func (r *Registry) List(ctx context.Context, f Filter) iter.Seq2[models.Session, error] {
	return func(yield func(models.Session, error) bool) {
		size := f.PageSize
		if size <= 0 || size > maxPageSize {
			size = defaultPageSize
		}
		var after *store.Cursor
		for {
			page, err := r.Page(ctx, f, after, size)
			if err != nil {
				yield(models.Session{}, err)
				return
			}
			for _, s := range page {
				if !yield(s, nil) {
					return
				}
			}
			if len(page) < size {
				return
			}
			after = store.CursorOf(&page[len(page)-1])
		}
	}
}
