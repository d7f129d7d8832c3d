// Package roster owns who is in a live session and with which role. It applies the
// viewer counter delta of every audience join and leave and drives publish-right grants
// on the media transport.
package roster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/events"
	"github.com/aura-live/backend/internal/fanout"
	"github.com/aura-live/backend/internal/media"
	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/store"
	"github.com/aura-live/backend/internal/viewers"
)

// SessionEnder ends a session and runs its cleanup cascade.
type SessionEnder interface {
	End(ctx context.Context, sc models.SessionContext) error
}

// AttendanceLog records joins and leaves for watch-time reporting.
type AttendanceLog interface {
	LogJoin(ctx context.Context, sessionID, userID uuid.UUID) error
	LogLeave(ctx context.Context, sessionID, userID uuid.UUID) error
}

// RequestWithdrawer cancels the pending co-host request of someone who left.
type RequestWithdrawer interface {
	Withdraw(ctx context.Context, sessionID, userID uuid.UUID) error
}

// JoinResult is the participant row plus the media credentials for it.
type JoinResult struct {
	Participant *models.Participant `json:"participant"`
	Media       *media.Subscription `json:"media,omitempty"`
}

// Coordinator is the authoritative roster of every session.
type Coordinator struct {
	store      store.Store
	counter    *viewers.Counter
	transport  media.Transport
	pub        *fanout.Publisher
	attendance AttendanceLog
	limit      int
	logger     *zap.Logger

	mu         sync.RWMutex
	ender      SessionEnder
	withdrawer RequestWithdrawer
}

// NewCoordinator creates a coordinator allowing at most limit co-presenters per session.
func NewCoordinator(s store.Store, counter *viewers.Counter, transport media.Transport, pub *fanout.Publisher, limit int, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: s, counter: counter, transport: transport, pub: pub, limit: limit, logger: logger}
}

// SetSessionEnder sets who ends the session when the broadcaster leaves.
func (c *Coordinator) SetSessionEnder(e SessionEnder) {
	c.mu.Lock()
	c.ender = e
	c.mu.Unlock()
}

// SetAttendanceLog enables join/leave logging.
func (c *Coordinator) SetAttendanceLog(a AttendanceLog) {
	c.mu.Lock()
	c.attendance = a
	c.mu.Unlock()
}

// SetRequestWithdrawer cancels a viewer's pending request when they leave.
func (c *Coordinator) SetRequestWithdrawer(w RequestWithdrawer) {
	c.mu.Lock()
	c.withdrawer = w
	c.mu.Unlock()
}

func (c *Coordinator) attendanceLog() AttendanceLog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attendance
}

func (c *Coordinator) liveSession(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Live() {
		return nil, fmt.Errorf("session %s ended: %w", sessionID, models.ErrNotFound)
	}
	return sess, nil
}

func (c *Coordinator) transportErr(op string, sessionID uuid.UUID, err error) error {
	metrics.TransportErrors.WithLabelValues(op).Inc()
	c.logger.Warn("media transport call failed",
		zap.String("operation", op),
		zap.String("session_id", sessionID.String()),
		zap.Error(err))
	return fmt.Errorf("%s: %w: %w", op, models.ErrTransport, err)
}

func (c *Coordinator) emit(ctx context.Context, kind events.Kind, op events.Op, p *models.Participant) {
	c.pub.Emit(ctx, events.New(p.SessionID, kind, op, p.Version, p))
}

// Join adds the caller to a live session, as broadcaster when they own it and as viewer
// otherwise. A repeated join returns the existing row and applies no second delta.
// When only the media step fails the participant is returned with an ErrTransport error.
func (c *Coordinator) Join(ctx context.Context, sc models.SessionContext) (*JoinResult, error) {
	sess, err := c.liveSession(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	role := models.RoleViewer
	if sess.BroadcasterID == sc.UserID {
		role = models.RoleBroadcaster
	}
	p, created, err := c.store.AddParticipant(ctx, &models.Participant{SessionID: sc.SessionID, UserID: sc.UserID, Role: role})
	if err != nil {
		return nil, err
	}
	res := &JoinResult{Participant: p}
	if created {
		c.emit(ctx, events.ParticipantJoined, events.OpInsert, p)
		if p.Role != models.RoleBroadcaster {
			if _, err := c.counter.ApplyDelta(ctx, sc.SessionID, 1, "join:"+p.JoinID.String()); err != nil {
				return res, err
			}
		}
		if a := c.attendanceLog(); a != nil {
			if err := a.LogJoin(ctx, sc.SessionID, sc.UserID); err != nil {
				c.logger.Warn("log join failed", zap.String("session_id", sc.SessionID.String()), zap.Error(err))
			}
		}
	}

	sub, err := c.credentials(ctx, sess, p)
	if err != nil {
		return res, c.transportErr("join", sc.SessionID, err)
	}
	res.Media = sub
	return res, nil
}

func (c *Coordinator) credentials(ctx context.Context, sess *models.Session, p *models.Participant) (*media.Subscription, error) {
	h := media.Handle(sess.ExternalMediaRef)
	if issuer, ok := c.transport.(media.CredentialIssuer); ok {
		return issuer.Credentials(ctx, h, p.UserID, p.Role.CanPublish())
	}
	return c.transport.JoinAsViewer(ctx, h, p.UserID)
}

// MediaCredentials reissues media credentials for a participant of a live session.
func (c *Coordinator) MediaCredentials(ctx context.Context, sc models.SessionContext) (*media.Subscription, error) {
	sess, err := c.liveSession(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	p, err := c.store.GetParticipant(ctx, sc.SessionID, sc.UserID)
	if err != nil {
		return nil, err
	}
	sub, err := c.credentials(ctx, sess, p)
	if err != nil {
		return nil, c.transportErr("credentials", sc.SessionID, err)
	}
	return sub, nil
}

// Promote makes a viewer a co-presenter and grants publish rights. It is only called
// when a co-host request is accepted. changed is false when the user already was a
// co-presenter. A failed grant keeps the new role and returns ErrTransport.
func (c *Coordinator) Promote(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, bool, error) {
	sess, err := c.liveSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	p, err := c.store.PromoteParticipant(ctx, sessionID, userID, c.limit)
	if errors.Is(err, models.ErrConflict) {
		current, getErr := c.store.GetParticipant(ctx, sessionID, userID)
		if getErr == nil && current.Role == models.RoleCoPresenter {
			return current, false, nil
		}
		return nil, false, err
	}
	if err != nil {
		return nil, false, err
	}

	c.emit(ctx, events.ParticipantRoleChanged, events.OpUpdate, p)
	if err := c.transport.GrantPublishRights(ctx, media.Handle(sess.ExternalMediaRef), userID); err != nil {
		return p, true, c.transportErr("grant", sessionID, err)
	}
	c.logger.Info("participant promoted", zap.String("session_id", sessionID.String()), zap.String("user_id", userID.String()))
	return p, true, nil
}

// Demote returns a co-presenter to viewer. The broadcaster may demote anyone; a
// co-presenter may step down themselves.
func (c *Coordinator) Demote(ctx context.Context, sc models.SessionContext, userID uuid.UUID) (*models.Participant, error) {
	sess, err := c.liveSession(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	if sc.UserID != sess.BroadcasterID && sc.UserID != userID {
		return nil, fmt.Errorf("demote: %w", models.ErrUnauthorized)
	}
	return c.demote(ctx, sess, userID)
}

// Revert undoes a promotion without an authorization check. Used to compensate a
// promotion whose request transition lost a race.
func (c *Coordinator) Revert(ctx context.Context, sessionID, userID uuid.UUID) error {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = c.demote(ctx, sess, userID)
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrConflict) {
		return nil
	}
	return err
}

func (c *Coordinator) demote(ctx context.Context, sess *models.Session, userID uuid.UUID) (*models.Participant, error) {
	p, err := c.store.DemoteParticipant(ctx, sess.ID, userID)
	if err != nil {
		return nil, err
	}
	c.emit(ctx, events.ParticipantRoleChanged, events.OpUpdate, p)
	if err := c.transport.RevokePublishRights(ctx, media.Handle(sess.ExternalMediaRef), userID); err != nil {
		return p, c.transportErr("revoke", sess.ID, err)
	}
	return p, nil
}

// RetryGrant repeats a publish-right grant that failed at the transport.
func (c *Coordinator) RetryGrant(ctx context.Context, sc models.SessionContext, userID uuid.UUID) error {
	sess, err := c.liveSession(ctx, sc.SessionID)
	if err != nil {
		return err
	}
	if sc.UserID != sess.BroadcasterID {
		return fmt.Errorf("retry grant: %w", models.ErrUnauthorized)
	}
	p, err := c.store.GetParticipant(ctx, sc.SessionID, userID)
	if err != nil {
		return err
	}
	if !p.Role.CanPublish() {
		return fmt.Errorf("%s is a viewer: %w", userID, models.ErrConflict)
	}
	if err := c.transport.GrantPublishRights(ctx, media.Handle(sess.ExternalMediaRef), userID); err != nil {
		return c.transportErr("grant", sc.SessionID, err)
	}
	return nil
}

// Leave removes the caller. Only the call that actually removes the row applies the
// viewer delta, so duplicate leaves are no-ops. A broadcaster leaving ends the session.
func (c *Coordinator) Leave(ctx context.Context, sc models.SessionContext) error {
	p, err := c.store.RemoveParticipant(ctx, sc.SessionID, sc.UserID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.emit(ctx, events.ParticipantLeft, events.OpDelete, p)
	if a := c.attendanceLog(); a != nil {
		if err := a.LogLeave(ctx, sc.SessionID, sc.UserID); err != nil {
			c.logger.Warn("log leave failed", zap.String("session_id", sc.SessionID.String()), zap.Error(err))
		}
	}

	if p.Role == models.RoleBroadcaster {
		c.mu.RLock()
		ender := c.ender
		c.mu.RUnlock()
		if ender != nil {
			return ender.End(ctx, sc)
		}
		return nil
	}
	if _, err := c.counter.ApplyDelta(ctx, sc.SessionID, -1, "leave:"+p.JoinID.String()); err != nil {
		return err
	}
	c.mu.RLock()
	w := c.withdrawer
	c.mu.RUnlock()
	if w != nil && p.Role == models.RoleViewer {
		if err := w.Withdraw(ctx, sc.SessionID, sc.UserID); err != nil {
			c.logger.Warn("withdraw request on leave failed", zap.String("session_id", sc.SessionID.String()), zap.Error(err))
		}
	}

	sess, err := c.store.GetSession(ctx, sc.SessionID)
	if err != nil {
		return err
	}
	if err := c.transport.Leave(ctx, media.Handle(sess.ExternalMediaRef), sc.UserID); err != nil {
		_ = c.transportErr("leave", sc.SessionID, err)
	}
	return nil
}

// List returns the roster: broadcaster, then co-presenters and viewers by join time.
func (c *Coordinator) List(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	list, err := c.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	SortRoster(list)
	return list, nil
}

var roleRank = map[models.Role]int{
	models.RoleBroadcaster: 0,
	models.RoleCoPresenter: 1,
	models.RoleViewer:      2,
}

// SortRoster orders participants by role then join time.
func SortRoster(list []models.Participant) {
	sort.SliceStable(list, func(i, j int) bool {
		ri, rj := roleRank[list[i].Role], roleRank[list[j].Role]
		if ri != rj {
			return ri < rj
		}
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})
}

// RemoveAll empties the roster of an ended session. Safe to repeat.
func (c *Coordinator) RemoveAll(ctx context.Context, sessionID uuid.UUID) error {
	removed, err := c.store.RemoveParticipants(ctx, sessionID)
	if err != nil {
		return err
	}
	a := c.attendanceLog()
	for i := range removed {
		p := &removed[i]
		c.emit(ctx, events.ParticipantLeft, events.OpDelete, p)
		if a != nil {
			if err := a.LogLeave(ctx, sessionID, p.UserID); err != nil {
				c.logger.Warn("log leave failed", zap.String("session_id", sessionID.String()), zap.Error(err))
			}
		}
	}
	return nil
}
