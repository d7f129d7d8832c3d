// Package cohost runs the co-host request state machine: a viewer asks to be promoted,
// the broadcaster accepts or rejects, the requester may cancel, and session end or expiry
// cancels whatever is still pending.
//
//	None -> Pending -> Accepted | Rejected | Cancelled
//
// Terminal transitions are written with an optimistic precondition on status and
// version, so of two racing decisions exactly one commits and the other sees ErrConflict.
package cohost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/events"
	"github.com/aura-live/backend/internal/fanout"
	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/store"
)

const (
	maxDisplayLen = 80
	staleBatch    = 100
)

// Config holds the request timing rules.
type Config struct {
	// MinInterval is the minimum time between two requests of one requester in a session.
	MinInterval time.Duration
	// Cooldown blocks new requests for this long after a rejection.
	Cooldown time.Duration
	// PendingTTL cancels requests left pending longer than this. Zero disables expiry.
	PendingTTL time.Duration
}

// Promoter changes roles on accept.
type Promoter interface {
	Promote(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, bool, error)
	Revert(ctx context.Context, sessionID, userID uuid.UUID) error
}

// Machine drives co-host requests.
type Machine struct {
	store  store.Store
	roster Promoter
	guard  Guard
	pub    *fanout.Publisher
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewMachine creates a request machine. guard may be nil.
func NewMachine(s store.Store, roster Promoter, guard Guard, pub *fanout.Publisher, cfg Config, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{store: s, roster: roster, guard: guard, pub: pub, cfg: cfg, logger: logger, now: time.Now}
}

func (m *Machine) emit(ctx context.Context, kind events.Kind, op events.Op, r *models.CoHostRequest) {
	m.pub.Emit(ctx, events.New(r.SessionID, kind, op, r.Version, r))
}

func (m *Machine) refuse(reason string, err error) error {
	metrics.CoHostRejectedCalls.WithLabelValues(reason).Inc()
	return err
}

// Request opens a pending request for the calling viewer.
func (m *Machine) Request(ctx context.Context, sc models.SessionContext, display string) (*models.CoHostRequest, error) {
	display = strings.TrimSpace(display)
	if len(display) > maxDisplayLen {
		return nil, fmt.Errorf("display name too long: %w", models.ErrInvalidInput)
	}
	sess, err := m.store.GetSession(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Live() {
		return nil, fmt.Errorf("session ended: %w", models.ErrNotFound)
	}
	p, err := m.store.GetParticipant(ctx, sc.SessionID, sc.UserID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, m.refuse("not_joined", fmt.Errorf("join the session first: %w", models.ErrUnauthorized))
	}
	if err != nil {
		return nil, err
	}
	if p.Role != models.RoleViewer {
		return nil, m.refuse("not_viewer", fmt.Errorf("already %s: %w", p.Role, models.ErrConflict))
	}

	now := m.now().UTC()
	latest, err := m.store.LatestRequest(ctx, sc.SessionID, sc.UserID)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return nil, err
	case latest.Status == models.RequestPending:
		return nil, m.refuse("pending", fmt.Errorf("request already pending: %w", models.ErrRateLimited))
	case latest.Status == models.RequestRejected && latest.DecidedAt != nil && now.Before(latest.DecidedAt.Add(m.cfg.Cooldown)):
		return nil, m.refuse("cooldown", fmt.Errorf("rejected recently: %w", models.ErrRateLimited))
	case now.Before(latest.CreatedAt.Add(m.cfg.MinInterval)):
		return nil, m.refuse("interval", fmt.Errorf("requested too recently: %w", models.ErrRateLimited))
	}

	if m.guard != nil && m.cfg.MinInterval > 0 {
		key := sc.SessionID.String() + ":" + sc.UserID.String()
		ok, err := m.guard.Acquire(ctx, key, m.cfg.MinInterval)
		if err != nil {
			m.logger.Warn("request guard unavailable", zap.String("session_id", sc.SessionID.String()), zap.Error(err))
		} else if !ok {
			return nil, m.refuse("guard", fmt.Errorf("duplicate request: %w", models.ErrRateLimited))
		}
	}

	r := &models.CoHostRequest{
		SessionID:        sc.SessionID,
		RequesterID:      sc.UserID,
		RequesterDisplay: display,
		CreatedAt:        now,
	}
	if err := m.store.CreateRequest(ctx, r); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, m.refuse("pending", fmt.Errorf("request already pending: %w", models.ErrRateLimited))
		}
		return nil, err
	}
	metrics.CoHostTransitions.WithLabelValues(string(models.RequestPending)).Inc()
	m.emit(ctx, events.CoHostRequested, events.OpInsert, r)
	return r, nil
}

// decidable loads a request of the caller's session and checks the caller is its broadcaster.
func (m *Machine) decidable(ctx context.Context, sc models.SessionContext, requestID uuid.UUID) (*models.CoHostRequest, *models.Session, error) {
	r, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if r.SessionID != sc.SessionID {
		return nil, nil, fmt.Errorf("request %s: %w", requestID, models.ErrNotFound)
	}
	sess, err := m.store.GetSession(ctx, sc.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.BroadcasterID != sc.UserID {
		return nil, nil, m.refuse("unauthorized", fmt.Errorf("only the broadcaster decides: %w", models.ErrUnauthorized))
	}
	return r, sess, nil
}

// Accept promotes the requester and marks the request accepted. Accepting an accepted
// request is a no-op. When the co-presenter cap is reached the request stays pending and
// ErrCapacityExceeded is returned. If the transition loses a race the promotion is undone
// and ErrConflict is returned. A failed publish grant returns the accepted request with an
// ErrTransport error.
func (m *Machine) Accept(ctx context.Context, sc models.SessionContext, requestID uuid.UUID) (*models.CoHostRequest, error) {
	r, sess, err := m.decidable(ctx, sc, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status == models.RequestAccepted {
		return r, nil
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("request is %s: %w", r.Status, models.ErrConflict)
	}
	if !sess.Live() {
		return nil, fmt.Errorf("session ended: %w", models.ErrNotFound)
	}

	_, changed, promoteErr := m.roster.Promote(ctx, r.SessionID, r.RequesterID)
	if promoteErr != nil && !errors.Is(promoteErr, models.ErrTransport) {
		return nil, promoteErr
	}

	updated, err := m.store.TransitionRequest(ctx, r.ID, r.Version, models.RequestAccepted, "", m.now().UTC())
	if errors.Is(err, models.ErrConflict) {
		current, getErr := m.store.GetRequest(ctx, r.ID)
		if getErr == nil && current.Status == models.RequestAccepted {
			return current, nil
		}
		if changed {
			if revertErr := m.roster.Revert(ctx, r.SessionID, r.RequesterID); revertErr != nil {
				m.logger.Error("revert promotion failed",
					zap.String("session_id", r.SessionID.String()),
					zap.String("user_id", r.RequesterID.String()),
					zap.Error(revertErr))
			}
		}
		return nil, fmt.Errorf("request decided concurrently: %w", models.ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	metrics.CoHostTransitions.WithLabelValues(string(models.RequestAccepted)).Inc()
	m.emit(ctx, events.CoHostAccepted, events.OpUpdate, updated)
	return updated, promoteErr
}

// Reject marks a pending request rejected and starts the requester's cooldown.
func (m *Machine) Reject(ctx context.Context, sc models.SessionContext, requestID uuid.UUID) (*models.CoHostRequest, error) {
	r, _, err := m.decidable(ctx, sc, requestID)
	if err != nil {
		return nil, err
	}
	updated, err := m.store.TransitionRequest(ctx, r.ID, r.Version, models.RequestRejected, "", m.now().UTC())
	if err != nil {
		return nil, err
	}
	metrics.CoHostTransitions.WithLabelValues(string(models.RequestRejected)).Inc()
	m.emit(ctx, events.CoHostRejected, events.OpUpdate, updated)
	return updated, nil
}

// Cancel withdraws the caller's own pending request.
func (m *Machine) Cancel(ctx context.Context, sc models.SessionContext, requestID uuid.UUID) (*models.CoHostRequest, error) {
	r, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.SessionID != sc.SessionID {
		return nil, fmt.Errorf("request %s: %w", requestID, models.ErrNotFound)
	}
	if r.RequesterID != sc.UserID {
		return nil, m.refuse("unauthorized", fmt.Errorf("only the requester cancels: %w", models.ErrUnauthorized))
	}
	return m.cancel(ctx, r, models.CancelByRequester)
}

func (m *Machine) cancel(ctx context.Context, r *models.CoHostRequest, reason models.CancelReason) (*models.CoHostRequest, error) {
	updated, err := m.store.TransitionRequest(ctx, r.ID, r.Version, models.RequestCancelled, reason, m.now().UTC())
	if err != nil {
		return nil, err
	}
	metrics.CoHostTransitions.WithLabelValues(string(models.RequestCancelled)).Inc()
	m.emit(ctx, events.CoHostCancelled, events.OpUpdate, updated)
	return updated, nil
}

// Withdraw cancels the user's pending request after they leave the session. Having
// nothing pending is not an error.
func (m *Machine) Withdraw(ctx context.Context, sessionID, userID uuid.UUID) error {
	r, err := m.store.LatestRequest(ctx, sessionID, userID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.Status != models.RequestPending {
		return nil
	}
	if _, err := m.cancel(ctx, r, models.CancelLeft); err != nil && !errors.Is(err, models.ErrConflict) {
		return err
	}
	return nil
}

// CancelAll cancels every pending request of an ended session. Requests decided
// concurrently keep their decision.
func (m *Machine) CancelAll(ctx context.Context, sessionID uuid.UUID) error {
	pending, err := m.store.ListPending(ctx, sessionID)
	if err != nil {
		return err
	}
	for i := range pending {
		if _, err := m.cancel(ctx, &pending[i], models.CancelSessionEnded); err != nil && !errors.Is(err, models.ErrConflict) {
			return err
		}
	}
	return nil
}

// ListPending returns the broadcaster's queue, oldest first.
func (m *Machine) ListPending(ctx context.Context, sc models.SessionContext) ([]models.CoHostRequest, error) {
	sess, err := m.store.GetSession(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.BroadcasterID != sc.UserID {
		return nil, fmt.Errorf("only the broadcaster sees the queue: %w", models.ErrUnauthorized)
	}
	return m.store.ListPending(ctx, sc.SessionID)
}

// Mine returns the caller's most recent request in the session.
func (m *Machine) Mine(ctx context.Context, sc models.SessionContext) (*models.CoHostRequest, error) {
	return m.store.LatestRequest(ctx, sc.SessionID, sc.UserID)
}

// ExpireStale cancels requests pending longer than PendingTTL and returns how many it
// cancelled.
func (m *Machine) ExpireStale(ctx context.Context) (int, error) {
	if m.cfg.PendingTTL <= 0 {
		return 0, nil
	}
	cutoff := m.now().UTC().Add(-m.cfg.PendingTTL)
	expired := 0
	for {
		stale, err := m.store.ListStale(ctx, cutoff, staleBatch)
		if err != nil {
			return expired, err
		}
		progressed := false
		for i := range stale {
			_, err := m.cancel(ctx, &stale[i], models.CancelExpired)
			if errors.Is(err, models.ErrConflict) {
				continue
			}
			if err != nil {
				return expired, err
			}
			expired++
			progressed = true
		}
		if len(stale) < staleBatch || !progressed {
			return expired, nil
		}
	}
}
