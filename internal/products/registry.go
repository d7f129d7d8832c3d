// Package products tracks which product references each live session is currently promoting.
package products

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
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/store"
)

const maxRefLen = 128

// Registry toggles shared products. Toggling is an involution: sharing the same ref twice
// restores the previous set, so duplicated or reordered toggles from one client do not
// accumulate.
type Registry struct {
	store  store.Store
	pub    *fanout.Publisher
	limit  int
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry creates a registry capping each session at limit shared products.
func NewRegistry(s store.Store, pub *fanout.Publisher, limit int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: s, pub: pub, limit: limit, logger: logger, now: time.Now}
}

// Toggle shares ref when it is not shared yet and unshares it otherwise. Only the
// broadcaster and co-presenters of a live session may toggle.
func (r *Registry) Toggle(ctx context.Context, sc models.SessionContext, ref string) (*models.ProductList, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || len(ref) > maxRefLen {
		return nil, fmt.Errorf("product ref: %w", models.ErrInvalidInput)
	}
	sess, err := r.store.GetSession(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Live() {
		return nil, fmt.Errorf("session ended: %w", models.ErrNotFound)
	}
	p, err := r.store.GetParticipant(ctx, sc.SessionID, sc.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("not a participant: %w", models.ErrUnauthorized)
		}
		return nil, err
	}
	if !p.Role.CanPublish() {
		return nil, fmt.Errorf("viewers cannot share products: %w", models.ErrUnauthorized)
	}

	list, added, err := r.store.ToggleProduct(ctx, sc.SessionID, ref, r.limit, r.now().UTC())
	if err != nil {
		return nil, err
	}
	op := events.OpDelete
	if added {
		op = events.OpInsert
	}
	r.pub.Emit(ctx, events.New(sc.SessionID, events.ProductsChanged, op, list.Version, list))
	r.logger.Debug("product share toggled",
		zap.String("session_id", sc.SessionID.String()),
		zap.String("product_ref", ref),
		zap.Bool("shared", added))
	return list, nil
}

// List returns the ordered shared set.
func (r *Registry) List(ctx context.Context, sessionID uuid.UUID) (*models.ProductList, error) {
	return r.store.ListProducts(ctx, sessionID)
}

// Clear unshares everything. Used by the session end cascade; safe to repeat.
func (r *Registry) Clear(ctx context.Context, sessionID uuid.UUID) error {
	list, changed, err := r.store.ClearProducts(ctx, sessionID)
	if err != nil {
		return err
	}
	if changed {
		r.pub.Emit(ctx, events.New(sessionID, events.ProductsChanged, events.OpDelete, list.Version, list))
	}
	return nil
}
