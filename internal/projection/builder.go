package projection

import (
	"context"
	"errors"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/store"
	"github.com/aura-live/backend/internal/viewers"
)

// Builder reads snapshots from the store and the viewer counter.
type Builder struct {
	store   store.Store
	counter *viewers.Counter
}

// NewBuilder creates a snapshot builder.
func NewBuilder(s store.Store, counter *viewers.Counter) *Builder {
	return &Builder{store: s, counter: counter}
}

// Snapshot reads the current state of sc's session as seen by sc's user.
func (b *Builder) Snapshot(ctx context.Context, sc models.SessionContext) (*Snapshot, error) {
	sess, err := b.store.GetSession(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Session: sess}
	if snap.Participants, err = b.store.ListParticipants(ctx, sc.SessionID); err != nil {
		return nil, err
	}
	if snap.Products, err = b.store.ListProducts(ctx, sc.SessionID); err != nil {
		return nil, err
	}
	if snap.Viewers, snap.ViewersSeq, err = b.counter.CurrentSeq(ctx, sc.SessionID); err != nil {
		return nil, err
	}
	req, err := b.store.LatestRequest(ctx, sc.SessionID, sc.UserID)
	switch {
	case err == nil:
		snap.Request = req
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}
	return snap, nil
}

// View builds a fresh view for sc.
func (b *Builder) View(ctx context.Context, sc models.SessionContext) (ViewModel, error) {
	snap, err := b.Snapshot(ctx, sc)
	if err != nil {
		return ViewModel{}, err
	}
	p := New(sc.SessionID, sc.UserID)
	p.Reset(snap)
	return p.View(), nil
}
