// Package viewers keeps the live viewer count of each session as a commutative sum of
// signed deltas. Each delta carries an operation id; a repeated id is ignored, so
// at-least-once delivery of joins and leaves converges to joins minus leaves.
package viewers

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/events"
	"github.com/aura-live/backend/internal/fanout"
	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
)

// Result is the counter state after a delta.
type Result struct {
	// Raw is the unclamped sum of applied deltas.
	Raw int64
	// Seq increases by one per applied delta and orders viewers.changed events.
	Seq int64
	// Applied is false when the operation id was already seen.
	Applied bool
}

// Count is the observable, never negative value.
func (r Result) Count() int {
	return clamp(r.Raw)
}

func clamp(raw int64) int {
	if raw < 0 {
		return 0
	}
	return int(raw)
}

// Backend stores the per-session sums.
type Backend interface {
	Apply(ctx context.Context, sessionID uuid.UUID, delta int64, opID string) (Result, error)
	// Read returns the current sum and sequence without applying anything.
	Read(ctx context.Context, sessionID uuid.UUID) (Result, error)
	Drop(ctx context.Context, sessionID uuid.UUID) error
}

// PeakRecorder persists the highest count seen for a session.
type PeakRecorder interface {
	RecordPeak(ctx context.Context, sessionID uuid.UUID, count int) error
}

// Counter is the viewer counter of every session on this node.
type Counter struct {
	backend Backend
	pub     *fanout.Publisher
	peaks   PeakRecorder
	logger  *zap.Logger
}

// NewCounter creates a counter over backend. pub and peaks may be nil.
func NewCounter(backend Backend, pub *fanout.Publisher, peaks PeakRecorder, logger *zap.Logger) *Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counter{backend: backend, pub: pub, peaks: peaks, logger: logger}
}

// ApplyDelta adds delta (+1 or -1) under opID and returns the observable count.
// Only applied deltas are broadcast.
func (c *Counter) ApplyDelta(ctx context.Context, sessionID uuid.UUID, delta int, opID string) (int, error) {
	if delta != 1 && delta != -1 {
		return 0, fmt.Errorf("viewer delta %d: %w", delta, models.ErrInvalidInput)
	}
	if opID == "" {
		return 0, fmt.Errorf("viewer delta without op id: %w", models.ErrInvalidInput)
	}
	res, err := c.backend.Apply(ctx, sessionID, int64(delta), opID)
	if err != nil {
		return 0, fmt.Errorf("apply viewer delta: %w: %w", models.ErrStoreUnavailable, err)
	}
	direction := "join"
	if delta < 0 {
		direction = "leave"
	}
	if !res.Applied {
		metrics.ViewerDeltas.WithLabelValues(direction, "duplicate").Inc()
		return res.Count(), nil
	}
	metrics.ViewerDeltas.WithLabelValues(direction, "applied").Inc()

	count := res.Count()
	c.pub.Emit(ctx, events.New(sessionID, events.ViewersChanged, events.OpUpdate, res.Seq, events.ViewerPayload{Count: count, Raw: res.Raw}))
	if delta > 0 && c.peaks != nil {
		if err := c.peaks.RecordPeak(ctx, sessionID, count); err != nil {
			c.logger.Warn("record peak viewers failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}
	return count, nil
}

// Current returns the observable count. Readers may see a value that lags in-flight deltas.
func (c *Counter) Current(ctx context.Context, sessionID uuid.UUID) (int, error) {
	count, _, err := c.CurrentSeq(ctx, sessionID)
	return count, err
}

// CurrentSeq returns the observable count with the sequence of the last applied delta,
// which orders it against viewers.changed events.
func (c *Counter) CurrentSeq(ctx context.Context, sessionID uuid.UUID) (int, int64, error) {
	res, err := c.backend.Read(ctx, sessionID)
	if err != nil {
		return 0, 0, fmt.Errorf("read viewer count: %w: %w", models.ErrStoreUnavailable, err)
	}
	return res.Count(), res.Seq, nil
}

// Drop discards the counter of an ended session.
func (c *Counter) Drop(ctx context.Context, sessionID uuid.UUID) error {
	if err := c.backend.Drop(ctx, sessionID); err != nil {
		return fmt.Errorf("drop viewer count: %w: %w", models.ErrStoreUnavailable, err)
	}
	return nil
}
