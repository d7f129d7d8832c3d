// Package stats keeps aggregate numbers per session, currently the viewer peak.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/backend/internal/models"
)

// Repository handles session_stats persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session stats repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordPeak raises peak_viewers to count when count is higher.
func (r *Repository) RecordPeak(ctx context.Context, sessionID uuid.UUID, count int) error {
	const q = `INSERT INTO session_stats (session_id, peak_viewers, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE SET peak_viewers = EXCLUDED.peak_viewers, updated_at = NOW()
		WHERE session_stats.peak_viewers < EXCLUDED.peak_viewers`
	if _, err := r.pool.Exec(ctx, q, sessionID, count); err != nil {
		return fmt.Errorf("record peak: %w: %w", models.ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns the stats of a session. A session without stats has a zero peak.
func (r *Repository) Get(ctx context.Context, sessionID uuid.UUID) (*models.SessionStats, error) {
	const q = `SELECT session_id, peak_viewers, updated_at FROM session_stats WHERE session_id = $1`
	var s models.SessionStats
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(&s.SessionID, &s.PeakViewers, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.SessionStats{SessionID: sessionID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stats: %w: %w", models.ErrStoreUnavailable, err)
	}
	return &s, nil
}

// Memory is an in-process stats store.
type Memory struct {
	mu    sync.Mutex
	stats map[uuid.UUID]models.SessionStats
}

// NewMemory creates an empty stats store.
func NewMemory() *Memory {
	return &Memory{stats: make(map[uuid.UUID]models.SessionStats)}
}

func (m *Memory) RecordPeak(_ context.Context, sessionID uuid.UUID, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats[sessionID]
	if count > s.PeakViewers {
		m.stats[sessionID] = models.SessionStats{SessionID: sessionID, PeakViewers: count, UpdatedAt: time.Now().UTC()}
	}
	return nil
}

func (m *Memory) Get(_ context.Context, sessionID uuid.UUID) (*models.SessionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[sessionID]
	if !ok {
		s = models.SessionStats{SessionID: sessionID}
	}
	return &s, nil
}
