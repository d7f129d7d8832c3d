// Package sessionlog records when users join and leave a session so watch time can be reported.
package sessionlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/backend/internal/models"
)

// WatchTime holds the summed watch seconds and distinct user count of a session.
type WatchTime struct {
	TotalWatchSeconds int64 `json:"total_watch_seconds"`
	DistinctUsers     int   `json:"distinct_users"`
}

// Repository handles user_session_logs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogJoin opens a row for userID in sessionID.
func (r *Repository) LogJoin(ctx context.Context, sessionID, userID uuid.UUID) error {
	const q = `INSERT INTO user_session_logs (session_id, user_id, joined_at) VALUES ($1, $2, NOW())`
	if _, err := r.pool.Exec(ctx, q, sessionID, userID); err != nil {
		return fmt.Errorf("log join: %w: %w", models.ErrStoreUnavailable, err)
	}
	return nil
}

// LogLeave closes the most recent open row of userID in sessionID.
func (r *Repository) LogLeave(ctx context.Context, sessionID, userID uuid.UUID) error {
	const q = `UPDATE user_session_logs u SET left_at = NOW(), watch_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - u.joined_at))::BIGINT)
		FROM (SELECT id FROM user_session_logs WHERE session_id = $1 AND user_id = $2 AND left_at IS NULL ORDER BY joined_at DESC LIMIT 1) AS sub
		WHERE u.id = sub.id`
	if _, err := r.pool.Exec(ctx, q, sessionID, userID); err != nil {
		return fmt.Errorf("log leave: %w: %w", models.ErrStoreUnavailable, err)
	}
	return nil
}

// WatchTime aggregates closed rows of a session.
func (r *Repository) WatchTime(ctx context.Context, sessionID uuid.UUID) (*WatchTime, error) {
	const q = `SELECT COALESCE(SUM(watch_seconds), 0), COUNT(DISTINCT user_id) FROM user_session_logs WHERE session_id = $1 AND left_at IS NOT NULL`
	var w WatchTime
	if err := r.pool.QueryRow(ctx, q, sessionID).Scan(&w.TotalWatchSeconds, &w.DistinctUsers); err != nil {
		return nil, fmt.Errorf("watch time: %w: %w", models.ErrStoreUnavailable, err)
	}
	return &w, nil
}

// ListBySession returns every attendance row of a session, newest join first.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.AttendanceRow, error) {
	const q = `SELECT user_id, joined_at, left_at, watch_seconds FROM user_session_logs WHERE session_id = $1 ORDER BY joined_at DESC`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w: %w", models.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var list []models.AttendanceRow
	for rows.Next() {
		var row models.AttendanceRow
		if err := rows.Scan(&row.UserID, &row.JoinedAt, &row.LeftAt, &row.WatchSeconds); err != nil {
			return nil, err
		}
		list = append(list, row)
	}
	return list, rows.Err()
}

// Memory keeps attendance rows in process.
type Memory struct {
	mu   sync.Mutex
	rows map[uuid.UUID][]models.AttendanceRow
	now  func() time.Time
}

// NewMemory creates an empty attendance log.
func NewMemory() *Memory {
	return &Memory{rows: make(map[uuid.UUID][]models.AttendanceRow), now: time.Now}
}

func (m *Memory) LogJoin(_ context.Context, sessionID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[sessionID] = append(m.rows[sessionID], models.AttendanceRow{UserID: userID, JoinedAt: m.now().UTC()})
	return nil
}

func (m *Memory) LogLeave(_ context.Context, sessionID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[sessionID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].UserID != userID || rows[i].LeftAt != nil {
			continue
		}
		left := m.now().UTC()
		rows[i].LeftAt = &left
		rows[i].WatchSeconds = max(0, int64(left.Sub(rows[i].JoinedAt)/time.Second))
		return nil
	}
	return nil
}

func (m *Memory) WatchTime(_ context.Context, sessionID uuid.UUID) (*WatchTime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var w WatchTime
	users := make(map[uuid.UUID]struct{})
	for _, row := range m.rows[sessionID] {
		if row.LeftAt == nil {
			continue
		}
		w.TotalWatchSeconds += row.WatchSeconds
		users[row.UserID] = struct{}{}
	}
	w.DistinctUsers = len(users)
	return &w, nil
}

func (m *Memory) ListBySession(_ context.Context, sessionID uuid.UUID) ([]models.AttendanceRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append([]models.AttendanceRow(nil), m.rows[sessionID]...)
	sort.SliceStable(list, func(i, j int) bool { return list[i].JoinedAt.After(list[j].JoinedAt) })
	return list, nil
}
