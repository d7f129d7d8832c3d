package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/backend/internal/models"
)

const uniqueViolation = "23505"

const (
	sessionColumns     = `id, broadcaster_id, title, category, recording_enabled, external_media_ref, created_at, ended_at, version`
	participantColumns = `session_id, user_id, role, join_id, joined_at, version`
	requestColumns     = `id, session_id, requester_id, requester_display, status, cancel_reason, created_at, decided_at, version`
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store on pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	var category string
	err := row.Scan(&s.ID, &s.BroadcasterID, &s.Title, &category, &s.RecordingEnabled, &s.ExternalMediaRef, &s.CreatedAt, &s.EndedAt, &s.Version)
	if err != nil {
		return nil, err
	}
	s.Category = models.Category(category)
	return &s, nil
}

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var pt models.Participant
	var role string
	if err := row.Scan(&pt.SessionID, &pt.UserID, &role, &pt.JoinID, &pt.JoinedAt, &pt.Version); err != nil {
		return nil, err
	}
	pt.Role = models.Role(role)
	return &pt, nil
}

func scanRequest(row pgx.Row) (*models.CoHostRequest, error) {
	var r models.CoHostRequest
	var status, reason string
	err := row.Scan(&r.ID, &r.SessionID, &r.RequesterID, &r.RequesterDisplay, &status, &reason, &r.CreatedAt, &r.DecidedAt, &r.Version)
	if err != nil {
		return nil, err
	}
	r.Status = models.RequestStatus(status)
	r.CancelReason = models.CancelReason(reason)
	return &r, nil
}

func (p *Postgres) CreateSession(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO live_sessions (broadcaster_id, title, category, recording_enabled, external_media_ref)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, version`
	err := p.pool.QueryRow(ctx, q, s.BroadcasterID, s.Title, string(s.Category), s.RecordingEnabled, s.ExternalMediaRef).
		Scan(&s.ID, &s.CreatedAt, &s.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrConflict
		}
		return unavailable("insert session", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s, err := scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM live_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, unavailable("get session", err)
	}
	return s, nil
}

func (p *Postgres) LiveSessionByBroadcaster(ctx context.Context, broadcasterID uuid.UUID) (*models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM live_sessions WHERE broadcaster_id = $1 AND ended_at IS NULL`
	s, err := scanSession(p.pool.QueryRow(ctx, q, broadcasterID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, unavailable("get live session", err)
	}
	return s, nil
}

func (p *Postgres) EndSession(ctx context.Context, id uuid.UUID, at time.Time) (*models.Session, bool, error) {
	const q = `UPDATE live_sessions SET ended_at = $2, version = version + 1
		WHERE id = $1 AND ended_at IS NULL
		RETURNING ` + sessionColumns
	s, err := scanSession(p.pool.QueryRow(ctx, q, id, at))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, unavailable("end session", err)
	}
	s, err = p.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return s, false, nil
}

func (p *Postgres) ListSessions(ctx context.Context, f SessionFilter, after *Cursor, limit int) ([]models.Session, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.LiveOnly {
		conds = append(conds, "ended_at IS NULL")
	}
	if f.Category != "" {
		conds = append(conds, "category = "+arg(string(f.Category)))
	}
	if f.BroadcasterID != nil {
		conds = append(conds, "broadcaster_id = "+arg(*f.BroadcasterID))
	}
	if after != nil {
		conds = append(conds, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(after.CreatedAt), arg(after.ID)))
	}
	q := `SELECT ` + sessionColumns + ` FROM live_sessions`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		q += " LIMIT " + arg(limit)
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, unavailable("scan session", err)
		}
		list = append(list, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list sessions", err)
	}
	return list, nil
}

func (p *Postgres) AddParticipant(ctx context.Context, pt *models.Participant) (*models.Participant, bool, error) {
	const insert = `INSERT INTO live_participants (session_id, user_id, role)
		SELECT $1::uuid, $2::uuid, $3::text
		WHERE EXISTS (SELECT 1 FROM live_sessions WHERE id = $1 AND ended_at IS NULL FOR SHARE)
		ON CONFLICT (session_id, user_id) DO NOTHING
		RETURNING ` + participantColumns
	stored, err := scanParticipant(p.pool.QueryRow(ctx, insert, pt.SessionID, pt.UserID, string(pt.Role)))
	if err == nil {
		return stored, true, nil
	}
	if isUniqueViolation(err) {
		return nil, false, models.ErrConflict
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, unavailable("insert participant", err)
	}
	existing, err := p.GetParticipant(ctx, pt.SessionID, pt.UserID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *Postgres) GetParticipant(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, error) {
	const q = `SELECT ` + participantColumns + ` FROM live_participants WHERE session_id = $1 AND user_id = $2`
	pt, err := scanParticipant(p.pool.QueryRow(ctx, q, sessionID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, unavailable("get participant", err)
	}
	return pt, nil
}

func (p *Postgres) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	const q = `SELECT ` + participantColumns + ` FROM live_participants WHERE session_id = $1 ORDER BY joined_at`
	return p.queryParticipants(ctx, "list participants", q, sessionID)
}

func (p *Postgres) queryParticipants(ctx context.Context, op, q string, args ...interface{}) ([]models.Participant, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	var list []models.Participant
	for rows.Next() {
		pt, err := scanParticipant(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		list = append(list, *pt)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return list, nil
}

// PromoteParticipant serializes promotions per session on the session row so the
// co-presenter count cannot overshoot limit.
func (p *Postgres) PromoteParticipant(ctx context.Context, sessionID, userID uuid.UUID, limit int) (*models.Participant, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin promote", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var one int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM live_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, unavailable("lock session", err)
	}
	var role string
	err = tx.QueryRow(ctx, `SELECT role FROM live_participants WHERE session_id = $1 AND user_id = $2`, sessionID, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, unavailable("get participant", err)
	}
	if models.Role(role) != models.RoleViewer {
		return nil, models.ErrConflict
	}
	var count int
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM live_participants WHERE session_id = $1 AND role = 'copresenter'`, sessionID).Scan(&count)
	if err != nil {
		return nil, unavailable("count copresenters", err)
	}
	if count >= limit {
		return nil, models.ErrCapacityExceeded
	}
	const q = `UPDATE live_participants SET role = 'copresenter', version = version + 1
		WHERE session_id = $1 AND user_id = $2
		RETURNING ` + participantColumns
	pt, err := scanParticipant(tx.QueryRow(ctx, q, sessionID, userID))
	if err != nil {
		return nil, unavailable("promote participant", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit promote", err)
	}
	return pt, nil
}

func (p *Postgres) DemoteParticipant(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, error) {
	const q = `UPDATE live_participants SET role = 'viewer', version = version + 1
		WHERE session_id = $1 AND user_id = $2 AND role = 'copresenter'
		RETURNING ` + participantColumns
	pt, err := scanParticipant(p.pool.QueryRow(ctx, q, sessionID, userID))
	if err == nil {
		return pt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, unavailable("demote participant", err)
	}
	if _, err := p.GetParticipant(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return nil, models.ErrConflict
}

func (p *Postgres) RemoveParticipant(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, error) {
	const q = `DELETE FROM live_participants WHERE session_id = $1 AND user_id = $2 RETURNING ` + participantColumns
	pt, err := scanParticipant(p.pool.QueryRow(ctx, q, sessionID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, unavailable("remove participant", err)
	}
	return pt, nil
}

func (p *Postgres) RemoveParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	const q = `DELETE FROM live_participants WHERE session_id = $1 RETURNING ` + participantColumns
	return p.queryParticipants(ctx, "remove participants", q, sessionID)
}

// CreateRequest inserts only while the session is live. The shared lock on the session
// row orders the insert against EndSession, so a request is either refused or visible to
// the cancel pass that follows the end.
func (p *Postgres) CreateRequest(ctx context.Context, r *models.CoHostRequest) error {
	const q = `INSERT INTO cohost_requests (session_id, requester_id, requester_display, status, created_at)
		SELECT $1::uuid, $2::uuid, $3::text, 'pending', $4::timestamptz
		WHERE EXISTS (SELECT 1 FROM live_sessions WHERE id = $1 AND ended_at IS NULL FOR SHARE)
		RETURNING id, status, created_at, version`
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var status string
	err := p.pool.QueryRow(ctx, q, r.SessionID, r.RequesterID, r.RequesterDisplay, r.CreatedAt).Scan(&r.ID, &status, &r.CreatedAt, &r.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		if isUniqueViolation(err) {
			return models.ErrConflict
		}
		return unavailable("insert request", err)
	}
	r.Status = models.RequestStatus(status)
	return nil
}

func (p *Postgres) GetRequest(ctx context.Context, id uuid.UUID) (*models.CoHostRequest, error) {
	r, err := scanRequest(p.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM cohost_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, unavailable("get request", err)
	}
	return r, nil
}

func (p *Postgres) LatestRequest(ctx context.Context, sessionID, requesterID uuid.UUID) (*models.CoHostRequest, error) {
	const q = `SELECT ` + requestColumns + ` FROM cohost_requests
		WHERE session_id = $1 AND requester_id = $2 ORDER BY created_at DESC LIMIT 1`
	r, err := scanRequest(p.pool.QueryRow(ctx, q, sessionID, requesterID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, unavailable("latest request", err)
	}
	return r, nil
}

func (p *Postgres) TransitionRequest(ctx context.Context, id uuid.UUID, version int64, status models.RequestStatus, reason models.CancelReason, at time.Time) (*models.CoHostRequest, error) {
	const q = `UPDATE cohost_requests SET status = $3, cancel_reason = $4, decided_at = $5, version = version + 1
		WHERE id = $1 AND status = 'pending' AND version = $2
		RETURNING ` + requestColumns
	r, err := scanRequest(p.pool.QueryRow(ctx, q, id, version, string(status), string(reason), at))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, unavailable("transition request", err)
	}
	if _, err := p.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return nil, models.ErrConflict
}

func (p *Postgres) ListPending(ctx context.Context, sessionID uuid.UUID) ([]models.CoHostRequest, error) {
	const q = `SELECT ` + requestColumns + ` FROM cohost_requests
		WHERE session_id = $1 AND status = 'pending' ORDER BY created_at`
	return p.queryRequests(ctx, "list pending", q, sessionID)
}

func (p *Postgres) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.CoHostRequest, error) {
	const q = `SELECT ` + requestColumns + ` FROM cohost_requests
		WHERE status = 'pending' AND created_at < $1 ORDER BY created_at LIMIT $2`
	return p.queryRequests(ctx, "list stale", q, cutoff, limit)
}

func (p *Postgres) queryRequests(ctx context.Context, op, q string, args ...interface{}) ([]models.CoHostRequest, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	var list []models.CoHostRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		list = append(list, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return list, nil
}

// ToggleProduct locks the session row so concurrent toggles apply one at a time and the
// list version increases by exactly one per change. An ended session is ErrNotFound.
func (p *Postgres) ToggleProduct(ctx context.Context, sessionID uuid.UUID, ref string, limit int, at time.Time) (*models.ProductList, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, unavailable("begin toggle", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var endedAt *time.Time
	if err := tx.QueryRow(ctx, `SELECT ended_at FROM live_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&endedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, models.ErrNotFound
		}
		return nil, false, unavailable("lock session", err)
	}
	if endedAt != nil {
		return nil, false, models.ErrNotFound
	}

	tag, err := tx.Exec(ctx, `DELETE FROM shared_products WHERE session_id = $1 AND product_ref = $2`, sessionID, ref)
	if err != nil {
		return nil, false, unavailable("remove product", err)
	}
	added := tag.RowsAffected() == 0
	if added {
		var count, maxOrder int
		err := tx.QueryRow(ctx, `SELECT COUNT(*), COALESCE(MAX(display_order), 0) FROM shared_products WHERE session_id = $1`, sessionID).
			Scan(&count, &maxOrder)
		if err != nil {
			return nil, false, unavailable("count products", err)
		}
		if count >= limit {
			return nil, false, models.ErrCapacityExceeded
		}
		_, err = tx.Exec(ctx, `INSERT INTO shared_products (session_id, product_ref, display_order, shared_at) VALUES ($1, $2, $3, $4)`,
			sessionID, ref, maxOrder+1, at)
		if err != nil {
			return nil, false, unavailable("insert product", err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE live_sessions SET products_version = products_version + 1 WHERE id = $1`, sessionID); err != nil {
		return nil, false, unavailable("bump products version", err)
	}
	list, err := listProducts(ctx, tx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, unavailable("commit toggle", err)
	}
	return list, added, nil
}

func (p *Postgres) ListProducts(ctx context.Context, sessionID uuid.UUID) (*models.ProductList, error) {
	return listProducts(ctx, p.pool, sessionID)
}

func (p *Postgres) ClearProducts(ctx context.Context, sessionID uuid.UUID) (*models.ProductList, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, unavailable("begin clear", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM shared_products WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, false, unavailable("clear products", err)
	}
	changed := tag.RowsAffected() > 0
	if changed {
		if _, err := tx.Exec(ctx, `UPDATE live_sessions SET products_version = products_version + 1 WHERE id = $1`, sessionID); err != nil {
			return nil, false, unavailable("bump products version", err)
		}
	}
	list, err := listProducts(ctx, tx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, unavailable("commit clear", err)
	}
	return list, changed, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func listProducts(ctx context.Context, q querier, sessionID uuid.UUID) (*models.ProductList, error) {
	list := &models.ProductList{SessionID: sessionID, Items: []models.SharedProduct{}}
	err := q.QueryRow(ctx, `SELECT products_version FROM live_sessions WHERE id = $1`, sessionID).Scan(&list.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, unavailable("products version", err)
	}
	rows, err := q.Query(ctx, `SELECT session_id, product_ref, display_order, shared_at
		FROM shared_products WHERE session_id = $1 ORDER BY display_order`, sessionID)
	if err != nil {
		return nil, unavailable("list products", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sp models.SharedProduct
		if err := rows.Scan(&sp.SessionID, &sp.ProductRef, &sp.DisplayOrder, &sp.SharedAt); err != nil {
			return nil, unavailable("scan product", err)
		}
		list.Items = append(list.Items, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list products", err)
	}
	return list, nil
}
