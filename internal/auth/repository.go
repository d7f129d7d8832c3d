package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/backend/internal/models"
)

// Users persists accounts.
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	// GetByEmail returns models.ErrNotFound for unknown addresses.
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	// Create returns models.ErrConflict when the email is taken.
	Create(ctx context.Context, email, passwordHash, displayName string) (*models.User, error)
}

// Repository handles user persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an auth repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Password, &u.DisplayName, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w: %w", models.ErrStoreUnavailable, err)
	}
	return &u, nil
}

// GetByID returns a user by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const q = `SELECT id, email, password_hash, display_name, created_at, updated_at FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, q, id))
}

// GetByEmail returns a user by email.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `SELECT id, email, password_hash, display_name, created_at, updated_at FROM users WHERE email = $1`
	return scanUser(r.pool.QueryRow(ctx, q, strings.ToLower(email)))
}

// Create inserts a new user.
func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName string) (*models.User, error) {
	const q = `INSERT INTO users (email, password_hash, display_name) VALUES ($1, $2, $3)
		RETURNING id, email, password_hash, display_name, created_at, updated_at`
	u, err := scanUser(r.pool.QueryRow(ctx, q, strings.ToLower(email), passwordHash, displayName))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, fmt.Errorf("email %s: %w", email, models.ErrConflict)
	}
	return u, err
}

// Memory is an in-process user store.
type Memory struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*models.User
	byEmail map[string]uuid.UUID
}

// NewMemory creates an empty user store.
func NewMemory() *Memory {
	return &Memory{byID: make(map[uuid.UUID]*models.User), byEmail: make(map[string]uuid.UUID)}
}

func (m *Memory) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	id, ok := m.byEmail[strings.ToLower(email)]
	m.mu.Unlock()
	if !ok {
		return nil, models.ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *Memory) Create(_ context.Context, email, passwordHash, displayName string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(email)
	if _, ok := m.byEmail[email]; ok {
		return nil, fmt.Errorf("email %s: %w", email, models.ErrConflict)
	}
	now := time.Now().UTC()
	u := &models.User{ID: uuid.New(), Email: email, Password: passwordHash, DisplayName: displayName, CreatedAt: now, UpdatedAt: now}
	m.byID[u.ID] = u
	m.byEmail[email] = u.ID
	cp := *u
	return &cp, nil
}
