package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/models"
)

type participantKey struct {
	session uuid.UUID
	user    uuid.UUID
}

type productSet struct {
	version int64
	items   []models.SharedProduct
}

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]*models.Session
	participants map[participantKey]*models.Participant
	requests     map[uuid.UUID]*models.CoHostRequest
	products     map[uuid.UUID]*productSet
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:     make(map[uuid.UUID]*models.Session),
		participants: make(map[participantKey]*models.Participant),
		requests:     make(map[uuid.UUID]*models.CoHostRequest),
		products:     make(map[uuid.UUID]*productSet),
	}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.sessions {
		if other.BroadcasterID == s.BroadcasterID && other.Live() {
			return models.ErrConflict
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.Version = 1
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) LiveSessionByBroadcaster(_ context.Context, broadcasterID uuid.UUID) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.BroadcasterID == broadcasterID && s.Live() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *Memory) EndSession(_ context.Context, id uuid.UUID, at time.Time) (*models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false, models.ErrNotFound
	}
	if !s.Live() {
		cp := *s
		return &cp, false, nil
	}
	ended := at
	s.EndedAt = &ended
	s.Version++
	cp := *s
	return &cp, true, nil
}

func (m *Memory) ListSessions(_ context.Context, f SessionFilter, after *Cursor, limit int) ([]models.Session, error) {
	m.mu.Lock()
	var list []models.Session
	for _, s := range m.sessions {
		if f.LiveOnly && !s.Live() {
			continue
		}
		if f.Category != "" && s.Category != f.Category {
			continue
		}
		if f.BroadcasterID != nil && s.BroadcasterID != *f.BroadcasterID {
			continue
		}
		if after != nil && !before(s.CreatedAt, s.ID, after) {
			continue
		}
		list = append(list, *s)
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID.String() > list[j].ID.String()
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// before reports whether (createdAt, id) sorts strictly after the cursor in descending order.
func before(createdAt time.Time, id uuid.UUID, c *Cursor) bool {
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return id.String() < c.ID.String()
}

func (m *Memory) AddParticipant(_ context.Context, p *models.Participant) (*models.Participant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := participantKey{p.SessionID, p.UserID}
	if existing, ok := m.participants[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	s, ok := m.sessions[p.SessionID]
	if !ok || !s.Live() {
		return nil, false, models.ErrNotFound
	}
	if p.Role == models.RoleBroadcaster && s.BroadcasterID != p.UserID {
		return nil, false, models.ErrConflict
	}
	cp := *p
	if cp.JoinID == uuid.Nil {
		cp.JoinID = uuid.New()
	}
	if cp.JoinedAt.IsZero() {
		cp.JoinedAt = time.Now().UTC()
	}
	cp.Version = 1
	m.participants[key] = &cp
	out := cp
	return &out, true, nil
}

func (m *Memory) GetParticipant(_ context.Context, sessionID, userID uuid.UUID) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantKey{sessionID, userID}]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListParticipants(_ context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	m.mu.Lock()
	var list []models.Participant
	for k, p := range m.participants {
		if k.session == sessionID {
			list = append(list, *p)
		}
	}
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].JoinedAt.Before(list[j].JoinedAt) })
	return list, nil
}

func (m *Memory) PromoteParticipant(_ context.Context, sessionID, userID uuid.UUID, limit int) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantKey{sessionID, userID}]
	if !ok {
		return nil, models.ErrNotFound
	}
	if p.Role != models.RoleViewer {
		return nil, models.ErrConflict
	}
	count := 0
	for k, other := range m.participants {
		if k.session == sessionID && other.Role == models.RoleCoPresenter {
			count++
		}
	}
	if count >= limit {
		return nil, models.ErrCapacityExceeded
	}
	p.Role = models.RoleCoPresenter
	p.Version++
	cp := *p
	return &cp, nil
}

func (m *Memory) DemoteParticipant(_ context.Context, sessionID, userID uuid.UUID) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantKey{sessionID, userID}]
	if !ok {
		return nil, models.ErrNotFound
	}
	if p.Role != models.RoleCoPresenter {
		return nil, models.ErrConflict
	}
	p.Role = models.RoleViewer
	p.Version++
	cp := *p
	return &cp, nil
}

func (m *Memory) RemoveParticipant(_ context.Context, sessionID, userID uuid.UUID) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := participantKey{sessionID, userID}
	p, ok := m.participants[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	delete(m.participants, key)
	return p, nil
}

func (m *Memory) RemoveParticipants(_ context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []models.Participant
	for k, p := range m.participants {
		if k.session == sessionID {
			removed = append(removed, *p)
			delete(m.participants, k)
		}
	}
	return removed, nil
}

func (m *Memory) CreateRequest(_ context.Context, r *models.CoHostRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[r.SessionID]; !ok || !s.Live() {
		return models.ErrNotFound
	}
	for _, other := range m.requests {
		if other.SessionID == r.SessionID && other.RequesterID == r.RequesterID && other.Status == models.RequestPending {
			return models.ErrConflict
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.Status = models.RequestPending
	r.Version = 1
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *Memory) GetRequest(_ context.Context, id uuid.UUID) (*models.CoHostRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) LatestRequest(_ context.Context, sessionID, requesterID uuid.UUID) (*models.CoHostRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.CoHostRequest
	for _, r := range m.requests {
		if r.SessionID != sessionID || r.RequesterID != requesterID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, models.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) TransitionRequest(_ context.Context, id uuid.UUID, version int64, status models.RequestStatus, reason models.CancelReason, at time.Time) (*models.CoHostRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if r.Status != models.RequestPending || r.Version != version {
		return nil, models.ErrConflict
	}
	decided := at
	r.Status = status
	r.CancelReason = reason
	r.DecidedAt = &decided
	r.Version++
	cp := *r
	return &cp, nil
}

func (m *Memory) ListPending(_ context.Context, sessionID uuid.UUID) ([]models.CoHostRequest, error) {
	m.mu.Lock()
	var list []models.CoHostRequest
	for _, r := range m.requests {
		if r.SessionID == sessionID && r.Status == models.RequestPending {
			list = append(list, *r)
		}
	}
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (m *Memory) ListStale(_ context.Context, cutoff time.Time, limit int) ([]models.CoHostRequest, error) {
	m.mu.Lock()
	var list []models.CoHostRequest
	for _, r := range m.requests {
		if r.Status == models.RequestPending && r.CreatedAt.Before(cutoff) {
			list = append(list, *r)
		}
	}
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *Memory) ToggleProduct(_ context.Context, sessionID uuid.UUID, ref string, limit int, at time.Time) (*models.ProductList, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; !ok || !s.Live() {
		return nil, false, models.ErrNotFound
	}
	set := m.products[sessionID]
	if set == nil {
		set = &productSet{}
		m.products[sessionID] = set
	}
	for i, item := range set.items {
		if item.ProductRef == ref {
			set.items = append(set.items[:i:i], set.items[i+1:]...)
			set.version++
			return set.snapshot(sessionID), false, nil
		}
	}
	if len(set.items) >= limit {
		return nil, false, models.ErrCapacityExceeded
	}
	order := 1
	if n := len(set.items); n > 0 {
		order = set.items[n-1].DisplayOrder + 1
	}
	set.items = append(set.items, models.SharedProduct{
		SessionID:    sessionID,
		ProductRef:   ref,
		DisplayOrder: order,
		SharedAt:     at,
	})
	set.version++
	return set.snapshot(sessionID), true, nil
}

func (m *Memory) ListProducts(_ context.Context, sessionID uuid.UUID) (*models.ProductList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, models.ErrNotFound
	}
	set := m.products[sessionID]
	if set == nil {
		return &models.ProductList{SessionID: sessionID, Items: []models.SharedProduct{}}, nil
	}
	return set.snapshot(sessionID), nil
}

func (m *Memory) ClearProducts(_ context.Context, sessionID uuid.UUID) (*models.ProductList, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.products[sessionID]
	if set == nil {
		return &models.ProductList{SessionID: sessionID, Items: []models.SharedProduct{}}, false, nil
	}
	if len(set.items) == 0 {
		return set.snapshot(sessionID), false, nil
	}
	set.items = nil
	set.version++
	return set.snapshot(sessionID), true, nil
}

func (s *productSet) snapshot(sessionID uuid.UUID) *models.ProductList {
	items := make([]models.SharedProduct, len(s.items))
	copy(items, s.items)
	return &models.ProductList{SessionID: sessionID, Version: s.version, Items: items}
}
