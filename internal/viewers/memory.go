package viewers

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type tally struct {
	raw int64
	seq int64
	ops map[string]struct{}
}

// Memory is an in-process Backend.
type Memory struct {
	mu      sync.Mutex
	tallies map[uuid.UUID]*tally
}

// NewMemory creates an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{tallies: make(map[uuid.UUID]*tally)}
}

func (m *Memory) Apply(_ context.Context, sessionID uuid.UUID, delta int64, opID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tallies[sessionID]
	if t == nil {
		t = &tally{ops: make(map[string]struct{})}
		m.tallies[sessionID] = t
	}
	if _, seen := t.ops[opID]; seen {
		return Result{Raw: t.raw, Seq: t.seq}, nil
	}
	t.ops[opID] = struct{}{}
	t.raw += delta
	t.seq++
	return Result{Raw: t.raw, Seq: t.seq, Applied: true}, nil
}

func (m *Memory) Read(_ context.Context, sessionID uuid.UUID) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.tallies[sessionID]; t != nil {
		return Result{Raw: t.raw, Seq: t.seq}, nil
	}
	return Result{}, nil
}

func (m *Memory) Drop(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	delete(m.tallies, sessionID)
	m.mu.Unlock()
	return nil
}
