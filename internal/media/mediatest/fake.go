// Package mediatest provides an in-memory media transport that records calls.
package mediatest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/media"
)

// Call is one recorded transport call.
type Call struct {
	Op     string
	Handle media.Handle
	UserID uuid.UUID
}

// Fake is a media.Transport that records every call. Set Fail to make an operation
// return an error.
type Fake struct {
	mu      sync.Mutex
	calls   []Call
	granted map[media.Handle]map[uuid.UUID]bool
	ended   map[media.Handle]bool
	fail    map[string]error
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		granted: make(map[media.Handle]map[uuid.UUID]bool),
		ended:   make(map[media.Handle]bool),
		fail:    make(map[string]error),
	}
}

// Fail makes op ("create", "join", "grant", "revoke", "leave", "end") return err; nil clears it.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

func (f *Fake) record(op string, h media.Handle, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Handle: h, UserID: userID})
	return f.fail[op]
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many times op was called.
func (f *Fake) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Granted reports whether userID currently holds publish rights on h.
func (f *Fake) Granted(h media.Handle, userID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.granted[h][userID]
}

// Ended reports whether EndCall succeeded for h.
func (f *Fake) Ended(h media.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended[h]
}

func (f *Fake) CreateBroadcastCall(_ context.Context, sessionID uuid.UUID) (media.Handle, error) {
	h := media.Handle("fake:" + sessionID.String())
	if err := f.record("create", h, uuid.Nil); err != nil {
		return "", err
	}
	return h, nil
}

func (f *Fake) JoinAsViewer(_ context.Context, h media.Handle, userID uuid.UUID) (*media.Subscription, error) {
	if err := f.record("join", h, userID); err != nil {
		return nil, err
	}
	return &media.Subscription{Handle: h, Backend: "fake", UserID: userID, CanPublish: f.Granted(h, userID)}, nil
}

func (f *Fake) GrantPublishRights(_ context.Context, h media.Handle, userID uuid.UUID) error {
	if err := f.record("grant", h, userID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.granted[h] == nil {
		f.granted[h] = make(map[uuid.UUID]bool)
	}
	f.granted[h][userID] = true
	return nil
}

func (f *Fake) RevokePublishRights(_ context.Context, h media.Handle, userID uuid.UUID) error {
	if err := f.record("revoke", h, userID); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.granted[h], userID)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Leave(_ context.Context, h media.Handle, userID uuid.UUID) error {
	if err := f.record("leave", h, userID); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.granted[h], userID)
	f.mu.Unlock()
	return nil
}

func (f *Fake) EndCall(_ context.Context, h media.Handle) error {
	if err := f.record("end", h, uuid.Nil); err != nil {
		return err
	}
	f.mu.Lock()
	f.ended[h] = true
	delete(f.granted, h)
	f.mu.Unlock()
	return nil
}
