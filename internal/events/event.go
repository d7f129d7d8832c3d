// Package events defines the domain events every core operation emits into the fanout.
package events

import (
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Kind names a domain event.
type Kind string

const (
	SessionCreated Kind = "session.created"
	SessionEnded   Kind = "session.ended"

	ParticipantJoined      Kind = "participant.joined"
	ParticipantLeft        Kind = "participant.left"
	ParticipantRoleChanged Kind = "participant.role_changed"

	CoHostRequested Kind = "cohost.requested"
	CoHostAccepted  Kind = "cohost.accepted"
	CoHostRejected  Kind = "cohost.rejected"
	CoHostCancelled Kind = "cohost.cancelled"

	ViewersChanged  Kind = "viewers.changed"
	ProductsChanged Kind = "products.changed"
)

// Op is the row-level change an event describes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one state change of a session. ID is unique and sortable; consumers use it
// to drop duplicates. Version is the version of the changed row (or list) after the change.
type Event struct {
	ID        string          `json:"id"`
	SessionID uuid.UUID       `json:"session_id"`
	Kind      Kind            `json:"kind"`
	Op        Op              `json:"op"`
	Version   int64           `json:"version"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new monotonic ULID string.
func NewID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// New builds an event with payload marshaled to JSON.
func New(sessionID uuid.UUID, kind Kind, op Op, version int64, payload interface{}) Event {
	now := time.Now().UTC()
	var data []byte
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	return Event{
		ID:        NewID(now),
		SessionID: sessionID,
		Kind:      kind,
		Op:        op,
		Version:   version,
		At:        now,
		Data:      data,
	}
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// ViewerPayload is the payload of ViewersChanged.
type ViewerPayload struct {
	Count int   `json:"count"`
	Raw   int64 `json:"raw"`
}

// Topic returns the fanout topic for a session.
func Topic(sessionID uuid.UUID) string {
	return "live:" + sessionID.String()
}
