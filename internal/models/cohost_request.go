package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of a co-host request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == RequestAccepted || s == RequestRejected || s == RequestCancelled
}

// CancelReason records why a request ended up cancelled.
type CancelReason string

const (
	CancelByRequester  CancelReason = "requester"
	CancelSessionEnded CancelReason = "session_ended"
	CancelExpired      CancelReason = "expired"
	CancelLeft         CancelReason = "left"
)

// CoHostRequest is a viewer's request to be promoted to co-presenter.
type CoHostRequest struct {
	ID               uuid.UUID     `json:"id"`
	SessionID        uuid.UUID     `json:"session_id"`
	RequesterID      uuid.UUID     `json:"requester_id"`
	RequesterDisplay string        `json:"requester_display"`
	Status           RequestStatus `json:"status"`
	CancelReason     CancelReason  `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	DecidedAt        *time.Time    `json:"decided_at,omitempty"`
	Version          int64         `json:"version"`
}
