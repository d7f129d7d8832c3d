package models

import (
	"time"

	"github.com/google/uuid"
)

// SharedProduct is a product reference currently promoted in a session.
type SharedProduct struct {
	SessionID    uuid.UUID `json:"session_id"`
	ProductRef   string    `json:"product_ref"`
	DisplayOrder int       `json:"display_order"`
	SharedAt     time.Time `json:"shared_at"`
}

// ProductList is the ordered shared set of a session at a given version.
type ProductList struct {
	SessionID uuid.UUID       `json:"session_id"`
	Version   int64           `json:"version"`
	Items     []SharedProduct `json:"items"`
}
