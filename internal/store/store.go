package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that matched no row
var ErrNotFound = errors.New("not found")

// MessageRef locates a stored message and its parent ticket by Message-ID.
// It is the unit the threading resolver's id-based stages operate on.
type MessageRef struct {
	MessageID string
	TicketID  int
}

// TicketUpdate carries the ticket fields a materialization may change.
// Nil pointers leave the corresponding column untouched.
type TicketUpdate struct {
	Status          *string
	UpdatedAt       *time.Time
	ResolvedAt      *time.Time
	ClearResolvedAt bool
	CC              *[]string
}
