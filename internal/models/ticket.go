package models

import "time"

// Ticket status values
const (
	StatusOpen    = "open"
	StatusPending = "pending"
	StatusClosed  = "closed"
)

// Desk represents a named support mailbox identity. Desks are created
// and edited elsewhere; the ingestion engine only reads them.
type Desk struct {
	ID             int
	Name           string
	Email          string
	Host           string
	Port           int
	Username       string
	Password       string
	UseTLS         bool
	PollingEnabled bool
	Default        bool
}

// Agent represents a support agent eligible for ticket assignment
type Agent struct {
	ID    int
	Name  string
	Email string
}

// Ticket represents one customer conversation owned by a desk.
// ResolvedAt is set only when the status transitions to closed.
type Ticket struct {
	ID            int
	Subject       string
	Status        string
	CustomerName  string
	CustomerEmail string
	DeskID        int
	AssignedTo    int // 0 = unassigned
	CC            []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}

// Message represents one email turn within a ticket. Within a ticket,
// message order is defined by CreatedAt, which is backdated to the true
// email send time, not by insertion order.
type Message struct {
	ID          int
	TicketID    int
	SenderName  string
	SenderEmail string
	IsAgent     bool
	Content     string
	MessageID   string // empty = stored as NULL
	InReplyTo   string
	References  []string
	CC          []string
	Attachments []Attachment
	CreatedAt   time.Time

	// Satisfaction survey fields, filled in by the rest of the
	// application once a customer rates the conversation.
	Rating        int
	RatingComment string
}
