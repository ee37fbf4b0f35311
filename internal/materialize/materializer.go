package materialize

import (
	"context"
	"fmt"
	stdmail "net/mail"
	"strings"

	"helpdesk-mail-engine/internal/logging"
	"helpdesk-mail-engine/internal/models"
	"helpdesk-mail-engine/internal/store"
)

// Store is the read/write slice of the ticket store the materializer needs
type Store interface {
	FindTicketByID(ctx context.Context, id int) (*models.Ticket, error)
	ListDeskAgents(ctx context.Context, deskID int) ([]models.Agent, error)
	FindMostRecentAssignment(ctx context.Context, deskID int, agentIDs []int) (int, error)
	InsertTicket(ctx context.Context, t *models.Ticket) (int, error)
	InsertMessage(ctx context.Context, m *models.Message) (int, error)
	InsertAttachment(ctx context.Context, messageID int, att models.Attachment) error
	UpdateTicket(ctx context.Context, id int, update store.TicketUpdate) error
}

// Materializer turns a resolved email into ticket and message rows. It is
// the sole ingestion-side writer of those rows. Writes are sequenced so the
// message row, which records that the email was processed at all, lands
// last; everything before it is recoverable by hand, the email itself is
// not, since the mailbox server already marked it read.
type Materializer struct {
	store Store
}

// NewMaterializer creates a Materializer backed by the given store
func NewMaterializer(st Store) *Materializer {
	return &Materializer{store: st}
}

// Result reports what one materialization produced
type Result struct {
	TicketID  int
	MessageID int
	NewTicket bool
}

// Apply persists the email. A zero ticketID takes the new-ticket path;
// otherwise the email is appended to the given ticket as a reply.
func (m *Materializer) Apply(ctx context.Context, desk models.Desk, email *models.NormalizedEmail, ticketID int) (*Result, error) {
	if ticketID == 0 {
		return m.createTicket(ctx, desk, email)
	}
	return m.appendReply(ctx, desk, email, ticketID)
}

func (m *Materializer) createTicket(ctx context.Context, desk models.Desk, email *models.NormalizedEmail) (*Result, error) {
	ticket := &models.Ticket{
		Subject:       email.Subject,
		Status:        models.StatusOpen,
		CustomerName:  email.FromName,
		CustomerEmail: email.FromAddress,
		DeskID:        desk.ID,
		AssignedTo:    m.pickAssignee(ctx, desk.ID, email.TraceID),
		CC:            MergeCC(nil, email.CC),
		CreatedAt:     email.SentAt,
		UpdatedAt:     email.SentAt,
	}

	ticketID, err := m.store.InsertTicket(ctx, ticket)
	if err != nil {
		return nil, fmt.Errorf("insert ticket: %w", err)
	}

	messageID, err := m.insertMessage(ctx, email, ticketID)
	if err != nil {
		return nil, err
	}

	return &Result{TicketID: ticketID, MessageID: messageID, NewTicket: true}, nil
}

func (m *Materializer) appendReply(ctx context.Context, desk models.Desk, email *models.NormalizedEmail, ticketID int) (*Result, error) {
	ticket, err := m.store.FindTicketByID(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("load ticket %d: %w", ticketID, err)
	}

	update := store.TicketUpdate{UpdatedAt: &email.SentAt}
	if ticket.Status == models.StatusClosed {
		// An inbound reply always supersedes a closed state
		status := models.StatusOpen
		update.Status = &status
		update.ClearResolvedAt = true
		logging.Log.WithFields(map[string]interface{}{
			"trace_id":  email.TraceID,
			"ticket_id": ticketID,
		}).Info("Reopening closed ticket on inbound reply")
	}

	merged := MergeCC(ticket.CC, email.CC)
	if len(merged) != len(ticket.CC) {
		update.CC = &merged
	}

	// The ticket update is applied before the message insert; if it fails
	// the message is still recorded, conversation continuity wins over
	// strict atomicity.
	if err := m.store.UpdateTicket(ctx, ticketID, update); err != nil {
		logging.Log.WithFields(map[string]interface{}{
			"trace_id":  email.TraceID,
			"ticket_id": ticketID,
			"desk_id":   desk.ID,
		}).Errorf("Ticket update failed, message will still be recorded: %v", err)
	}

	messageID, err := m.insertMessage(ctx, email, ticketID)
	if err != nil {
		return nil, err
	}

	return &Result{TicketID: ticketID, MessageID: messageID}, nil
}

func (m *Materializer) insertMessage(ctx context.Context, email *models.NormalizedEmail, ticketID int) (int, error) {
	msg := &models.Message{
		TicketID:    ticketID,
		SenderName:  email.FromName,
		SenderEmail: email.FromAddress,
		Content:     email.BodyText,
		MessageID:   email.MessageID,
		InReplyTo:   email.InReplyTo,
		References:  email.References,
		CC:          email.CC,
		CreatedAt:   email.SentAt,
	}

	messageID, err := m.store.InsertMessage(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	for _, att := range email.Attachments {
		if err := m.store.InsertAttachment(ctx, messageID, att); err != nil {
			logging.Log.WithFields(map[string]interface{}{
				"trace_id":   email.TraceID,
				"message_id": messageID,
				"filename":   att.Filename,
			}).Errorf("Attachment persist failed, message kept: %v", err)
		}
	}

	return messageID, nil
}

// pickAssignee chooses the next agent in the desk's rotation: the agent
// cyclically after the most recent prior assignment, the first agent when
// there is no usable prior assignment, and nobody when the desk has no
// agents, which is not an error.
func (m *Materializer) pickAssignee(ctx context.Context, deskID int, traceID string) int {
	agents, err := m.store.ListDeskAgents(ctx, deskID)
	if err != nil {
		logging.Log.WithField("trace_id", traceID).Errorf("Desk agent lookup failed, leaving ticket unassigned: %v", err)
		return 0
	}
	if len(agents) == 0 {
		return 0
	}

	agentIDs := make([]int, len(agents))
	for i, a := range agents {
		agentIDs[i] = a.ID
	}

	last, err := m.store.FindMostRecentAssignment(ctx, deskID, agentIDs)
	if err != nil {
		logging.Log.WithField("trace_id", traceID).Errorf("Prior assignment lookup failed, assigning first agent: %v", err)
		return agents[0].ID
	}

	for i, a := range agents {
		if a.ID == last {
			return agents[(i+1)%len(agents)].ID
		}
	}
	// No prior assignment, or the previous assignee left the desk
	return agents[0].ID
}

// MergeCC merges incoming CC entries into existing ones by address equality,
// case-insensitively, keeping the first spelling seen for each address.
// Merging the same list twice yields no duplicates.
func MergeCC(existing, incoming []string) []string {
	merged := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]bool)

	for _, entry := range existing {
		merged = append(merged, entry)
		if addr := AddressOf(entry); addr != "" {
			seen[addr] = true
		}
	}
	for _, entry := range incoming {
		addr := AddressOf(entry)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		merged = append(merged, entry)
	}
	return merged
}

// AddressOf extracts the lowercased bare address from a "Name <address>" or
// bare-address CC entry, or "" when no address can be recovered.
func AddressOf(entry string) string {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return ""
	}
	if addr, err := stdmail.ParseAddress(entry); err == nil {
		return strings.ToLower(addr.Address)
	}
	if start := strings.LastIndex(entry, "<"); start >= 0 {
		if end := strings.Index(entry[start:], ">"); end > 0 {
			return strings.ToLower(strings.TrimSpace(entry[start+1 : start+end]))
		}
	}
	return strings.ToLower(entry)
}
