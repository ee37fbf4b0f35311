package store

import (
	"context"
	"errors"
	"fmt"

	"helpdesk-mail-engine/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres-backed ticket store shared with the rest of the
// helpdesk application. The ingestion engine only inserts tickets, messages
// and attachments and applies scoped ticket updates; it never deletes.
type Store struct {
	db *pgxpool.Pool
}

// New opens a connection pool against the given database URL
func New(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: pool}, nil
}

// Close releases the connection pool
func (s *Store) Close() {
	s.db.Close()
}

// ListEnabledDesks returns the desks with polling enabled, in id order.
func (s *Store) ListEnabledDesks(ctx context.Context) ([]models.Desk, error) {
	query := `
        SELECT id, name, email, host, port, username, password, use_tls, polling_enabled, is_default
        FROM desks
        WHERE polling_enabled
        ORDER BY id
    `
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var desks []models.Desk
	for rows.Next() {
		var d models.Desk
		if err := rows.Scan(&d.ID, &d.Name, &d.Email, &d.Host, &d.Port, &d.Username,
			&d.Password, &d.UseTLS, &d.PollingEnabled, &d.Default); err != nil {
			return nil, err
		}
		desks = append(desks, d)
	}
	return desks, rows.Err()
}

// FindMessageByMessageID looks up a stored message by its exact Message-ID.
func (s *Store) FindMessageByMessageID(ctx context.Context, messageID string) (*MessageRef, error) {
	query := `
        SELECT message_id, ticket_id
        FROM messages
        WHERE message_id = $1
        ORDER BY created_at DESC
        LIMIT 1
    `
	var ref MessageRef
	err := s.db.QueryRow(ctx, query, messageID).Scan(&ref.MessageID, &ref.TicketID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// ListRecentMessageRefs returns the most recent stored messages that carry a
// non-null Message-ID, newest first, capped at limit. This is the bounded
// window the fuzzy id matcher scans.
func (s *Store) ListRecentMessageRefs(ctx context.Context, limit int) ([]MessageRef, error) {
	query := `
        SELECT message_id, ticket_id
        FROM messages
        WHERE message_id IS NOT NULL
        ORDER BY created_at DESC
        LIMIT $1
    `
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []MessageRef
	for rows.Next() {
		var ref MessageRef
		if err := rows.Scan(&ref.MessageID, &ref.TicketID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

const ticketColumns = `
    id, subject, status, customer_name, customer_email, desk_id,
    COALESCE(assigned_to, 0), COALESCE(cc, '{}'), created_at, updated_at, resolved_at
`

func scanTicket(row pgx.Row) (*models.Ticket, error) {
	var t models.Ticket
	err := row.Scan(&t.ID, &t.Subject, &t.Status, &t.CustomerName, &t.CustomerEmail,
		&t.DeskID, &t.AssignedTo, &t.CC, &t.CreatedAt, &t.UpdatedAt, &t.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindTicketByID returns the ticket with the given id.
func (s *Store) FindTicketByID(ctx context.Context, id int) (*models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = $1`
	return scanTicket(s.db.QueryRow(ctx, query, id))
}

// FindDeskTicketByID returns the ticket with the given id only when it
// belongs to the given desk.
func (s *Store) FindDeskTicketByID(ctx context.Context, deskID, id int) (*models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = $1 AND desk_id = $2`
	return scanTicket(s.db.QueryRow(ctx, query, id, deskID))
}

// ListRecentTicketsByCustomer returns the customer's most recent tickets on
// the desk, newest first, capped at limit.
func (s *Store) ListRecentTicketsByCustomer(ctx context.Context, deskID int, email string, limit int) ([]models.Ticket, error) {
	query := `
        SELECT ` + ticketColumns + `
        FROM tickets
        WHERE desk_id = $1 AND lower(customer_email) = lower($2)
        ORDER BY created_at DESC
        LIMIT $3
    `
	rows, err := s.db.Query(ctx, query, deskID, email, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		var t models.Ticket
		if err := rows.Scan(&t.ID, &t.Subject, &t.Status, &t.CustomerName, &t.CustomerEmail,
			&t.DeskID, &t.AssignedTo, &t.CC, &t.CreatedAt, &t.UpdatedAt, &t.ResolvedAt); err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// ListDeskAgents returns the agents assigned to the desk in their configured
// rotation order.
func (s *Store) ListDeskAgents(ctx context.Context, deskID int) ([]models.Agent, error) {
	query := `
        SELECT a.id, a.name, a.email
        FROM agents a
        JOIN desk_agents da ON da.agent_id = a.id
        WHERE da.desk_id = $1
        ORDER BY da.position, a.id
    `
	rows, err := s.db.Query(ctx, query, deskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Email); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// FindMostRecentAssignment returns the assignee of the most recently created
// ticket on the desk whose assignee is among agentIDs, or 0 when none exists.
func (s *Store) FindMostRecentAssignment(ctx context.Context, deskID int, agentIDs []int) (int, error) {
	if len(agentIDs) == 0 {
		return 0, nil
	}
	query := `
        SELECT assigned_to
        FROM tickets
        WHERE desk_id = $1 AND assigned_to = ANY($2)
        ORDER BY created_at DESC
        LIMIT 1
    `
	var agentID int
	err := s.db.QueryRow(ctx, query, deskID, agentIDs).Scan(&agentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return agentID, nil
}

// InsertTicket inserts the ticket and returns its new id.
func (s *Store) InsertTicket(ctx context.Context, t *models.Ticket) (int, error) {
	query := `
        INSERT INTO tickets (subject, status, customer_name, customer_email, desk_id,
                             assigned_to, cc, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), $7, $8, $9)
        RETURNING id
    `
	var id int
	err := s.db.QueryRow(ctx, query, t.Subject, t.Status, t.CustomerName, t.CustomerEmail,
		t.DeskID, t.AssignedTo, t.CC, t.CreatedAt, t.UpdatedAt).Scan(&id)
	return id, err
}

// InsertMessage inserts the message and returns its new id. An empty
// Message-ID is stored as NULL so it never participates in exact matching.
func (s *Store) InsertMessage(ctx context.Context, m *models.Message) (int, error) {
	query := `
        INSERT INTO messages (ticket_id, sender_name, sender_email, is_agent, content,
                              message_id, in_reply_to, references_ids, cc, created_at)
        VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)
        RETURNING id
    `
	var id int
	err := s.db.QueryRow(ctx, query, m.TicketID, m.SenderName, m.SenderEmail, m.IsAgent,
		m.Content, m.MessageID, m.InReplyTo, m.References, m.CC, m.CreatedAt).Scan(&id)
	return id, err
}

// InsertAttachment persists one attachment under the given message.
func (s *Store) InsertAttachment(ctx context.Context, messageID int, att models.Attachment) error {
	query := `
        INSERT INTO attachments (message_id, filename, content_type, size, content, checksum)
        VALUES ($1, $2, $3, $4, $5, $6)
    `
	_, err := s.db.Exec(ctx, query, messageID, att.Filename, att.ContentType,
		att.Size, att.Content, att.Checksum)
	return err
}

// UpdateTicket applies the non-nil fields of the update to the ticket row.
func (s *Store) UpdateTicket(ctx context.Context, id int, update TicketUpdate) error {
	sets := []string{"updated_at = COALESCE($2, updated_at)"}
	args := []interface{}{id, update.UpdatedAt}

	if update.Status != nil {
		args = append(args, *update.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if update.CC != nil {
		args = append(args, *update.CC)
		sets = append(sets, fmt.Sprintf("cc = $%d", len(args)))
	}
	if update.ClearResolvedAt {
		sets = append(sets, "resolved_at = NULL")
	} else if update.ResolvedAt != nil {
		args = append(args, *update.ResolvedAt)
		sets = append(sets, fmt.Sprintf("resolved_at = $%d", len(args)))
	}

	query := "UPDATE tickets SET " + joinSets(sets) + " WHERE id = $1"
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}
