package emailprocessor

import (
	"context"
	"fmt"

	imapclient "helpdesk-mail-engine/internal/imap"
	"helpdesk-mail-engine/internal/logging"
	"helpdesk-mail-engine/internal/mailparse"
	"helpdesk-mail-engine/internal/materialize"
	"helpdesk-mail-engine/internal/models"
	"helpdesk-mail-engine/internal/threading"
)

// Inbox is the mailbox folder every desk cycle reads
const Inbox = "INBOX"

// ClientFactory produces a fresh mailbox session per fetch cycle,
// injectable so tests can run the pipeline against a fake mailbox.
type ClientFactory func() imapclient.Client

// Processor runs one desk's fetch → parse → resolve → materialize cycle.
// Messages within a cycle are handled sequentially in search order; cycles
// for different desks run independently of each other.
type Processor struct {
	newClient  ClientFactory
	resolver   *threading.Resolver
	mat        *materialize.Materializer
	fetchLimit int
}

// NewProcessor creates a Processor with the given collaborators
func NewProcessor(newClient ClientFactory, resolver *threading.Resolver, mat *materialize.Materializer, fetchLimit int) *Processor {
	if fetchLimit <= 0 {
		fetchLimit = 10
	}
	return &Processor{
		newClient:  newClient,
		resolver:   resolver,
		mat:        mat,
		fetchLimit: fetchLimit,
	}
}

// RunCycle executes one full fetch cycle for the desk. Connection, login and
// search failures abort the cycle with a desk-scoped error and are retried on
// the next tick; per-message failures are logged and skipped so the rest of
// the batch still lands.
func (p *Processor) RunCycle(ctx context.Context, desk models.Desk) error {
	desklog := logging.Log.WithField("desk_id", desk.ID)

	client := p.newClient()
	addr := fmt.Sprintf("%s:%d", desk.Host, desk.Port)

	if err := client.Connect(addr, desk.UseTLS); err != nil {
		return fmt.Errorf("desk %d (%s): %w", desk.ID, desk.Name, err)
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Login(desk.Username, desk.Password); err != nil {
		return fmt.Errorf("desk %d (%s): login: %w", desk.ID, desk.Name, err)
	}

	if err := client.SelectMailbox(Inbox); err != nil {
		return fmt.Errorf("desk %d (%s): select inbox: %w", desk.ID, desk.Name, err)
	}

	uids, err := client.ListUnseenUIDs(p.fetchLimit)
	if err != nil {
		return fmt.Errorf("desk %d (%s): search: %w", desk.ID, desk.Name, err)
	}

	if len(uids) == 0 {
		return nil
	}
	desklog.Infof("Fetching %d unseen messages", len(uids))

	var parseFailures int
	for _, uid := range uids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.processMessage(ctx, client, desk, uid); err != nil {
			parseFailures++
		}
	}
	if parseFailures > 0 {
		desklog.Warnf("Cycle finished with %d skipped messages", parseFailures)
	}

	return nil
}

func (p *Processor) processMessage(ctx context.Context, client imapclient.Client, desk models.Desk, uid uint32) error {
	desklog := logging.Log.WithField("desk_id", desk.ID)

	raw, err := client.FetchRaw(uid)
	if err != nil {
		desklog.Errorf("Error fetching message UID %d: %v", uid, err)
		return err
	}

	email, err := mailparse.Parse(raw)
	if err != nil {
		desklog.Errorf("Error parsing message UID %d, skipping: %v", uid, err)
		return err
	}

	locallog := desklog.WithField("trace_id", email.TraceID)

	ticketID, stage := p.resolver.Resolve(ctx, email, desk.ID)

	result, err := p.mat.Apply(ctx, desk, email, ticketID)
	if err != nil {
		// The message is already marked seen on the server, so its content
		// cannot be re-fetched on the next cycle. Log everything needed for
		// manual reconciliation.
		locallog.WithFields(map[string]interface{}{
			"sender":     email.FromAddress,
			"subject":    email.Subject,
			"message_id": email.MessageID,
		}).Errorf("STORE WRITE FAILED, email content is not recoverable from the mailbox: %v", err)
		return err
	}

	fields := map[string]interface{}{
		"ticket_id":  result.TicketID,
		"message_id": result.MessageID,
	}
	if result.NewTicket {
		locallog.WithFields(fields).Info("Created new ticket")
	} else {
		fields["stage"] = stage
		locallog.WithFields(fields).Info("Appended reply to existing ticket")
	}
	return nil
}
