package emailprocessor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	imapclient "helpdesk-mail-engine/internal/imap"
	"helpdesk-mail-engine/internal/mailparse"
	"helpdesk-mail-engine/internal/materialize"
	"helpdesk-mail-engine/internal/models"
	"helpdesk-mail-engine/internal/store"
	"helpdesk-mail-engine/internal/threading"
)

// fakeMailbox is an in-memory imap.Client
type fakeMailbox struct {
	messages    map[uint32][]byte
	failConnect bool
	failLogin   bool
	fetched     []uint32
	closed      bool
}

func (f *fakeMailbox) Connect(string, bool) error {
	if f.failConnect {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeMailbox) Login(string, string) error {
	if f.failLogin {
		return errors.New("authentication failed")
	}
	return nil
}

func (f *fakeMailbox) SelectMailbox(string) error { return nil }

func (f *fakeMailbox) ListUnseenUIDs(limit int) ([]uint32, error) {
	var uids []uint32
	for uid := range f.messages {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	return uids, nil
}

func (f *fakeMailbox) FetchRaw(uid uint32) ([]byte, error) {
	raw, ok := f.messages[uid]
	if !ok {
		return nil, fmt.Errorf("no message for UID %d", uid)
	}
	f.fetched = append(f.fetched, uid)
	return raw, nil
}

func (f *fakeMailbox) Close() error {
	f.closed = true
	return nil
}

// fakeStore backs both the resolver and the materializer, and indexes
// inserted messages by Message-ID so later cycles can thread against them.
type fakeStore struct {
	tickets       map[int]*models.Ticket
	messages      []*models.Message
	byMessageID   map[string]int
	attachments   map[int][]models.Attachment
	agents        []models.Agent
	nextTicketID  int
	nextMessageID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tickets:       make(map[int]*models.Ticket),
		byMessageID:   make(map[string]int),
		attachments:   make(map[int][]models.Attachment),
		nextTicketID:  100,
		nextMessageID: 1000,
	}
}

func (f *fakeStore) FindMessageByMessageID(_ context.Context, messageID string) (*store.MessageRef, error) {
	if ticketID, ok := f.byMessageID[messageID]; ok {
		return &store.MessageRef{MessageID: messageID, TicketID: ticketID}, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListRecentMessageRefs(_ context.Context, limit int) ([]store.MessageRef, error) {
	var refs []store.MessageRef
	for id, ticketID := range f.byMessageID {
		refs = append(refs, store.MessageRef{MessageID: id, TicketID: ticketID})
		if len(refs) == limit {
			break
		}
	}
	return refs, nil
}

func (f *fakeStore) FindTicketByID(_ context.Context, id int) (*models.Ticket, error) {
	t, ok := f.tickets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeStore) FindDeskTicketByID(ctx context.Context, deskID, id int) (*models.Ticket, error) {
	t, err := f.FindTicketByID(ctx, id)
	if err != nil || t.DeskID != deskID {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) ListRecentTicketsByCustomer(_ context.Context, deskID int, email string, limit int) ([]models.Ticket, error) {
	var out []models.Ticket
	for _, t := range f.tickets {
		if t.DeskID == deskID && t.CustomerEmail == email {
			out = append(out, *t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ListDeskAgents(_ context.Context, _ int) ([]models.Agent, error) {
	return f.agents, nil
}

func (f *fakeStore) FindMostRecentAssignment(_ context.Context, _ int, _ []int) (int, error) {
	return 0, nil
}

func (f *fakeStore) InsertTicket(_ context.Context, t *models.Ticket) (int, error) {
	f.nextTicketID++
	copied := *t
	copied.ID = f.nextTicketID
	f.tickets[copied.ID] = &copied
	return copied.ID, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, m *models.Message) (int, error) {
	f.nextMessageID++
	copied := *m
	copied.ID = f.nextMessageID
	f.messages = append(f.messages, &copied)
	if copied.MessageID != "" {
		f.byMessageID[copied.MessageID] = copied.TicketID
	}
	return copied.ID, nil
}

func (f *fakeStore) InsertAttachment(_ context.Context, messageID int, att models.Attachment) error {
	f.attachments[messageID] = append(f.attachments[messageID], att)
	return nil
}

func (f *fakeStore) UpdateTicket(_ context.Context, id int, update store.TicketUpdate) error {
	t, ok := f.tickets[id]
	if !ok {
		return store.ErrNotFound
	}
	if update.UpdatedAt != nil {
		t.UpdatedAt = *update.UpdatedAt
	}
	if update.Status != nil {
		t.Status = *update.Status
	}
	if update.CC != nil {
		t.CC = *update.CC
	}
	if update.ClearResolvedAt {
		t.ResolvedAt = nil
	}
	return nil
}

func newProcessor(mailbox *fakeMailbox, st *fakeStore) *Processor {
	return NewProcessor(
		func() imapclient.Client { return mailbox },
		threading.NewResolver(st),
		materialize.NewMaterializer(st),
		10,
	)
}

var testDesk = models.Desk{ID: 1, Name: "Support", Host: "imap.example.com", Port: 993, UseTLS: true}

func rawEmail(headers, subject, body string) []byte {
	date := time.Now().Add(-30 * time.Minute).Format(time.RFC1123Z)
	return []byte("From: Alice Smith <alice@example.com>\r\n" +
		"To: support@desk.example\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: " + date + "\r\n" +
		headers +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		body + "\r\n")
}

func TestFreshInboxCreatesTicket(t *testing.T) {
	mailbox := &fakeMailbox{messages: map[uint32][]byte{
		1: rawEmail("Message-Id: <first@mail.example>\r\n", "Order question", "Where is my order?"),
	}}
	st := newFakeStore()

	err := newProcessor(mailbox, st).RunCycle(context.Background(), testDesk)
	require.NoError(t, err)

	require.Len(t, st.tickets, 1)
	require.Len(t, st.messages, 1)
	for _, ticket := range st.tickets {
		assert.Equal(t, models.StatusOpen, ticket.Status)
		assert.Equal(t, "Order question", ticket.Subject)
		assert.Equal(t, testDesk.ID, ticket.DeskID)
	}
	assert.True(t, mailbox.closed, "session must be closed after the cycle")
}

func TestReplyReopensClosedTicket(t *testing.T) {
	st := newFakeStore()
	resolved := time.Now().Add(-24 * time.Hour)
	st.tickets[50] = &models.Ticket{
		ID: 50, DeskID: 1, Status: models.StatusClosed,
		Subject: "Broken printer", CustomerEmail: "alice@example.com",
		ResolvedAt: &resolved,
	}
	st.byMessageID["orig@mail.example"] = 50

	mailbox := &fakeMailbox{messages: map[uint32][]byte{
		1: rawEmail(
			"Message-Id: <reply@mail.example>\r\nIn-Reply-To: <orig@mail.example>\r\n",
			"Re: Broken printer", "It broke again."),
	}}

	err := newProcessor(mailbox, st).RunCycle(context.Background(), testDesk)
	require.NoError(t, err)

	ticket := st.tickets[50]
	assert.Equal(t, models.StatusOpen, ticket.Status, "closed ticket must reopen on inbound reply")
	assert.Nil(t, ticket.ResolvedAt)
	require.Len(t, st.messages, 1)
	assert.Equal(t, 50, st.messages[0].TicketID)
	assert.True(t, ticket.UpdatedAt.Equal(st.messages[0].CreatedAt), "updatedAt must follow the reply's timestamp")
}

func TestReplySubjectFallback(t *testing.T) {
	st := newFakeStore()
	st.tickets[60] = &models.Ticket{
		ID: 60, DeskID: 1, Status: models.StatusOpen,
		Subject: "Shipping delay", CustomerEmail: "alice@example.com",
	}

	mailbox := &fakeMailbox{messages: map[uint32][]byte{
		1: rawEmail("Message-Id: <late@mail.example>\r\n", "Re: Shipping delay", "Any update?"),
	}}

	err := newProcessor(mailbox, st).RunCycle(context.Background(), testDesk)
	require.NoError(t, err)

	require.Len(t, st.tickets, 1, "no new ticket must be created")
	require.Len(t, st.messages, 1)
	assert.Equal(t, 60, st.messages[0].TicketID)
}

func TestOversizedAttachmentDroppedMessageKept(t *testing.T) {
	date := time.Now().Add(-30 * time.Minute).Format(time.RFC1123Z)
	var buf bytes.Buffer
	buf.WriteString("From: Alice Smith <alice@example.com>\r\n")
	buf.WriteString("Subject: Big file\r\n")
	buf.WriteString("Date: " + date + "\r\n")
	buf.WriteString("Message-Id: <big@mail.example>\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: multipart/mixed; boundary=BIGBOUNDARY\r\n\r\n")
	buf.WriteString("--BIGBOUNDARY\r\nContent-Type: text/plain\r\n\r\nFile attached.\r\n")
	buf.WriteString("--BIGBOUNDARY\r\n")
	buf.WriteString("Content-Type: application/octet-stream\r\n")
	buf.WriteString("Content-Disposition: attachment; filename=\"dump.bin\"\r\n\r\n")
	buf.Write(bytes.Repeat([]byte("x"), 15<<20)) // 15 MiB, over the cap
	buf.WriteString("\r\n--BIGBOUNDARY--\r\n")

	mailbox := &fakeMailbox{messages: map[uint32][]byte{1: buf.Bytes()}}
	st := newFakeStore()

	err := newProcessor(mailbox, st).RunCycle(context.Background(), testDesk)
	require.NoError(t, err)

	require.Len(t, st.messages, 1, "message must still be created")
	for _, atts := range st.attachments {
		assert.Empty(t, atts)
	}
}

func TestParseFailureSkipsMessageAndContinues(t *testing.T) {
	mailbox := &fakeMailbox{messages: map[uint32][]byte{
		1: []byte("totally not an email"),
		2: rawEmail("Message-Id: <ok@mail.example>\r\n", "Valid one", "hello"),
	}}
	st := newFakeStore()

	err := newProcessor(mailbox, st).RunCycle(context.Background(), testDesk)
	require.NoError(t, err, "a single bad message must not abort the cycle")
	assert.Len(t, st.messages, 1, "the valid message must still land")
}

func TestConnectFailureIsDeskScoped(t *testing.T) {
	mailbox := &fakeMailbox{failConnect: true}
	st := newFakeStore()

	err := newProcessor(mailbox, st).RunCycle(context.Background(), testDesk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "desk 1", "error must identify the desk")
	assert.Empty(t, st.messages)
}

func TestLoginFailureAbortsCycle(t *testing.T) {
	mailbox := &fakeMailbox{
		failLogin: true,
		messages:  map[uint32][]byte{1: rawEmail("", "never fetched", "x")},
	}
	st := newFakeStore()

	err := newProcessor(mailbox, st).RunCycle(context.Background(), testDesk)
	require.Error(t, err)
	assert.Empty(t, mailbox.fetched, "no fetch may happen after a failed login")
}

func TestFetchLimitCapsCycle(t *testing.T) {
	messages := make(map[uint32][]byte)
	for i := uint32(1); i <= 25; i++ {
		messages[i] = rawEmail(fmt.Sprintf("Message-Id: <m%d@mail.example>\r\n", i), fmt.Sprintf("Msg %d", i), "body")
	}
	mailbox := &fakeMailbox{messages: messages}
	st := newFakeStore()

	processor := NewProcessor(
		func() imapclient.Client { return mailbox },
		threading.NewResolver(st),
		materialize.NewMaterializer(st),
		10,
	)

	err := processor.RunCycle(context.Background(), testDesk)
	require.NoError(t, err)
	assert.Len(t, mailbox.fetched, 10, "at most 10 messages per cycle")
}

func TestSecondMessageThreadsAgainstFirst(t *testing.T) {
	st := newFakeStore()

	first := &fakeMailbox{messages: map[uint32][]byte{
		1: rawEmail("Message-Id: <first@mail.example>\r\n", "Order question", "Where is my order?"),
	}}
	require.NoError(t, newProcessor(first, st).RunCycle(context.Background(), testDesk))
	require.Len(t, st.tickets, 1)

	second := &fakeMailbox{messages: map[uint32][]byte{
		1: rawEmail(
			"Message-Id: <second@mail.example>\r\nReferences: <first@mail.example>\r\n",
			"Re: Order question", "Still waiting."),
	}}
	require.NoError(t, newProcessor(second, st).RunCycle(context.Background(), testDesk))

	assert.Len(t, st.tickets, 1, "the reply must join the existing conversation")
	assert.Len(t, st.messages, 2)
	assert.Equal(t, st.messages[0].TicketID, st.messages[1].TicketID)
}

// Guard against the synthesized-id path regressing: a message with no
// Message-ID at all still gets stored with a usable identifier.
func TestMissingMessageIDStoredWithSynthesizedID(t *testing.T) {
	mailbox := &fakeMailbox{messages: map[uint32][]byte{
		1: rawEmail("", "No id here", "body"),
	}}
	st := newFakeStore()

	err := newProcessor(mailbox, st).RunCycle(context.Background(), testDesk)
	require.NoError(t, err)
	require.Len(t, st.messages, 1)
	assert.NotEmpty(t, st.messages[0].MessageID)
}

// Sanity-check that the parser and resolver agree on id cleaning end to end
func TestCleanedIDsRoundTrip(t *testing.T) {
	id := mailparse.CleanMessageID("<round@trip.example>")
	assert.Equal(t, "round@trip.example", id)
}
