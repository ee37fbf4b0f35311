package imap

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

type StandardClient struct {
	client  *client.Client
	timeout time.Duration
}

// NewStandardClient creates a new StandardClient with the given timeout for IMAP
// operations. Remote providers can be slow to complete a TLS handshake, so the
// timeout should be generous (tens of seconds).
func NewStandardClient(timeout time.Duration) *StandardClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StandardClient{
		timeout: timeout,
	}
}

// Connect establishes a connection to the IMAP server. With useTLS the session
// is opened over implicit TLS; otherwise a plain connection is upgraded via
// STARTTLS. It returns an error if the connection fails.
func (c *StandardClient) Connect(addr string, useTLS bool) error {
	var cl *client.Client
	var err error

	if useTLS {
		cl, err = client.DialTLS(addr, nil)
	} else {
		cl, err = client.Dial(addr)
		if err == nil {
			err = cl.StartTLS(nil)
		}
	}
	if err != nil {
		return fmt.Errorf("IMAP connection error: %w", err)
	}

	cl.Timeout = c.timeout
	c.client = cl
	return nil
}

// Login authenticates the session with the mailbox credentials. It returns an
// error if authentication fails or if there is no active connection.
func (c *StandardClient) Login(user, password string) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	return c.client.Login(user, password)
}

// SelectMailbox selects the specified mailbox (e.g., "INBOX") for subsequent
// operations. It returns an error if the mailbox cannot be selected or if there
// is no active connection.
func (c *StandardClient) SelectMailbox(name string) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	_, err := c.client.Select(name, false)
	return err
}

// ListUnseenUIDs retrieves the UIDs of unseen messages in the selected mailbox,
// capped at limit to bound memory use when a backlog has built up. It returns an
// error if the search operation fails or if there is no active connection.
func (c *StandardClient) ListUnseenUIDs(limit int) ([]uint32, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("error searching for unseen messages: %w", err)
	}

	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	return uids, nil
}

// FetchRaw retrieves the full raw content of the message with the specified
// UID. The fetch reads BODY[] without PEEK, so the server marks the message as
// seen as a side effect; a message cannot be re-fetched after a failure later
// in the cycle. It returns an error if the fetch fails, if there is no active
// connection, or if no message is retrieved for the given UID.
func (c *StandardClient) FetchRaw(uid uint32) ([]byte, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchInternalDate, imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- c.client.UidFetch(seqSet, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		msg = m
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("error fetching message UID %d: %w", uid, err)
	}

	if msg == nil {
		return nil, fmt.Errorf("no message retrieved for UID %d", uid)
	}

	r := msg.GetBody(section)
	if r == nil {
		return nil, fmt.Errorf("no body section for UID %d", uid)
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading message UID %d: %w", uid, err)
	}
	return raw, nil
}

// Close logs out from the IMAP server and closes the connection. It returns an
// error if the logout operation fails. If there is no active connection, it
// simply returns nil.
func (c *StandardClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Logout()
}
