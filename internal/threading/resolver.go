package threading

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"helpdesk-mail-engine/internal/logging"
	"helpdesk-mail-engine/internal/mailparse"
	"helpdesk-mail-engine/internal/models"
	"helpdesk-mail-engine/internal/store"
)

// Bounds on the fuzzy id matcher. Ids shorter than MinFuzzyIDLength are
// excluded from fuzzy comparison to avoid spurious hits; FuzzyPrefixLength
// is how much of either id must appear in the other. Both thresholds are
// provisional against real-world mangled-header samples.
const (
	FuzzyWindowSize   = 1000
	FuzzyPrefixLength = 12
	MinFuzzyIDLength  = 8
)

// SubjectLookback is how many of the sender's most recent tickets the
// subject-similarity fallback searches.
const SubjectLookback = 5

// Store is the read-only view of the ticket store the resolver needs
type Store interface {
	FindMessageByMessageID(ctx context.Context, messageID string) (*store.MessageRef, error)
	ListRecentMessageRefs(ctx context.Context, limit int) ([]store.MessageRef, error)
	FindDeskTicketByID(ctx context.Context, deskID, id int) (*models.Ticket, error)
	ListRecentTicketsByCustomer(ctx context.Context, deskID int, email string, limit int) ([]models.Ticket, error)
}

// Resolver maps a normalized email to the ticket it continues, or to 0 when
// a new ticket should be created. Matching is an ordered cascade: id-based
// stages first because intact threading headers are authoritative, then
// increasingly conservative subject/body heuristics, because a false "new
// ticket" is preferable to merging unrelated conversations.
type Resolver struct {
	store    Store
	matchers []matcher
}

type matcher struct {
	name string
	fn   func(ctx context.Context, email *models.NormalizedEmail, deskID int) int
}

// NewResolver creates a Resolver backed by the given store
func NewResolver(st Store) *Resolver {
	r := &Resolver{store: st}
	r.matchers = []matcher{
		{"in-reply-to", r.matchInReplyTo},
		{"references", r.matchReferences},
		{"fuzzy-id", r.matchFuzzyID},
		{"subject-marker", r.matchSubjectMarker},
		{"body-marker", r.matchBodyMarker},
		{"subject-similarity", r.matchSubjectSimilarity},
	}
	return r
}

// Resolve runs the cascade and returns the matched ticket id and the name of
// the stage that matched, or (0, "") when the email starts a new conversation.
// Malformed headers degrade to "no match at this stage", never to an error.
func (r *Resolver) Resolve(ctx context.Context, email *models.NormalizedEmail, deskID int) (int, string) {
	for _, m := range r.matchers {
		if ticketID := m.fn(ctx, email, deskID); ticketID != 0 {
			logging.Log.WithFields(map[string]interface{}{
				"trace_id":  email.TraceID,
				"stage":     m.name,
				"ticket_id": ticketID,
				"desk_id":   deskID,
			}).Info("Resolved email to existing ticket")
			return ticketID, m.name
		}
	}

	logging.Log.WithFields(map[string]interface{}{
		"trace_id": email.TraceID,
		"desk_id":  deskID,
	}).Info("No existing conversation matched, creating new ticket")
	return 0, ""
}

// matchInReplyTo looks up a stored message whose Message-ID equals the
// incoming In-Reply-To.
func (r *Resolver) matchInReplyTo(ctx context.Context, email *models.NormalizedEmail, _ int) int {
	id := mailparse.CleanMessageID(email.InReplyTo)
	if id == "" {
		return 0
	}
	return r.ticketByMessageID(ctx, email.TraceID, id)
}

// matchReferences tries every id in the References list against stored
// Message-IDs; first hit wins.
func (r *Resolver) matchReferences(ctx context.Context, email *models.NormalizedEmail, _ int) int {
	for _, ref := range email.References {
		id := mailparse.CleanMessageID(ref)
		if id == "" {
			continue
		}
		if ticketID := r.ticketByMessageID(ctx, email.TraceID, id); ticketID != 0 {
			return ticketID
		}
	}
	return 0
}

func (r *Resolver) ticketByMessageID(ctx context.Context, traceID, id string) int {
	ref, err := r.store.FindMessageByMessageID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	if err != nil {
		logging.Log.WithField("trace_id", traceID).Errorf("Message-ID lookup failed for %q: %v", id, err)
		return 0
	}
	return ref.TicketID
}

// matchFuzzyID compares the incoming ids against a bounded window of recent
// stored Message-IDs, accepting substantial prefix overlap to tolerate
// clients that truncate or otherwise mangle ids.
func (r *Resolver) matchFuzzyID(ctx context.Context, email *models.NormalizedEmail, _ int) int {
	candidates := make([]string, 0, len(email.References)+1)
	if id := mailparse.CleanMessageID(email.InReplyTo); len(id) >= MinFuzzyIDLength {
		candidates = append(candidates, id)
	}
	for _, ref := range email.References {
		if id := mailparse.CleanMessageID(ref); len(id) >= MinFuzzyIDLength {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return 0
	}

	refs, err := r.store.ListRecentMessageRefs(ctx, FuzzyWindowSize)
	if err != nil {
		logging.Log.WithField("trace_id", email.TraceID).Errorf("Recent message window load failed: %v", err)
		return 0
	}

	for _, stored := range refs {
		storedID := mailparse.CleanMessageID(stored.MessageID)
		for _, candidate := range candidates {
			if fuzzyIDMatch(candidate, storedID) {
				return stored.TicketID
			}
		}
	}
	return 0
}

// fuzzyIDMatch reports whether the first FuzzyPrefixLength characters of
// either id are contained in the other. Ids below MinFuzzyIDLength never match.
func fuzzyIDMatch(a, b string) bool {
	if len(a) < MinFuzzyIDLength || len(b) < MinFuzzyIDLength {
		return false
	}
	return strings.Contains(b, prefixOf(a)) || strings.Contains(a, prefixOf(b))
}

func prefixOf(id string) string {
	if len(id) > FuzzyPrefixLength {
		return id[:FuzzyPrefixLength]
	}
	return id
}

var ticketMarkerRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[ticket #(\d+)\]`),
	regexp.MustCompile(`(?i)\bticket #(\d+)`),
	regexp.MustCompile(`\[#(\d+)\]`),
}

// matchSubjectMarker scans the subject for an explicit ticket marker such as
// "[Ticket #42]", "Ticket #42" or "[#42]".
func (r *Resolver) matchSubjectMarker(ctx context.Context, email *models.NormalizedEmail, deskID int) int {
	return r.matchMarker(ctx, email, deskID, email.Subject)
}

// matchBodyMarker applies the same marker scan to the plain-text body.
func (r *Resolver) matchBodyMarker(ctx context.Context, email *models.NormalizedEmail, deskID int) int {
	return r.matchMarker(ctx, email, deskID, email.BodyText)
}

func (r *Resolver) matchMarker(ctx context.Context, email *models.NormalizedEmail, deskID int, text string) int {
	ticketID := ExtractTicketMarker(text)
	if ticketID == 0 {
		return 0
	}

	ticket, err := r.store.FindDeskTicketByID(ctx, deskID, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	if err != nil {
		logging.Log.WithField("trace_id", email.TraceID).Errorf("Ticket lookup failed for marker #%d: %v", ticketID, err)
		return 0
	}
	return ticket.ID
}

// ExtractTicketMarker returns the ticket id named by the first recognized
// ticket marker in the text, or 0 when none is present.
func ExtractTicketMarker(text string) int {
	for _, re := range ticketMarkerRes {
		if m := re.FindStringSubmatch(text); m != nil {
			if id, err := strconv.Atoi(m[1]); err == nil && id > 0 {
				return id
			}
		}
	}
	return 0
}

var replyPrefixRe = regexp.MustCompile(`(?i)^(re|fwd?|aw)\s*:\s*`)

// matchSubjectSimilarity strips leading reply markers to recover the presumed
// original subject, then searches the sender's most recent tickets for an
// exact subject match. Intentionally exact only, no fuzzy subject matching.
func (r *Resolver) matchSubjectSimilarity(ctx context.Context, email *models.NormalizedEmail, deskID int) int {
	stripped, wasReply := StripReplyPrefixes(email.Subject)
	if !wasReply || stripped == "" || email.FromAddress == "" {
		return 0
	}

	tickets, err := r.store.ListRecentTicketsByCustomer(ctx, deskID, email.FromAddress, SubjectLookback)
	if err != nil {
		logging.Log.WithField("trace_id", email.TraceID).Errorf("Recent ticket lookup failed for %s: %v", email.FromAddress, err)
		return 0
	}

	for _, t := range tickets {
		if t.Subject == stripped {
			return t.ID
		}
	}
	return 0
}

// StripReplyPrefixes removes all leading "Re:"/"Fwd:" style markers and
// reports whether at least one was present.
func StripReplyPrefixes(subject string) (string, bool) {
	subject = strings.TrimSpace(subject)
	stripped := false
	for {
		next := replyPrefixRe.ReplaceAllString(subject, "")
		if next == subject {
			break
		}
		subject = strings.TrimSpace(next)
		stripped = true
	}
	return subject, stripped
}
