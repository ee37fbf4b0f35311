package mailparse

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"io"
	"mime"
	stdmail "net/mail"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"helpdesk-mail-engine/internal/logging"
	"helpdesk-mail-engine/internal/models"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// MaxAttachmentSize is the per-attachment size ceiling; larger entries are
// dropped with a logged reason, the message itself is still processed.
const MaxAttachmentSize = 10 << 20 // 10 MiB

// MaxTimestampAge bounds how far in the past a Date header may claim to be
// before the resolved timestamp is replaced by the current time.
const MaxTimestampAge = 2 * 365 * 24 * time.Hour

// Timestamp sources recorded on the normalized email for diagnostics
const (
	SourceHeader      = "header"
	SourceRawHeader   = "raw-header"
	SourceBody        = "body"
	SourceFallbackNow = "fallback-now"
	SourceClamped     = "clamped"
)

var (
	addressRe  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	dateLineRe = regexp.MustCompile(`(?mi)^Date:[ \t]*([^\r\n]+)`)
	filenameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	htmlTagRe  = regexp.MustCompile(`(?s)<[^>]*>`)
)

// Parse turns raw message bytes into a NormalizedEmail, or a parse error when
// the bytes are not a readable MIME message. Malformed individual headers
// degrade to empty values, never to an error.
func Parse(raw []byte) (*models.NormalizedEmail, error) {
	return parseAt(raw, time.Now().UTC())
}

// parseAt allows testing timestamp resolution with a fixed "now"
func parseAt(raw []byte, now time.Time) (*models.NormalizedEmail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		return nil, fmt.Errorf("unreadable message: %w", err)
	}

	email := &models.NormalizedEmail{
		TraceID: uuid.New().String(),
	}

	header := mr.Header

	email.FromName, email.FromAddress = senderFromHeader(header)
	email.Subject = subjectFromHeader(header)
	email.CC = ccFromHeader(header)

	email.MessageID = CleanMessageID(header.Get("Message-Id"))
	if email.MessageID == "" {
		// Stored in the same cleaned form as parsed ids
		email.MessageID = CleanMessageID(SynthesizeMessageID())
		email.SyntheticID = true
		logging.Log.WithFields(map[string]interface{}{
			"trace_id":   email.TraceID,
			"message_id": email.MessageID,
		}).Debug("Message had no Message-ID, synthesized one")
	}
	email.InReplyTo = CleanMessageID(header.Get("In-Reply-To"))
	email.References = SplitMessageIDs(header.Get("References"))

	email.SentAt, email.SentAtSource = resolveTimestamp(header, raw, now, email.TraceID)

	bodyText, htmlBody, attachments := readParts(mr, email.TraceID)
	if bodyText == "" && htmlBody != "" {
		bodyText = stripHTML(htmlBody)
	}
	email.BodyText = bodyText
	email.Attachments = attachments

	return email, nil
}

// SynthesizeMessageID returns a fresh unique id in standard angle-bracket
// form, so every stored message has a stable identifier for future matching.
func SynthesizeMessageID() string {
	return fmt.Sprintf("<%s@generated.invalid>", uuid.NewString())
}

// CleanMessageID strips angle brackets and surrounding whitespace from a
// Message-ID-shaped header value. Multi-id values keep only the first id.
func CleanMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if fields := strings.Fields(id); len(fields) > 0 {
		id = fields[0]
	}
	return strings.Trim(id, "<> \t")
}

// SplitMessageIDs normalizes a References-style header, which may join any
// number of ids with whitespace, into an ordered list of cleaned unique ids.
func SplitMessageIDs(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	// Some clients run ids together without separating whitespace
	value = strings.ReplaceAll(value, "><", "> <")

	var ids []string
	seen := make(map[string]bool)
	for _, field := range strings.Fields(value) {
		id := strings.Trim(field, "<>, \t")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func senderFromHeader(header mail.Header) (string, string) {
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Name), strings.TrimSpace(list[0].Address)
	}
	// Fall back to a regex scan of the raw header value
	return "", addressRe.FindString(header.Get("From"))
}

func subjectFromHeader(header mail.Header) string {
	if subject, err := header.Subject(); err == nil {
		return subject
	}
	if decoded, err := DecodeHeader(header.Get("Subject")); err == nil {
		return decoded
	}
	return header.Get("Subject")
}

// ccFromHeader extracts CC addresses in "Name <address>" form. Duplicates are
// kept; the materializer deduplicates when merging into a ticket.
func ccFromHeader(header mail.Header) []string {
	list, err := header.AddressList("Cc")
	if err != nil {
		// Unparsable list: salvage bare addresses from the raw value
		var cc []string
		for _, addr := range addressRe.FindAllString(header.Get("Cc"), -1) {
			cc = append(cc, addr)
		}
		return cc
	}

	var cc []string
	for _, addr := range list {
		if addr.Address == "" {
			continue
		}
		cc = append(cc, FormatAddress(addr.Name, addr.Address))
	}
	return cc
}

// FormatAddress renders a name/address pair as "Name <address>", or the bare
// address when no display name is present.
func FormatAddress(name, address string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}

// resolveTimestamp cascades through the message's Date header, a raw header
// scan, and a body scan for an embedded Date line, falling back to now. The
// resolved time is then sanity-clamped: anything in the future or more than
// two years old is replaced by now.
func resolveTimestamp(header mail.Header, raw []byte, now time.Time, traceID string) (time.Time, string) {
	sentAt, source := now, SourceFallbackNow

	if date, err := header.Date(); err == nil && !date.IsZero() {
		sentAt, source = date, SourceHeader
	} else if date, ok := scanDateLine(headerSection(raw)); ok {
		sentAt, source = date, SourceRawHeader
	} else if date, ok := scanDateLine(bodySection(raw)); ok {
		sentAt, source = date, SourceBody
	}

	if sentAt.After(now) || sentAt.Before(now.Add(-MaxTimestampAge)) {
		logging.Log.WithFields(map[string]interface{}{
			"trace_id": traceID,
			"source":   source,
			"resolved": sentAt.Format(time.RFC3339),
		}).Warn("Implausible send timestamp, clamping to current time")
		return now, SourceClamped
	}

	if source == SourceFallbackNow {
		logging.Log.WithField("trace_id", traceID).Debug("No usable Date header, using current time")
	}
	return sentAt, source
}

func headerSection(raw []byte) []byte {
	head, _ := splitMessage(raw)
	return head
}

func bodySection(raw []byte) []byte {
	_, body := splitMessage(raw)
	return body
}

func splitMessage(raw []byte) ([]byte, []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i], raw[i+2:]
	}
	return raw, nil
}

func scanDateLine(section []byte) (time.Time, bool) {
	for _, m := range dateLineRe.FindAllSubmatch(section, -1) {
		if date, err := stdmail.ParseDate(strings.TrimSpace(string(m[1]))); err == nil {
			return date, true
		}
	}
	return time.Time{}, false
}

// readParts walks the MIME tree collecting the first text/plain part, the
// first text/html part, and the attachments that pass the size filter.
func readParts(mr *mail.Reader, traceID string) (string, string, []models.Attachment) {
	var bodyText, htmlBody string
	var attachments []models.Attachment

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			logging.Log.WithField("trace_id", traceID).Debugf("Stopping part walk on unreadable part: %v", err)
			break
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, err := h.ContentType()
			if err != nil {
				continue
			}
			body, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			switch {
			case contentType == "text/plain" && bodyText == "":
				bodyText = string(body)
			case contentType == "text/html" && htmlBody == "":
				htmlBody = string(body)
			}
		case *mail.AttachmentHeader:
			if att, ok := readAttachment(p, h, traceID); ok {
				attachments = append(attachments, att)
			}
		}
	}

	return bodyText, htmlBody, attachments
}

func readAttachment(p *mail.Part, h *mail.AttachmentHeader, traceID string) (models.Attachment, bool) {
	filename, _ := h.Filename()
	filename = SanitizeFilename(filename)

	contentType, _, err := h.ContentType()
	if err != nil || contentType == "" {
		contentType = "application/octet-stream"
	}

	content, err := io.ReadAll(io.LimitReader(p.Body, MaxAttachmentSize+1))
	if err != nil {
		logging.Log.WithFields(map[string]interface{}{
			"trace_id": traceID,
			"filename": filename,
		}).Warnf("Dropping attachment, read failed: %v", err)
		return models.Attachment{}, false
	}

	if len(content) == 0 {
		logging.Log.WithFields(map[string]interface{}{
			"trace_id": traceID,
			"filename": filename,
		}).Warn("Dropping attachment with no retrievable content")
		return models.Attachment{}, false
	}

	if len(content) > MaxAttachmentSize {
		logging.Log.WithFields(map[string]interface{}{
			"trace_id": traceID,
			"filename": filename,
			"limit":    MaxAttachmentSize,
		}).Warn("Dropping oversized attachment")
		return models.Attachment{}, false
	}

	sum := sha256.Sum256(content)
	return models.Attachment{
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(content)),
		Content:     content,
		Checksum:    hex.EncodeToString(sum[:]),
	}, true
}

// SanitizeFilename reduces an attachment filename to a safe character set,
// discarding any path components a hostile client may have embedded.
func SanitizeFilename(filename string) string {
	filename = filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	filename = filenameRe.ReplaceAllString(filename, "_")
	filename = strings.Trim(filename, "._")
	if filename == "" {
		return "unnamed"
	}
	return filename
}

// DecodeHeader decodes MIME-encoded headers (e.g., "=?UTF-8?B?...?=") to plain text
func DecodeHeader(encoded string) (string, error) {
	decoder := new(mime.WordDecoder)
	decoded, err := decoder.DecodeHeader(encoded)
	if err != nil {
		return "", err
	}
	return decoded, nil
}

// stripHTML renders an HTML-only body as plain text, well enough for the
// subject/body matching heuristics downstream.
func stripHTML(body string) string {
	text := htmlTagRe.ReplaceAllString(body, " ")
	text = html.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}
