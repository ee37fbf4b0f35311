package models

import "time"

// NormalizedEmail represents a parsed incoming email in the shape the
// threading resolver and materializer operate on. It lives for one fetch
// cycle and is never persisted directly.
type NormalizedEmail struct {
	FromName    string
	FromAddress string
	Subject     string
	BodyText    string
	Attachments []Attachment

	// Threading headers, extracted verbatim. MessageID is never empty:
	// a synthesized id is generated when the client omitted one.
	MessageID     string
	SyntheticID   bool
	InReplyTo     string
	References    []string

	// Best-effort send time and which source produced it
	// ("header", "raw-header", "body", "fallback-now", "clamped").
	SentAt       time.Time
	SentAtSource string

	CC      []string
	TraceID string
}

// Attachment represents one retained email attachment
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
	Checksum    string
}
