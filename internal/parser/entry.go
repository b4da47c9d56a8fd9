// Package parser turns raw chat export bytes into structured entries,
// tolerant of locale and device variation.
package parser

import "time"

// Kind discriminates the closed set of entry variants.
type Kind string

const (
	KindMessage    Kind = "message"
	KindSystem     Kind = "system"
	KindParseError Kind = "parse_error"
)

// Media kinds inferred from attachment placeholders.
const (
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaDocument = "document"
)

// Entry is one logical unit extracted from a transcript: a message, a
// system event (no sender), or a parse failure. Entries are produced
// transiently and never persisted directly.
type Entry struct {
	Kind      Kind
	Timestamp time.Time
	Sender    string // empty for system events and parse errors
	Body      string

	// Attachment placeholder data, set only for media messages.
	MediaKind      string
	AttachmentName string

	// Line is the 1-based transcript line the entry started on.
	Line int
}

// IsMedia reports whether the entry references an attachment.
func (e *Entry) IsMedia() bool {
	return e.MediaKind != ""
}
