package models

import "time"

// MessageKind classifies a durable chat entry.
type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindImage    MessageKind = "image"
	MessageKindVideo    MessageKind = "video"
	MessageKindAudio    MessageKind = "audio"
	MessageKindDocument MessageKind = "document"
	MessageKindSystem   MessageKind = "system"
)

// Message represents a durable chat entry.
// Messages are immutable once written; merges never mutate or delete them.
type Message struct {
	ID             UUID        `db:"id" json:"id"`
	ConversationID UUID        `db:"conversation_id" json:"conversation_id"`
	ParticipantID  UUID        `db:"participant_id" json:"participant_id,omitempty"` // empty for system events
	SenderName     string      `db:"sender_name" json:"sender_name"`
	Body           string      `db:"body" json:"body"`
	Kind           MessageKind `db:"kind" json:"kind"`
	Timestamp      int64       `db:"timestamp" json:"timestamp"`
	HasAttachment  bool        `db:"has_attachment" json:"has_attachment"`
	Fingerprint    string      `db:"fingerprint" json:"fingerprint"`
	CreatedAt      int64       `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Message.
func (Message) TableName() string {
	return "messages"
}

// Time returns the message timestamp as time.Time.
func (m *Message) Time() time.Time {
	return unixTime(m.Timestamp)
}

// IsSystem reports whether the message is a system event.
func (m *Message) IsSystem() bool {
	return m.Kind == MessageKindSystem
}
