package models

// participantColors are assigned round-robin as senders are first seen.
var participantColors = []string{
	"#25D366", // green
	"#34B7F1", // blue
	"#9C27B0", // purple
	"#FF5722", // deep orange
	"#00BCD4", // cyan
	"#E91E63", // pink
	"#3F51B5", // indigo
	"#FF9800", // orange
	"#009688", // teal
	"#795548", // brown
	"#607D8B", // blue grey
	"#8BC34A", // light green
}

// Participant represents a sender within a conversation.
// Name is unique per conversation.
type Participant struct {
	ID             UUID   `db:"id" json:"id"`
	ConversationID UUID   `db:"conversation_id" json:"conversation_id"`
	Name           string `db:"name" json:"name"`
	Color          string `db:"color" json:"color"`
	MessageCount   int    `db:"message_count" json:"message_count"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Participant.
func (Participant) TableName() string {
	return "participants"
}

// ParticipantColor returns the display color for the n-th participant.
func ParticipantColor(index int) string {
	if index < 0 {
		index = -index
	}
	return participantColors[index%len(participantColors)]
}
