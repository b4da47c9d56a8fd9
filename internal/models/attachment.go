package models

// Attachment represents a media blob linked to a message.
// An attachment row is only created once its owning message id is known.
type Attachment struct {
	ID               UUID   `db:"id" json:"id"`
	MessageID        UUID   `db:"message_id" json:"message_id"`
	StorageKey       string `db:"storage_key" json:"storage_key"`
	ThumbnailKey     string `db:"thumbnail_key" json:"thumbnail_key,omitempty"`
	MediaKind        string `db:"media_kind" json:"media_kind"` // image, video, audio, document
	MimeType         string `db:"mime_type" json:"mime_type"`
	FileSize         int64  `db:"file_size" json:"file_size"`
	OriginalFilename string `db:"original_filename" json:"original_filename"`
	Digest           string `db:"digest" json:"digest"` // bounded-prefix content digest for dedup
	CreatedAt        int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Attachment.
func (Attachment) TableName() string {
	return "attachments"
}
