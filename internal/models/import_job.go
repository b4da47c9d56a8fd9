package models

// ImportStatus represents the lifecycle state of an import job.
// Transitions are monotonic; a terminal status is never left.
type ImportStatus string

const (
	ImportStatusPending    ImportStatus = "pending"
	ImportStatusProcessing ImportStatus = "processing"
	ImportStatusCompleted  ImportStatus = "completed"
	ImportStatusFailed     ImportStatus = "failed"
	ImportStatusCancelled  ImportStatus = "cancelled"
)

// Terminal reports whether the status is terminal.
func (s ImportStatus) Terminal() bool {
	return s == ImportStatusCompleted || s == ImportStatusFailed || s == ImportStatusCancelled
}

// ImportJob tracks one ingestion run from "file ready" to completed/failed.
type ImportJob struct {
	ID                UUID         `db:"id" json:"id"`
	UploadJobID       UUID         `db:"upload_job_id" json:"upload_job_id"`
	ConversationID    UUID         `db:"conversation_id" json:"conversation_id,omitempty"` // empty until resolved
	Status            ImportStatus `db:"status" json:"status"`
	TotalMessages     int          `db:"total_messages" json:"total_messages"`
	ProcessedMessages int          `db:"processed_messages" json:"processed_messages"`
	TotalMedia        int          `db:"total_media" json:"total_media"`
	ProcessedMedia    int          `db:"processed_media" json:"processed_media"`
	ParseErrors       int          `db:"parse_errors" json:"parse_errors"`
	ErrorMessage      string       `db:"error_message" json:"error_message,omitempty"`
	CreatedAt         int64        `db:"created_at" json:"created_at"`
	UpdatedAt         int64        `db:"updated_at" json:"updated_at"`
	CompletedAt       int64        `db:"completed_at" json:"completed_at,omitempty"`
}

// TableName returns the table name for ImportJob.
func (ImportJob) TableName() string {
	return "import_jobs"
}

// ProgressPercent computes overall progress. The upload phase is accounted
// separately by the caller; within processing, messages weight 80% and media
// the remaining 20%.
func (j *ImportJob) ProgressPercent() float64 {
	switch j.Status {
	case ImportStatusCompleted:
		return 100
	case ImportStatusPending:
		return 0
	}
	var pct float64
	if j.TotalMessages > 0 {
		pct += float64(j.ProcessedMessages) / float64(j.TotalMessages) * 80
	}
	if j.TotalMedia > 0 {
		pct += float64(j.ProcessedMedia) / float64(j.TotalMedia) * 20
	} else if j.TotalMessages > 0 {
		pct += float64(j.ProcessedMessages) / float64(j.TotalMessages) * 20
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}
