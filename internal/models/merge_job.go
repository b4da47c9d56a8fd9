package models

// MergeStatus represents the lifecycle state of a merge job.
// analyzed is the resting state between analysis and caller-confirmed
// execution; failed and cancelled are reachable from any non-terminal state.
type MergeStatus string

const (
	MergeStatusPending   MergeStatus = "pending"
	MergeStatusAnalyzing MergeStatus = "analyzing"
	MergeStatusAnalyzed  MergeStatus = "analyzed"
	MergeStatusMerging   MergeStatus = "merging"
	MergeStatusCompleted MergeStatus = "completed"
	MergeStatusFailed    MergeStatus = "failed"
	MergeStatusCancelled MergeStatus = "cancelled"
)

// Terminal reports whether the status is terminal.
func (s MergeStatus) Terminal() bool {
	return s == MergeStatusCompleted || s == MergeStatusFailed || s == MergeStatusCancelled
}

// MergeJob tracks one reconciliation run of a new export against an
// existing conversation. Merges are append-only: duplicates are skipped,
// nothing is ever updated or deleted.
type MergeJob struct {
	ID                   UUID        `db:"id" json:"id"`
	UploadJobID          UUID        `db:"upload_job_id" json:"upload_job_id"`
	TargetConversationID UUID        `db:"target_conversation_id" json:"target_conversation_id"`
	Status               MergeStatus `db:"status" json:"status"`
	TotalMessages        int         `db:"total_messages" json:"total_messages"`
	DuplicateMessages    int         `db:"duplicate_messages" json:"duplicate_messages"`
	NewMessages          int         `db:"new_messages" json:"new_messages"`
	NewAttachments       int         `db:"new_attachments" json:"new_attachments"`
	NewParticipants      int         `db:"new_participants" json:"new_participants"`
	ProcessedMessages    int         `db:"processed_messages" json:"processed_messages"`
	ProcessedMedia       int         `db:"processed_media" json:"processed_media"`
	ErrorMessage         string      `db:"error_message" json:"error_message,omitempty"`
	CreatedAt            int64       `db:"created_at" json:"created_at"`
	UpdatedAt            int64       `db:"updated_at" json:"updated_at"`
	CompletedAt          int64       `db:"completed_at" json:"completed_at,omitempty"`
}

// TableName returns the table name for MergeJob.
func (MergeJob) TableName() string {
	return "merge_jobs"
}

// ProgressPercent computes execution progress against the analyzed
// new-message count.
func (j *MergeJob) ProgressPercent() float64 {
	switch j.Status {
	case MergeStatusCompleted:
		return 100
	case MergeStatusPending, MergeStatusAnalyzing:
		return 0
	case MergeStatusAnalyzed:
		return 0
	}
	if j.NewMessages == 0 {
		return 100
	}
	pct := float64(j.ProcessedMessages) / float64(j.NewMessages) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
