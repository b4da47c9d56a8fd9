package models

// UploadStatus represents the lifecycle state of an upload job.
type UploadStatus string

const (
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusAssembled UploadStatus = "assembled"
	UploadStatusFailed    UploadStatus = "failed"
)

// UploadJob represents a file being assembled from chunks.
// The set of received chunk indices lives in the blob store (one object per
// chunk); ReceivedChunks is a progress counter, not the completion authority.
type UploadJob struct {
	ID             UUID         `db:"id" json:"id"`
	Filename       string       `db:"filename" json:"filename"`
	FileSize       int64        `db:"file_size" json:"file_size"`
	ChunkCount     int          `db:"chunk_count" json:"chunk_count"`
	ReceivedChunks int          `db:"received_chunks" json:"received_chunks"`
	StorageKey     string       `db:"storage_key" json:"storage_key,omitempty"` // set once assembled
	Status         UploadStatus `db:"status" json:"status"`
	CreatedAt      int64        `db:"created_at" json:"created_at"`
	UpdatedAt      int64        `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for UploadJob.
func (UploadJob) TableName() string {
	return "upload_jobs"
}

// Assembled reports whether the upload has been fully reassembled.
func (j *UploadJob) Assembled() bool {
	return j.Status == UploadStatusAssembled
}
