package db

import (
	"database/sql"
	"time"

	"github.com/kimhsiao/chatvault/backend/internal/models"
	"github.com/kimhsiao/chatvault/backend/internal/uuid"
)

// =====================================================
// UploadJob Operations
// =====================================================

// CreateUploadJob creates a new upload job.
func (r *Repository) CreateUploadJob(j *models.UploadJob) error {
	now := time.Now().Unix()
	j.ID = models.UUID(uuid.New())
	j.CreatedAt = now
	j.UpdatedAt = now

	query := `
	INSERT INTO upload_jobs (id, filename, file_size, chunk_count, received_chunks,
		storage_key, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, j.ID, j.Filename, j.FileSize, j.ChunkCount,
		j.ReceivedChunks, j.StorageKey, j.Status, j.CreatedAt, j.UpdatedAt)
	return err
}

// GetUploadJob retrieves an upload job by ID.
func (r *Repository) GetUploadJob(id string) (*models.UploadJob, error) {
	query := `
	SELECT id, filename, file_size, chunk_count, received_chunks, storage_key,
		   status, created_at, updated_at
	FROM upload_jobs WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	var j models.UploadJob
	err = stmt.QueryRow(id).Scan(&j.ID, &j.Filename, &j.FileSize, &j.ChunkCount,
		&j.ReceivedChunks, &j.StorageKey, &j.Status, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateUploadJob persists mutable upload job fields.
func (r *Repository) UpdateUploadJob(j *models.UploadJob) error {
	j.UpdatedAt = time.Now().Unix()
	query := `
	UPDATE upload_jobs
	SET received_chunks = ?, storage_key = ?, status = ?, updated_at = ?
	WHERE id = ?
	`
	result, err := r.db.Exec(query, j.ReceivedChunks, j.StorageKey, j.Status,
		j.UpdatedAt, j.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// =====================================================
// ImportJob Operations
// =====================================================

// CreateImportJob creates a new import job.
func (r *Repository) CreateImportJob(j *models.ImportJob) error {
	now := time.Now().Unix()
	j.ID = models.UUID(uuid.New())
	j.CreatedAt = now
	j.UpdatedAt = now

	query := `
	INSERT INTO import_jobs (id, upload_job_id, conversation_id, status,
		total_messages, processed_messages, total_media, processed_media,
		parse_errors, error_message, created_at, updated_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, j.ID, j.UploadJobID, j.ConversationID, j.Status,
		j.TotalMessages, j.ProcessedMessages, j.TotalMedia, j.ProcessedMedia,
		j.ParseErrors, j.ErrorMessage, j.CreatedAt, j.UpdatedAt, j.CompletedAt)
	return err
}

// GetImportJob retrieves an import job by ID.
func (r *Repository) GetImportJob(id string) (*models.ImportJob, error) {
	query := `
	SELECT id, upload_job_id, conversation_id, status, total_messages,
		   processed_messages, total_media, processed_media, parse_errors,
		   error_message, created_at, updated_at, completed_at
	FROM import_jobs WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanImportJob(stmt.QueryRow(id))
}

// UpdateImportJob persists mutable import job fields.
// Status transitions are monotonic: a terminal row is never overwritten.
func (r *Repository) UpdateImportJob(j *models.ImportJob) error {
	j.UpdatedAt = time.Now().Unix()
	query := `
	UPDATE import_jobs
	SET conversation_id = ?, status = ?, total_messages = ?, processed_messages = ?,
		total_media = ?, processed_media = ?, parse_errors = ?, error_message = ?,
		updated_at = ?, completed_at = ?
	WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	result, err := r.db.Exec(query, j.ConversationID, j.Status, j.TotalMessages,
		j.ProcessedMessages, j.TotalMedia, j.ProcessedMedia, j.ParseErrors,
		j.ErrorMessage, j.UpdatedAt, j.CompletedAt, j.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListImportJobs returns the most recent import jobs.
func (r *Repository) ListImportJobs(limit int) ([]*models.ImportJob, error) {
	query := `
	SELECT id, upload_job_id, conversation_id, status, total_messages,
		   processed_messages, total_media, processed_media, parse_errors,
		   error_message, created_at, updated_at, completed_at
	FROM import_jobs ORDER BY created_at DESC LIMIT ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.ImportJob
	for rows.Next() {
		j, err := scanImportJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanImportJob(row rowScanner) (*models.ImportJob, error) {
	var j models.ImportJob
	err := row.Scan(&j.ID, &j.UploadJobID, &j.ConversationID, &j.Status,
		&j.TotalMessages, &j.ProcessedMessages, &j.TotalMedia, &j.ProcessedMedia,
		&j.ParseErrors, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// =====================================================
// MergeJob Operations
// =====================================================

// CreateMergeJob creates a new merge job.
func (r *Repository) CreateMergeJob(j *models.MergeJob) error {
	now := time.Now().Unix()
	j.ID = models.UUID(uuid.New())
	j.CreatedAt = now
	j.UpdatedAt = now

	query := `
	INSERT INTO merge_jobs (id, upload_job_id, target_conversation_id, status,
		total_messages, duplicate_messages, new_messages, new_attachments,
		new_participants, processed_messages, processed_media, error_message,
		created_at, updated_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, j.ID, j.UploadJobID, j.TargetConversationID,
		j.Status, j.TotalMessages, j.DuplicateMessages, j.NewMessages,
		j.NewAttachments, j.NewParticipants, j.ProcessedMessages,
		j.ProcessedMedia, j.ErrorMessage, j.CreatedAt, j.UpdatedAt, j.CompletedAt)
	return err
}

// GetMergeJob retrieves a merge job by ID.
func (r *Repository) GetMergeJob(id string) (*models.MergeJob, error) {
	query := `
	SELECT id, upload_job_id, target_conversation_id, status, total_messages,
		   duplicate_messages, new_messages, new_attachments, new_participants,
		   processed_messages, processed_media, error_message, created_at,
		   updated_at, completed_at
	FROM merge_jobs WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	var j models.MergeJob
	err = stmt.QueryRow(id).Scan(&j.ID, &j.UploadJobID, &j.TargetConversationID,
		&j.Status, &j.TotalMessages, &j.DuplicateMessages, &j.NewMessages,
		&j.NewAttachments, &j.NewParticipants, &j.ProcessedMessages,
		&j.ProcessedMedia, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateMergeJob persists mutable merge job fields.
// Terminal rows are never overwritten.
func (r *Repository) UpdateMergeJob(j *models.MergeJob) error {
	j.UpdatedAt = time.Now().Unix()
	query := `
	UPDATE merge_jobs
	SET status = ?, total_messages = ?, duplicate_messages = ?, new_messages = ?,
		new_attachments = ?, new_participants = ?, processed_messages = ?,
		processed_media = ?, error_message = ?, updated_at = ?, completed_at = ?
	WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	result, err := r.db.Exec(query, j.Status, j.TotalMessages, j.DuplicateMessages,
		j.NewMessages, j.NewAttachments, j.NewParticipants, j.ProcessedMessages,
		j.ProcessedMedia, j.ErrorMessage, j.UpdatedAt, j.CompletedAt, j.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
