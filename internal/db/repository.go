// Package db provides CRUD repository operations for ChatVault data models.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/chatvault/backend/internal/models"
	"github.com/kimhsiao/chatvault/backend/internal/uuid"
)

// Repository provides CRUD operations for all models.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Conversation Operations
// =====================================================

// CreateConversation creates a new conversation.
func (r *Repository) CreateConversation(c *models.Conversation) error {
	now := time.Now().Unix()
	c.ID = models.UUID(uuid.New())
	c.CreatedAt = now
	c.UpdatedAt = now

	query := `
	INSERT INTO conversations (id, name, is_group, share_token, message_count,
		participant_count, first_message_at, last_message_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, c.ID, c.Name, c.IsGroup, c.ShareToken, c.MessageCount,
		c.ParticipantCount, c.FirstMessageAt, c.LastMessageAt, c.CreatedAt, c.UpdatedAt)
	return err
}

// GetConversation retrieves a conversation by ID.
func (r *Repository) GetConversation(id string) (*models.Conversation, error) {
	query := `
	SELECT id, name, is_group, share_token, message_count, participant_count,
		   first_message_at, last_message_at, created_at, updated_at
	FROM conversations WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanConversation(stmt.QueryRow(id))
}

// GetConversationByName retrieves a conversation by display name.
func (r *Repository) GetConversationByName(name string) (*models.Conversation, error) {
	query := `
	SELECT id, name, is_group, share_token, message_count, participant_count,
		   first_message_at, last_message_at, created_at, updated_at
	FROM conversations WHERE name = ? ORDER BY created_at LIMIT 1
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanConversation(stmt.QueryRow(name))
}

// ListConversations returns conversations ordered by last activity.
func (r *Repository) ListConversations(limit, offset int) ([]*models.Conversation, error) {
	query := `
	SELECT id, name, is_group, share_token, message_count, participant_count,
		   first_message_at, last_message_at, created_at, updated_at
	FROM conversations ORDER BY last_message_at DESC LIMIT ? OFFSET ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// SetShareToken updates a conversation's share token (empty string revokes).
func (r *Repository) SetShareToken(id string, token string) error {
	result, err := r.db.Exec(
		"UPDATE conversations SET share_token = ?, updated_at = ? WHERE id = ?",
		token, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateConversationAggregates recomputes message/participant counts, the
// first/last message times, and the group flag from the full persisted
// message set (not just the latest job's rows).
func (r *Repository) UpdateConversationAggregates(conversationID string) error {
	query := `
	UPDATE conversations SET
		message_count = (SELECT COUNT(*) FROM messages WHERE conversation_id = ?),
		participant_count = (SELECT COUNT(*) FROM participants WHERE conversation_id = ?),
		first_message_at = COALESCE((SELECT MIN(timestamp) FROM messages WHERE conversation_id = ?), 0),
		last_message_at = COALESCE((SELECT MAX(timestamp) FROM messages WHERE conversation_id = ?), 0),
		is_group = (SELECT COUNT(*) FROM participants WHERE conversation_id = ?) > 2,
		updated_at = ?
	WHERE id = ?
	`
	_, err := r.db.Exec(query, conversationID, conversationID, conversationID,
		conversationID, conversationID, time.Now().Unix(), conversationID)
	return err
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.Name, &c.IsGroup, &c.ShareToken, &c.MessageCount,
		&c.ParticipantCount, &c.FirstMessageAt, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// =====================================================
// Participant Operations
// =====================================================

// CreateParticipant creates a new participant.
// Name is unique within a conversation (enforced by schema).
func (r *Repository) CreateParticipant(p *models.Participant) error {
	p.ID = models.UUID(uuid.New())
	p.CreatedAt = time.Now().Unix()

	query := `
	INSERT INTO participants (id, conversation_id, name, color, message_count, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, p.ID, p.ConversationID, p.Name, p.Color,
		p.MessageCount, p.CreatedAt)
	return err
}

// ListParticipants returns all participants of a conversation ordered by name.
func (r *Repository) ListParticipants(conversationID string) ([]*models.Participant, error) {
	query := `
	SELECT id, conversation_id, name, color, message_count, created_at
	FROM participants WHERE conversation_id = ? ORDER BY name
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*models.Participant
	for rows.Next() {
		var p models.Participant
		err := rows.Scan(&p.ID, &p.ConversationID, &p.Name, &p.Color,
			&p.MessageCount, &p.CreatedAt)
		if err != nil {
			return nil, err
		}
		participants = append(participants, &p)
	}
	return participants, rows.Err()
}

// RecomputeParticipantCounts refreshes per-participant message counts from
// the persisted message set.
func (r *Repository) RecomputeParticipantCounts(conversationID string) error {
	query := `
	UPDATE participants
	SET message_count = (SELECT COUNT(*) FROM messages WHERE participant_id = participants.id)
	WHERE conversation_id = ?
	`
	_, err := r.db.Exec(query, conversationID)
	return err
}

// =====================================================
// Message Operations
// =====================================================

// CreateMessageBatch inserts a batch of messages in one transaction and
// returns the assigned ids in input order. Callers must not assume an id is
// available before observing this result; dependent attachment inserts come
// after (the flush-then-read contract).
func (r *Repository) CreateMessageBatch(msgs []*models.Message) ([]models.UUID, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}

	stmt, err := tx.Prepare(`
	INSERT INTO messages (id, conversation_id, participant_id, sender_name, body,
		kind, timestamp, has_attachment, fingerprint, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	ids := make([]models.UUID, 0, len(msgs))
	for _, msg := range msgs {
		msg.ID = models.UUID(uuid.New())
		msg.CreatedAt = now

		// Empty participant id is stored as NULL (system events).
		var participantID interface{}
		if msg.ParticipantID != "" {
			participantID = string(msg.ParticipantID)
		}

		if _, err := stmt.Exec(msg.ID, msg.ConversationID, participantID,
			msg.SenderName, msg.Body, msg.Kind, msg.Timestamp,
			msg.HasAttachment, msg.Fingerprint, msg.CreatedAt); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to insert message: %w", err)
		}
		ids = append(ids, msg.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ListMessageFingerprints returns a page of fingerprints for a conversation.
// Callers iterate pages to stay memory-bounded on large conversations.
func (r *Repository) ListMessageFingerprints(conversationID string, limit, offset int) ([]string, error) {
	query := `
	SELECT fingerprint FROM messages
	WHERE conversation_id = ? ORDER BY rowid LIMIT ? OFFSET ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fingerprints []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		fingerprints = append(fingerprints, fp)
	}
	return fingerprints, rows.Err()
}

// CountMessages returns the number of messages in a conversation.
func (r *Repository) CountMessages(conversationID string) (int, error) {
	stmt, err := r.PrepareStmt("SELECT COUNT(*) FROM messages WHERE conversation_id = ?")
	if err != nil {
		return 0, err
	}
	var count int
	err = stmt.QueryRow(conversationID).Scan(&count)
	return count, err
}

// ListMessages returns a page of messages ordered by timestamp.
func (r *Repository) ListMessages(conversationID string, limit, offset int) ([]*models.Message, error) {
	query := `
	SELECT id, conversation_id, participant_id, sender_name, body, kind,
		   timestamp, has_attachment, fingerprint, created_at
	FROM messages WHERE conversation_id = ?
	ORDER BY timestamp, rowid LIMIT ? OFFSET ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var m models.Message
		var participantID sql.NullString
		err := rows.Scan(&m.ID, &m.ConversationID, &participantID, &m.SenderName,
			&m.Body, &m.Kind, &m.Timestamp, &m.HasAttachment, &m.Fingerprint, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		if participantID.Valid {
			m.ParticipantID = models.UUID(participantID.String)
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// =====================================================
// Attachment Operations
// =====================================================

// CreateAttachment creates a new attachment row.
// The owning message row must already be committed.
func (r *Repository) CreateAttachment(a *models.Attachment) error {
	a.ID = models.UUID(uuid.New())
	a.CreatedAt = time.Now().Unix()

	query := `
	INSERT INTO attachments (id, message_id, storage_key, thumbnail_key, media_kind,
		mime_type, file_size, original_filename, digest, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, a.ID, a.MessageID, a.StorageKey, a.ThumbnailKey,
		a.MediaKind, a.MimeType, a.FileSize, a.OriginalFilename, a.Digest, a.CreatedAt)
	return err
}

// FindAttachmentByDigest returns any attachment matching a content digest.
// Used to skip re-uploading bytes already stored under another filename.
func (r *Repository) FindAttachmentByDigest(digest string) (*models.Attachment, error) {
	query := `
	SELECT id, message_id, storage_key, thumbnail_key, media_kind, mime_type,
		   file_size, original_filename, digest, created_at
	FROM attachments WHERE digest = ? LIMIT 1
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	var a models.Attachment
	err = stmt.QueryRow(digest).Scan(&a.ID, &a.MessageID, &a.StorageKey,
		&a.ThumbnailKey, &a.MediaKind, &a.MimeType, &a.FileSize,
		&a.OriginalFilename, &a.Digest, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAttachments returns all attachments of a message.
func (r *Repository) ListAttachments(messageID string) ([]*models.Attachment, error) {
	query := `
	SELECT id, message_id, storage_key, thumbnail_key, media_kind, mime_type,
		   file_size, original_filename, digest, created_at
	FROM attachments WHERE message_id = ? ORDER BY created_at
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attachments []*models.Attachment
	for rows.Next() {
		var a models.Attachment
		err := rows.Scan(&a.ID, &a.MessageID, &a.StorageKey, &a.ThumbnailKey,
			&a.MediaKind, &a.MimeType, &a.FileSize, &a.OriginalFilename,
			&a.Digest, &a.CreatedAt)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, &a)
	}
	return attachments, rows.Err()
}
