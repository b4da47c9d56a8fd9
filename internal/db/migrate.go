// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// migrationStep is one embedded schema migration. Migrations are compiled
// into the binary so the server is self-contained.
type migrationStep struct {
	Version     int
	Description string
	SQL         string
}

var migrationSteps = []migrationStep{
	{
		Version:     1,
		Description: "initial archive schema",
		SQL: `
CREATE TABLE conversations (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	is_group INTEGER NOT NULL DEFAULT 0,
	share_token TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	participant_count INTEGER NOT NULL DEFAULT 0,
	first_message_at INTEGER NOT NULL DEFAULT 0,
	last_message_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX idx_conversations_share_token
	ON conversations(share_token) WHERE share_token != '';

CREATE TABLE participants (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	color TEXT NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE(conversation_id, name)
);

CREATE TABLE messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	participant_id TEXT REFERENCES participants(id) ON DELETE SET NULL,
	sender_name TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT 'text',
	timestamp INTEGER NOT NULL,
	has_attachment INTEGER NOT NULL DEFAULT 0,
	fingerprint TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(conversation_id, fingerprint)
);
CREATE INDEX idx_messages_conversation_timestamp
	ON messages(conversation_id, timestamp);

CREATE TABLE attachments (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	storage_key TEXT NOT NULL,
	thumbnail_key TEXT NOT NULL DEFAULT '',
	media_kind TEXT NOT NULL,
	mime_type TEXT NOT NULL DEFAULT '',
	file_size INTEGER NOT NULL DEFAULT 0,
	original_filename TEXT NOT NULL DEFAULT '',
	digest TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX idx_attachments_message ON attachments(message_id);
CREATE INDEX idx_attachments_digest ON attachments(digest);

CREATE TABLE upload_jobs (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL,
	received_chunks INTEGER NOT NULL DEFAULT 0,
	storage_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE import_jobs (
	id TEXT PRIMARY KEY,
	upload_job_id TEXT NOT NULL REFERENCES upload_jobs(id),
	conversation_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	total_messages INTEGER NOT NULL DEFAULT 0,
	processed_messages INTEGER NOT NULL DEFAULT 0,
	total_media INTEGER NOT NULL DEFAULT 0,
	processed_media INTEGER NOT NULL DEFAULT 0,
	parse_errors INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE merge_jobs (
	id TEXT PRIMARY KEY,
	upload_job_id TEXT NOT NULL REFERENCES upload_jobs(id),
	target_conversation_id TEXT NOT NULL REFERENCES conversations(id),
	status TEXT NOT NULL,
	total_messages INTEGER NOT NULL DEFAULT 0,
	duplicate_messages INTEGER NOT NULL DEFAULT 0,
	new_messages INTEGER NOT NULL DEFAULT 0,
	new_attachments INTEGER NOT NULL DEFAULT 0,
	new_participants INTEGER NOT NULL DEFAULT 0,
	processed_messages INTEGER NOT NULL DEFAULT 0,
	processed_media INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0
);
`,
	},
	{
		Version:     2,
		Description: "unique conversation names",
		SQL: `
CREATE UNIQUE INDEX idx_conversations_name ON conversations(name);
`,
	},
}

// Migration records an applied schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies embedded schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// Up applies all pending migrations in version order.
// An applied migration whose checksum no longer matches the embedded SQL is
// reported as an error rather than silently reapplied.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedByVersion := make(map[int]Migration)
	for _, mig := range applied {
		appliedByVersion[mig.Version] = mig
	}

	for _, step := range migrationSteps {
		checksum := checksumSQL(step.SQL)

		if prev, ok := appliedByVersion[step.Version]; ok {
			if prev.Checksum != checksum {
				return fmt.Errorf("migration %d checksum mismatch: applied %s, embedded %s",
					step.Version, prev.Checksum, checksum)
			}
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", step.Version, err)
		}
		if _, err := tx.Exec(step.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", step.Version, step.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
			step.Version, time.Now().Unix(), step.Description, checksum,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", step.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", step.Version, err)
		}
	}

	return nil
}

// checksumSQL returns the SHA-256 hex digest of a migration's SQL.
func checksumSQL(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}
