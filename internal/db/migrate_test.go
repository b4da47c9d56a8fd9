package db

import (
	"testing"
)

func TestMigrateUpIsIdempotent(t *testing.T) {
	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer database.Close()

	migrator := NewMigrator(database.DB)
	if err := migrator.Up(); err != nil {
		t.Fatalf("first up failed: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("second up failed: %v", err)
	}

	version, err := migrator.CurrentVersion()
	if err != nil {
		t.Fatalf("version check failed: %v", err)
	}
	if version != len(migrationSteps) {
		t.Errorf("expected version %d, got %d", len(migrationSteps), version)
	}

	applied, err := migrator.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("listing migrations failed: %v", err)
	}
	if len(applied) != len(migrationSteps) {
		t.Errorf("expected %d applied migrations, got %d", len(migrationSteps), len(applied))
	}
}

func TestMigrateDetectsChecksumDrift(t *testing.T) {
	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer database.Close()

	migrator := NewMigrator(database.DB)
	if err := migrator.Up(); err != nil {
		t.Fatalf("up failed: %v", err)
	}

	// Tamper with the recorded checksum; the next Up must refuse to run.
	if _, err := database.Exec(
		`UPDATE schema_migrations SET checksum = ? WHERE version = 1`,
		checksumSQL("something else")); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}
	if err := migrator.Up(); err == nil {
		t.Errorf("expected checksum mismatch error")
	}
}
