package assembler

import (
	"bytes"
	"context"
	"testing"

	"github.com/kimhsiao/chatvault/backend/internal/blob"
	"github.com/kimhsiao/chatvault/backend/internal/db"
	apperrors "github.com/kimhsiao/chatvault/backend/internal/errors"
	"github.com/kimhsiao/chatvault/backend/internal/models"
)

func newTestService(t *testing.T) (*Service, *db.Repository) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.NewMigrator(database.DB).Up(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })

	store, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	return NewService(repo, store), repo
}

func TestChunkedUploadOutOfOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	chunks := [][]byte{[]byte("first-"), []byte("second-"), []byte("third")}
	total := int64(len("first-second-third"))

	job, err := svc.InitUpload("chat.txt", total, len(chunks))
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if job.Status != models.UploadStatusUploading {
		t.Fatalf("expected uploading status, got %s", job.Status)
	}

	// Deliver in reverse order; only the final arrival completes the job.
	for _, idx := range []int{2, 0} {
		job, err = svc.ReceiveChunk(ctx, string(job.ID), idx, chunks[idx])
		if err != nil {
			t.Fatalf("chunk %d failed: %v", idx, err)
		}
		if job.Assembled() {
			t.Fatalf("job assembled before all chunks arrived")
		}
	}
	job, err = svc.ReceiveChunk(ctx, string(job.ID), 1, chunks[1])
	if err != nil {
		t.Fatalf("final chunk failed: %v", err)
	}
	if !job.Assembled() {
		t.Fatalf("expected assembled status, got %s", job.Status)
	}

	_, data, err := svc.AssembledData(ctx, string(job.ID))
	if err != nil {
		t.Fatalf("assembled data failed: %v", err)
	}
	if !bytes.Equal(data, []byte("first-second-third")) {
		t.Errorf("assembled content wrong: %q", data)
	}
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.InitUpload("chat.txt", 4, 2)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if _, err := svc.ReceiveChunk(ctx, string(job.ID), 0, []byte("ab")); err != nil {
		t.Fatalf("chunk 0 failed: %v", err)
	}
	// Retransmission of the same index overwrites, it does not complete.
	j, err := svc.ReceiveChunk(ctx, string(job.ID), 0, []byte("ab"))
	if err != nil {
		t.Fatalf("duplicate chunk failed: %v", err)
	}
	if j.Assembled() {
		t.Fatalf("duplicate delivery must not complete the upload")
	}
	if j.ReceivedChunks != 1 {
		t.Errorf("expected 1 distinct chunk, got %d", j.ReceivedChunks)
	}

	j, err = svc.ReceiveChunk(ctx, string(job.ID), 1, []byte("cd"))
	if err != nil {
		t.Fatalf("chunk 1 failed: %v", err)
	}
	if !j.Assembled() {
		t.Fatalf("expected assembled after both chunks")
	}
	_, data, _ := svc.AssembledData(ctx, string(j.ID))
	if string(data) != "abcd" {
		t.Errorf("assembled content wrong: %q", data)
	}
}

func TestSizeMismatchAllowsChunkRetry(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	job, err := svc.InitUpload("chat.txt", 6, 2)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if _, err := svc.ReceiveChunk(ctx, string(job.ID), 0, []byte("abc")); err != nil {
		t.Fatalf("chunk 0 failed: %v", err)
	}

	// A truncated final chunk surfaces the mismatch but must not kill the job.
	_, err = svc.ReceiveChunk(ctx, string(job.ID), 1, []byte("de"))
	if !apperrors.Is(err, apperrors.ErrMalformedUpload) {
		t.Fatalf("expected MALFORMED_UPLOAD, got %v", err)
	}
	got, _ := repo.GetUploadJob(string(job.ID))
	if got.Status != models.UploadStatusUploading {
		t.Fatalf("job must keep accepting chunks, got %s", got.Status)
	}

	// Re-sending the corrected chunk completes the upload.
	j, err := svc.ReceiveChunk(ctx, string(job.ID), 1, []byte("def"))
	if err != nil {
		t.Fatalf("retried chunk failed: %v", err)
	}
	if !j.Assembled() {
		t.Fatalf("expected assembled after retry, got %s", j.Status)
	}
	_, data, err := svc.AssembledData(ctx, string(j.ID))
	if err != nil {
		t.Fatalf("assembled data failed: %v", err)
	}
	if string(data) != "abcdef" {
		t.Errorf("assembled content wrong: %q", data)
	}
}

func TestChunkIndexValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, _ := svc.InitUpload("chat.txt", 4, 2)
	if _, err := svc.ReceiveChunk(ctx, string(job.ID), 5, []byte("x")); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("expected INVALID_INPUT for out-of-range index, got %v", err)
	}
	if _, err := svc.ReceiveChunk(ctx, string(job.ID), 0, nil); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("expected INVALID_INPUT for empty chunk, got %v", err)
	}
	if _, err := svc.ReceiveChunk(ctx, "missing", 0, []byte("x")); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected NOT_FOUND for unknown job, got %v", err)
	}
}

func TestUploadDirect(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.UploadDirect(ctx, "chat.txt", []byte("whole file"))
	if err != nil {
		t.Fatalf("direct upload failed: %v", err)
	}
	if !job.Assembled() {
		t.Fatalf("expected assembled, got %s", job.Status)
	}
	_, data, err := svc.AssembledData(ctx, string(job.ID))
	if err != nil {
		t.Fatalf("assembled data failed: %v", err)
	}
	if string(data) != "whole file" {
		t.Errorf("content mismatch: %q", data)
	}
}

func TestAssembledDataRequiresAssembledJob(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, _ := svc.InitUpload("chat.txt", 4, 2)
	if _, _, err := svc.AssembledData(ctx, string(job.ID)); !apperrors.Is(err, apperrors.ErrJobNotReady) {
		t.Errorf("expected JOB_NOT_READY, got %v", err)
	}
}
