package db

import (
	"database/sql"
	"testing"

	"github.com/kimhsiao/chatvault/backend/internal/models"
)

func createTestUpload(t *testing.T, repo *Repository) *models.UploadJob {
	t.Helper()
	job := &models.UploadJob{
		Filename: "chat.txt", FileSize: 100, ChunkCount: 1,
		Status: models.UploadStatusUploading,
	}
	if err := repo.CreateUploadJob(job); err != nil {
		t.Fatalf("failed to create upload job: %v", err)
	}
	return job
}

func TestUploadJobLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	job := createTestUpload(t, repo)

	job.ReceivedChunks = 1
	job.StorageKey = "uploads/x/file"
	job.Status = models.UploadStatusAssembled
	if err := repo.UpdateUploadJob(job); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := repo.GetUploadJob(string(job.ID))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !got.Assembled() || got.StorageKey != "uploads/x/file" {
		t.Errorf("assembled state not persisted: %+v", got)
	}
}

func TestImportJobTerminalStateIsFinal(t *testing.T) {
	repo := newTestRepo(t)
	upload := createTestUpload(t, repo)

	job := &models.ImportJob{UploadJobID: upload.ID, Status: models.ImportStatusPending}
	if err := repo.CreateImportJob(job); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	job.Status = models.ImportStatusCompleted
	if err := repo.UpdateImportJob(job); err != nil {
		t.Fatalf("completing failed: %v", err)
	}

	// A terminal row refuses further updates.
	job.Status = models.ImportStatusProcessing
	if err := repo.UpdateImportJob(job); err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows updating terminal job, got %v", err)
	}
	got, _ := repo.GetImportJob(string(job.ID))
	if got.Status != models.ImportStatusCompleted {
		t.Errorf("terminal status was overwritten: %s", got.Status)
	}
}

func TestListImportJobs(t *testing.T) {
	repo := newTestRepo(t)
	upload := createTestUpload(t, repo)

	for i := 0; i < 3; i++ {
		job := &models.ImportJob{UploadJobID: upload.ID, Status: models.ImportStatusPending}
		if err := repo.CreateImportJob(job); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	jobs, err := repo.ListImportJobs(10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("expected 3 jobs, got %d", len(jobs))
	}
}

func TestMergeJobTerminalStateIsFinal(t *testing.T) {
	repo := newTestRepo(t)
	upload := createTestUpload(t, repo)
	conv := createTestConversation(t, repo, "target")

	job := &models.MergeJob{
		UploadJobID: upload.ID, TargetConversationID: conv.ID,
		Status: models.MergeStatusPending,
	}
	if err := repo.CreateMergeJob(job); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	job.Status = models.MergeStatusAnalyzed
	job.TotalMessages = 10
	job.NewMessages = 4
	job.DuplicateMessages = 6
	if err := repo.UpdateMergeJob(job); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := repo.GetMergeJob(string(job.ID))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.MergeStatusAnalyzed || got.NewMessages != 4 {
		t.Errorf("analysis not persisted: %+v", got)
	}

	job.Status = models.MergeStatusCancelled
	if err := repo.UpdateMergeJob(job); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	job.Status = models.MergeStatusMerging
	if err := repo.UpdateMergeJob(job); err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows updating cancelled job, got %v", err)
	}
}
