// Package importer runs ingestion: it turns an assembled upload into a
// conversation with messages, participants and attachments.
package importer

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/kimhsiao/chatvault/backend/internal/archive"
	"github.com/kimhsiao/chatvault/backend/internal/assembler"
	"github.com/kimhsiao/chatvault/backend/internal/blob"
	"github.com/kimhsiao/chatvault/backend/internal/db"
	apperrors "github.com/kimhsiao/chatvault/backend/internal/errors"
	"github.com/kimhsiao/chatvault/backend/internal/logging"
	"github.com/kimhsiao/chatvault/backend/internal/models"
	"github.com/kimhsiao/chatvault/backend/internal/parser"
)

// ProgressSink receives import job snapshots as processing advances.
type ProgressSink interface {
	ImportProgress(job *models.ImportJob)
}

// Service orchestrates import jobs. Jobs run in the background; callers poll
// Progress or subscribe through the sink.
type Service struct {
	repo      *db.Repository
	store     blob.ObjectStore
	uploads   *assembler.Service
	parse     *parser.Service
	sink      ProgressSink
	batchSize int
	log       *logging.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewService creates an import orchestrator. sink may be nil.
func NewService(repo *db.Repository, store blob.ObjectStore, uploads *assembler.Service,
	batchSize int, sink ProgressSink) *Service {

	return &Service{
		repo:      repo,
		store:     store,
		uploads:   uploads,
		parse:     parser.NewService(),
		sink:      sink,
		batchSize: batchSize,
		log:       logging.Get().With("importer"),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Start validates the upload, creates a pending import job and launches the
// run in the background.
func (s *Service) Start(uploadJobID string) (*models.ImportJob, error) {
	upload, err := s.repo.GetUploadJob(uploadJobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.ErrNotFound, "upload job not found")
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load upload job", err)
	}
	if !upload.Assembled() {
		return nil, apperrors.Newf(apperrors.ErrJobNotReady, "upload job is %s, not assembled", upload.Status)
	}

	job := &models.ImportJob{
		UploadJobID: upload.ID,
		Status:      models.ImportStatusPending,
	}
	if err := s.repo.CreateImportJob(job); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create import job", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[string(job.ID)] = cancel
	s.mu.Unlock()

	go s.run(ctx, job, upload)
	return job, nil
}

// Progress returns the current state of an import job.
func (s *Service) Progress(jobID string) (*models.ImportJob, error) {
	job, err := s.repo.GetImportJob(jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.ErrNotFound, "import job not found")
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load import job", err)
	}
	return job, nil
}

// List returns recent import jobs.
func (s *Service) List(limit int) ([]*models.ImportJob, error) {
	jobs, err := s.repo.ListImportJobs(limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list import jobs", err)
	}
	return jobs, nil
}

// Cancel stops a running import. Batches already committed stay durable.
func (s *Service) Cancel(jobID string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, "import job is not running")
	}
	cancel()
	return nil
}

func (s *Service) finish(jobID string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[jobID]; ok {
		cancel()
		delete(s.cancels, jobID)
	}
	s.mu.Unlock()
}

// run executes the import: open the bundle, count entries for progress
// totals, then stream entries through the batch writer.
func (s *Service) run(ctx context.Context, job *models.ImportJob, upload *models.UploadJob) {
	defer s.finish(string(job.ID))

	err := s.runImport(ctx, job, upload)
	now := time.Now().Unix()
	switch {
	case err == nil:
		job.Status = models.ImportStatusCompleted
		job.CompletedAt = now
	case ctx.Err() != nil:
		job.Status = models.ImportStatusCancelled
		job.CompletedAt = now
		s.log.Info("import cancelled", map[string]interface{}{"job": string(job.ID)})
	default:
		job.Status = models.ImportStatusFailed
		job.ErrorMessage = err.Error()
		job.CompletedAt = now
		s.log.Error("import failed", err, map[string]interface{}{"job": string(job.ID)})
	}
	if uerr := s.repo.UpdateImportJob(job); uerr != nil && uerr != sql.ErrNoRows {
		s.log.Error("failed to persist import job state", uerr, map[string]interface{}{"job": string(job.ID)})
	}
	s.notify(job)
}

func (s *Service) runImport(ctx context.Context, job *models.ImportJob, upload *models.UploadJob) error {
	_, data, err := s.uploads.AssembledData(ctx, string(upload.ID))
	if err != nil {
		return err
	}

	bundle, err := archive.Open(data, upload.Filename)
	if err != nil {
		return err
	}

	totalMessages, totalMedia, err := s.countEntries(bundle)
	if err != nil {
		return err
	}
	if totalMessages == 0 {
		return apperrors.New(apperrors.ErrEmptyTranscript, "transcript contains no parseable entries")
	}

	conv, err := s.resolveConversation(bundle)
	if err != nil {
		return err
	}

	job.ConversationID = conv.ID
	job.Status = models.ImportStatusProcessing
	job.TotalMessages = totalMessages
	job.TotalMedia = totalMedia
	if err := s.repo.UpdateImportJob(job); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update import job", err)
	}
	s.notify(job)

	skip, err := s.existingFingerprints(string(conv.ID))
	if err != nil {
		return err
	}

	writer, err := NewBatchWriter(s.repo, s.store, bundle, conv, skip, s.batchSize)
	if err != nil {
		return err
	}
	writer.OnFlush = func(stats WriteStats) {
		job.ProcessedMessages = stats.NewMessages + stats.Duplicates
		job.ProcessedMedia = stats.ProcessedMedia
		job.ParseErrors = stats.ParseErrors
		if uerr := s.repo.UpdateImportJob(job); uerr != nil && uerr != sql.ErrNoRows {
			s.log.Warn("progress update failed", map[string]interface{}{
				"job":   string(job.ID),
				"error": uerr.Error(),
			})
		}
		s.notify(job)
	}

	sc := s.parse.Scan(bundle.Transcript())
	for sc.Next() {
		if err := writer.Add(ctx, sc.Entry()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "transcript read failed", err)
	}
	if err := writer.Flush(ctx); err != nil {
		return err
	}

	stats := writer.Stats()
	job.ProcessedMessages = stats.NewMessages + stats.Duplicates
	job.ProcessedMedia = stats.ProcessedMedia
	job.ParseErrors = stats.ParseErrors

	if err := s.finalizeConversation(string(conv.ID)); err != nil {
		return err
	}

	s.log.Info("import complete", map[string]interface{}{
		"job":          string(job.ID),
		"conversation": string(conv.ID),
		"messages":     stats.NewMessages,
		"duplicates":   stats.Duplicates,
		"attachments":  stats.NewAttachments,
		"parse_errors": stats.ParseErrors,
	})
	return nil
}

// countEntries makes a counting pass over the transcript so progress totals
// are known before any row is written. The parser is deterministic, so the
// second pass sees the same entries.
func (s *Service) countEntries(bundle *archive.Bundle) (messages, media int, err error) {
	sc := s.parse.Scan(bundle.Transcript())
	for sc.Next() {
		entry := sc.Entry()
		if entry.Kind == parser.KindParseError {
			continue
		}
		messages++
		if entry.IsMedia() && entry.AttachmentName != "" && bundle.HasMedia(entry.AttachmentName) {
			media++
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrInternal, "transcript read failed", err)
	}
	return messages, media, nil
}

// resolveConversation finds the conversation this export belongs to by its
// derived name, creating it on first import.
func (s *Service) resolveConversation(bundle *archive.Bundle) (*models.Conversation, error) {
	name := bundle.ConversationName()
	conv, err := s.repo.GetConversationByName(name)
	if err == nil {
		return conv, nil
	}
	if err != sql.ErrNoRows {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to look up conversation", err)
	}

	conv = &models.Conversation{Name: name}
	if err := s.repo.CreateConversation(conv); err != nil {
		// A concurrent first import of the same export may have won the
		// insert; the unique name index turns that race into a constraint
		// error here, so fall back to the row that made it in.
		if existing, gerr := s.repo.GetConversationByName(name); gerr == nil {
			return existing, nil
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create conversation", err)
	}
	return conv, nil
}

// existingFingerprints pages through the conversation's fingerprints to seed
// the duplicate skip set.
func (s *Service) existingFingerprints(conversationID string) (map[string]bool, error) {
	const page = 5000
	skip := make(map[string]bool)
	for offset := 0; ; offset += page {
		fps, err := s.repo.ListMessageFingerprints(conversationID, page, offset)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load fingerprints", err)
		}
		for _, fp := range fps {
			skip[fp] = true
		}
		if len(fps) < page {
			return skip, nil
		}
	}
}

// finalizeConversation recomputes denormalized aggregates after a write run.
func (s *Service) finalizeConversation(conversationID string) error {
	if err := s.repo.RecomputeParticipantCounts(conversationID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to recompute participant counts", err)
	}
	if err := s.repo.UpdateConversationAggregates(conversationID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update conversation aggregates", err)
	}
	return nil
}

func (s *Service) notify(job *models.ImportJob) {
	if s.sink != nil {
		s.sink.ImportProgress(job)
	}
}
