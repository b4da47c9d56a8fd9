// Package merge reconciles a newly uploaded export against an existing
// conversation. Merging is strictly additive: duplicate entries are skipped,
// existing rows are never modified or deleted.
package merge

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/chatvault/backend/internal/archive"
	"github.com/kimhsiao/chatvault/backend/internal/blob"
	"github.com/kimhsiao/chatvault/backend/internal/db"
	apperrors "github.com/kimhsiao/chatvault/backend/internal/errors"
	"github.com/kimhsiao/chatvault/backend/internal/importer"
	"github.com/kimhsiao/chatvault/backend/internal/logging"
	"github.com/kimhsiao/chatvault/backend/internal/models"
	"github.com/kimhsiao/chatvault/backend/internal/parser"
)

// sampleSize bounds how many fingerprints feed target scoring.
const sampleSize = 200

// fingerprintPage is the page size for loading existing fingerprints.
const fingerprintPage = 5000

// ProgressSink receives merge job snapshots as execution advances.
type ProgressSink interface {
	MergeProgress(job *models.MergeJob)
}

// Candidate is a conversation scored against an uploaded export.
type Candidate struct {
	Conversation *models.Conversation `json:"conversation"`
	Overlap      float64              `json:"overlap"` // fraction of sampled entries already present
	NameMatch    bool                 `json:"name_match"`
}

// Engine runs merge analysis and execution. A conversation admits at most
// one merge at a time; a second request is rejected, not queued.
type Engine struct {
	repo      *db.Repository
	store     blob.ObjectStore
	parse     *parser.Service
	sink      ProgressSink
	batchSize int
	log       *logging.Logger

	mu      sync.Mutex
	merging map[string]bool // conversation id -> merge in flight
	cancels map[string]context.CancelFunc
}

// NewEngine creates a merge engine. sink may be nil.
func NewEngine(repo *db.Repository, store blob.ObjectStore, batchSize int, sink ProgressSink) *Engine {
	return &Engine{
		repo:      repo,
		store:     store,
		parse:     parser.NewService(),
		sink:      sink,
		batchSize: batchSize,
		log:       logging.Get().With("merge"),
		merging:   make(map[string]bool),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// tryLockConversation claims the per-conversation merge slot.
func (e *Engine) tryLockConversation(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.merging[conversationID] {
		return false
	}
	e.merging[conversationID] = true
	return true
}

func (e *Engine) unlockConversation(conversationID string) {
	e.mu.Lock()
	delete(e.merging, conversationID)
	e.mu.Unlock()
}

// openUpload loads and opens the assembled bundle behind an upload job.
func (e *Engine) openUpload(ctx context.Context, uploadJobID string) (*models.UploadJob, *archive.Bundle, error) {
	upload, err := e.repo.GetUploadJob(uploadJobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, apperrors.New(apperrors.ErrNotFound, "upload job not found")
		}
		return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load upload job", err)
	}
	if !upload.Assembled() {
		return nil, nil, apperrors.Newf(apperrors.ErrJobNotReady, "upload job is %s, not assembled", upload.Status)
	}
	data, err := e.store.Get(ctx, upload.StorageKey)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to load assembled upload", err)
	}
	bundle, err := archive.Open(data, upload.Filename)
	if err != nil {
		return nil, nil, err
	}
	return upload, bundle, nil
}

// AnalyzeTargets scores existing conversations against an uploaded export so
// the caller can pick a merge target. Scoring samples fingerprints from the
// upload and measures how many are already present in each conversation.
func (e *Engine) AnalyzeTargets(ctx context.Context, uploadJobID string) ([]*Candidate, error) {
	_, bundle, err := e.openUpload(ctx, uploadJobID)
	if err != nil {
		return nil, err
	}

	sample, err := e.sampleFingerprints(bundle)
	if err != nil {
		return nil, err
	}

	convs, err := e.repo.ListConversations(100, 0)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conversations", err)
	}

	uploadName := bundle.ConversationName()
	var candidates []*Candidate
	for _, conv := range convs {
		existing, err := e.existingFingerprints(string(conv.ID))
		if err != nil {
			return nil, err
		}
		hits := 0
		for fp := range sample {
			if existing[fp] {
				hits++
			}
		}
		c := &Candidate{
			Conversation: conv,
			NameMatch:    conv.Name == uploadName,
		}
		if len(sample) > 0 {
			c.Overlap = float64(hits) / float64(len(sample))
		}
		if c.Overlap > 0 || c.NameMatch {
			candidates = append(candidates, c)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Overlap != candidates[j].Overlap {
			return candidates[i].Overlap > candidates[j].Overlap
		}
		if candidates[i].NameMatch != candidates[j].NameMatch {
			return candidates[i].NameMatch
		}
		return candidates[i].Conversation.Name < candidates[j].Conversation.Name
	})
	return candidates, nil
}

// sampleFingerprints collects up to sampleSize fingerprints from the start
// of the transcript.
func (e *Engine) sampleFingerprints(bundle *archive.Bundle) (map[string]bool, error) {
	sample := make(map[string]bool, sampleSize)
	sc := e.parse.Scan(bundle.Transcript())
	for sc.Next() && len(sample) < sampleSize {
		entry := sc.Entry()
		if entry.Kind == parser.KindParseError {
			continue
		}
		sample[importer.Fingerprint(entry.Timestamp, entry.Sender, entry.Body)] = true
	}
	if err := sc.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "transcript read failed", err)
	}
	return sample, nil
}

// existingFingerprints pages through a conversation's fingerprints.
func (e *Engine) existingFingerprints(conversationID string) (map[string]bool, error) {
	set := make(map[string]bool)
	for offset := 0; ; offset += fingerprintPage {
		fps, err := e.repo.ListMessageFingerprints(conversationID, fingerprintPage, offset)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load fingerprints", err)
		}
		for _, fp := range fps {
			set[fp] = true
		}
		if len(fps) < fingerprintPage {
			return set, nil
		}
	}
}

// Analyze compares the upload against a target conversation and records the
// outcome on a new merge job in the analyzed state. Nothing is written to
// the conversation; Execute performs the actual merge.
func (e *Engine) Analyze(ctx context.Context, uploadJobID, targetConversationID string) (*models.MergeJob, error) {
	upload, bundle, err := e.openUpload(ctx, uploadJobID)
	if err != nil {
		return nil, err
	}

	target, err := e.repo.GetConversation(targetConversationID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.ErrNotFound, "target conversation not found")
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load target conversation", err)
	}

	job := &models.MergeJob{
		UploadJobID:          upload.ID,
		TargetConversationID: target.ID,
		Status:               models.MergeStatusAnalyzing,
	}
	if err := e.repo.CreateMergeJob(job); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create merge job", err)
	}

	existing, err := e.existingFingerprints(targetConversationID)
	if err != nil {
		return nil, e.failJob(job, err)
	}

	participants, err := e.repo.ListParticipants(targetConversationID)
	if err != nil {
		return nil, e.failJob(job, apperrors.Wrap(apperrors.ErrDatabase, "failed to load participants", err))
	}
	knownSenders := make(map[string]bool, len(participants))
	for _, p := range participants {
		knownSenders[p.Name] = true
	}

	seen := make(map[string]bool)
	newSenders := make(map[string]bool)
	sc := e.parse.Scan(bundle.Transcript())
	for sc.Next() {
		entry := sc.Entry()
		if entry.Kind == parser.KindParseError {
			continue
		}
		job.TotalMessages++
		fp := importer.Fingerprint(entry.Timestamp, entry.Sender, entry.Body)
		if existing[fp] || seen[fp] {
			job.DuplicateMessages++
			continue
		}
		seen[fp] = true
		job.NewMessages++
		if entry.IsMedia() && entry.AttachmentName != "" && bundle.HasMedia(entry.AttachmentName) {
			job.NewAttachments++
		}
		if entry.Kind == parser.KindMessage && !knownSenders[entry.Sender] && !newSenders[entry.Sender] {
			newSenders[entry.Sender] = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, e.failJob(job, apperrors.Wrap(apperrors.ErrInternal, "transcript read failed", err))
	}
	job.NewParticipants = len(newSenders)

	job.Status = models.MergeStatusAnalyzed
	if err := e.repo.UpdateMergeJob(job); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update merge job", err)
	}

	e.log.Info("merge analyzed", map[string]interface{}{
		"job":        string(job.ID),
		"target":     string(target.ID),
		"total":      job.TotalMessages,
		"new":        job.NewMessages,
		"duplicates": job.DuplicateMessages,
	})
	return job, nil
}

// Execute launches the confirmed merge in the background. It claims the
// per-conversation slot first; a conversation already merging is rejected.
func (e *Engine) Execute(mergeJobID string) (*models.MergeJob, error) {
	job, err := e.repo.GetMergeJob(mergeJobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.ErrNotFound, "merge job not found")
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load merge job", err)
	}
	if job.Status != models.MergeStatusAnalyzed {
		return nil, apperrors.Newf(apperrors.ErrJobNotReady, "merge job is %s, not analyzed", job.Status)
	}

	convID := string(job.TargetConversationID)
	if !e.tryLockConversation(convID) {
		return nil, apperrors.New(apperrors.ErrMergeConflict, "conversation already has a merge in progress")
	}

	job.Status = models.MergeStatusMerging
	if err := e.repo.UpdateMergeJob(job); err != nil {
		e.unlockConversation(convID)
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update merge job", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[string(job.ID)] = cancel
	e.mu.Unlock()

	go e.run(ctx, job)
	return job, nil
}

// Progress returns the current state of a merge job.
func (e *Engine) Progress(jobID string) (*models.MergeJob, error) {
	job, err := e.repo.GetMergeJob(jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.ErrNotFound, "merge job not found")
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load merge job", err)
	}
	return job, nil
}

// Cancel stops a running merge. Batches already committed stay durable.
func (e *Engine) Cancel(jobID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[jobID]
	e.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, "merge job is not running")
	}
	cancel()
	return nil
}

func (e *Engine) run(ctx context.Context, job *models.MergeJob) {
	convID := string(job.TargetConversationID)
	defer e.unlockConversation(convID)
	defer func() {
		e.mu.Lock()
		if cancel, ok := e.cancels[string(job.ID)]; ok {
			cancel()
			delete(e.cancels, string(job.ID))
		}
		e.mu.Unlock()
	}()

	err := e.runMerge(ctx, job)
	now := time.Now().Unix()
	switch {
	case err == nil:
		job.Status = models.MergeStatusCompleted
		job.CompletedAt = now
	case ctx.Err() != nil:
		job.Status = models.MergeStatusCancelled
		job.CompletedAt = now
		e.log.Info("merge cancelled", map[string]interface{}{"job": string(job.ID)})
	default:
		job.Status = models.MergeStatusFailed
		job.ErrorMessage = err.Error()
		job.CompletedAt = now
		e.log.Error("merge failed", err, map[string]interface{}{"job": string(job.ID)})
	}
	if uerr := e.repo.UpdateMergeJob(job); uerr != nil && uerr != sql.ErrNoRows {
		e.log.Error("failed to persist merge job state", uerr, map[string]interface{}{"job": string(job.ID)})
	}
	e.notify(job)
}

// runMerge replays the export through the batch writer with the target's
// fingerprints preloaded as the skip set. Fingerprints are re-read here,
// under the conversation lock, so writes between analysis and execution
// cannot cause duplicate rows.
func (e *Engine) runMerge(ctx context.Context, job *models.MergeJob) error {
	_, bundle, err := e.openUpload(ctx, string(job.UploadJobID))
	if err != nil {
		return err
	}

	target, err := e.repo.GetConversation(string(job.TargetConversationID))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load target conversation", err)
	}

	skip, err := e.existingFingerprints(string(target.ID))
	if err != nil {
		return err
	}

	writer, err := importer.NewBatchWriter(e.repo, e.store, bundle, target, skip, e.batchSize)
	if err != nil {
		return err
	}
	writer.OnFlush = func(stats importer.WriteStats) {
		job.ProcessedMessages = stats.NewMessages
		job.ProcessedMedia = stats.ProcessedMedia
		if uerr := e.repo.UpdateMergeJob(job); uerr != nil && uerr != sql.ErrNoRows {
			e.log.Warn("progress update failed", map[string]interface{}{
				"job":   string(job.ID),
				"error": uerr.Error(),
			})
		}
		e.notify(job)
	}

	sc := e.parse.Scan(bundle.Transcript())
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
	job.DuplicateMessages = stats.Duplicates
	job.NewMessages = stats.NewMessages
	job.NewAttachments = stats.NewAttachments
	job.NewParticipants = stats.NewParticipants
	job.ProcessedMessages = stats.NewMessages
	job.ProcessedMedia = stats.ProcessedMedia

	if err := e.repo.RecomputeParticipantCounts(string(target.ID)); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to recompute participant counts", err)
	}
	if err := e.repo.UpdateConversationAggregates(string(target.ID)); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update conversation aggregates", err)
	}

	e.log.Info("merge complete", map[string]interface{}{
		"job":          string(job.ID),
		"target":       string(target.ID),
		"new":          stats.NewMessages,
		"duplicates":   stats.Duplicates,
		"attachments":  stats.NewAttachments,
		"participants": stats.NewParticipants,
	})
	return nil
}

// failJob marks a merge job failed and returns the original error.
func (e *Engine) failJob(job *models.MergeJob, err error) error {
	job.Status = models.MergeStatusFailed
	job.ErrorMessage = err.Error()
	job.CompletedAt = time.Now().Unix()
	if uerr := e.repo.UpdateMergeJob(job); uerr != nil && uerr != sql.ErrNoRows {
		e.log.Error("failed to persist merge job state", uerr, map[string]interface{}{"job": string(job.ID)})
	}
	return err
}

func (e *Engine) notify(job *models.MergeJob) {
	if e.sink != nil {
		e.sink.MergeProgress(job)
	}
}
