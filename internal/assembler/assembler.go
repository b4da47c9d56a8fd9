// Package assembler reconstructs uploads that arrive as out-of-order chunks
// into a single stored object ready for import.
package assembler

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/kimhsiao/chatvault/backend/internal/blob"
	"github.com/kimhsiao/chatvault/backend/internal/db"
	apperrors "github.com/kimhsiao/chatvault/backend/internal/errors"
	"github.com/kimhsiao/chatvault/backend/internal/logging"
	"github.com/kimhsiao/chatvault/backend/internal/models"
)

// Service coordinates chunked uploads. Chunks land in the object store as
// discrete objects; the store listing, not a counter, decides completeness,
// so retried and duplicated chunks are harmless.
type Service struct {
	repo  *db.Repository
	store blob.ObjectStore
	log   *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates an upload assembler.
func NewService(repo *db.Repository, store blob.ObjectStore) *Service {
	return &Service{
		repo:  repo,
		store: store,
		log:   logging.Get().With("assembler"),
		locks: make(map[string]*sync.Mutex),
	}
}

// jobLock returns the per-job mutex, creating it on first use.
func (s *Service) jobLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

func (s *Service) releaseLock(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, jobID)
}

func chunkKey(jobID string, index int) string {
	return fmt.Sprintf("uploads/%s/chunk.%06d", jobID, index)
}

func assembledKey(jobID string) string {
	return fmt.Sprintf("uploads/%s/file", jobID)
}

// InitUpload registers a new chunked upload and returns the tracking job.
func (s *Service) InitUpload(filename string, fileSize int64, chunkCount int) (*models.UploadJob, error) {
	if filename == "" || fileSize <= 0 || chunkCount <= 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "filename, file size and chunk count are required")
	}

	job := &models.UploadJob{
		Filename:   filename,
		FileSize:   fileSize,
		ChunkCount: chunkCount,
		Status:     models.UploadStatusUploading,
	}
	if err := s.repo.CreateUploadJob(job); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create upload job", err)
	}

	s.log.Info("upload initialized", map[string]interface{}{
		"job":      string(job.ID),
		"filename": filename,
		"size":     humanize.Bytes(uint64(fileSize)),
		"chunks":   chunkCount,
	})
	return job, nil
}

// ReceiveChunk stores one chunk. Receiving the same index twice overwrites
// the previous copy. When every index has been observed the chunks are
// concatenated, verified against the declared size, and promoted to the
// assembled object. A failed assembly leaves the job uploading so a
// corrected chunk can be re-sent.
func (s *Service) ReceiveChunk(ctx context.Context, jobID string, index int, data []byte) (*models.UploadJob, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.repo.GetUploadJob(jobID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "upload job not found", err)
	}
	if job.Status != models.UploadStatusUploading {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "upload job is %s, not accepting chunks", job.Status)
	}
	if index < 0 || index >= job.ChunkCount {
		return nil, apperrors.Newf(apperrors.ErrInvalid,
			"chunk index %d out of range [0, %d)", index, job.ChunkCount)
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "empty chunk")
	}

	if _, err := s.store.Put(ctx, chunkKey(jobID, index), data); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to store chunk", err)
	}

	received, err := s.receivedIndexes(ctx, job)
	if err != nil {
		return nil, err
	}
	job.ReceivedChunks = len(received)

	if len(received) == job.ChunkCount {
		if aerr := s.assemble(ctx, job); aerr != nil {
			// The chunks stay in the store and the job keeps accepting PUTs,
			// so the caller can re-send the offending chunk; assembly runs
			// again on the next arrival.
			if err := s.repo.UpdateUploadJob(job); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update upload job", err)
			}
			return nil, aerr
		}
	}

	if err := s.repo.UpdateUploadJob(job); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update upload job", err)
	}
	if job.Assembled() {
		s.releaseLock(jobID)
	}
	return job, nil
}

// receivedIndexes lists which chunk indexes exist in the store.
func (s *Service) receivedIndexes(ctx context.Context, job *models.UploadJob) (map[int]bool, error) {
	keys, err := s.store.List(ctx, fmt.Sprintf("uploads/%s/chunk.", job.ID))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to list chunks", err)
	}
	received := make(map[int]bool, len(keys))
	for _, key := range keys {
		dot := strings.LastIndexByte(key, '.')
		if dot < 0 {
			continue
		}
		idx, err := strconv.Atoi(key[dot+1:])
		if err != nil {
			continue
		}
		received[idx] = true
	}
	return received, nil
}

// assemble concatenates all chunks in index order, checks the declared size,
// and writes the final object.
func (s *Service) assemble(ctx context.Context, job *models.UploadJob) error {
	var buf bytes.Buffer
	buf.Grow(int(job.FileSize))
	for i := 0; i < job.ChunkCount; i++ {
		data, err := s.store.Get(ctx, chunkKey(string(job.ID), i))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMalformedUpload,
				fmt.Sprintf("chunk %d missing at assembly", i), err)
		}
		buf.Write(data)
	}

	if int64(buf.Len()) != job.FileSize {
		return apperrors.Newf(apperrors.ErrMalformedUpload,
			"assembled size %d does not match declared size %d", buf.Len(), job.FileSize)
	}

	key := assembledKey(string(job.ID))
	if _, err := s.store.Put(ctx, key, buf.Bytes()); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to store assembled file", err)
	}

	for i := 0; i < job.ChunkCount; i++ {
		_ = s.store.Delete(ctx, chunkKey(string(job.ID), i))
	}

	job.StorageKey = key
	job.Status = models.UploadStatusAssembled
	s.log.Info("upload assembled", map[string]interface{}{
		"job":  string(job.ID),
		"size": humanize.Bytes(uint64(job.FileSize)),
	})
	return nil
}

// UploadDirect stores a small upload in one shot, bypassing chunking.
func (s *Service) UploadDirect(ctx context.Context, filename string, data []byte) (*models.UploadJob, error) {
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "empty upload")
	}

	job := &models.UploadJob{
		Filename:       filename,
		FileSize:       int64(len(data)),
		ChunkCount:     1,
		ReceivedChunks: 1,
		Status:         models.UploadStatusUploading,
	}
	if err := s.repo.CreateUploadJob(job); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create upload job", err)
	}

	key := assembledKey(string(job.ID))
	if _, err := s.store.Put(ctx, key, data); err != nil {
		job.Status = models.UploadStatusFailed
		_ = s.repo.UpdateUploadJob(job)
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to store upload", err)
	}

	job.StorageKey = key
	job.Status = models.UploadStatusAssembled
	if err := s.repo.UpdateUploadJob(job); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update upload job", err)
	}

	s.log.Info("direct upload stored", map[string]interface{}{
		"job":      string(job.ID),
		"filename": filename,
		"size":     humanize.Bytes(uint64(len(data))),
	})
	return job, nil
}

// AssembledData loads the bytes of a completed upload.
func (s *Service) AssembledData(ctx context.Context, jobID string) (*models.UploadJob, []byte, error) {
	job, err := s.repo.GetUploadJob(jobID)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrNotFound, "upload job not found", err)
	}
	if !job.Assembled() {
		return nil, nil, apperrors.Newf(apperrors.ErrJobNotReady, "upload job is %s, not assembled", job.Status)
	}
	data, err := s.store.Get(ctx, job.StorageKey)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to load assembled upload", err)
	}
	return job, data, nil
}
