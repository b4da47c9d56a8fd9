package importer

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	"github.com/kimhsiao/chatvault/backend/internal/archive"
	"github.com/kimhsiao/chatvault/backend/internal/blob"
	"github.com/kimhsiao/chatvault/backend/internal/db"
	apperrors "github.com/kimhsiao/chatvault/backend/internal/errors"
	"github.com/kimhsiao/chatvault/backend/internal/logging"
	"github.com/kimhsiao/chatvault/backend/internal/models"
	"github.com/kimhsiao/chatvault/backend/internal/parser"
)

// thumbnailMaxDim bounds generated image thumbnails on their longest side.
const thumbnailMaxDim = 320

// WriteStats accumulates the effects of a write run.
type WriteStats struct {
	NewMessages     int
	Duplicates      int
	ParseErrors     int
	NewAttachments  int
	ProcessedMedia  int
	NewParticipants int
}

// pendingWrite is a message buffered for the next batch, together with the
// bundle media it references.
type pendingWrite struct {
	msg            *models.Message
	attachmentName string
	mediaKind      string
}

// BatchWriter converts parsed entries into durable rows in bounded batches.
// Attachment rows are only written after the owning batch commits and the
// generated message ids are known. Both fresh imports and merges run through
// it; a merge differs only in the fingerprints preloaded into the skip set.
type BatchWriter struct {
	repo   *db.Repository
	store  blob.ObjectStore
	bundle *archive.Bundle
	conv   *models.Conversation
	log    *logging.Logger

	batchSize    int
	skip         map[string]bool
	participants map[string]*models.Participant
	pending      []*pendingWrite
	stats        WriteStats

	// OnFlush, when set, observes cumulative stats after each committed batch.
	OnFlush func(stats WriteStats)
}

// NewBatchWriter creates a writer targeting conv. skip holds fingerprints to
// treat as duplicates; the writer extends it as it goes, so repeats within
// the transcript itself collapse too.
func NewBatchWriter(repo *db.Repository, store blob.ObjectStore, bundle *archive.Bundle,
	conv *models.Conversation, skip map[string]bool, batchSize int) (*BatchWriter, error) {

	if skip == nil {
		skip = make(map[string]bool)
	}
	w := &BatchWriter{
		repo:         repo,
		store:        store,
		bundle:       bundle,
		conv:         conv,
		log:          logging.Get().With("writer"),
		batchSize:    batchSize,
		skip:         skip,
		participants: make(map[string]*models.Participant),
	}

	existing, err := repo.ListParticipants(string(conv.ID))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load participants", err)
	}
	for _, p := range existing {
		w.participants[p.Name] = p
	}
	return w, nil
}

// Add buffers one parsed entry, flushing when the batch fills. Duplicate
// fingerprints and parse errors are counted and skipped.
func (w *BatchWriter) Add(ctx context.Context, entry *parser.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if entry.Kind == parser.KindParseError {
		w.stats.ParseErrors++
		return nil
	}

	fp := Fingerprint(entry.Timestamp, entry.Sender, entry.Body)
	if w.skip[fp] {
		w.stats.Duplicates++
		return nil
	}
	w.skip[fp] = true

	msg := &models.Message{
		ConversationID: w.conv.ID,
		SenderName:     entry.Sender,
		Body:           entry.Body,
		Kind:           messageKind(entry),
		Timestamp:      entry.Timestamp.Unix(),
		Fingerprint:    fp,
	}

	p := &pendingWrite{msg: msg}
	if entry.Kind == parser.KindMessage {
		participant, err := w.resolveParticipant(entry.Sender)
		if err != nil {
			return err
		}
		msg.ParticipantID = participant.ID

		if entry.IsMedia() && entry.AttachmentName != "" && w.bundle.HasMedia(entry.AttachmentName) {
			msg.HasAttachment = true
			p.attachmentName = entry.AttachmentName
			p.mediaKind = entry.MediaKind
		}
	}

	w.pending = append(w.pending, p)
	if len(w.pending) >= w.batchSize {
		return w.Flush(ctx)
	}
	return nil
}

// resolveParticipant returns the participant row for a sender, creating it
// with the next palette color on first sight.
func (w *BatchWriter) resolveParticipant(name string) (*models.Participant, error) {
	if p, ok := w.participants[name]; ok {
		return p, nil
	}
	p := &models.Participant{
		ConversationID: w.conv.ID,
		Name:           name,
		Color:          models.ParticipantColor(len(w.participants)),
	}
	if err := w.repo.CreateParticipant(p); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create participant", err)
	}
	w.participants[name] = p
	w.stats.NewParticipants++
	return p, nil
}

// Flush commits the buffered batch and then materializes its attachments,
// using the message ids the commit handed back.
func (w *BatchWriter) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msgs := make([]*models.Message, len(w.pending))
	for i, p := range w.pending {
		msgs[i] = p.msg
	}
	ids, err := w.repo.CreateMessageBatch(msgs)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write message batch", err)
	}
	w.stats.NewMessages += len(msgs)

	for i, p := range w.pending {
		if p.attachmentName == "" {
			continue
		}
		if err := w.writeAttachment(ctx, ids[i], p); err != nil {
			// The message row is durable; losing its media degrades the
			// entry to a placeholder rather than failing the run.
			w.log.Warn("attachment skipped", map[string]interface{}{
				"message":  string(ids[i]),
				"filename": p.attachmentName,
				"error":    err.Error(),
			})
		} else {
			w.stats.NewAttachments++
		}
		w.stats.ProcessedMedia++
	}

	w.pending = w.pending[:0]
	if w.OnFlush != nil {
		w.OnFlush(w.stats)
	}
	return nil
}

// writeAttachment stores the media bytes (or reuses an identical existing
// blob) and records the attachment row.
func (w *BatchWriter) writeAttachment(ctx context.Context, messageID models.UUID, p *pendingWrite) error {
	data, err := w.bundle.ReadMedia(p.attachmentName)
	if err != nil {
		return err
	}

	att := &models.Attachment{
		MessageID:        messageID,
		MediaKind:        p.mediaKind,
		MimeType:         mimetype.Detect(data).String(),
		FileSize:         int64(len(data)),
		OriginalFilename: p.attachmentName,
		Digest:           blob.PrefixDigest(data),
	}

	if existing, err := w.repo.FindAttachmentByDigest(att.Digest); err == nil && existing != nil {
		att.StorageKey = existing.StorageKey
		att.ThumbnailKey = existing.ThumbnailKey
	} else if err != nil && err != sql.ErrNoRows {
		return apperrors.Wrap(apperrors.ErrDatabase, "attachment dedup lookup failed", err)
	} else {
		key := fmt.Sprintf("conversations/%s/media/%s/%s", w.conv.ID, messageID, p.attachmentName)
		if _, err := w.store.Put(ctx, key, data); err != nil {
			return apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to store attachment", err)
		}
		att.StorageKey = key

		if p.mediaKind == parser.MediaImage {
			if thumbKey, err := w.writeThumbnail(ctx, messageID, data); err != nil {
				w.log.Warn("thumbnail skipped", map[string]interface{}{
					"message": string(messageID),
					"error":   err.Error(),
				})
			} else {
				att.ThumbnailKey = thumbKey
			}
		}
	}

	if err := w.repo.CreateAttachment(att); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to create attachment", err)
	}
	return nil
}

// writeThumbnail renders and stores a bounded JPEG preview of an image.
func (w *BatchWriter) writeThumbnail(ctx context.Context, messageID models.UUID, data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}
	thumb := imaging.Fit(img, thumbnailMaxDim, thumbnailMaxDim, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	key := fmt.Sprintf("conversations/%s/thumbs/%s.jpg", w.conv.ID, messageID)
	if _, err := w.store.Put(ctx, key, buf.Bytes()); err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to store thumbnail", err)
	}
	return key, nil
}

// Stats returns the cumulative effects of the run so far.
func (w *BatchWriter) Stats() WriteStats {
	return w.stats
}

// Participants returns how many distinct senders the writer knows about.
func (w *BatchWriter) Participants() int {
	return len(w.participants)
}

// messageKind maps a parsed entry onto the stored message kind.
func messageKind(entry *parser.Entry) models.MessageKind {
	if entry.Kind == parser.KindSystem {
		return models.MessageKindSystem
	}
	switch entry.MediaKind {
	case parser.MediaImage:
		return models.MessageKindImage
	case parser.MediaVideo:
		return models.MessageKindVideo
	case parser.MediaAudio:
		return models.MessageKindAudio
	case parser.MediaDocument:
		return models.MessageKindDocument
	}
	return models.MessageKindText
}
