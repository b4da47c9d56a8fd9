package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/kimhsiao/chatvault/backend/internal/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migrator := NewMigrator(database.DB)
	if err := migrator.Up(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	repo := NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func createTestConversation(t *testing.T, repo *Repository, name string) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{Name: name}
	if err := repo.CreateConversation(conv); err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	return conv
}

func TestConversationRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	conv := createTestConversation(t, repo, "Alice")

	got, err := repo.GetConversation(string(conv.ID))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "Alice" {
		t.Errorf("expected name Alice, got %q", got.Name)
	}

	byName, err := repo.GetConversationByName("Alice")
	if err != nil {
		t.Fatalf("get by name failed: %v", err)
	}
	if byName.ID != conv.ID {
		t.Errorf("lookup by name returned wrong conversation")
	}

	if _, err := repo.GetConversationByName("nobody"); err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows for missing name, got %v", err)
	}
}

func TestConversationNameUnique(t *testing.T) {
	repo := newTestRepo(t)
	createTestConversation(t, repo, "Bob")

	dup := &models.Conversation{Name: "Bob"}
	if err := repo.CreateConversation(dup); err == nil {
		t.Errorf("expected unique constraint violation for duplicate conversation name")
	}
}

func TestParticipantUniquePerConversation(t *testing.T) {
	repo := newTestRepo(t)
	conv := createTestConversation(t, repo, "chat")

	p := &models.Participant{ConversationID: conv.ID, Name: "Alice", Color: "#25D366"}
	if err := repo.CreateParticipant(p); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	dup := &models.Participant{ConversationID: conv.ID, Name: "Alice", Color: "#34B7F1"}
	if err := repo.CreateParticipant(dup); err == nil {
		t.Errorf("expected unique constraint violation for duplicate name")
	}

	other := createTestConversation(t, repo, "other chat")
	again := &models.Participant{ConversationID: other.ID, Name: "Alice", Color: "#25D366"}
	if err := repo.CreateParticipant(again); err != nil {
		t.Errorf("same name in another conversation must be allowed: %v", err)
	}
}

func TestCreateMessageBatchReturnsOrderedIDs(t *testing.T) {
	repo := newTestRepo(t)
	conv := createTestConversation(t, repo, "chat")
	p := &models.Participant{ConversationID: conv.ID, Name: "Alice", Color: "#25D366"}
	if err := repo.CreateParticipant(p); err != nil {
		t.Fatalf("failed to create participant: %v", err)
	}

	base := time.Date(2024, 3, 12, 14, 0, 0, 0, time.UTC).Unix()
	msgs := []*models.Message{
		{ConversationID: conv.ID, ParticipantID: p.ID, SenderName: "Alice",
			Body: "one", Kind: models.MessageKindText, Timestamp: base, Fingerprint: "fp-1"},
		{ConversationID: conv.ID, SenderName: "", Body: "Alice created group",
			Kind: models.MessageKindSystem, Timestamp: base + 60, Fingerprint: "fp-2"},
		{ConversationID: conv.ID, ParticipantID: p.ID, SenderName: "Alice",
			Body: "three", Kind: models.MessageKindText, Timestamp: base + 120, Fingerprint: "fp-3"},
	}
	ids, err := repo.CreateMessageBatch(msgs)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}

	stored, err := repo.ListMessages(string(conv.ID), 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 stored messages, got %d", len(stored))
	}
	for i, m := range stored {
		if m.ID != ids[i] {
			t.Errorf("id %d out of order: batch said %s, stored %s", i, ids[i], m.ID)
		}
	}
	// System events carry no participant.
	if stored[1].ParticipantID != "" {
		t.Errorf("system message must have empty participant id, got %q", stored[1].ParticipantID)
	}
}

func TestMessageFingerprintUniquePerConversation(t *testing.T) {
	repo := newTestRepo(t)
	conv := createTestConversation(t, repo, "chat")

	msg := func(fp string) *models.Message {
		return &models.Message{ConversationID: conv.ID, SenderName: "Alice", Body: "hi",
			Kind: models.MessageKindText, Timestamp: 1700000000, Fingerprint: fp}
	}
	if _, err := repo.CreateMessageBatch([]*models.Message{msg("dup")}); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := repo.CreateMessageBatch([]*models.Message{msg("dup")}); err == nil {
		t.Errorf("expected fingerprint constraint violation")
	}
}

func TestListMessageFingerprints(t *testing.T) {
	repo := newTestRepo(t)
	conv := createTestConversation(t, repo, "chat")

	var msgs []*models.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, &models.Message{
			ConversationID: conv.ID, SenderName: "Alice", Body: "hi",
			Kind: models.MessageKindText, Timestamp: int64(1700000000 + i),
			Fingerprint: string(rune('a' + i)),
		})
	}
	if _, err := repo.CreateMessageBatch(msgs); err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	page1, err := repo.ListMessageFingerprints(string(conv.ID), 3, 0)
	if err != nil {
		t.Fatalf("page 1 failed: %v", err)
	}
	page2, err := repo.ListMessageFingerprints(string(conv.ID), 3, 3)
	if err != nil {
		t.Fatalf("page 2 failed: %v", err)
	}
	if len(page1)+len(page2) != 5 {
		t.Errorf("paging lost fingerprints: %d + %d", len(page1), len(page2))
	}
}

func TestUpdateConversationAggregates(t *testing.T) {
	repo := newTestRepo(t)
	conv := createTestConversation(t, repo, "chat")

	names := []string{"Alice", "Bob", "Carol"}
	participants := make([]*models.Participant, 0, len(names))
	for i, name := range names {
		p := &models.Participant{ConversationID: conv.ID, Name: name, Color: models.ParticipantColor(i)}
		if err := repo.CreateParticipant(p); err != nil {
			t.Fatalf("failed to create participant: %v", err)
		}
		participants = append(participants, p)
	}

	base := time.Date(2024, 3, 12, 14, 0, 0, 0, time.UTC).Unix()
	var msgs []*models.Message
	for i, p := range participants {
		msgs = append(msgs, &models.Message{
			ConversationID: conv.ID, ParticipantID: p.ID, SenderName: p.Name,
			Body: "hi", Kind: models.MessageKindText,
			Timestamp: base + int64(i*60), Fingerprint: string(rune('a' + i)),
		})
	}
	if _, err := repo.CreateMessageBatch(msgs); err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	if err := repo.RecomputeParticipantCounts(string(conv.ID)); err != nil {
		t.Fatalf("recompute counts failed: %v", err)
	}
	if err := repo.UpdateConversationAggregates(string(conv.ID)); err != nil {
		t.Fatalf("aggregates failed: %v", err)
	}

	got, err := repo.GetConversation(string(conv.ID))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.MessageCount != 3 {
		t.Errorf("expected 3 messages, got %d", got.MessageCount)
	}
	if got.ParticipantCount != 3 {
		t.Errorf("expected 3 participants, got %d", got.ParticipantCount)
	}
	if !got.IsGroup {
		t.Errorf("three participants must mark the conversation as a group")
	}
	if got.FirstMessageAt != base || got.LastMessageAt != base+120 {
		t.Errorf("time range wrong: %d..%d", got.FirstMessageAt, got.LastMessageAt)
	}

	stored, _ := repo.ListParticipants(string(conv.ID))
	for _, p := range stored {
		if p.MessageCount != 1 {
			t.Errorf("participant %s expected 1 message, got %d", p.Name, p.MessageCount)
		}
	}
}

func TestAttachmentDigestLookup(t *testing.T) {
	repo := newTestRepo(t)
	conv := createTestConversation(t, repo, "chat")
	ids, err := repo.CreateMessageBatch([]*models.Message{{
		ConversationID: conv.ID, SenderName: "Alice", Body: "[image omitted]",
		Kind: models.MessageKindImage, Timestamp: 1700000000, Fingerprint: "fp",
		HasAttachment: true,
	}})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	att := &models.Attachment{
		MessageID: ids[0], StorageKey: "conversations/x/media/pic.jpg",
		MediaKind: "image", MimeType: "image/jpeg", FileSize: 10,
		OriginalFilename: "pic.jpg", Digest: "digest-1",
	}
	if err := repo.CreateAttachment(att); err != nil {
		t.Fatalf("create attachment failed: %v", err)
	}

	found, err := repo.FindAttachmentByDigest("digest-1")
	if err != nil {
		t.Fatalf("digest lookup failed: %v", err)
	}
	if found.StorageKey != att.StorageKey {
		t.Errorf("wrong attachment found")
	}
	if _, err := repo.FindAttachmentByDigest("missing"); err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows for unknown digest, got %v", err)
	}

	list, err := repo.ListAttachments(string(ids[0]))
	if err != nil {
		t.Fatalf("list attachments failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 attachment, got %d", len(list))
	}
}

func TestShareToken(t *testing.T) {
	repo := newTestRepo(t)
	conv := createTestConversation(t, repo, "chat")

	token := conv.GenerateShareToken()
	if err := repo.SetShareToken(string(conv.ID), token); err != nil {
		t.Fatalf("set token failed: %v", err)
	}
	got, _ := repo.GetConversation(string(conv.ID))
	if got.ShareToken != token {
		t.Errorf("token not persisted")
	}

	if err := repo.SetShareToken(string(conv.ID), ""); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	got, _ = repo.GetConversation(string(conv.ID))
	if got.ShareToken != "" {
		t.Errorf("token not revoked")
	}

	if err := repo.SetShareToken("no-such-id", "x"); err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows for unknown conversation, got %v", err)
	}
}
