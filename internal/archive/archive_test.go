package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"

	apperrors "github.com/kimhsiao/chatvault/backend/internal/errors"
)

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("failed to create zip entry: %v", err)
		}
		w.Write(data)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	return buf.Bytes()
}

func TestOpenPlainTranscript(t *testing.T) {
	data := []byte("12.03.2024, 14:05 - Alice: hi\n")
	b, err := Open(data, "WhatsApp Chat with Alice.txt")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	got, _ := io.ReadAll(b.Transcript())
	if !bytes.Equal(got, data) {
		t.Errorf("transcript mismatch")
	}
	if len(b.MediaNames()) != 0 {
		t.Errorf("plain transcript must carry no media")
	}
	if b.ConversationName() != "Alice" {
		t.Errorf("expected name Alice, got %q", b.ConversationName())
	}
}

func TestOpenZipBundle(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"WhatsApp Chat with Bob.txt": []byte("12.03.2024, 14:05 - Bob: hi\n"),
		"IMG-001.jpg":                []byte("jpeg bytes"),
		"__MACOSX/._junk":            []byte("resource fork"),
		".DS_Store":                  []byte("finder noise"),
	})

	b, err := Open(data, "export.zip")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if b.TranscriptName() != "WhatsApp Chat with Bob.txt" {
		t.Errorf("unexpected transcript name: %q", b.TranscriptName())
	}
	if b.ConversationName() != "Bob" {
		t.Errorf("expected name Bob, got %q", b.ConversationName())
	}

	names := b.MediaNames()
	if len(names) != 1 || names[0] != "IMG-001.jpg" {
		t.Errorf("expected exactly IMG-001.jpg, got %v", names)
	}
	if !b.HasMedia("IMG-001.jpg") {
		t.Errorf("expected bundled media to be visible")
	}
	media, err := b.ReadMedia("IMG-001.jpg")
	if err != nil {
		t.Fatalf("read media failed: %v", err)
	}
	if string(media) != "jpeg bytes" {
		t.Errorf("media content mismatch")
	}
}

func TestOpenZipWithoutTranscript(t *testing.T) {
	data := buildZip(t, map[string][]byte{"IMG-001.jpg": []byte("x")})
	_, err := Open(data, "export.zip")
	if !apperrors.Is(err, apperrors.ErrCorruptedBundle) {
		t.Errorf("expected CORRUPTED_BUNDLE, got %v", err)
	}
}

func TestOpenZipWithMultipleTranscripts(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"a.txt": []byte("x"),
		"b.txt": []byte("y"),
	})
	_, err := Open(data, "export.zip")
	if !apperrors.Is(err, apperrors.ErrCorruptedBundle) {
		t.Errorf("expected CORRUPTED_BUNDLE, got %v", err)
	}
}

func TestReadMissingMedia(t *testing.T) {
	b, err := Open([]byte("plain"), "chat.txt")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := b.ReadMedia("nope.jpg"); err == nil {
		t.Errorf("expected error for missing media")
	}
}

func TestConversationNameFallback(t *testing.T) {
	b, _ := Open([]byte("plain"), "WhatsApp Chat with .txt")
	if b.ConversationName() != "Imported Chat" {
		t.Errorf("expected fallback name, got %q", b.ConversationName())
	}
}

func TestIsZip(t *testing.T) {
	if IsZip([]byte("just text")) {
		t.Errorf("text misdetected as zip")
	}
	if !IsZip(buildZip(t, map[string][]byte{"a.txt": []byte("x")})) {
		t.Errorf("zip not detected")
	}
}
