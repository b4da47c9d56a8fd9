// Package archive unpacks export bundles: either a bare transcript or a zip
// containing the transcript plus its media files.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/kimhsiao/chatvault/backend/internal/errors"
)

// Bundle is an opened export. Plain-text uploads produce a bundle with a
// transcript and no media.
type Bundle struct {
	transcript     []byte
	transcriptName string
	media          map[string]*zip.File
	reader         *zip.Reader
}

// IsZip sniffs whether data is a zip archive.
func IsZip(data []byte) bool {
	return mimetype.Detect(data).Is("application/zip")
}

// Open interprets data as an export bundle. Zip archives must contain exactly
// one usable transcript; anything else is a corrupted bundle. Non-zip data is
// treated as a bare transcript.
func Open(data []byte, filename string) (*Bundle, error) {
	if !IsZip(data) {
		return &Bundle{
			transcript:     data,
			transcriptName: filename,
			media:          map[string]*zip.File{},
		}, nil
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedBundle, "unreadable zip archive", err)
	}

	b := &Bundle{media: map[string]*zip.File{}, reader: zr}
	var transcripts []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || junkEntry(f.Name) {
			continue
		}
		base := path.Base(f.Name)
		if strings.EqualFold(path.Ext(base), ".txt") {
			transcripts = append(transcripts, f)
			continue
		}
		b.media[base] = f
	}

	switch len(transcripts) {
	case 0:
		return nil, apperrors.New(apperrors.ErrCorruptedBundle, "archive contains no transcript")
	case 1:
	default:
		return nil, apperrors.Newf(apperrors.ErrCorruptedBundle,
			"archive contains %d transcripts, expected one", len(transcripts))
	}

	tf := transcripts[0]
	rc, err := tf.Open()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedBundle, "failed to open transcript", err)
	}
	defer rc.Close()
	b.transcript, err = io.ReadAll(rc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedBundle, "failed to read transcript", err)
	}
	b.transcriptName = path.Base(tf.Name)
	return b, nil
}

// junkEntry filters archive noise that is not part of the export.
func junkEntry(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") {
		return true
	}
	base := path.Base(name)
	return base == ".DS_Store" || strings.HasPrefix(base, "._")
}

// Transcript returns a reader over the transcript bytes. Each call returns an
// independent reader positioned at the start.
func (b *Bundle) Transcript() io.Reader {
	return bytes.NewReader(b.transcript)
}

// TranscriptName returns the transcript filename inside the bundle.
func (b *Bundle) TranscriptName() string {
	return b.transcriptName
}

// MediaNames lists the media filenames bundled alongside the transcript.
func (b *Bundle) MediaNames() []string {
	names := make([]string, 0, len(b.media))
	for name := range b.media {
		names = append(names, name)
	}
	return names
}

// HasMedia reports whether the bundle carries a media file with this name.
func (b *Bundle) HasMedia(name string) bool {
	_, ok := b.media[name]
	return ok
}

// ReadMedia returns the bytes of a bundled media file.
func (b *Bundle) ReadMedia(name string) ([]byte, error) {
	f, ok := b.media[name]
	if !ok {
		return nil, fmt.Errorf("media file not in bundle: %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedBundle, "failed to open media file", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedBundle, "failed to read media file", err)
	}
	return data, nil
}

// ConversationName derives a display name from the transcript filename,
// stripping the export prefix and extension.
func (b *Bundle) ConversationName() string {
	name := strings.TrimSuffix(b.transcriptName, path.Ext(b.transcriptName))
	for _, prefix := range []string{"WhatsApp Chat with ", "WhatsApp Chat - "} {
		if strings.HasPrefix(name, prefix) {
			name = strings.TrimPrefix(name, prefix)
			break
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Imported Chat"
	}
	return name
}
