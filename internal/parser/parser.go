package parser

import (
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Invisible bidirectional/formatting code points that exports routinely
// embed; they corrupt naive prefix matching and must be stripped first.
var invisibleRunes = map[rune]bool{
	'‎': true, // left-to-right mark
	'‏': true, // right-to-left mark
	'‪': true, // left-to-right embedding
	'‫': true, // right-to-left embedding
	'‬': true, // pop directional formatting
	'‭': true, // left-to-right override
	'‮': true, // right-to-left override
	'⁦': true, // left-to-right isolate
	'⁧': true, // right-to-left isolate
	'⁨': true, // first strong isolate
	'⁩': true, // pop directional isolate
	'\uFEFF': true, // byte order mark
}

// CleanInvisible removes invisible Unicode formatting characters.
func CleanInvisible(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool { return invisibleRunes[r] }) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !invisibleRunes[r] {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// dateOrder says which of the two leading numeric fields is the day.
type dateOrder int

const (
	dayFirst dateOrder = iota // DD.MM.YYYY / DD/MM/YYYY
	monthFirst                // MM/DD/YY (US)
)

// datePattern is one entry-line shape. All patterns capture, in order:
// field A, field B, year, hour, minute, optional seconds, optional AM/PM
// marker, and the remainder of the line.
type datePattern struct {
	re    *regexp.Regexp
	order dateOrder
}

const timeTail = `,?\s+(\d{1,2}):(\d{2})(?::(\d{2}))?\s*([APap]\.?[Mm]\.?)?\]?\s*(?:-\s*)?(.*)$`

// Patterns are tried in a fixed priority order; the lenient fallback covers
// locales that render single-digit days without a leading zero.
var datePatterns = []datePattern{
	{regexp.MustCompile(`^\[?(\d{2})\.(\d{2})\.(\d{4})` + timeTail), dayFirst},
	{regexp.MustCompile(`^\[?(\d{2})/(\d{2})/(\d{4})` + timeTail), dayFirst},
	{regexp.MustCompile(`^\[?(\d{1,2})/(\d{1,2})/(\d{2})` + timeTail), monthFirst},
	{regexp.MustCompile(`^\[?(\d{1,2})[./-](\d{1,2})[./-](\d{2,4})` + timeTail), dayFirst},
}

// systemIndicators mark entries that carry no sender.
var systemIndicators = []string{
	"messages and calls are end-to-end encrypted",
	"created group",
	"created this group",
	"added",
	"removed",
	"left",
	"changed the subject",
	"changed this group's icon",
	"changed the group description",
	"you're now an admin",
	"security code changed",
	"missed voice call",
	"missed video call",
}

var (
	attachedRe     = regexp.MustCompile(`(?i)<attached:\s*([^>]+)>`)
	fileAttachedRe = regexp.MustCompile(`(?i)^([^<>]*\.[A-Za-z0-9]{2,4})\s*\(file attached\)$`)
)

// omittedMarkers are export phrases for stripped media with no filename.
var omittedMarkers = map[string]string{
	"image omitted":    MediaImage,
	"gif omitted":      MediaImage,
	"sticker omitted":  MediaImage,
	"video omitted":    MediaVideo,
	"audio omitted":    MediaAudio,
	"document omitted": MediaDocument,
}

// mediaExtensions maps recognized attachment extensions to media kinds.
var mediaExtensions = map[string]string{
	".jpg": MediaImage, ".jpeg": MediaImage, ".png": MediaImage,
	".gif": MediaImage, ".webp": MediaImage,
	".mp4": MediaVideo, ".mov": MediaVideo, ".avi": MediaVideo,
	".webm": MediaVideo, ".3gp": MediaVideo,
	".opus": MediaAudio, ".mp3": MediaAudio, ".m4a": MediaAudio,
	".ogg": MediaAudio, ".wav": MediaAudio,
	".pdf": MediaDocument, ".doc": MediaDocument, ".docx": MediaDocument,
	".xls": MediaDocument, ".xlsx": MediaDocument, ".ppt": MediaDocument,
	".pptx": MediaDocument, ".txt": MediaDocument, ".vcf": MediaDocument,
}

// Service parses chat transcripts. It is stateless and safe for
// concurrent use; re-parsing the same bytes is deterministic.
type Service struct{}

// NewService creates a new transcript parser.
func NewService() *Service {
	return &Service{}
}

// matchEntryLine tries the date patterns in priority order. It returns the
// parsed timestamp and the remainder of the line after the date prefix.
func (s *Service) matchEntryLine(line string) (time.Time, string, bool) {
	for _, p := range datePatterns {
		m := p.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ts, ok := buildTimestamp(m, p.order)
		if !ok {
			continue
		}
		return ts, m[8], true
	}
	return time.Time{}, "", false
}

// buildTimestamp assembles a timestamp from regex captures, rejecting
// out-of-range field values so the next pattern gets a chance.
func buildTimestamp(m []string, order dateOrder) (time.Time, bool) {
	a, _ := strconv.Atoi(m[1])
	b, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	second := 0
	if m[6] != "" {
		second, _ = strconv.Atoi(m[6])
	}

	day, month := a, b
	if order == monthFirst {
		day, month = b, a
	}

	if year < 100 {
		if year < 70 {
			year += 2000
		} else {
			year += 1900
		}
	}

	if meridiem := m[7]; meridiem != "" {
		hour = hour % 12
		if strings.HasPrefix(strings.ToUpper(meridiem), "P") {
			hour += 12
		}
	}

	if month < 1 || month > 12 || day < 1 || day > 31 ||
		hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, false
	}

	ts := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	// time.Date normalizes overflow (e.g. Feb 31); reject those too.
	if ts.Day() != day || ts.Month() != time.Month(month) {
		return time.Time{}, false
	}
	return ts, true
}

// decompose splits the post-date remainder into sender and body, detecting
// system events and attachment placeholders.
func (s *Service) decompose(ts time.Time, rest string, line int) *Entry {
	rest = strings.TrimSpace(rest)

	if isSystemText(rest) {
		return &Entry{Kind: KindSystem, Timestamp: ts, Body: rest, Line: line}
	}

	idx := strings.Index(rest, ":")
	if idx <= 0 {
		// No sender token: a system event without a known phrase.
		return &Entry{Kind: KindSystem, Timestamp: ts, Body: rest, Line: line}
	}

	sender := strings.TrimSpace(rest[:idx])
	body := strings.TrimSpace(rest[idx+1:])

	if isSystemText(body) {
		return &Entry{Kind: KindSystem, Timestamp: ts, Body: body, Line: line}
	}

	entry := &Entry{
		Kind:      KindMessage,
		Timestamp: ts,
		Sender:    sender,
		Body:      body,
		Line:      line,
	}

	if kind, filename, ok := detectAttachment(body); ok {
		entry.MediaKind = kind
		entry.AttachmentName = filename
		entry.Body = attachmentPlaceholder(kind)
	}

	return entry
}

// isSystemText reports whether content matches a known system-message phrase.
func isSystemText(content string) bool {
	lower := strings.ToLower(content)
	for _, indicator := range systemIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

// detectAttachment recognizes attachment placeholder bodies. The returned
// filename may be empty when the export stripped the media entirely.
func detectAttachment(body string) (kind, filename string, ok bool) {
	if m := attachedRe.FindStringSubmatch(body); m != nil {
		name := strings.TrimSpace(m[1])
		return kindForFilename(name), name, true
	}
	if m := fileAttachedRe.FindStringSubmatch(body); m != nil {
		name := strings.TrimSpace(m[1])
		if k, known := mediaExtensions[strings.ToLower(path.Ext(name))]; known {
			return k, name, true
		}
		return "", "", false
	}
	if k, known := omittedMarkers[strings.ToLower(strings.TrimSpace(body))]; known {
		return k, "", true
	}
	return "", "", false
}

// kindForFilename infers the media kind from a filename extension,
// defaulting to document.
func kindForFilename(name string) string {
	if k, ok := mediaExtensions[strings.ToLower(path.Ext(name))]; ok {
		return k
	}
	return MediaDocument
}

// attachmentPlaceholder is the body text stored in place of media content.
func attachmentPlaceholder(kind string) string {
	return "[" + kind + " omitted]"
}

// MediaKindForFilename exposes extension-based kind inference for callers
// linking bundle media files.
func MediaKindForFilename(name string) string {
	return kindForFilename(name)
}
