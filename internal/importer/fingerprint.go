package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// fingerprintBodyRunes bounds how much body text feeds the fingerprint, so
// long messages hash cheaply and trailing edits beyond the window dedupe.
const fingerprintBodyRunes = 100

// Fingerprint derives the content identity of a message. Two exports of the
// same message fingerprint identically even when devices disagree on seconds
// precision, sender-name casing, or surrounding whitespace: the timestamp is
// rounded down to the minute and sender/body are normalized before hashing.
func Fingerprint(ts time.Time, sender, body string) string {
	minute := ts.UTC().Truncate(time.Minute).Unix()
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s", minute, normalize(sender), normalizeBody(body))
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeBody(s string) string {
	s = normalize(s)
	runes := []rune(s)
	if len(runes) > fingerprintBodyRunes {
		runes = runes[:fingerprintBodyRunes]
	}
	return string(runes)
}
