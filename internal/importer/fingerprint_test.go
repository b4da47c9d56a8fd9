package importer

import (
	"strings"
	"testing"
	"time"
)

func TestFingerprintStable(t *testing.T) {
	ts := time.Date(2024, 3, 12, 14, 5, 0, 0, time.UTC)
	a := Fingerprint(ts, "Alice", "hello")
	b := Fingerprint(ts, "Alice", "hello")
	if a != b {
		t.Errorf("identical inputs must fingerprint identically")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(a))
	}
}

func TestFingerprintIgnoresSeconds(t *testing.T) {
	a := Fingerprint(time.Date(2024, 3, 12, 14, 5, 0, 0, time.UTC), "Alice", "hello")
	b := Fingerprint(time.Date(2024, 3, 12, 14, 5, 59, 0, time.UTC), "Alice", "hello")
	if a != b {
		t.Errorf("seconds within the same minute must not change the fingerprint")
	}
	c := Fingerprint(time.Date(2024, 3, 12, 14, 6, 0, 0, time.UTC), "Alice", "hello")
	if a == c {
		t.Errorf("a different minute must change the fingerprint")
	}
}

func TestFingerprintNormalizesSenderAndBody(t *testing.T) {
	ts := time.Date(2024, 3, 12, 14, 5, 0, 0, time.UTC)
	a := Fingerprint(ts, "Alice", "Hello World")
	b := Fingerprint(ts, "  alice  ", "  hello world  ")
	if a != b {
		t.Errorf("case and surrounding whitespace must not change the fingerprint")
	}
}

func TestFingerprintBodyWindow(t *testing.T) {
	ts := time.Date(2024, 3, 12, 14, 5, 0, 0, time.UTC)
	base := strings.Repeat("x", fingerprintBodyRunes)
	a := Fingerprint(ts, "Alice", base+"tail one")
	b := Fingerprint(ts, "Alice", base+"tail two")
	if a != b {
		t.Errorf("text beyond the body window must not change the fingerprint")
	}
	c := Fingerprint(ts, "Alice", "y"+base)
	if a == c {
		t.Errorf("text inside the body window must change the fingerprint")
	}
}

func TestFingerprintDistinguishesSenders(t *testing.T) {
	ts := time.Date(2024, 3, 12, 14, 5, 0, 0, time.UTC)
	if Fingerprint(ts, "Alice", "hello") == Fingerprint(ts, "Bob", "hello") {
		t.Errorf("different senders must fingerprint differently")
	}
}
