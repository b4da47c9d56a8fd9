package parser

import (
	"bufio"
	"io"
	"strings"
)

const (
	scanInitialBuf = 64 << 10
	scanMaxBuf     = 4 << 20
)

// Scanner walks a transcript one entry at a time. It holds no more than the
// entry under construction in memory, so arbitrarily large exports stream in
// constant space. A fresh Scanner over the same bytes yields the same entries.
type Scanner struct {
	parse   *Service
	scanner *bufio.Scanner
	current *Entry
	next    *Entry
	line    int
	done    bool
	err     error
}

// Scan returns a Scanner streaming entries from r.
func (s *Service) Scan(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, scanInitialBuf), scanMaxBuf)
	return &Scanner{scanner: sc, parse: s}
}

// Next advances to the following entry. It returns false at end of input or
// on a read error; check Err afterwards.
func (sc *Scanner) Next() bool {
	if sc.err != nil {
		return false
	}
	if sc.done {
		if sc.current != nil {
			sc.next = sc.current
			sc.current = nil
			return true
		}
		return false
	}

	for sc.scanner.Scan() {
		sc.line++
		raw := strings.TrimSuffix(sc.scanner.Text(), "\r")
		clean := CleanInvisible(raw)

		if ts, rest, ok := sc.parse.matchEntryLine(clean); ok {
			entry := sc.parse.decompose(ts, rest, sc.line)
			if sc.current != nil {
				sc.next = sc.current
				sc.current = entry
				return true
			}
			sc.current = entry
			continue
		}

		if strings.TrimSpace(clean) == "" {
			continue
		}

		if sc.current == nil {
			// A transcript that opens without a dated line is recorded
			// as a parse failure; trailing undated lines still attach.
			sc.current = &Entry{Kind: KindParseError, Body: clean, Line: sc.line}
			continue
		}

		// Continuation of a multi-line body. Leading whitespace on the
		// continuation line is part of the message and is preserved.
		sc.current.Body += "\n" + clean
	}

	if err := sc.scanner.Err(); err != nil {
		sc.err = err
		return false
	}

	sc.done = true
	if sc.current != nil {
		sc.next = sc.current
		sc.current = nil
		return true
	}
	return false
}

// Entry returns the entry produced by the last successful Next.
func (sc *Scanner) Entry() *Entry {
	return sc.next
}

// Err returns the first read error encountered, if any.
func (sc *Scanner) Err() error {
	return sc.err
}
