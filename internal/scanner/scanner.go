// Package scanner partitions document text into raw problem blocks
// delimited by an open/close marker pair.
package scanner

import (
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/logging"
)

// WarningKind classifies a marker that did not produce a block.
type WarningKind string

const (
	WarnNestedOpen   WarningKind = "nested_open"
	WarnDanglingOpen WarningKind = "dangling_open"
	WarnStrayClose   WarningKind = "stray_close"
)

// Warning reports a discarded marker at Offset.
type Warning struct {
	Kind   WarningKind `json:"kind"`
	Offset int         `json:"offset"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s at offset %d", strings.ReplaceAll(string(w.Kind), "_", " "), w.Offset)
}

// Scanner recognizes Open/Close literally and case-sensitively.
type Scanner struct {
	Open   string
	Close  string
	Logger *slog.Logger
}

// New creates a Scanner for the given marker pair.
func New(open, close string, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scanner{Open: open, Close: close, Logger: logger}
}

// Segments returns a lazy sequence over the blocks of text, in document
// order. Ranging over it again rescans from the start.
func (s *Scanner) Segments(text string) iter.Seq[domain.Segment] {
	return func(yield func(domain.Segment) bool) {
		s.walk(text, yield, func(w Warning) {
			s.Logger.Warn("scanner."+string(w.Kind), "offset", w.Offset)
		})
	}
}

// Scan collects every segment and every warning in one pass.
func (s *Scanner) Scan(text string) ([]domain.Segment, []Warning) {
	var segs []domain.Segment
	var warns []Warning
	s.walk(text,
		func(seg domain.Segment) bool {
			segs = append(segs, seg)
			return true
		},
		func(w Warning) {
			s.Logger.Warn("scanner."+string(w.Kind), "offset", w.Offset)
			warns = append(warns, w)
		},
	)
	return segs, warns
}

func (s *Scanner) walk(text string, yield func(domain.Segment) bool, warn func(Warning)) {
	if s.Open == "" || s.Close == "" {
		return
	}
	pos := 0
	index := 0
	for pos < len(text) {
		open := indexFrom(text, s.Open, pos)
		if open < 0 {
			s.reportStray(text, pos, len(text), warn)
			return
		}
		s.reportStray(text, pos, open, warn)

		// awaiting close
		bodyStart := open + len(s.Open)
		close := indexFrom(text, s.Close, bodyStart)
		if close < 0 {
			warn(Warning{Kind: WarnDanglingOpen, Offset: open})
			return
		}
		// A later open before the close supersedes the pending one.
		for {
			next := strings.Index(text[bodyStart:close], s.Open)
			if next < 0 {
				break
			}
			warn(Warning{Kind: WarnNestedOpen, Offset: open})
			open = bodyStart + next
			bodyStart = open + len(s.Open)
		}

		end := close + len(s.Close)
		seg := domain.Segment{
			Index:   index,
			Start:   open,
			End:     end,
			Content: text[bodyStart:close],
		}
		if !yield(seg) {
			return
		}
		index++
		pos = end
	}
}

// reportStray warns about close markers found in text[from:to], where no
// open marker is pending.
func (s *Scanner) reportStray(text string, from, to int, warn func(Warning)) {
	for from < to {
		i := strings.Index(text[from:to], s.Close)
		if i < 0 {
			return
		}
		warn(Warning{Kind: WarnStrayClose, Offset: from + i})
		from += i + len(s.Close)
	}
}

func indexFrom(text, sub string, from int) int {
	if from > len(text) {
		return -1
	}
	i := strings.Index(text[from:], sub)
	if i < 0 {
		return -1
	}
	return from + i
}
