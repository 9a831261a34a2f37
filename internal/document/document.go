// Package document is the access layer over word-processor documents.
//
// Editing capabilities are split in two disjoint interfaces. SafeEditor covers
// find, delete-selection and insert-text, which only ever change text inside
// existing runs. StructuralEditor covers commands that may create or alter
// document structure. Code that must not restructure a document takes a
// SafeEditor.
package document

import (
	"context"
	"errors"
	"fmt"
)

// Scope restricts reads and searches to a family of regions.
type Scope int

const (
	// ScopeDocument covers header regions, then the body, then footer regions.
	ScopeDocument Scope = iota
	ScopeBody
	ScopeHeader
	ScopeFooter
)

func (s Scope) String() string {
	switch s {
	case ScopeDocument:
		return "document"
	case ScopeBody:
		return "body"
	case ScopeHeader:
		return "header"
	case ScopeFooter:
		return "footer"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// ParseScope is the inverse of Scope.String.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "document":
		return ScopeDocument, nil
	case "body":
		return ScopeBody, nil
	case "header":
		return ScopeHeader, nil
	case "footer":
		return ScopeFooter, nil
	}
	return ScopeDocument, fmt.Errorf("unknown scope %q", s)
}

type RegionKind string

const (
	RegionHeader RegionKind = "header"
	RegionBody   RegionKind = "body"
	RegionFooter RegionKind = "footer"
)

// RegionInfo describes one region of an open document.
type RegionInfo struct {
	Kind   RegionKind `json:"kind"`
	Name   string     `json:"name,omitempty"`
	Tables int        `json:"tables"`
}

// Structure is the shape of a document, used to detect structural damage.
type Structure struct {
	Regions []RegionInfo `json:"regions"`
}

// Count returns the number of regions of the given kind.
func (s Structure) Count(kind RegionKind) int {
	n := 0
	for _, r := range s.Regions {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

// Tables returns the number of tables in regions of the given kind.
func (s Structure) Tables(kind RegionKind) int {
	n := 0
	for _, r := range s.Regions {
		if r.Kind == kind {
			n += r.Tables
		}
	}
	return n
}

type Reader interface {
	Text(scope Scope) (string, error)
	Structure() (Structure, error)
}

// SafeEditor edits text without touching structure.
type SafeEditor interface {
	Reader
	// Find selects the first occurrence of literal in scope, in document
	// order. Matches never span two regions.
	Find(scope Scope, literal string) (bool, error)
	// DeleteSelection removes the selected text; the cursor collapses to
	// where the selection started.
	DeleteSelection() error
	// InsertText inserts at the cursor and moves the cursor after the text.
	InsertText(text string) error
}

// StructuralEditor holds the commands that can restructure a document.
// Nothing in the token pipeline depends on it outside diagnostic comparison.
type StructuralEditor interface {
	EnterRegion(kind RegionKind) error
	ExitRegion() error
	ReplaceAll(scope Scope, find, replace string) (int, error)
}

// Session is one exclusive editing session over a document.
type Session interface {
	SafeEditor
	Save(path string) error
	Close() error
}

type OpenOptions struct {
	// Visible asks an external editor to show its window.
	Visible bool
}

type Opener interface {
	Open(ctx context.Context, path string, opts OpenOptions) (Session, error)
}

var (
	ErrClosed            = errors.New("session closed")
	ErrNoSelection       = errors.New("no selection")
	ErrEmptyLiteral      = errors.New("empty search literal")
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrNotEditable       = errors.New("edit touches non-text content")
	ErrInvalidDocument   = errors.New("document could not be parsed")
)

// SessionAcquisitionError means the editor could not be reached or gave no
// session. It is transient and callers may retry it. A document that is
// missing or unreadable is reported with a plain error instead.
type SessionAcquisitionError struct {
	Path string
	Err  error
}

func (e *SessionAcquisitionError) Error() string {
	return fmt.Sprintf("acquire session for %s: %v", e.Path, e.Err)
}

func (e *SessionAcquisitionError) Unwrap() error { return e.Err }
