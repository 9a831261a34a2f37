package editor

import (
	"errors"
	"io/fs"

	"github.com/pbaille/problembank/internal/document"
)

const (
	CodeEditorUnavailable = "EDITOR_UNAVAILABLE"
	CodeClosed            = "DOC_CLOSED"
	CodeNoSelection       = "NO_SELECTION"
	CodeEmptyLiteral      = "EMPTY_LITERAL"
	CodeNotEditable       = "NOT_EDITABLE"
	CodeUnsupported       = "UNSUPPORTED_FORMAT"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidDocument   = "INVALID_DOCUMENT"
	CodeUnknownDoc        = "UNKNOWN_DOC"
	CodeUnknownMethod     = "UNKNOWN_METHOD"
)

var ErrUnavailable = errors.New("editor worker unavailable")

type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Unwrap maps worker error codes back onto the document sentinels.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeClosed:
		return document.ErrClosed
	case CodeNoSelection:
		return document.ErrNoSelection
	case CodeEmptyLiteral:
		return document.ErrEmptyLiteral
	case CodeNotEditable:
		return document.ErrNotEditable
	case CodeUnsupported:
		return document.ErrUnsupportedFormat
	case CodeNotFound:
		return fs.ErrNotExist
	case CodeInvalidDocument:
		return document.ErrInvalidDocument
	}
	return nil
}

// codeFor is the inverse of Unwrap.
func codeFor(err error) string {
	switch {
	case errors.Is(err, document.ErrClosed):
		return CodeClosed
	case errors.Is(err, document.ErrNoSelection):
		return CodeNoSelection
	case errors.Is(err, document.ErrEmptyLiteral):
		return CodeEmptyLiteral
	case errors.Is(err, document.ErrNotEditable):
		return CodeNotEditable
	case errors.Is(err, document.ErrUnsupportedFormat):
		return CodeUnsupported
	case errors.Is(err, fs.ErrNotExist):
		return CodeNotFound
	case errors.Is(err, document.ErrInvalidDocument):
		return CodeInvalidDocument
	}
	return ""
}

// documentFault reports whether err is about the document itself rather than
// the worker, so reopening it cannot help.
func documentFault(err error) bool {
	return errors.Is(err, document.ErrUnsupportedFormat) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, document.ErrInvalidDocument)
}
