// Package replace substitutes field tokens in a document one occurrence at a
// time, using only find, delete-selection and insert-text.
package replace

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pbaille/problembank/internal/document"
	"github.com/pbaille/problembank/internal/logging"
)

// Outcome of a single Replace call.
type Outcome int

const (
	NotFound Outcome = iota
	Replaced
)

func (o Outcome) String() string {
	if o == Replaced {
		return "replaced"
	}
	return "not_found"
}

var ErrEmptyToken = errors.New("empty token")

type Engine struct {
	Logger *slog.Logger
}

func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{Logger: logger}
}

// Replace swaps the first occurrence of token in scope for value. A missing
// token is reported as NotFound, not as an error.
func (e *Engine) Replace(ed document.SafeEditor, scope document.Scope, token, value string) (Outcome, error) {
	if token == "" {
		return NotFound, ErrEmptyToken
	}
	found, err := ed.Find(scope, token)
	if err != nil {
		return NotFound, fmt.Errorf("find %s: %w", token, err)
	}
	if !found {
		e.Logger.Debug("replace.not_found", "token", token, "scope", scope.String())
		return NotFound, nil
	}
	if err := ed.DeleteSelection(); err != nil {
		return NotFound, fmt.Errorf("delete %s: %w", token, err)
	}
	if value != "" {
		if err := ed.InsertText(value); err != nil {
			return NotFound, fmt.Errorf("insert %s: %w", token, err)
		}
	}
	e.Logger.Debug("replace.done", "token", token, "scope", scope.String(), "chars", len(value))
	return Replaced, nil
}

// Count reports how many times token occurs in scope without editing.
func (e *Engine) Count(ed document.Reader, scope document.Scope, token string) (int, error) {
	if token == "" {
		return 0, ErrEmptyToken
	}
	text, err := ed.Text(scope)
	if err != nil {
		return 0, fmt.Errorf("read text: %w", err)
	}
	return strings.Count(text, token), nil
}
