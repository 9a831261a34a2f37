package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pbaille/problembank/internal/document"
	"github.com/pbaille/problembank/internal/logging"
)

// Opener opens documents through a worker Client.
type Opener struct {
	Client Client
	Logger *slog.Logger
}

var _ document.Opener = (*Opener)(nil)

func (o *Opener) Open(ctx context.Context, path string, opts document.OpenOptions) (document.Session, error) {
	logger := o.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	var out struct {
		DocID string `json:"doc_id"`
	}
	err := o.Client.Call(ctx, "DocOpen", map[string]any{"path": path, "visible": opts.Visible}, &out)
	if err != nil {
		if documentFault(err) {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return nil, &document.SessionAcquisitionError{Path: path, Err: err}
	}
	if out.DocID == "" {
		return nil, &document.SessionAcquisitionError{Path: path, Err: errors.New("worker returned no document id")}
	}
	logger.Debug("editor.doc_open", "path", path, "doc_id", out.DocID)
	return &Session{client: o.Client, id: out.DocID, logger: logger}, nil
}

// Session is a document session held by the worker. Calls are serialized.
type Session struct {
	mu     sync.Mutex
	client Client
	id     string
	closed bool
	logger *slog.Logger
}

var _ document.Session = (*Session)(nil)

func (s *Session) ID() string { return s.id }

func (s *Session) call(method string, params map[string]any, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return document.ErrClosed
	}
	params["doc_id"] = s.id
	if err := s.client.Call(context.Background(), method, params, result); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (s *Session) Text(scope document.Scope) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	if err := s.call("DocText", map[string]any{"scope": scope.String()}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (s *Session) Structure() (document.Structure, error) {
	var out document.Structure
	if err := s.call("DocStructure", map[string]any{}, &out); err != nil {
		return document.Structure{}, err
	}
	return out, nil
}

func (s *Session) Find(scope document.Scope, literal string) (bool, error) {
	if literal == "" {
		return false, document.ErrEmptyLiteral
	}
	var out struct {
		Found bool `json:"found"`
	}
	if err := s.call("DocFind", map[string]any{"scope": scope.String(), "literal": literal}, &out); err != nil {
		return false, err
	}
	return out.Found, nil
}

func (s *Session) DeleteSelection() error {
	return s.call("DocDeleteSelection", map[string]any{}, nil)
}

func (s *Session) InsertText(text string) error {
	return s.call("DocInsertText", map[string]any{"text": text}, nil)
}

func (s *Session) Save(path string) error {
	return s.call("DocSave", map[string]any{"path": path}, nil)
}

// Close releases the worker document. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	err := s.call("DocClose", map[string]any{}, nil)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("editor.doc_close_failed", "doc_id", s.id, "error", err.Error())
	}
	return err
}
