package editor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pbaille/problembank/internal/document"
)

// Local answers worker calls in-process over document sessions. It is the
// worker behind `pbank worker` and, through NewFake, the fake in tests.
type Local struct {
	mu     sync.Mutex
	opener document.Opener
	memory map[string]*document.Memory
	docs   map[string]document.Session
	name   string

	// FailOpens makes the next n DocOpen calls report the worker unavailable.
	FailOpens int
}

// NewLocal serves documents opened through opener.
func NewLocal(opener document.Opener) *Local {
	return &Local{
		opener: opener,
		memory: map[string]*document.Memory{},
		docs:   map[string]document.Session{},
		name:   "local",
	}
}

// NewFake serves only documents registered with Register.
func NewFake() *Local {
	l := NewLocal(nil)
	l.name = "fake"
	return l
}

// Register makes DocOpen on path return doc.
func (l *Local) Register(path string, doc *document.Memory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.memory[path] = doc
}

// Open reports the number of documents currently open.
func (l *Local) Open() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.docs)
}

type docParams struct {
	DocID   string `json:"doc_id"`
	Path    string `json:"path"`
	Visible bool   `json:"visible"`
	Scope   string `json:"scope"`
	Literal string `json:"literal"`
	Text    string `json:"text"`
}

func (l *Local) Call(ctx context.Context, method string, params any, result any) error {
	var p docParams
	data, _ := json.Marshal(params)
	_ = json.Unmarshal(data, &p)

	switch method {
	case "WorkerGetInfo":
		return assignResult(result, Info{OK: true, Worker: l.name})
	case "DocOpen":
		return l.open(ctx, p, result)
	}

	l.mu.Lock()
	doc, ok := l.docs[p.DocID]
	l.mu.Unlock()
	if !ok {
		return &RemoteError{Code: CodeUnknownDoc, Message: fmt.Sprintf("unknown document %q", p.DocID)}
	}

	switch method {
	case "DocText":
		scope, err := document.ParseScope(p.Scope)
		if err != nil {
			return remote(err)
		}
		text, err := doc.Text(scope)
		if err != nil {
			return remote(err)
		}
		return assignResult(result, map[string]any{"text": text})
	case "DocStructure":
		st, err := doc.Structure()
		if err != nil {
			return remote(err)
		}
		return assignResult(result, st)
	case "DocFind":
		scope, err := document.ParseScope(p.Scope)
		if err != nil {
			return remote(err)
		}
		found, err := doc.Find(scope, p.Literal)
		if err != nil {
			return remote(err)
		}
		return assignResult(result, map[string]any{"found": found})
	case "DocDeleteSelection":
		return remote(doc.DeleteSelection())
	case "DocInsertText":
		return remote(doc.InsertText(p.Text))
	case "DocSave":
		return remote(doc.Save(p.Path))
	case "DocClose":
		l.mu.Lock()
		delete(l.docs, p.DocID)
		l.mu.Unlock()
		return remote(doc.Close())
	}
	return &RemoteError{Code: CodeUnknownMethod, Message: method}
}

func (l *Local) open(ctx context.Context, p docParams, result any) error {
	l.mu.Lock()
	if l.FailOpens > 0 {
		l.FailOpens--
		l.mu.Unlock()
		return ErrUnavailable
	}
	var doc document.Session
	if m, ok := l.memory[p.Path]; ok {
		doc = m
	}
	l.mu.Unlock()

	if doc == nil {
		if l.opener == nil {
			return &RemoteError{Code: CodeNotFound, Message: fmt.Sprintf("no document registered at %s", p.Path)}
		}
		var err error
		doc, err = l.opener.Open(ctx, p.Path, document.OpenOptions{Visible: p.Visible})
		if err != nil {
			return remote(err)
		}
	}

	id := uuid.NewString()
	l.mu.Lock()
	l.docs[id] = doc
	l.mu.Unlock()
	return assignResult(result, map[string]any{"doc_id": id})
}

// Close closes every open document.
func (l *Local) Close() error {
	l.mu.Lock()
	docs := l.docs
	l.docs = map[string]document.Session{}
	l.mu.Unlock()
	for _, d := range docs {
		_ = d.Close()
	}
	return nil
}

func remote(err error) error {
	if err == nil {
		return nil
	}
	return &RemoteError{Code: codeFor(err), Message: err.Error()}
}

func assignResult(result any, value any) error {
	if result == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}
