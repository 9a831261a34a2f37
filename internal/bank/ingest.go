package bank

import (
	"context"
	"fmt"
	"os"

	"github.com/pbaille/problembank/internal/document"
	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/extract"
)

type IngestMode string

const (
	// IngestReplace swaps the source's records for the new ones in one step.
	IngestReplace IngestMode = "replace"
	// IngestAppend keeps existing records.
	IngestAppend IngestMode = "append"
)

type IngestRequest struct {
	SourceID string     `json:"source_id" validate:"required"`
	Path     string     `json:"path" validate:"required"`
	Mode     IngestMode `json:"mode" validate:"omitempty,oneof=replace append"`
	Creator  string     `json:"creator"`
}

// BlockFailure reports a block that could not be turned into a record.
type BlockFailure struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type IngestResult struct {
	SourceID string         `json:"source_id"`
	Created  int            `json:"created"`
	Deleted  int            `json:"deleted"`
	Total    int            `json:"total"`
	Failures []BlockFailure `json:"failures,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// Ingest extracts every problem block from the document at req.Path and
// stores one record per well-formed block under req.SourceID.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.Mode == "" {
		req.Mode = IngestReplace
	}
	if req.Mode != IngestReplace && req.Mode != IngestAppend {
		return nil, fmt.Errorf("%w: unknown ingest mode %q", ErrInvalidRequest, req.Mode)
	}
	src, err := s.Store.GetSource(req.SourceID)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, fmt.Errorf("read source document: %w", err)
	}
	return s.ingest(ctx, src, sourceDocument{readPath: req.Path, recordPath: req.Path, data: raw}, req.Mode, req.Creator)
}

// sourceDocument is a document about to be ingested. readPath is where the
// editor opens it; recordPath is the path stored on each record.
type sourceDocument struct {
	readPath   string
	recordPath string
	data       []byte
}

func (s *Service) ingest(ctx context.Context, src *domain.Source, doc sourceDocument, mode IngestMode, creator string) (*IngestResult, error) {
	text, err := s.readBody(ctx, doc.readPath)
	if err != nil {
		return nil, err
	}
	ext := s.Extractor.Extract(src.ID, text)

	res := &IngestResult{SourceID: src.ID}
	for _, f := range ext.Failures {
		res.Failures = append(res.Failures, BlockFailure{Index: f.Index, Reason: f.Error()})
	}
	for _, w := range ext.Warnings {
		res.Warnings = append(res.Warnings, w.String())
	}

	originalID, err := s.Store.PutOriginal(doc.data)
	if err != nil {
		return nil, err
	}
	problems := make([]domain.Problem, 0, len(ext.Problems))
	for _, p := range ext.Problems {
		p.Tags = src.DefaultTags.Merge(p.Tags)
		p.OriginalID = originalID
		p.OriginalPath = doc.recordPath
		p.Creator = creator
		problems = append(problems, p)
	}
	batch, err := s.Store.StoreIngest(src.ID, problems, mode == IngestReplace)
	if err != nil {
		return nil, err
	}
	res.Created, res.Deleted, res.Total = batch.Created, batch.Deleted, batch.Total

	s.Logger.Info("bank.ingested", "source", src.ID, "mode", mode,
		"created", res.Created, "deleted", res.Deleted, "failures", len(res.Failures))
	return res, nil
}

// Scan extracts the document at path without storing anything.
func (s *Service) Scan(ctx context.Context, path string) (extract.Result, error) {
	text, err := s.readBody(ctx, path)
	if err != nil {
		return extract.Result{}, err
	}
	return s.Extractor.Extract("", text), nil
}

func (s *Service) readBody(ctx context.Context, path string) (string, error) {
	sess, err := s.acquire(ctx, path, document.OpenOptions{})
	if err != nil {
		return "", err
	}
	defer s.closeSession(sess, path)

	text, err := sess.Text(document.ScopeBody)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return text, nil
}
