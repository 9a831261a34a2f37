package bank

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/store"
)

// Original returns a problem together with the bytes of the document it
// was extracted from.
func (s *Service) Original(problemID string) (*domain.Problem, []byte, error) {
	p, err := s.Store.GetProblem(problemID)
	if err != nil {
		return nil, nil, err
	}
	if p.OriginalID == "" {
		return nil, nil, fmt.Errorf("problem %s has no stored original: %w", problemID, store.ErrNotFound)
	}
	data, err := s.Store.GetOriginal(p.OriginalID)
	if err != nil {
		return nil, nil, err
	}
	return p, data, nil
}

// RestoreOriginal writes the source document of a problem to path,
// byte for byte. An existing file at path is left alone and reported
// as fs.ErrExist.
func (s *Service) RestoreOriginal(problemID, path string) (*domain.Problem, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: output path is required", ErrInvalidRequest)
	}
	p, data, err := s.Original(problemID)
	if err != nil {
		return nil, err
	}
	if err := writeNew(path, data); err != nil {
		return nil, fmt.Errorf("restore original: %w", err)
	}
	s.Logger.Info("bank.original_restored", "problem", p.ID, "original", p.OriginalID, "path", path)
	return p, nil
}

// Reingest extracts a source again from its stored original, replacing its
// records. Tags set since the last ingest are lost; the records get the
// source's default tags again. A source built from more than one document
// must be ingested document by document instead.
func (s *Service) Reingest(ctx context.Context, sourceID, creator string) (*IngestResult, error) {
	src, err := s.Store.GetSource(sourceID)
	if err != nil {
		return nil, err
	}
	problems, err := s.Store.ListBySource(src.ID)
	if err != nil {
		return nil, err
	}
	var from *domain.Problem
	for i, p := range problems {
		switch {
		case p.OriginalID == "":
		case from == nil:
			from = &problems[i]
		case p.OriginalID != from.OriginalID:
			return nil, fmt.Errorf("%w: source %s was ingested from more than one document", ErrInvalidRequest, src.ID)
		}
	}
	if from == nil {
		return nil, fmt.Errorf("%w: source %s has no stored original", ErrInvalidRequest, src.ID)
	}
	if creator == "" {
		creator = from.Creator
	}
	data, err := s.Store.GetOriginal(from.OriginalID)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "pbank-reingest-*")
	if err != nil {
		return nil, fmt.Errorf("reingest: %w", err)
	}
	defer os.RemoveAll(dir)
	readPath := filepath.Join(dir, filepath.Base(from.OriginalPath))
	if err := os.WriteFile(readPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("reingest: %w", err)
	}

	doc := sourceDocument{readPath: readPath, recordPath: from.OriginalPath, data: data}
	return s.ingest(ctx, src, doc, IngestReplace, creator)
}

// writeNew creates path with data, refusing to replace an existing file.
func writeNew(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return errors.Join(err, f.Close())
}
