package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pbaille/problembank/internal/domain"
)

// AddWorksheet records a composed worksheet together with the saved file.
func (s *Store) AddWorksheet(w domain.Worksheet, data []byte) (*domain.Worksheet, error) {
	w.ID = newID()
	w.CreatedAt = time.Now().UTC()
	w.Size = len(data)
	if w.ProblemIDs == nil {
		w.ProblemIDs = []string{}
	}
	idsJSON, err := json.Marshal(w.ProblemIDs)
	if err != nil {
		return nil, fmt.Errorf("encode problem ids: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO worksheets (id, title, creator, template_path, output_path, problem_ids, numbered, size, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Title, w.Creator, w.TemplatePath, w.OutputPath, string(idsJSON), w.Numbered, w.Size, data, w.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert worksheet: %w", err)
	}
	return &w, nil
}

const worksheetColumns = "id, title, creator, template_path, output_path, problem_ids, numbered, size, created_at"

func scanWorksheet(row interface{ Scan(...any) error }) (*domain.Worksheet, error) {
	var (
		w       domain.Worksheet
		idsJSON string
	)
	err := row.Scan(&w.ID, &w.Title, &w.Creator, &w.TemplatePath, &w.OutputPath,
		&idsJSON, &w.Numbered, &w.Size, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &w.ProblemIDs); err != nil {
		return nil, fmt.Errorf("decode problem ids: %w", err)
	}
	return &w, nil
}

// ListWorksheets returns worksheet records, newest first
func (s *Store) ListWorksheets() ([]domain.Worksheet, error) {
	rows, err := s.db.Query("SELECT " + worksheetColumns + " FROM worksheets ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("list worksheets: %w", err)
	}
	defer rows.Close()

	var out []domain.Worksheet
	for rows.Next() {
		w, err := scanWorksheet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worksheet: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *Store) GetWorksheet(id string) (*domain.Worksheet, error) {
	w, err := scanWorksheet(s.db.QueryRow("SELECT "+worksheetColumns+" FROM worksheets WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get worksheet %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get worksheet: %w", err)
	}
	return w, nil
}

// WorksheetData returns the saved file of a worksheet record
func (s *Store) WorksheetData(id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM worksheets WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worksheet %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get worksheet data: %w", err)
	}
	return data, nil
}
