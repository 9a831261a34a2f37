package store

import (
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pbaille/problembank/internal/domain"
)

//go:embed schema.sql
var schema string

var (
	ErrNotFound  = errors.New("not found")
	ErrAmbiguous = errors.New("ambiguous id prefix")
)

// Store handles database operations
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer, and one shared database for ":memory:"
	db.SetMaxOpenConns(1)

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}

// CreateSource registers a source document
func (s *Store) CreateSource(name string, kind domain.SourceKind, defaultTags domain.Tags) (*domain.Source, error) {
	if defaultTags == nil {
		defaultTags = domain.Tags{}
	}
	tagsJSON, err := json.Marshal(defaultTags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	src := &domain.Source{
		ID:          newID(),
		Name:        name,
		Kind:        kind,
		DefaultTags: defaultTags,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.Exec(
		"INSERT INTO sources (id, name, kind, default_tags, created_at) VALUES (?, ?, ?, ?, ?)",
		src.ID, src.Name, string(src.Kind), string(tagsJSON), src.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert source: %w", err)
	}
	return src, nil
}

const sourceColumns = "id, name, kind, default_tags, problem_count, parsed_at, created_at"

func scanSource(row interface{ Scan(...any) error }) (*domain.Source, error) {
	var (
		src      domain.Source
		kind     string
		tagsJSON string
		parsedAt sql.NullTime
	)
	if err := row.Scan(&src.ID, &src.Name, &kind, &tagsJSON, &src.ProblemCount, &parsedAt, &src.CreatedAt); err != nil {
		return nil, err
	}
	src.Kind = domain.SourceKind(kind)
	if err := json.Unmarshal([]byte(tagsJSON), &src.DefaultTags); err != nil {
		return nil, fmt.Errorf("decode source tags: %w", err)
	}
	if parsedAt.Valid {
		t := parsedAt.Time
		src.ParsedAt = &t
	}
	return &src, nil
}

// GetSource retrieves a source by ID
func (s *Store) GetSource(id string) (*domain.Source, error) {
	src, err := scanSource(s.db.QueryRow("SELECT "+sourceColumns+" FROM sources WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// ListSources returns every source, oldest first
func (s *Store) ListSources() ([]domain.Source, error) {
	rows, err := s.db.Query("SELECT " + sourceColumns + " FROM sources ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// MarkSourceParsed records the problem count and parse time of a source
func (s *Store) MarkSourceParsed(id string, count int) error {
	res, err := s.db.Exec(
		"UPDATE sources SET problem_count = ?, parsed_at = ? WHERE id = ?",
		count, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark source parsed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark source parsed %s: %w", id, ErrNotFound)
	}
	return nil
}

// PutOriginal stores document bytes keyed by their SHA-256 and returns the key.
// Storing the same bytes twice keeps one copy.
func (s *Store) PutOriginal(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO originals (id, size, data, created_at) VALUES (?, ?, ?, ?)",
		id, len(data), data, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert original: %w", err)
	}
	return id, nil
}

// GetOriginal returns the stored bytes for id
func (s *Store) GetOriginal(id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM originals WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get original %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get original: %w", err)
	}
	return data, nil
}

// AddProblem inserts a problem with its tags and returns the stored record
func (s *Store) AddProblem(p domain.Problem) (*domain.Problem, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := addProblem(tx, &p); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &p, nil
}

// addProblem assigns p its id and creation time and inserts it.
func addProblem(tx *sql.Tx, p *domain.Problem) error {
	p.ID = newID()
	p.CreatedAt = time.Now().UTC()
	if p.Tags == nil {
		p.Tags = domain.Tags{}
	}
	regionsJSON, err := json.Marshal(nonNilRegions(p.Regions))
	if err != nil {
		return fmt.Errorf("encode regions: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO problems (id, source_id, block_index, stem, regions, text, original_id, original_path, creator, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SourceID, p.BlockIndex, p.Stem, string(regionsJSON), p.Text,
		nullString(p.OriginalID), p.OriginalPath, p.Creator, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert problem: %w", err)
	}
	return insertTags(tx, p.ID, p.Tags)
}

func insertTags(tx *sql.Tx, problemID string, tags domain.Tags) error {
	for category, values := range tags {
		for _, v := range values {
			_, err := tx.Exec(
				"INSERT OR IGNORE INTO problem_tags (problem_id, category, value) VALUES (?, ?, ?)",
				problemID, category, v,
			)
			if err != nil {
				return fmt.Errorf("insert tag: %w", err)
			}
		}
	}
	return nil
}

// SetTags replaces all tags of a problem
func (s *Store) SetTags(problemID string, tags domain.Tags) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM problems WHERE id = ?", problemID).Scan(&exists); err != nil {
		return fmt.Errorf("find problem: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("set tags %s: %w", problemID, ErrNotFound)
	}
	if _, err := tx.Exec("DELETE FROM problem_tags WHERE problem_id = ?", problemID); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	if err := insertTags(tx, problemID, tags); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const problemColumns = "id, source_id, block_index, stem, regions, text, original_id, original_path, creator, created_at"

func scanProblem(row interface{ Scan(...any) error }) (*domain.Problem, error) {
	var (
		p           domain.Problem
		regionsJSON string
		originalID  sql.NullString
	)
	err := row.Scan(&p.ID, &p.SourceID, &p.BlockIndex, &p.Stem, &regionsJSON, &p.Text,
		&originalID, &p.OriginalPath, &p.Creator, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.OriginalID = originalID.String
	if err := json.Unmarshal([]byte(regionsJSON), &p.Regions); err != nil {
		return nil, fmt.Errorf("decode regions: %w", err)
	}
	if len(p.Regions) == 0 {
		p.Regions = nil
	}
	return &p, nil
}

// GetProblem retrieves a problem by ID with its tags
func (s *Store) GetProblem(id string) (*domain.Problem, error) {
	p, err := scanProblem(s.db.QueryRow("SELECT "+problemColumns+" FROM problems WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get problem %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get problem: %w", err)
	}

	// Get associated tags
	tags, err := s.GetTags(id)
	if err != nil {
		return nil, err
	}
	p.Tags = tags
	return p, nil
}

// GetTags returns all tags of a problem
func (s *Store) GetTags(problemID string) (domain.Tags, error) {
	rows, err := s.db.Query(
		"SELECT category, value FROM problem_tags WHERE problem_id = ? ORDER BY category, value",
		problemID,
	)
	if err != nil {
		return nil, fmt.Errorf("get tags: %w", err)
	}
	defer rows.Close()

	tags := domain.Tags{}
	for rows.Next() {
		var category, value string
		if err := rows.Scan(&category, &value); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags[category] = append(tags[category], value)
	}
	return tags, rows.Err()
}

// Filter narrows ListProblems. Zero values mean no restriction.
type Filter struct {
	SourceIDs []string
	// Tags requires, per category, at least one of the listed values.
	Tags   domain.Tags
	Limit  int
	Offset int
}

// ListProblems returns problems in source then block order
func (s *Store) ListProblems(f Filter) ([]domain.Problem, error) {
	var (
		where []string
		args  []any
	)
	if len(f.SourceIDs) > 0 {
		where = append(where, "source_id IN ("+placeholders(len(f.SourceIDs))+")")
		for _, id := range f.SourceIDs {
			args = append(args, id)
		}
	}
	for category, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		where = append(where, "EXISTS (SELECT 1 FROM problem_tags pt WHERE pt.problem_id = problems.id "+
			"AND pt.category = ? AND pt.value IN ("+placeholders(len(values))+"))")
		args = append(args, category)
		for _, v := range values {
			args = append(args, v)
		}
	}

	query := "SELECT " + problemColumns + " FROM problems"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, source_id, block_index"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	return s.queryProblems(query, args...)
}

// ListBySource returns the problems of one source in block order
func (s *Store) ListBySource(sourceID string) ([]domain.Problem, error) {
	return s.queryProblems(
		"SELECT "+problemColumns+" FROM problems WHERE source_id = ? ORDER BY block_index",
		sourceID,
	)
}

// ListByIDs returns problems in the order of ids. A missing id is an error.
func (s *Store) ListByIDs(ids []string) ([]domain.Problem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	found, err := s.queryProblems(
		"SELECT "+problemColumns+" FROM problems WHERE id IN ("+placeholders(len(ids))+")",
		args...,
	)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Problem, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	out := make([]domain.Problem, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("problem %s: %w", id, ErrNotFound)
		}
		out = append(out, p)
	}
	return out, nil
}

// SearchProblems returns the problems whose text contains query literally.
func (s *Store) SearchProblems(query string) ([]domain.Problem, error) {
	return s.queryProblems(
		"SELECT "+problemColumns+` FROM problems WHERE text LIKE ? ESCAPE '\' ORDER BY created_at, block_index`,
		"%"+escapeLike(query)+"%",
	)
}

// IngestBatch is what StoreIngest changed for one source.
type IngestBatch struct {
	Deleted int
	Created int
	Total   int
}

// StoreIngest adds the extracted problems of a source and records the new
// problem count, first removing the source's records when replace is set.
// It runs in one transaction: on error the source is left as it was.
func (s *Store) StoreIngest(sourceID string, problems []domain.Problem, replace bool) (IngestBatch, error) {
	var b IngestBatch
	tx, err := s.db.Begin()
	if err != nil {
		return b, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if replace {
		res, err := tx.Exec("DELETE FROM problems WHERE source_id = ?", sourceID)
		if err != nil {
			return b, fmt.Errorf("delete problems: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return b, fmt.Errorf("delete problems: %w", err)
		}
		b.Deleted = int(n)
	}
	for _, p := range problems {
		p.SourceID = sourceID
		if err := addProblem(tx, &p); err != nil {
			return IngestBatch{}, fmt.Errorf("store block %d: %w", p.BlockIndex, err)
		}
		b.Created++
	}

	res, err := tx.Exec(`
		UPDATE sources SET problem_count = (SELECT COUNT(*) FROM problems WHERE source_id = sources.id), parsed_at = ?
		WHERE id = ?`, time.Now().UTC(), sourceID)
	if err != nil {
		return IngestBatch{}, fmt.Errorf("mark source parsed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return IngestBatch{}, fmt.Errorf("source %s: %w", sourceID, ErrNotFound)
	}
	if err := tx.QueryRow("SELECT problem_count FROM sources WHERE id = ?", sourceID).Scan(&b.Total); err != nil {
		return IngestBatch{}, fmt.Errorf("count problems: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return IngestBatch{}, fmt.Errorf("commit: %w", err)
	}
	return b, nil
}

// DeleteProblems removes the given problems with their tags and updates the
// counts of their sources. Every id must exist; otherwise nothing is deleted.
func (s *Store) DeleteProblems(ids []string) (int, error) {
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	in := "(" + placeholders(len(ids)) + ")"

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query("SELECT id, source_id FROM problems WHERE id IN "+in, args...)
	if err != nil {
		return 0, fmt.Errorf("find problems: %w", err)
	}
	found := map[string]bool{}
	var sources []any
	for rows.Next() {
		var id, sourceID string
		if err := rows.Scan(&id, &sourceID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan problem: %w", err)
		}
		found[id] = true
		if !slices.Contains(sources, any(sourceID)) {
			sources = append(sources, sourceID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("find problems: %w", err)
	}
	for _, id := range ids {
		if !found[id] {
			return 0, fmt.Errorf("delete problem %s: %w", id, ErrNotFound)
		}
	}

	if _, err := tx.Exec("DELETE FROM problems WHERE id IN "+in, args...); err != nil {
		return 0, fmt.Errorf("delete problems: %w", err)
	}
	_, err = tx.Exec(`
		UPDATE sources SET problem_count = (SELECT COUNT(*) FROM problems WHERE source_id = sources.id)
		WHERE id IN (`+placeholders(len(sources))+")", sources...)
	if err != nil {
		return 0, fmt.Errorf("update source counts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(ids), nil
}

// ResolveID expands a unique id prefix to a full problem, source or
// worksheet id
func (s *Store) ResolveID(table, prefix string) (string, error) {
	switch table {
	case "problems", "sources", "worksheets":
	default:
		return "", fmt.Errorf("resolve id: unknown table %q", table)
	}
	if prefix == "" {
		return "", fmt.Errorf("resolve id: empty prefix: %w", ErrNotFound)
	}
	rows, err := s.db.Query("SELECT id FROM "+table+` WHERE id LIKE ? ESCAPE '\' LIMIT 2`, escapeLike(prefix)+"%")
	if err != nil {
		return "", fmt.Errorf("resolve id: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("resolve id: %w", err)
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("resolve %s: %w", prefix, ErrNotFound)
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("resolve %s: %w", prefix, ErrAmbiguous)
}

func (s *Store) queryProblems(query string, args ...any) ([]domain.Problem, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list problems: %w", err)
	}

	var problems []domain.Problem
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan problem: %w", err)
		}
		problems = append(problems, *p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list problems: %w", err)
	}
	rows.Close()

	// tags need the connection back
	for i := range problems {
		tags, err := s.GetTags(problems[i].ID)
		if err != nil {
			return nil, err
		}
		problems[i].Tags = tags
	}
	return problems, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// escapeLike makes s match literally in a LIKE pattern with ESCAPE '\'.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNilRegions(r map[string]string) map[string]string {
	if r == nil {
		return map[string]string{}
	}
	return r
}
