package bank

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/problembank/internal/compose"
	"github.com/pbaille/problembank/internal/config"
	"github.com/pbaille/problembank/internal/diagnostic"
	"github.com/pbaille/problembank/internal/document"
	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/selection"
	"github.com/pbaille/problembank/internal/store"
)

const sourceDoc = `Chapter 1
[[Q]]What is 2+2?[[A]]4[[/Q]]
[[Q]]   [[A]]no stem[[/Q]]
[[Q]]Name a prime.[[A]]7[[/Q]]
`

func newService(t *testing.T, opener document.Opener) *Service {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "bank.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Defaults()
	cfg.Extract.RequireStem = true
	cfg.Editor.AcquireTimeout = 5 * time.Second
	cfg.Worksheet.Creator = "Ms. Default"

	svc, err := New(st, opener, cfg, nil)
	require.NoError(t, err)
	svc.Backoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	svc.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return svc
}

func writeDoc(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// flaky fails the first n opens with a retryable error.
func flaky(n int32, calls *atomic.Int32) document.Opener {
	return document.OpenerFunc(func(ctx context.Context, path string, opts document.OpenOptions) (document.Session, error) {
		if calls.Add(1) <= n {
			return nil, &document.SessionAcquisitionError{Path: path, Err: errors.New("editor busy")}
		}
		return document.FileOpener{}.Open(ctx, path, opts)
	})
}

func TestIngest(t *testing.T) {
	svc := newService(t, document.FileOpener{})
	src, err := svc.CreateSource("Algebra", domain.SourceTextbook, domain.Tags{"source": {"algebra"}})
	require.NoError(t, err)
	path := writeDoc(t, "algebra.txt", sourceDoc)

	res, err := svc.Ingest(t.Context(), IngestRequest{SourceID: src.ID, Path: path, Creator: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 0, res.Deleted)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 1, res.Failures[0].Index)
	assert.Contains(t, res.Failures[0].Reason, "empty stem")

	stored, err := svc.Store.ListBySource(src.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "What is 2+2?", stored[0].Stem)
	assert.Equal(t, map[string]string{"answer": "4"}, stored[0].Regions)
	assert.Equal(t, []string{"algebra"}, stored[0].Tags["source"])
	assert.Equal(t, "bob", stored[0].Creator)
	assert.Equal(t, path, stored[0].OriginalPath)
	assert.Equal(t, stored[0].OriginalID, stored[1].OriginalID)

	original, err := svc.Store.GetOriginal(stored[0].OriginalID)
	require.NoError(t, err)
	assert.Equal(t, sourceDoc, string(original))

	got, err := svc.Store.GetSource(src.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ProblemCount)
	assert.NotNil(t, got.ParsedAt)
}

func TestIngestModes(t *testing.T) {
	svc := newService(t, document.FileOpener{})
	src, err := svc.CreateSource("Exam", domain.SourceExam, nil)
	require.NoError(t, err)
	path := writeDoc(t, "exam.txt", sourceDoc)

	_, err = svc.Ingest(t.Context(), IngestRequest{SourceID: src.ID, Path: path})
	require.NoError(t, err)

	res, err := svc.Ingest(t.Context(), IngestRequest{SourceID: src.ID, Path: path, Mode: IngestAppend})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deleted)
	assert.Equal(t, 4, res.Total)

	res, err = svc.Ingest(t.Context(), IngestRequest{SourceID: src.ID, Path: path, Mode: IngestReplace})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Deleted)
	assert.Equal(t, 2, res.Total)

	_, err = svc.Ingest(t.Context(), IngestRequest{SourceID: src.ID, Path: path, Mode: "merge"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestIngestRetriesAcquisition(t *testing.T) {
	var calls atomic.Int32
	svc := newService(t, flaky(2, &calls))
	src, err := svc.CreateSource("Algebra", domain.SourceTextbook, nil)
	require.NoError(t, err)

	res, err := svc.Ingest(t.Context(), IngestRequest{SourceID: src.ID, Path: writeDoc(t, "a.txt", sourceDoc)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, int32(3), calls.Load())
}

func TestIngestGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	svc := newService(t, flaky(100, &calls))
	src, err := svc.CreateSource("Algebra", domain.SourceTextbook, nil)
	require.NoError(t, err)

	_, err = svc.Ingest(t.Context(), IngestRequest{SourceID: src.ID, Path: writeDoc(t, "a.txt", sourceDoc)})
	var acq *document.SessionAcquisitionError
	require.ErrorAs(t, err, &acq)
	assert.Equal(t, int32(svc.Config.Editor.AcquireAttempts), calls.Load())

	stored, err := svc.Store.ListBySource(src.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestUnsupportedFormatIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	opener := document.OpenerFunc(func(ctx context.Context, path string, opts document.OpenOptions) (document.Session, error) {
		calls.Add(1)
		return document.FileOpener{}.Open(ctx, path, opts)
	})
	svc := newService(t, opener)
	_, err := svc.Scan(t.Context(), writeDoc(t, "deck.pptx", "x"))
	assert.ErrorIs(t, err, document.ErrUnsupportedFormat)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMissingOrBrokenDocumentIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	opener := document.OpenerFunc(func(ctx context.Context, path string, opts document.OpenOptions) (document.Session, error) {
		calls.Add(1)
		return document.FileOpener{}.Open(ctx, path, opts)
	})
	svc := newService(t, opener)
	svc.Config.Editor.AcquireAttempts = 5

	_, err := svc.Compose(t.Context(), WorksheetRequest{
		TemplatePath: filepath.Join(t.TempDir(), "missing.txt"),
		OutputPath:   filepath.Join(t.TempDir(), "out.txt"),
	})
	assert.ErrorIs(t, err, fs.ErrNotExist)
	var acq *document.SessionAcquisitionError
	assert.False(t, errors.As(err, &acq))
	assert.Equal(t, int32(1), calls.Load())

	calls.Store(0)
	_, err = svc.Scan(t.Context(), writeDoc(t, "broken.docx", "not a zip"))
	assert.ErrorIs(t, err, document.ErrInvalidDocument)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScan(t *testing.T) {
	svc := newService(t, document.FileOpener{})
	res, err := svc.Scan(t.Context(), writeDoc(t, "dry.txt", sourceDoc+"[[Q]]dangling"))
	require.NoError(t, err)
	assert.Len(t, res.Problems, 2)
	assert.Len(t, res.Failures, 1)
	assert.Len(t, res.Warnings, 1)

	all, err := svc.Store.ListProblems(store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func ingested(t *testing.T, svc *Service) []domain.Problem {
	t.Helper()
	src, err := svc.CreateSource("Algebra", domain.SourceTextbook, nil)
	require.NoError(t, err)
	_, err = svc.Ingest(t.Context(), IngestRequest{SourceID: src.ID, Path: writeDoc(t, "a.txt", sourceDoc)})
	require.NoError(t, err)
	ps, err := svc.Store.ListBySource(src.ID)
	require.NoError(t, err)
	return ps
}

func TestApplyTags(t *testing.T) {
	svc := newService(t, document.FileOpener{})
	ps := ingested(t, svc)
	require.NoError(t, svc.Store.SetTags(ps[1].ID, domain.Tags{"difficulty": {"impossible"}}))

	res, err := svc.ApplyTags(t.Context(), []string{ps[0].ID, ps[1].ID}, domain.Tags{"unit": {"arithmetic"}})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, ps[1].ID, res.Rejected[0].ID)

	tags, err := svc.Store.GetTags(ps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"arithmetic"}, tags["unit"])

	tags, err = svc.Store.GetTags(ps[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Tags{"difficulty": {"impossible"}}, tags)

	_, err = svc.ApplyTags(t.Context(), []string{"missing"}, domain.Tags{"unit": {"x"}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompose(t *testing.T) {
	svc := newService(t, document.FileOpener{})
	ps := ingested(t, svc)
	require.NoError(t, svc.Store.SetTags(ps[0].ID, domain.Tags{"unit": {"numbers"}}))
	require.NoError(t, svc.Store.SetTags(ps[1].ID, domain.Tags{"unit": {"primes"}}))

	template := writeDoc(t, "template.txt", "HDR_TITLE / HDR_TEACHER / HDR_DATE / HDR_SCOPE\nPROBLEMS_HERE\nend")
	out := filepath.Join(t.TempDir(), "out", "sheet.txt")

	res, err := svc.Compose(t.Context(), WorksheetRequest{
		ProblemIDs:   []string{ps[1].ID, ps[0].ID},
		Title:        " Quiz ",
		TemplatePath: template,
		OutputPath:   out,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{compose.StageHeader, compose.StageBody, compose.StageSave}, res.Stages)
	assert.Equal(t, 2, res.Inserted)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Quiz / Ms. Default / 2026.03.02 / primes ~ numbers\n1. Name a prime.\n\n2. What is 2+2?\nend", string(data))

	require.NotEmpty(t, res.WorksheetID)
	sheet, err := svc.Store.GetWorksheet(res.WorksheetID)
	require.NoError(t, err)
	assert.Equal(t, "Quiz", sheet.Title)
	assert.Equal(t, "Ms. Default", sheet.Creator)
	assert.Equal(t, []string{ps[1].ID, ps[0].ID}, sheet.ProblemIDs)
	assert.True(t, sheet.Numbered)
	stored, err := svc.Store.WorksheetData(res.WorksheetID)
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	tmpl, err := os.ReadFile(template)
	require.NoError(t, err)
	assert.Contains(t, string(tmpl), "PROBLEMS_HERE")
}

func TestComposeRefusesTemplateAsOutput(t *testing.T) {
	svc := newService(t, document.FileOpener{})
	template := writeDoc(t, "template.txt", "PROBLEMS_HERE")
	_, err := svc.Compose(t.Context(), WorksheetRequest{TemplatePath: template, OutputPath: template})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestComposeDiagnosticOverride(t *testing.T) {
	svc := newService(t, document.FileOpener{})
	template := writeDoc(t, "template.txt", "HDR_TITLE\nno marker here")
	out := filepath.Join(t.TempDir(), "header.txt")

	override := diagnostic.Defaults()
	override.Mode = diagnostic.ModeHeaderOnly
	override.Diff = true
	res, err := svc.Compose(t.Context(), WorksheetRequest{
		Title:        "Header only",
		TemplatePath: template,
		OutputPath:   out,
		Diagnostic:   &override,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{compose.StageHeader, compose.StageSave}, res.Stages)
	require.NotEmpty(t, res.Diffs)
	assert.Empty(t, res.WorksheetID)

	_, err = svc.Compose(t.Context(), WorksheetRequest{TemplatePath: template, OutputPath: out})
	assert.ErrorIs(t, err, compose.ErrBodyMarkerNotFound)
}

func TestScopeText(t *testing.T) {
	p := func(unit string) domain.Problem {
		tags := domain.Tags{}
		if unit != "" {
			tags["unit"] = []string{unit}
		}
		return domain.Problem{Tags: tags}
	}
	assert.Equal(t, unspecifiedScope, scopeText(nil, "unit"))
	assert.Equal(t, unspecifiedScope, scopeText([]domain.Problem{p("")}, "unit"))
	assert.Equal(t, "a", scopeText([]domain.Problem{p("a"), p(""), p("a")}, "unit"))
	assert.Equal(t, "a ~ c", scopeText([]domain.Problem{p("a"), p("b"), p(""), p("c")}, "unit"))
}

func TestSelect(t *testing.T) {
	svc := newService(t, document.FileOpener{})
	ps := ingested(t, svc)
	require.NoError(t, svc.Store.SetTags(ps[0].ID, domain.Tags{"unit": {"numbers"}, "difficulty": {"easy"}}))
	require.NoError(t, svc.Store.SetTags(ps[1].ID, domain.Tags{"unit": {"numbers"}, "difficulty": {"hard"}}))

	seed := uint64(9)
	res, err := svc.Select(t.Context(), selection.Spec{
		Total:  3,
		Units:  []string{"numbers"},
		Ratios: map[string]int{"easy": 50, "hard": 50},
		Seed:   &seed,
	}, []string{ps[0].SourceID})
	require.NoError(t, err)
	assert.Equal(t, []string{ps[0].ID, ps[1].ID}, res.IDs)
	assert.Len(t, res.Warnings, 1)

	_, err = svc.Select(t.Context(), selection.Spec{Total: 1, Units: []string{"numbers"}}, []string{ps[0].SourceID})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Select(t.Context(), selection.Spec{}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCreateSourceValidates(t *testing.T) {
	svc := newService(t, document.FileOpener{})
	_, err := svc.CreateSource("", domain.SourceExam, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.CreateSource("x", "magazine", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRestoreOriginal(t *testing.T) {
	svc := newService(t, document.FileOpener{})
	src, err := svc.CreateSource("Korean", domain.SourceExam, nil)
	require.NoError(t, err)
	body := "머리말\r\n[[Q]]사과가 3개 있습니다.[[A]]3[[/Q]]\r\n\x00\xff tail"
	path := writeDoc(t, "exam.txt", body)
	_, err = svc.Ingest(t.Context(), IngestRequest{SourceID: src.ID, Path: path})
	require.NoError(t, err)
	ps, err := svc.Store.ListBySource(src.ID)
	require.NoError(t, err)
	require.Len(t, ps, 1)

	out := filepath.Join(t.TempDir(), "restored", "exam.txt")
	p, err := svc.RestoreOriginal(ps[0].ID, out)
	require.NoError(t, err)
	assert.Equal(t, path, p.OriginalPath)

	want, err := os.ReadFile(path)
	require.NoError(t, err)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = svc.RestoreOriginal(ps[0].ID, out)
	assert.ErrorIs(t, err, fs.ErrExist)
	_, err = svc.RestoreOriginal("missing", filepath.Join(t.TempDir(), "x.txt"))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.RestoreOriginal(ps[0].ID, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReingest(t *testing.T) {
	svc := newService(t, document.FileOpener{})
	src, err := svc.CreateSource("Algebra", domain.SourceTextbook, domain.Tags{"source": {"algebra"}})
	require.NoError(t, err)
	path := writeDoc(t, "algebra.txt", sourceDoc)
	_, err = svc.Ingest(t.Context(), IngestRequest{SourceID: src.ID, Path: path, Creator: "bob"})
	require.NoError(t, err)
	before, err := svc.Store.ListBySource(src.ID)
	require.NoError(t, err)

	// the file on disk may change or vanish; the stored copy is what counts
	require.NoError(t, os.Remove(path))

	res, err := svc.Reingest(t.Context(), src.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.Total)

	after, err := svc.Store.ListBySource(src.ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.NotEqual(t, before[0].ID, after[0].ID)
	assert.Equal(t, before[0].Stem, after[0].Stem)
	assert.Equal(t, path, after[0].OriginalPath)
	assert.Equal(t, before[0].OriginalID, after[0].OriginalID)
	assert.Equal(t, "bob", after[0].Creator)
	assert.Equal(t, []string{"algebra"}, after[0].Tags["source"])

	empty, err := svc.CreateSource("Empty", domain.SourceExam, nil)
	require.NoError(t, err)
	_, err = svc.Reingest(t.Context(), empty.ID, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Ingest(t.Context(), IngestRequest{
		SourceID: src.ID,
		Path:     writeDoc(t, "more.txt", "[[Q]]Extra?[[A]]yes[[/Q]]"),
		Mode:     IngestAppend,
	})
	require.NoError(t, err)
	_, err = svc.Reingest(t.Context(), src.ID, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDeleteProblems(t *testing.T) {
	svc := newService(t, document.FileOpener{})
	ps := ingested(t, svc)

	template := writeDoc(t, "template.txt", "PROBLEMS_HERE")
	res, err := svc.Compose(t.Context(), WorksheetRequest{
		ProblemIDs:   []string{ps[0].ID},
		TemplatePath: template,
		OutputPath:   filepath.Join(t.TempDir(), "sheet.txt"),
	})
	require.NoError(t, err)

	n, err := svc.DeleteProblems(t.Context(), []string{ps[0].ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = svc.Store.GetProblem(ps[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	src, err := svc.Store.GetSource(ps[0].SourceID)
	require.NoError(t, err)
	assert.Equal(t, 1, src.ProblemCount)

	sheet, err := svc.Store.GetWorksheet(res.WorksheetID)
	require.NoError(t, err)
	assert.Equal(t, []string{ps[0].ID}, sheet.ProblemIDs)

	out := filepath.Join(t.TempDir(), "copy.txt")
	_, err = svc.ExportWorksheet(res.WorksheetID, out)
	require.NoError(t, err)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "1. What is 2+2?", string(data))

	_, err = svc.DeleteProblems(t.Context(), nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
