package bank

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pbaille/problembank/internal/compose"
	"github.com/pbaille/problembank/internal/diagnostic"
	"github.com/pbaille/problembank/internal/document"
	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/selection"
	"github.com/pbaille/problembank/internal/store"
)

const unspecifiedScope = "(unspecified)"

type WorksheetRequest struct {
	ProblemIDs   []string `json:"problem_ids"`
	Title        string   `json:"title"`
	Teacher      string   `json:"teacher"`
	Date         string   `json:"date"`
	TemplatePath string   `json:"template_path" validate:"required"`
	OutputPath   string   `json:"output_path" validate:"required"`
	// Diagnostic overrides the configured diagnostic settings for this run.
	Diagnostic *diagnostic.Config `json:"diagnostic,omitempty"`
}

// WorksheetResult is a composition result plus the id of the worksheet
// record. Runs that skip the header or body stage are not recorded.
type WorksheetResult struct {
	compose.Result
	WorksheetID string `json:"worksheet_id,omitempty"`
}

// Compose fills the template at req.TemplatePath with the requested
// problems and saves the worksheet to req.OutputPath. The template file
// itself is never written.
func (s *Service) Compose(ctx context.Context, req WorksheetRequest) (*WorksheetResult, error) {
	if req.TemplatePath == "" || req.OutputPath == "" {
		return nil, fmt.Errorf("%w: template and output paths are required", ErrInvalidRequest)
	}
	if samePath(req.TemplatePath, req.OutputPath) {
		return nil, fmt.Errorf("%w: output path must differ from the template path", ErrInvalidRequest)
	}
	cfg := s.Config.Diagnostic
	if req.Diagnostic != nil {
		cfg = *req.Diagnostic
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	problems, err := s.Store.ListByIDs(req.ProblemIDs)
	if err != nil {
		return nil, err
	}
	values := s.headerValues(req, problems)

	if dir := filepath.Dir(req.OutputPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	s.composeMu.Lock()
	defer s.composeMu.Unlock()

	sess, err := s.acquire(ctx, req.TemplatePath, document.OpenOptions{Visible: cfg.Visible})
	if err != nil {
		return nil, err
	}
	defer s.closeSession(sess, req.TemplatePath)

	res, err := s.Composer.Compose(ctx, sess, compose.Request{
		HeaderValues: values,
		Problems:     problems,
		OutputPath:   req.OutputPath,
	}, cfg)
	if err != nil {
		s.Logger.Error("bank.compose_failed", "template", req.TemplatePath, "error", err)
		return nil, err
	}
	out := &WorksheetResult{Result: *res}
	if slices.Contains(res.Stages, compose.StageHeader) && slices.Contains(res.Stages, compose.StageBody) {
		out.WorksheetID = s.recordWorksheet(req, values, problems[:res.Inserted])
	}
	return out, nil
}

// recordWorksheet stores the saved worksheet. The file is already on disk,
// so a failure here is logged and leaves the composition standing.
func (s *Service) recordWorksheet(req WorksheetRequest, values domain.TokenMapping, problems []domain.Problem) string {
	data, err := os.ReadFile(req.OutputPath)
	if err != nil {
		s.Logger.Warn("bank.worksheet_not_recorded", "path", req.OutputPath, "error", err)
		return ""
	}
	ids := make([]string, len(problems))
	for i, p := range problems {
		ids[i] = p.ID
	}
	w, err := s.Store.AddWorksheet(domain.Worksheet{
		Title:        values[domain.TokenTitle],
		Creator:      values[domain.TokenTeacher],
		TemplatePath: req.TemplatePath,
		OutputPath:   req.OutputPath,
		ProblemIDs:   ids,
		Numbered:     s.Composer.Renderer.Numbered,
	}, data)
	if err != nil {
		s.Logger.Warn("bank.worksheet_not_recorded", "path", req.OutputPath, "error", err)
		return ""
	}
	s.Logger.Info("bank.worksheet_recorded", "worksheet", w.ID, "problems", len(ids), "size", w.Size)
	return w.ID
}

// ExportWorksheet writes the stored copy of a worksheet to path. An
// existing file at path is left alone and reported as fs.ErrExist.
func (s *Service) ExportWorksheet(worksheetID, path string) (*domain.Worksheet, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: output path is required", ErrInvalidRequest)
	}
	w, err := s.Store.GetWorksheet(worksheetID)
	if err != nil {
		return nil, err
	}
	data, err := s.Store.WorksheetData(w.ID)
	if err != nil {
		return nil, err
	}
	if err := writeNew(path, data); err != nil {
		return nil, fmt.Errorf("export worksheet: %w", err)
	}
	return w, nil
}

func (s *Service) headerValues(req WorksheetRequest, problems []domain.Problem) domain.TokenMapping {
	date := req.Date
	if date == "" {
		date = s.Now().Format(s.Config.Worksheet.DateFormat)
	}
	teacher := strings.TrimSpace(req.Teacher)
	if teacher == "" {
		teacher = s.Config.Worksheet.Creator
	}
	return domain.TokenMapping{
		domain.TokenDate:    date,
		domain.TokenTitle:   strings.TrimSpace(req.Title),
		domain.TokenTeacher: teacher,
		domain.TokenScope:   scopeText(problems, s.Config.Selection.UnitCategory),
	}
}

// scopeText names the first and last unit in worksheet order.
func scopeText(problems []domain.Problem, unitCategory string) string {
	var first, last string
	for _, p := range problems {
		u := strings.TrimSpace(p.Tags.First(unitCategory))
		if u == "" {
			continue
		}
		if first == "" {
			first = u
		}
		last = u
	}
	switch {
	case first == "":
		return unspecifiedScope
	case first == last:
		return first
	default:
		return first + " ~ " + last
	}
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	if absA == absB {
		return true
	}
	infoA, errA := os.Stat(absA)
	infoB, errB := os.Stat(absB)
	return errA == nil && errB == nil && os.SameFile(infoA, infoB)
}

// Select picks problems from the given sources.
func (s *Service) Select(ctx context.Context, spec selection.Spec, sourceIDs []string) (selection.Result, error) {
	if len(sourceIDs) == 0 {
		return selection.Result{}, fmt.Errorf("%w: at least one source is required", ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return selection.Result{}, err
	}
	candidates, err := s.Store.ListProblems(store.Filter{
		SourceIDs: sourceIDs,
		Tags:      domain.Tags{s.Selector.UnitCategory: spec.Units},
	})
	if err != nil {
		return selection.Result{}, err
	}
	res, err := s.Selector.Select(spec, candidates)
	if err != nil {
		return selection.Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for _, w := range res.Warnings {
		s.Logger.Warn("bank.selection_shortfall", "detail", w)
	}
	return res, nil
}
