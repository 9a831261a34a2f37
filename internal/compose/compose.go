// Package compose fills a worksheet template: header tokens first, then the
// selected problems at the body marker, then save.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/pbaille/problembank/internal/diagnostic"
	"github.com/pbaille/problembank/internal/document"
	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/logging"
	"github.com/pbaille/problembank/internal/replace"
)

const (
	StageHeader = "header"
	StageBody   = "body"
	StageSave   = "save"
)

type Request struct {
	HeaderValues domain.TokenMapping
	Problems     []domain.Problem
	OutputPath   string
}

type Result struct {
	Stages           []string               `json:"stages"`
	UnusedTokens     []string               `json:"unused_tokens,omitempty"`
	ExtraBodyMarkers int                    `json:"extra_body_markers,omitempty"`
	Inserted         int                    `json:"inserted"`
	OutputPath       string                 `json:"output_path"`
	Diffs            []diagnostic.StageDiff `json:"diffs,omitempty"`
}

type Composer struct {
	Markers  domain.MarkerSet
	Engine   *replace.Engine
	Renderer Renderer
	Logger   *slog.Logger
}

func New(markers domain.MarkerSet, renderer Renderer, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Composer{
		Markers:  markers,
		Engine:   replace.New(logger),
		Renderer: renderer,
		Logger:   logger,
	}
}

// run tracks progress so a failure can say what was already done.
type run struct {
	res     *Result
	mutated bool
}

func (r *run) fail(stage string, err error) error {
	if !r.mutated {
		return err
	}
	return &PartialCompositionError{
		Completed: slices.Clone(r.res.Stages),
		Failed:    stage,
		Err:       err,
	}
}

// Compose runs the stages enabled by cfg against session and saves the
// result. The session is not closed. Stages are never rolled back.
func (c *Composer) Compose(ctx context.Context, session document.Session, req Request, cfg diagnostic.Config) (*Result, error) {
	if req.OutputPath == "" {
		return nil, errors.New("compose: output path is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}

	r := &run{res: &Result{OutputPath: req.OutputPath}}
	rec := diagnostic.NewRecorder(cfg.Diff)
	if err := rec.Start(session); err != nil {
		return nil, fmt.Errorf("snapshot template: %w", err)
	}
	c.warnUndeclared(req.HeaderValues)

	if cfg.RunsHeader() {
		if err := cfg.Pause(ctx, c.Logger, StageHeader); err != nil {
			return r.res, r.fail(StageHeader, err)
		}
		if err := c.headerStage(session, req.HeaderValues, cfg, r); err != nil {
			return r.res, r.fail(StageHeader, err)
		}
		c.stageDone(StageHeader, session, rec, r)
	}

	if cfg.RunsBody() {
		if err := cfg.Pause(ctx, c.Logger, StageBody); err != nil {
			return r.res, r.fail(StageBody, err)
		}
		if err := c.bodyStage(session, req.Problems, cfg, r); err != nil {
			return r.res, r.fail(StageBody, err)
		}
		c.stageDone(StageBody, session, rec, r)
	}

	if err := ctx.Err(); err != nil {
		return r.res, r.fail(StageSave, err)
	}
	if err := session.Save(req.OutputPath); err != nil {
		return r.res, r.fail(StageSave, fmt.Errorf("save worksheet: %w", err))
	}
	r.res.Stages = append(r.res.Stages, StageSave)
	r.res.Diffs = rec.Diffs()
	c.Logger.Info("compose.done", "output", req.OutputPath, "stages", r.res.Stages,
		"inserted", r.res.Inserted, "unused_tokens", len(r.res.UnusedTokens))
	return r.res, nil
}

func (c *Composer) stageDone(stage string, session document.Reader, rec *diagnostic.Recorder, r *run) {
	r.res.Stages = append(r.res.Stages, stage)
	if err := rec.Stage(stage, session); err != nil {
		c.Logger.Warn("compose.snapshot_failed", "stage", stage, "error", err.Error())
	}
	c.Logger.Info("compose.stage_done", "stage", stage)
}

func (c *Composer) warnUndeclared(values domain.TokenMapping) {
	for token := range values {
		if !slices.Contains(c.Markers.HeaderTokens, token) {
			c.Logger.Warn("compose.undeclared_token", "token", token)
		}
	}
}

func (c *Composer) headerStage(session document.Session, values domain.TokenMapping, cfg diagnostic.Config, r *run) error {
	if cfg.HeaderStrategy == diagnostic.StrategyAllReplace {
		if ed, ok := session.(document.StructuralEditor); ok {
			return c.headerAllReplace(ed, values, cfg, r)
		}
		c.Logger.Warn("compose.allreplace_unsupported", "fallback", string(diagnostic.StrategyCell))
	}

	for _, token := range c.Markers.HeaderTokens {
		out, err := c.Engine.Replace(session, document.ScopeDocument, token, values[token])
		if err != nil {
			return err
		}
		if out == replace.NotFound {
			r.res.UnusedTokens = append(r.res.UnusedTokens, token)
			continue
		}
		r.mutated = true
	}
	return nil
}

// headerAllReplace is the structural path, kept only for diagnostic comparison.
func (c *Composer) headerAllReplace(ed document.StructuralEditor, values domain.TokenMapping, cfg diagnostic.Config, r *run) error {
	c.Logger.Warn("compose.header_allreplace", "header_exit", cfg.HeaderExit)
	if err := ed.EnterRegion(document.RegionHeader); err != nil {
		return fmt.Errorf("enter header: %w", err)
	}
	r.mutated = true
	for _, token := range c.Markers.HeaderTokens {
		n, err := ed.ReplaceAll(document.ScopeHeader, token, values[token])
		if err != nil {
			return fmt.Errorf("replace all %s: %w", token, err)
		}
		if n == 0 {
			r.res.UnusedTokens = append(r.res.UnusedTokens, token)
		}
	}
	if !cfg.HeaderExit {
		c.Logger.Warn("compose.header_exit_skipped")
		return nil
	}
	if err := ed.ExitRegion(); err != nil {
		return fmt.Errorf("exit header: %w", err)
	}
	return nil
}

func (c *Composer) bodyStage(session document.Session, problems []domain.Problem, cfg diagnostic.Config, r *run) error {
	marker := c.Markers.BodyMarker
	count, err := c.Engine.Count(session, document.ScopeBody, marker)
	if err != nil {
		return err
	}
	if count == 0 {
		return &BodyMarkerNotFoundError{Marker: marker}
	}
	if count > 1 {
		r.res.ExtraBodyMarkers = count - 1
		c.Logger.Warn("compose.extra_body_markers", "marker", marker, "extra", count-1,
			"msg", "first occurrence wins")
	}

	out, err := c.Engine.Replace(session, document.ScopeBody, marker, "")
	if err != nil {
		return err
	}
	if out == replace.NotFound {
		return &BodyMarkerNotFoundError{Marker: marker}
	}
	r.mutated = true

	if cfg.BodyLimit > 0 && len(problems) > cfg.BodyLimit {
		problems = problems[:cfg.BodyLimit]
	}
	if len(problems) == 0 {
		return nil
	}
	if err := session.InsertText(c.Renderer.Render(problems)); err != nil {
		return fmt.Errorf("insert problems: %w", err)
	}
	r.res.Inserted = len(problems)
	return nil
}
