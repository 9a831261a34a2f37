// Package diagnostic controls which composition stages run and records what
// each stage did to the document, so header and body mutations can be
// isolated from one another.
package diagnostic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeHeaderOnly Mode = "header_only"
	ModeBodyOnly   Mode = "body_only"
	ModeCombined   Mode = "combined"
)

var Modes = []Mode{ModeNormal, ModeHeaderOnly, ModeBodyOnly, ModeCombined}

// HeaderStrategy selects how header tokens are substituted.
type HeaderStrategy string

const (
	// StrategyCell replaces one occurrence per token through the safe editor.
	StrategyCell HeaderStrategy = "cell"
	// StrategyAllReplace enters the header region and runs replace-all. It
	// exists to compare against the known-bad path.
	StrategyAllReplace HeaderStrategy = "allreplace"
)

// Config is resolved once per run.
type Config struct {
	Mode           Mode           `koanf:"mode" yaml:"mode" json:"mode"`
	Visible        bool           `koanf:"visible" yaml:"visible" json:"visible"`
	StepDelay      time.Duration  `koanf:"step_delay" yaml:"step_delay" json:"step_delay"`
	HeaderExit     bool           `koanf:"header_exit" yaml:"header_exit" json:"header_exit"`
	HeaderStrategy HeaderStrategy `koanf:"header_strategy" yaml:"header_strategy" json:"header_strategy"`
	BodyLimit      int            `koanf:"body_limit" yaml:"body_limit" json:"body_limit"`
	Diff           bool           `koanf:"diff" yaml:"diff" json:"diff"`
}

func Defaults() Config {
	return Config{
		Mode:           ModeNormal,
		HeaderExit:     true,
		HeaderStrategy: StrategyCell,
	}
}

func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(Modes, c.Mode) {
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.HeaderStrategy != StrategyCell && c.HeaderStrategy != StrategyAllReplace {
		errs = append(errs, fmt.Errorf("unknown header strategy %q", c.HeaderStrategy))
	}
	if c.BodyLimit < 0 {
		errs = append(errs, errors.New("body_limit must be >= 0"))
	}
	if c.StepDelay < 0 {
		errs = append(errs, errors.New("step_delay must be >= 0"))
	}
	return errors.Join(errs...)
}

// Enabled reports whether any diagnostic behavior is switched on.
func (c Config) Enabled() bool {
	return c.Mode != ModeNormal || c.Visible || c.StepDelay > 0 || !c.HeaderExit ||
		c.HeaderStrategy == StrategyAllReplace || c.BodyLimit > 0 || c.Diff
}

func (c Config) RunsHeader() bool { return c.Mode != ModeBodyOnly }

func (c Config) RunsBody() bool { return c.Mode != ModeHeaderOnly }

// Pause waits StepDelay between stages so a visible editor can be watched.
func (c Config) Pause(ctx context.Context, logger *slog.Logger, label string) error {
	if c.StepDelay <= 0 {
		return ctx.Err()
	}
	logger.Info("diagnostic.pause", "label", label, "delay", c.StepDelay.String())
	t := time.NewTimer(c.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
