// Package config loads pbank configuration: struct defaults, then a YAML
// file, then PBANK__SECTION__KEY environment variables, then CLI flags.
package config

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/pflag"

	"github.com/pbaille/problembank/internal/compose"
	"github.com/pbaille/problembank/internal/diagnostic"
	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/editor"
	"github.com/pbaille/problembank/internal/logging"
)

const EnvPrefix = "PBANK"

type Config struct {
	Database   DatabaseConfig    `koanf:"database" yaml:"database"`
	Logging    logging.Config    `koanf:"logging" yaml:"logging"`
	Markers    domain.MarkerSet  `koanf:"markers" yaml:"markers"`
	Schema     domain.TagSchema  `koanf:"schema" yaml:"schema"`
	Extract    ExtractConfig     `koanf:"extract" yaml:"extract"`
	Render     compose.Renderer  `koanf:"render" yaml:"render"`
	Diagnostic diagnostic.Config `koanf:"diagnostic" yaml:"diagnostic"`
	Editor     EditorConfig      `koanf:"editor" yaml:"editor"`
	Worksheet  WorksheetConfig   `koanf:"worksheet" yaml:"worksheet"`
	Selection  SelectionConfig   `koanf:"selection" yaml:"selection"`
	Server     ServerConfig      `koanf:"server" yaml:"server"`
}

type DatabaseConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

type ExtractConfig struct {
	RequireStem bool `koanf:"require_stem" yaml:"require_stem"`
}

// Editor backends.
const (
	BackendFile   = "file"
	BackendWorker = "worker"
)

type EditorConfig struct {
	// Backend is "file" for in-process sessions or "worker" for the
	// external editor worker.
	Backend         string        `koanf:"backend" yaml:"backend"`
	Worker          editor.Config `koanf:"worker" yaml:"worker"`
	AcquireTimeout  time.Duration `koanf:"acquire_timeout" yaml:"acquire_timeout"`
	AcquireAttempts int           `koanf:"acquire_attempts" yaml:"acquire_attempts"`
}

type WorksheetConfig struct {
	DateFormat string `koanf:"date_format" yaml:"date_format"`
	Creator    string `koanf:"creator" yaml:"creator"`
}

type SelectionConfig struct {
	UnitCategory       string `koanf:"unit_category" yaml:"unit_category"`
	DifficultyCategory string `koanf:"difficulty_category" yaml:"difficulty_category"`
}

type ServerConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

func Defaults() Config {
	return Config{
		Database: DatabaseConfig{Path: "pbank.db"},
		Logging:  logging.Config{Level: "info", Format: "text"},
		Markers:  domain.DefaultMarkers(),
		Schema: domain.TagSchema{Categories: []domain.Category{
			{Name: "unit"},
			{Name: "difficulty", Allowed: []string{"easy", "medium", "hard"}},
			{Name: "source"},
		}},
		Render:     compose.Renderer{Numbered: true},
		Diagnostic: diagnostic.Defaults(),
		Editor: EditorConfig{
			Backend:         BackendFile,
			Worker:          editor.Config{MaxRestarts: 3},
			AcquireTimeout:  30 * time.Second,
			AcquireAttempts: 3,
		},
		Worksheet: WorksheetConfig{DateFormat: "2006.01.02"},
		Selection: SelectionConfig{UnitCategory: "unit", DifficultyCategory: "difficulty"},
		Server:    ServerConfig{Addr: "127.0.0.1:8080"},
	}
}

func (c *Config) Validate() error {
	var errs ValidationErrors
	child := NewPath

	if c.Database.Path == "" {
		errs = append(errs, Required(child("database").Child("path")))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, Invalid(child("logging").Child("level"), err.Error()))
	}
	if err := c.Markers.Validate(); err != nil {
		errs = append(errs, Invalid(child("markers"), err.Error()))
	}

	seen := map[string]bool{}
	for i, cat := range c.Schema.Categories {
		p := child("schema").Child("categories").Index(i)
		if cat.Name == "" {
			errs = append(errs, Required(p.Child("name")))
			continue
		}
		if seen[cat.Name] {
			errs = append(errs, Invalid(p.Child("name"), fmt.Sprintf("duplicate category %q", cat.Name)))
		}
		seen[cat.Name] = true
	}

	if err := c.Diagnostic.Validate(); err != nil {
		errs = append(errs, Invalid(child("diagnostic"), err.Error()))
	}

	ed := child("editor")
	switch c.Editor.Backend {
	case BackendFile:
	case BackendWorker:
		if len(c.Editor.Worker.Command) == 0 {
			errs = append(errs, Required(ed.Child("worker").Child("command")))
		}
	default:
		errs = append(errs, Invalid(ed.Child("backend"), fmt.Sprintf("must be %q or %q", BackendFile, BackendWorker)))
	}
	if c.Editor.AcquireTimeout <= 0 {
		errs = append(errs, Invalid(ed.Child("acquire_timeout"), "must be greater than 0"))
	}
	if c.Editor.AcquireAttempts < 1 {
		errs = append(errs, Invalid(ed.Child("acquire_attempts"), "must be at least 1"))
	}

	if c.Worksheet.DateFormat == "" {
		errs = append(errs, Required(child("worksheet").Child("date_format")))
	}
	sel := child("selection")
	if c.Selection.UnitCategory == "" {
		errs = append(errs, Required(sel.Child("unit_category")))
	}
	if c.Selection.DifficultyCategory == "" {
		errs = append(errs, Required(sel.Child("difficulty_category")))
	} else if !slices.ContainsFunc(c.Schema.Categories, func(cat domain.Category) bool {
		return cat.Name == c.Selection.DifficultyCategory
	}) {
		errs = append(errs, Invalid(sel.Child("difficulty_category"), "must name a schema category"))
	}
	return errs.OrNil()
}

// FlagMappings maps CLI flag names to config keys.
var FlagMappings = map[string]string{
	"db":        "database.path",
	"log-level": "logging.level",
	"log-file":  "logging.file",
	"mode":      "diagnostic.mode",
	"visible":   "diagnostic.visible",
	"diff":      "diagnostic.diff",
	"addr":      "server.addr",
	"backend":   "editor.backend",
}

// Load reads defaults, the optional file at path, the environment and any
// explicitly set flags, then validates the result.
func Load(path string, flags *pflag.FlagSet) (*Config, *Loader, error) {
	l := NewLoader(EnvPrefix)
	if err := l.LoadWithDefaults(Defaults(), path); err != nil {
		return nil, nil, err
	}
	if err := l.LoadFlags(flags, FlagMappings); err != nil {
		return nil, nil, err
	}
	var cfg Config
	if err := l.Unmarshal("", &cfg); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config:\n%w", err)
	}
	return &cfg, l, nil
}

// Dump writes the effective configuration as YAML.
func Dump(w io.Writer, l *Loader) error {
	return l.DumpYAML(w)
}
