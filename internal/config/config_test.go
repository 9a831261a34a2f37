package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/problembank/internal/diagnostic"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pbank.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	cfg, _, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "pbank.db", cfg.Database.Path)
	assert.Equal(t, diagnostic.ModeNormal, cfg.Diagnostic.Mode)
	assert.Equal(t, "PROBLEMS_HERE", cfg.Markers.BodyMarker)
	assert.Equal(t, 30*time.Second, cfg.Editor.AcquireTimeout)
	require.Len(t, cfg.Schema.Categories, 3)
	assert.Equal(t, []string{"easy", "medium", "hard"}, cfg.Schema.Categories[1].Allowed)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
database:
  path: /tmp/other.db
markers:
  body_marker: "@@BODY@@"
editor:
  acquire_timeout: 5s
`)
	cfg, _, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.db", cfg.Database.Path)
	assert.Equal(t, "@@BODY@@", cfg.Markers.BodyMarker)
	assert.Equal(t, 5*time.Second, cfg.Editor.AcquireTimeout)
	assert.Equal(t, "[[Q]]", cfg.Markers.ProblemOpen)
}

func TestMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.ErrorContains(t, err, "config file not found")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "diagnostic:\n  mode: body_only\n")
	t.Setenv("PBANK__DIAGNOSTIC__MODE", "header_only")

	cfg, _, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, diagnostic.ModeHeaderOnly, cfg.Diagnostic.Mode)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("PBANK__DATABASE__PATH", "env.db")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("db", "", "")
	fs.String("mode", "", "")
	fs.Bool("visible", false, "")
	require.NoError(t, fs.Parse([]string{"--db", "flag.db", "--visible"}))

	cfg, _, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, "flag.db", cfg.Database.Path)
	assert.True(t, cfg.Diagnostic.Visible)
	// unset flags leave lower layers alone
	assert.Equal(t, diagnostic.ModeNormal, cfg.Diagnostic.Mode)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Path = ""
	cfg.Editor.Backend = "carrier-pigeon"
	cfg.Editor.AcquireAttempts = 0
	cfg.Selection.DifficultyCategory = "level"
	cfg.Schema.Categories = append(cfg.Schema.Categories, cfg.Schema.Categories[0])

	err := cfg.Validate()
	require.Error(t, err)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field)
	}
	assert.ElementsMatch(t, []string{
		"database.path",
		"schema.categories[3].name",
		"editor.backend",
		"editor.acquire_attempts",
		"selection.difficulty_category",
	}, fields)
}

func TestWorkerBackendNeedsCommand(t *testing.T) {
	cfg := Defaults()
	cfg.Editor.Backend = BackendWorker
	err := cfg.Validate()
	assert.ErrorContains(t, err, "editor.worker.command: is required")

	cfg.Editor.Worker.Command = []string{"pbank", "worker"}
	assert.NoError(t, cfg.Validate())
}

func TestPath(t *testing.T) {
	p := NewPath("schema").Child("categories").Index(2).Child("name")
	assert.Equal(t, "schema.categories[2].name", p.String())
}

func TestDump(t *testing.T) {
	t.Setenv("PBANK__SERVER__ADDR", "0.0.0.0:9000")
	_, l, err := Load("", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, l))
	out := buf.String()
	assert.Contains(t, out, "addr: 0.0.0.0:9000")
	assert.Contains(t, out, "body_marker: PROBLEMS_HERE")
}
