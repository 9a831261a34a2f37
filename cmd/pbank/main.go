package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pbaille/problembank/internal/bank"
	"github.com/pbaille/problembank/internal/config"
	"github.com/pbaille/problembank/internal/document"
	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/editor"
	"github.com/pbaille/problembank/internal/logging"
	"github.com/pbaille/problembank/internal/store"
)

var version = "dev"

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "pbank",
		Short:         "Problem bank: extract exam problems and compose worksheets",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", os.Getenv("PBANK_CONFIG"), "config file (YAML)")
	pf.String("db", "", "database path")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-file", "", "write logs to this file")
	pf.String("backend", "", "editor backend (file or worker)")

	rootCmd.AddCommand(sourceCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(tagsCmd())
	rootCmd.AddCommand(tagCmd())
	rootCmd.AddCommand(selectCmd())
	rootCmd.AddCommand(composeCmd())
	rootCmd.AddCommand(worksheetsCmd())
	rootCmd.AddCommand(originalCmd())
	rootCmd.AddCommand(reingestCmd())
	rootCmd.AddCommand(problemsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(workerCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds what a command needs. close releases it in reverse order.
type app struct {
	cfg     *config.Config
	loader  *config.Loader
	log     logging.Logger
	store   *store.Store
	bank    *bank.Service
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, *config.Loader, error) {
	return config.Load(configPath, cmd.Flags())
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, loader, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, loader: loader}

	a.log, err = logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.log.Close)

	// Ensure directory exists
	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			a.close()
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	a.store, err = store.New(cfg.Database.Path)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	var opener document.Opener = document.FileOpener{}
	if cfg.Editor.Backend == config.BackendWorker {
		mgr := editor.New(cfg.Editor.Worker, a.log.Logger)
		a.closers = append(a.closers, mgr.Close)
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Editor.AcquireTimeout)
		err := mgr.HealthCheck(ctx)
		cancel()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("start editor worker: %w", err)
		}
		opener = &editor.Opener{Client: mgr, Logger: a.log.Logger}
	}

	a.bank, err = bank.New(a.store, opener, *cfg, a.log.Logger)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func resolve(a *app, table, prefix string) (string, error) {
	id, err := a.store.ResolveID(table, prefix)
	if err != nil {
		return "", fmt.Errorf("%s %q: %w", strings.TrimSuffix(table, "s"), prefix, err)
	}
	return id, nil
}

// parseTags turns repeated category=value pairs into Tags.
func parseTags(pairs []string) (domain.Tags, error) {
	tags := domain.Tags{}
	for _, p := range pairs {
		cat, val, ok := strings.Cut(p, "=")
		cat, val = strings.TrimSpace(cat), strings.TrimSpace(val)
		if !ok || cat == "" || val == "" {
			return nil, fmt.Errorf("tag %q must be category=value", p)
		}
		tags.Add(cat, val)
	}
	return tags, nil
}

// parseRatios turns level=percent pairs into a ratio map.
func parseRatios(pairs []string) (map[string]int, error) {
	out := make(map[string]int, len(pairs))
	for _, p := range pairs {
		level, pct, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(level) == "" {
			return nil, fmt.Errorf("ratio %q must be level=percent", p)
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(pct), "%"))
		if err != nil {
			return nil, fmt.Errorf("ratio %q: %w", p, err)
		}
		out[strings.TrimSpace(level)] = n
	}
	return out, nil
}

func truncate(s string, max int) string {
	// Replace newlines with spaces for display
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func formatTags(tags domain.Tags, schema domain.TagSchema) string {
	var parts []string
	seen := map[string]bool{}
	for _, c := range schema.Categories {
		if vals := tags[c.Name]; len(vals) > 0 {
			parts = append(parts, c.Name+"="+strings.Join(vals, ","))
		}
		seen[c.Name] = true
	}
	for _, cat := range slices.Sorted(maps.Keys(tags)) {
		if vals := tags[cat]; !seen[cat] && len(vals) > 0 {
			parts = append(parts, cat+"="+strings.Join(vals, ","))
		}
	}
	return strings.Join(parts, " ")
}
