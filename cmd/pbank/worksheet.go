package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pbaille/problembank/internal/api"
	"github.com/pbaille/problembank/internal/bank"
	"github.com/pbaille/problembank/internal/compose"
	"github.com/pbaille/problembank/internal/config"
	"github.com/pbaille/problembank/internal/diagnostic"
	"github.com/pbaille/problembank/internal/document"
	"github.com/pbaille/problembank/internal/editor"
	"github.com/pbaille/problembank/internal/logging"
	"github.com/pbaille/problembank/internal/selection"
)

func selectCmd() *cobra.Command {
	var (
		total   int
		units   []string
		ratios  []string
		sources []string
		shuffle bool
		seed    uint64
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Pick problems by unit and difficulty",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			r, err := parseRatios(ratios)
			if err != nil {
				return err
			}
			spec := selection.Spec{Total: total, Units: units, Ratios: r, Shuffle: shuffle}
			if cmd.Flags().Changed("seed") {
				spec.Seed = &seed
			}
			var ids []string
			for _, s := range sources {
				id, err := resolve(a, "sources", s)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			res, err := a.bank.Select(cmd.Context(), spec, ids)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			for _, id := range res.IDs {
				fmt.Println(id)
			}
			fmt.Fprintf(os.Stderr, "selected %d of %d\n", res.Actual, res.Requested)
			for _, w := range res.Warnings {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&total, "total", "n", 10, "number of problems")
	f.StringArrayVarP(&units, "unit", "u", nil, "unit to draw from (repeatable, order kept)")
	f.StringArrayVarP(&ratios, "ratio", "r", nil, "difficulty share level=percent (repeatable, sum 100)")
	f.StringArrayVarP(&sources, "source", "s", nil, "source to draw from (repeatable)")
	f.BoolVar(&shuffle, "shuffle", false, "shuffle the whole result instead of ordering by unit and difficulty")
	f.Uint64Var(&seed, "seed", 0, "random seed for reproducible picks")
	f.BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func composeCmd() *cobra.Command {
	var req bank.WorksheetRequest

	cmd := &cobra.Command{
		Use:   "compose [problem-id...]",
		Short: "Fill a worksheet template with problems",
		Long: "Fill a worksheet template with problems.\n\n" +
			"Header tokens are replaced first, then the problems are inserted at the body\n" +
			"marker, then the result is saved to --out. The template is never modified.\n" +
			"--mode, --visible and --diff switch on diagnostic runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			for _, prefix := range args {
				id, err := resolve(a, "problems", prefix)
				if err != nil {
					return err
				}
				req.ProblemIDs = append(req.ProblemIDs, id)
			}

			res, err := a.bank.Compose(cmd.Context(), req)
			var partial *compose.PartialCompositionError
			if errors.As(err, &partial) {
				fmt.Fprintf(os.Stderr, "stages completed: %v, failed at: %s\n", partial.Completed, partial.Failed)
			}
			if err != nil {
				return err
			}

			fmt.Printf("Saved %s (%d problems)\n", res.OutputPath, res.Inserted)
			if res.WorksheetID != "" {
				fmt.Printf("Recorded worksheet %s\n", res.WorksheetID)
			}
			if len(res.UnusedTokens) > 0 {
				fmt.Printf("Tokens not found in template: %v\n", res.UnusedTokens)
			}
			if res.ExtraBodyMarkers > 0 {
				fmt.Printf("Warning: %d extra body markers left in place\n", res.ExtraBodyMarkers)
			}
			for _, d := range res.Diffs {
				if !d.Changed() {
					fmt.Printf("\n--- %s: no change\n", d.Stage)
					continue
				}
				for _, region := range d.Regions {
					fmt.Printf("\n--- %s stage, %s\n", d.Stage, region.Scope)
					for _, l := range region.Lines {
						fmt.Println(diffPrefix[l.Type] + l.Text)
					}
					if region.Truncated {
						fmt.Println("...")
					}
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.TemplatePath, "template", "", "template document")
	f.StringVarP(&req.OutputPath, "out", "o", "", "output path")
	f.StringVar(&req.Title, "title", "", "worksheet title")
	f.StringVar(&req.Teacher, "teacher", "", "teacher name")
	f.StringVar(&req.Date, "date", "", "date text (default: today)")
	f.String("mode", "", "diagnostic mode: normal, header_only, body_only, combined")
	f.Bool("visible", false, "ask the editor to show its window")
	f.Bool("diff", false, "print a text diff after each stage")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

var diffPrefix = map[string]string{
	diagnostic.LineContext: "  ",
	diagnostic.LineAdded:   "+ ",
	diagnostic.LineRemoved: "- ",
}

func serveCmd() *cobra.Command {
	var useMCP bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, or the MCP tool server with --mcp",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if useMCP {
				a.log.Info("mcp.serving", "transport", "stdio")
				return api.ServeMCP(cmd.Context(), a.bank, version)
			}
			return api.New(a.bank, a.cfg.Server.Addr, a.log.Logger).Run(cmd.Context())
		},
	}

	cmd.Flags().String("addr", "", "server address")
	cmd.Flags().BoolVar(&useMCP, "mcp", false, "serve MCP tools over stdio")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, loader, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return config.Dump(os.Stdout, loader)
		},
	})
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve document sessions over stdio for the worker backend",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer log.Close()

			local := editor.NewLocal(document.FileOpener{})
			defer local.Close()
			return editor.Serve(cmd.Context(), local, os.Stdin, os.Stdout, log.Logger)
		},
	}
}
