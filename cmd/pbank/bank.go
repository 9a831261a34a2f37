package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pbaille/problembank/internal/bank"
	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/store"
)

func sourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage source documents",
	}

	var kind string
	var tagPairs []string
	add := &cobra.Command{
		Use:   "add [name]",
		Short: "Register a source",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			tags, err := parseTags(tagPairs)
			if err != nil {
				return err
			}
			src, err := a.bank.CreateSource(strings.Join(args, " "), domain.SourceKind(kind), tags)
			if err != nil {
				return err
			}
			fmt.Printf("Added source: %s\n", src.ID)
			return nil
		},
	}
	add.Flags().StringVarP(&kind, "kind", "k", string(domain.SourceTextbook), "textbook or exam")
	add.Flags().StringArrayVarP(&tagPairs, "tag", "t", nil, "default tag category=value (repeatable)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			sources, err := a.store.ListSources()
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				fmt.Println("No sources yet. Use 'pbank source add' to register one.")
				return nil
			}
			for _, s := range sources {
				parsed := "not parsed"
				if s.ParsedAt != nil {
					parsed = "parsed " + s.ParsedAt.Format("2006-01-02 15:04")
				}
				fmt.Printf("%s  %-8s %-30s %3d problems  (%s)\n", s.ID, s.Kind, truncate(s.Name, 30), s.ProblemCount, parsed)
			}
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func ingestCmd() *cobra.Command {
	var mode, creator string

	cmd := &cobra.Command{
		Use:   "ingest [source] [path]",
		Short: "Extract problems from a document into a source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			id, err := resolve(a, "sources", args[0])
			if err != nil {
				return err
			}
			res, err := a.bank.Ingest(cmd.Context(), bank.IngestRequest{
				SourceID: id,
				Path:     args[1],
				Mode:     bank.IngestMode(mode),
				Creator:  creator,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Created %d, deleted %d, total %d\n", res.Created, res.Deleted, res.Total)
			printFailures(res.Failures, res.Warnings)
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", string(bank.IngestReplace), "replace or append")
	cmd.Flags().StringVar(&creator, "creator", "", "author recorded on each problem")
	return cmd
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [path]",
		Short: "Extract problems without storing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.bank.Scan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, p := range res.Problems {
				fmt.Printf("#%-3d %s\n", p.BlockIndex, truncate(p.Stem, 70))
				for name, v := range p.Regions {
					fmt.Printf("     [%s] %s\n", name, truncate(v, 60))
				}
			}
			var failures []bank.BlockFailure
			for _, f := range res.Failures {
				failures = append(failures, bank.BlockFailure{Index: f.Index, Reason: f.Error()})
			}
			var warnings []string
			for _, w := range res.Warnings {
				warnings = append(warnings, w.String())
			}
			fmt.Printf("%d problems\n", len(res.Problems))
			printFailures(failures, warnings)
			return nil
		},
	}
}

func printFailures(failures []bank.BlockFailure, warnings []string) {
	if len(failures) > 0 {
		fmt.Printf("\n%d malformed blocks:\n", len(failures))
		for _, f := range failures {
			fmt.Printf("  - block %d: %s\n", f.Index, f.Reason)
		}
	}
	if len(warnings) > 0 {
		fmt.Printf("\n%d marker warnings:\n", len(warnings))
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}
}

func listCmd() *cobra.Command {
	var limit int
	var sources, tagPairs []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			tags, err := parseTags(tagPairs)
			if err != nil {
				return err
			}
			f := store.Filter{Tags: tags, Limit: limit}
			for _, s := range sources {
				id, err := resolve(a, "sources", s)
				if err != nil {
					return err
				}
				f.SourceIDs = append(f.SourceIDs, id)
			}

			problems, err := a.store.ListProblems(f)
			if err != nil {
				return err
			}
			if len(problems) == 0 {
				fmt.Println("No problems yet. Use 'pbank ingest' to extract some.")
				return nil
			}
			for _, p := range problems {
				fmt.Printf("%s  %-50s %s\n", p.ID, truncate(p.Stem, 50), formatTags(p.Tags, a.cfg.Schema))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of problems to show")
	cmd.Flags().StringArrayVarP(&sources, "source", "s", nil, "only this source (repeatable)")
	cmd.Flags().StringArrayVarP(&tagPairs, "tag", "t", nil, "tag filter category=value (repeatable)")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show problem details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			id, err := resolve(a, "problems", args[0])
			if err != nil {
				return err
			}
			p, err := a.store.GetProblem(id)
			if err != nil {
				return err
			}

			fmt.Printf("ID:      %s\n", p.ID)
			fmt.Printf("Source:  %s (block %d)\n", p.SourceID, p.BlockIndex)
			fmt.Printf("Created: %s\n", p.CreatedAt.Format("2006-01-02 15:04:05"))
			if p.Creator != "" {
				fmt.Printf("Creator: %s\n", p.Creator)
			}
			fmt.Printf("Stem:\n%s\n", p.Stem)
			for name, v := range p.Regions {
				fmt.Printf("\n[%s]\n%s\n", name, v)
			}
			if len(p.Tags) > 0 {
				fmt.Printf("\nTags: %s\n", formatTags(p.Tags, a.cfg.Schema))
			}
			return nil
		},
	}
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search [query]",
		Short: "Search problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			problems, err := a.store.SearchProblems(args[0])
			if err != nil {
				return err
			}
			if len(problems) == 0 {
				fmt.Println("No matching problems found.")
				return nil
			}
			for _, p := range problems {
				fmt.Printf("%s  %s\n", p.ID, truncate(p.Text, 60))
			}
			return nil
		},
	}
}

func tagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "Show the tag schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			for _, c := range cfg.Schema.Categories {
				line := c.Name
				if c.Required {
					line += " (required)"
				}
				if len(c.Allowed) > 0 {
					line += ": " + strings.Join(c.Allowed, ", ")
				} else {
					line += ": any value"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func tagCmd() *cobra.Command {
	var tagPairs []string

	cmd := &cobra.Command{
		Use:   "tag [id...]",
		Short: "Apply tags to problems; records that would break the schema are left unchanged",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			tags, err := parseTags(tagPairs)
			if err != nil {
				return err
			}
			if len(tags) == 0 {
				return fmt.Errorf("at least one --tag is required")
			}
			ids := make([]string, len(args))
			for i, prefix := range args {
				if ids[i], err = resolve(a, "problems", prefix); err != nil {
					return err
				}
			}

			res, err := a.bank.ApplyTags(cmd.Context(), ids, tags)
			if err != nil {
				return err
			}
			fmt.Printf("Tagged %d, rejected %d\n", len(res.Applied), len(res.Rejected))
			for _, r := range res.Rejected {
				fmt.Printf("  - %s\n", r.ID)
				for _, v := range r.Violations {
					fmt.Printf("      %s\n", v)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&tagPairs, "tag", "t", nil, "tag category=value (repeatable)")
	return cmd
}
