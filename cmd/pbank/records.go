package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func originalCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "original [problem-id]",
		Short: "Write the source document a problem was extracted from",
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
			p, err := a.bank.RestoreOriginal(id, out)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s (originally %s)\n", out, p.OriginalPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "where to write the document; must not exist")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func reingestCmd() *cobra.Command {
	var creator string

	cmd := &cobra.Command{
		Use:   "reingest [source]",
		Short: "Extract a source again from its stored original, replacing its problems",
		Args:  cobra.ExactArgs(1),
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
			res, err := a.bank.Reingest(cmd.Context(), id, creator)
			if err != nil {
				return err
			}
			fmt.Printf("Created %d, deleted %d, total %d\n", res.Created, res.Deleted, res.Total)
			printFailures(res.Failures, res.Warnings)
			return nil
		},
	}

	cmd.Flags().StringVar(&creator, "creator", "", "author recorded on each problem (default: the previous one)")
	return cmd
}

func worksheetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worksheets",
		Short: "List composed worksheets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			sheets, err := a.store.ListWorksheets()
			if err != nil {
				return err
			}
			if len(sheets) == 0 {
				fmt.Println("No worksheets yet. Use 'pbank compose' to make one.")
				return nil
			}
			for _, w := range sheets {
				fmt.Printf("%s  %s  %-30s %-16s %3d problems  %s\n", w.ID, w.CreatedAt.Format("2006-01-02 15:04"),
					truncate(w.Title, 30), truncate(w.Creator, 16), len(w.ProblemIDs), w.OutputPath)
			}
			return nil
		},
	}

	var out string
	export := &cobra.Command{
		Use:   "export [worksheet-id]",
		Short: "Write the stored copy of a worksheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			id, err := resolve(a, "worksheets", args[0])
			if err != nil {
				return err
			}
			w, err := a.bank.ExportWorksheet(id, out)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s (%d bytes)\n", out, w.Size)
			return nil
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "", "where to write the worksheet; must not exist")
	_ = export.MarkFlagRequired("out")

	cmd.AddCommand(export)
	return cmd
}

func problemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "problems",
		Short: "Manage stored problems",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rm [id...]",
		Short: "Delete problems; composed worksheets keep their copies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ids := make([]string, len(args))
			for i, prefix := range args {
				if ids[i], err = resolve(a, "problems", prefix); err != nil {
					return err
				}
			}
			n, err := a.bank.DeleteProblems(cmd.Context(), ids)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d problems\n", n)
			return nil
		},
	})
	return cmd
}
