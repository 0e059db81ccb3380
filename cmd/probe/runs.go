package main

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-probe/internal/analysis"
	"github.com/23skdu/longbow-probe/internal/store"
	"github.com/spf13/cobra"
)

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "runs [RUN]",
		Short: "List stored runs or show one of them",
		Long: `Without arguments, list the run IDs in the store, newest first, with the
number of directions saved under each. With a run ID, list its directions and
print the layer sweep saved with it, if any.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if len(args) == 0 {
				return listRuns(cmd, st)
			}
			return showRun(cmd, st, args[0])
		},
	}
}

func listRuns(cmd *cobra.Command, st *store.Store) error {
	runs, err := st.Runs(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs stored")
		return nil
	}
	for _, id := range runs {
		dirs, err := st.ListDirections(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%-40s %d directions\n", id, len(dirs))
	}
	return nil
}

func showRun(cmd *cobra.Command, st *store.Store, runID string) error {
	dirs, err := st.ListDirections(cmd.Context(), runID)
	if err != nil {
		return err
	}
	sweep, err := st.LoadSweep(cmd.Context(), runID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if len(dirs) == 0 && sweep == nil {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s\n", runID)
	for _, d := range dirs {
		fmt.Fprintf(out, "  %s\n", d)
	}
	if sweep == nil {
		fmt.Fprintln(out, "\nno sweep stored")
		return nil
	}
	report := &analysis.Report{Title: fmt.Sprintf("Stored sweep: %s", runID), Drops: sweep}
	return report.WriteText(out)
}
