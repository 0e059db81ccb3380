package main

import (
	"fmt"

	"github.com/23skdu/longbow-probe/internal/analysis"
	"github.com/23skdu/longbow-probe/internal/direction"
	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type sweepOptions struct {
	Threshold      float64
	SharpThreshold float64
	Reference      int
	Save           bool
	RunID          string
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &sweepOptions{}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Extract directions at every layer and report consecutive-layer drops",
		Long: `Extract the configured contrast direction at every layer, report the
cosine between consecutive layers, the alignment of every layer with a
reference layer and the decomposition of the last layer against it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().Float64Var(&opts.Threshold, "threshold", 0, "transition zone cut-off (default: analysis.threshold)")
	cmd.Flags().Float64Var(&opts.SharpThreshold, "sharp-threshold", 0, "sharp drop cut-off (default: analysis.sharp_threshold)")
	cmd.Flags().IntVar(&opts.Reference, "reference", -1, "reference layer for alignment (default: first configured layer)")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "persist directions and drops to the store")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID to save under (default: new UUID)")

	return cmd
}

func runSweep(cmd *cobra.Command, rootOpts *RootOptions, opts *sweepOptions) error {
	m, tok, err := rootOpts.modelAndTokenizer()
	if err != nil {
		return err
	}

	layers := make([]int, m.NumLayers())
	for i := range layers {
		layers[i] = i
	}
	dirs, failed, err := newExtractor(rootOpts, m, tok).ExtractAll(cmd.Context(), contrastOf(rootOpts), layers)
	if err != nil {
		return err
	}
	for l, e := range failed {
		logger.Log.Warn("Skipping layer", "layer", l, "error", e)
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no layer produced a direction")
	}

	cfg := analysis.DropConfig{
		Threshold:      rootOpts.Probe.Analysis.Threshold,
		SharpThreshold: rootOpts.Probe.Analysis.SharpThreshold,
	}
	if cmd.Flags().Changed("threshold") {
		cfg.Threshold = opts.Threshold
	}
	if cmd.Flags().Changed("sharp-threshold") {
		cfg.SharpThreshold = opts.SharpThreshold
	}

	vecs := direction.Vectors(dirs)
	drops, err := cfg.Analyze(vecs)
	if err != nil {
		return err
	}

	report := &analysis.Report{
		Title: fmt.Sprintf("Direction sweep: %s vs %s", rootOpts.Probe.Contrast.LabelA, rootOpts.Probe.Contrast.LabelB),
		Drops: drops,
	}

	ref := opts.Reference
	if ref < 0 {
		ref = rootOpts.Probe.Layers[0]
	}
	if refDir, ok := dirs[ref]; ok {
		profile, err := analysis.AlignmentProfile(fmt.Sprintf("L%d", ref), vecs, refDir.Vector())
		if err != nil {
			return err
		}
		report.Profiles = append(report.Profiles, profile)

		sorted := direction.SortedLayers(dirs)
		last := sorted[len(sorted)-1]
		if last != ref {
			dec, err := analysis.Decompose(vecs[last], vecs[ref])
			if err != nil {
				return err
			}
			report.Decomposition = dec
			report.DecompositionLabel = fmt.Sprintf("L%d vs L%d", last, ref)
		}
	} else {
		logger.Log.Warn("Reference layer has no direction", "layer", ref)
	}

	if err := report.WriteText(cmd.OutOrStdout()); err != nil {
		return err
	}

	if opts.Save {
		runID := opts.RunID
		if runID == "" {
			runID = uuid.NewString()
		}
		st, err := rootOpts.openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.SaveDirections(cmd.Context(), runID, dirs); err != nil {
			return err
		}
		if err := st.SaveSweep(cmd.Context(), runID, drops); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nsaved under run %s\n", runID)
	}
	return nil
}
