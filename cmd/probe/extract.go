package main

import (
	"fmt"

	"github.com/23skdu/longbow-probe/internal/direction"
	"github.com/23skdu/longbow-probe/internal/engine"
	"github.com/23skdu/longbow-probe/internal/tokenizer"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type extractOptions struct {
	Layer int
	Save  bool
	RunID string
}

// NewExtractCommand creates the extract command.
func NewExtractCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &extractOptions{}

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract the configured contrast direction at one layer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Layer, "layer", "l", -1, "layer to extract at (default: first configured layer)")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "persist the direction to the store")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID to save under (default: new UUID)")

	return cmd
}

func runExtract(cmd *cobra.Command, rootOpts *RootOptions, opts *extractOptions) error {
	m, tok, err := rootOpts.modelAndTokenizer()
	if err != nil {
		return err
	}
	layer := opts.Layer
	if layer < 0 {
		layer = rootOpts.Probe.Layers[0]
	}

	d, err := newExtractor(rootOpts, m, tok).Extract(cmd.Context(), contrastOf(rootOpts), layer)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", d)
	fmt.Fprintf(out, "id: %s\nnorm: %.6f\n", d.ID, d.Norm())

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
		if err := st.SaveDirection(cmd.Context(), runID, d); err != nil {
			return err
		}
		fmt.Fprintf(out, "saved under run %s\n", runID)
	}
	return nil
}

func contrastOf(rootOpts *RootOptions) direction.Contrast {
	c := rootOpts.Probe.Contrast
	return direction.Contrast{LabelA: c.LabelA, LabelB: c.LabelB, A: c.A, B: c.B}
}

func newExtractor(rootOpts *RootOptions, m engine.Model, tok *tokenizer.Tokenizer) *direction.Extractor {
	c := rootOpts.Probe.Contrast
	return direction.NewExtractor(m, tok, direction.WithFormats(c.FormatA, c.FormatB))
}
