package main

import (
	"fmt"

	"github.com/23skdu/longbow-probe/internal/capture"
	"github.com/23skdu/longbow-probe/internal/engine"
	"github.com/23skdu/longbow-probe/internal/tokenizer"
	"github.com/23skdu/longbow-probe/internal/vecmath"
	"github.com/spf13/cobra"
)

type captureOptions struct {
	Text   string
	Format string
	Layers []int
	Trace  string
}

// NewCaptureCommand creates the capture command.
func NewCaptureCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &captureOptions{}

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture last-token hidden states of a prompt",
		Long: `Run one forward pass over the prompt and print the L2 norm of the
last-token hidden state at each requested layer. With --trace, per-layer
activation statistics of every layer are written as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Text, "text", "t", "", "prompt text")
	cmd.Flags().StringVar(&opts.Format, "format", "", "chat template applied to the prompt")
	cmd.Flags().IntSliceVarP(&opts.Layers, "layers", "l", nil, "layers to capture (default: configured layers)")
	cmd.Flags().StringVar(&opts.Trace, "trace", "", "write activation statistics JSON to this file")
	_ = cmd.MarkFlagRequired("text")

	return cmd
}

func runCapture(cmd *cobra.Command, rootOpts *RootOptions, opts *captureOptions) error {
	m, tok, err := rootOpts.modelAndTokenizer()
	if err != nil {
		return err
	}
	text := opts.Text
	if opts.Format != "" {
		if text, err = tokenizer.Prompt(opts.Format, text); err != nil {
			return err
		}
	}

	layers := rootOpts.layersOrDefault(opts.Layers)
	reg := engine.NewRegistry(m)
	scope, err := capture.New(reg, layers...)
	if err != nil {
		return err
	}
	defer scope.Close()

	var trace *capture.Trace
	if opts.Trace != "" {
		trace = capture.NewTrace(m.NumLayers())
		if err := trace.Attach(reg); err != nil {
			return err
		}
		defer trace.Close()
	}

	tokens := tok.Encode(text)
	if _, err := m.Forward(cmd.Context(), tokens, reg); err != nil {
		return fmt.Errorf("capture forward: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "tokens: %d\n", len(tokens))
	fmt.Fprintf(out, "%-8s %s\n", "Layer", "Norm")
	acts := scope.Activations()
	for _, l := range scope.Layers() {
		fmt.Fprintf(out, "L%-7d %.4f\n", l, vecmath.Norm(acts[l]))
	}

	if trace != nil {
		if err := trace.SaveToFile(opts.Trace); err != nil {
			return err
		}
		rootOpts.Monitor.CheckLayers(trace.CollapsedLayers(), trace.SaturatedLayers())
		fmt.Fprintf(out, "trace written to %s\n", opts.Trace)
	}
	return nil
}
