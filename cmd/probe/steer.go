package main

import (
	"fmt"

	"github.com/23skdu/longbow-probe/internal/direction"
	"github.com/23skdu/longbow-probe/internal/engine"
	"github.com/23skdu/longbow-probe/internal/steering"
	"github.com/23skdu/longbow-probe/internal/tokenizer"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type steerOptions struct {
	Layers      []int
	Scale       float32
	Position    int
	Prompt      string
	Format      string
	MaxTokens   int
	DirectionID string
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64
	Seed        int64
}

// NewSteerCommand creates the steer command.
func NewSteerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &steerOptions{}

	cmd := &cobra.Command{
		Use:   "steer",
		Short: "Generate with and without a steering direction",
		Long: `Generate a continuation of the prompt twice: once unmodified and once
with the direction scaled and added to the residual stream at every steering
layer. The direction is extracted from the configured contrast at the first
steering layer unless --direction names a stored one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSteer(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().IntSliceVarP(&opts.Layers, "layers", "l", nil, "layers to steer (default: configured layers)")
	cmd.Flags().Float32Var(&opts.Scale, "scale", 0, "steering scale (default: steering.scale)")
	cmd.Flags().IntVar(&opts.Position, "position", 0, "absolute position to steer, -1 for last (default: steering.position)")
	cmd.Flags().StringVarP(&opts.Prompt, "prompt", "p", "", "prompt text")
	cmd.Flags().StringVar(&opts.Format, "format", "", "chat template applied to the prompt (default: contrast.format_a)")
	cmd.Flags().IntVarP(&opts.MaxTokens, "max-tokens", "n", 0, "tokens to generate (default: steering.max_tokens)")
	cmd.Flags().StringVar(&opts.DirectionID, "direction", "", "stored direction ID to steer with")
	cmd.Flags().Float64Var(&opts.Temperature, "temperature", 0, "sampling temperature, 0 for greedy")
	cmd.Flags().IntVar(&opts.TopK, "top-k", 0, "sample from the k most likely tokens, 0 for all")
	cmd.Flags().Float64Var(&opts.TopP, "top-p", 1.0, "nucleus sampling mass, 1 for all")
	cmd.Flags().Float64Var(&opts.RepPenalty, "rep-penalty", 1.0, "repetition penalty, 1 for none")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 1, "sampling seed")
	_ = cmd.MarkFlagRequired("prompt")

	return cmd
}

func runSteer(cmd *cobra.Command, rootOpts *RootOptions, opts *steerOptions) error {
	sampler, err := opts.sampler()
	if err != nil {
		return err
	}
	m, tok, err := rootOpts.modelAndTokenizer()
	if err != nil {
		return err
	}
	sc := rootOpts.Probe.Steering
	layers := rootOpts.layersOrDefault(opts.Layers)

	scale := sc.Scale
	if cmd.Flags().Changed("scale") {
		scale = opts.Scale
	}
	position := sc.Position
	if cmd.Flags().Changed("position") {
		position = opts.Position
	}
	n := sc.MaxTokens
	if opts.MaxTokens > 0 {
		n = opts.MaxTokens
	}
	format := rootOpts.Probe.Contrast.FormatA
	if cmd.Flags().Changed("format") {
		format = opts.Format
	}

	d, err := steeringDirection(cmd, rootOpts, opts, m, tok, layers[0])
	if err != nil {
		return err
	}

	text := opts.Prompt
	if format != "" {
		if text, err = tokenizer.Prompt(format, text); err != nil {
			return err
		}
	}
	tokens := tok.Encode(text)

	spec := steering.FromDirection(d, scale, layers...)
	spec.Position = position
	baseline, steered, err := steering.Compare(cmd.Context(), m, tokens, n, sampler, spec)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "direction: %s\n", d)
	fmt.Fprintf(out, "layers: %v scale: %.2f position: %d\n", layers, scale, position)
	fmt.Fprintf(out, "\nbaseline: %q\n", tok.Decode(baseline))
	fmt.Fprintf(out, "steered:  %q\n", tok.Decode(steered))
	return nil
}

// sampler builds the sampling setup shared by the baseline and steered runs.
// Temperature 0 decodes greedily and ignores top-k and top-p.
func (o *steerOptions) sampler() (engine.SamplerConfig, error) {
	switch {
	case o.Temperature < 0:
		return engine.SamplerConfig{}, fmt.Errorf("invalid temperature: %v", o.Temperature)
	case o.TopK < 0:
		return engine.SamplerConfig{}, fmt.Errorf("invalid top-k: %d", o.TopK)
	case o.TopP <= 0 || o.TopP > 1:
		return engine.SamplerConfig{}, fmt.Errorf("invalid top-p: %v (must be in (0, 1])", o.TopP)
	case o.RepPenalty < 1:
		return engine.SamplerConfig{}, fmt.Errorf("invalid rep-penalty: %v (must be >= 1)", o.RepPenalty)
	}
	if o.Temperature == 0 {
		cfg := engine.Greedy()
		cfg.RepPenalty = o.RepPenalty
		return cfg, nil
	}
	return engine.SamplerConfig{
		Temperature: o.Temperature,
		TopK:        o.TopK,
		TopP:        o.TopP,
		RepPenalty:  o.RepPenalty,
		Seed:        o.Seed,
	}, nil
}

func steeringDirection(cmd *cobra.Command, rootOpts *RootOptions, opts *steerOptions, m engine.Model, tok *tokenizer.Tokenizer, layer int) (*direction.Direction, error) {
	if opts.DirectionID == "" {
		return newExtractor(rootOpts, m, tok).Extract(cmd.Context(), contrastOf(rootOpts), layer)
	}
	id, err := uuid.Parse(opts.DirectionID)
	if err != nil {
		return nil, fmt.Errorf("invalid direction id: %w", err)
	}
	st, err := rootOpts.openStore()
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.GetDirection(cmd.Context(), id)
}
