package engine

import "github.com/23skdu/longbow-probe/internal/tensor"

type SamplerConfig struct {
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64 // 1.0 = no penalty, > 1.0 = penalty
	Seed        int64

	// StopTokens end generation after they are emitted.
	StopTokens []int
}

// Greedy is the deterministic sampling setup used by the probes.
func Greedy() SamplerConfig {
	return SamplerConfig{Temperature: 0, RepPenalty: 1.0}
}

// Output is the result of one forward pass.
type Output struct {
	// Hidden is the residual stream after the last block.
	Hidden *tensor.Tensor
	// Logits are computed at the last position of the pass.
	Logits []float32
}
