package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/23skdu/longbow-probe/internal/config"
	"github.com/23skdu/longbow-probe/internal/hooks"
	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/23skdu/longbow-probe/internal/simd"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

func init() {
	RegisterEngine("cpu", func(cfg config.Config) (Model, error) {
		return NewResidualModel(cfg)
	})
}

type ResidualWeights struct {
	TokenEmb []float32 // vocab x dim

	MixNorm [][]float32
	Mix     [][]float32 // dim x dim
	FfnNorm [][]float32
	FfnUp   [][]float32 // hidden x dim
	FfnDown [][]float32 // dim x hidden

	OutputNorm []float32
	Output     []float32 // vocab x dim
}

// ResidualModel is a deterministic CPU reference model. Each block mixes the
// causal prefix mean of its normalized inputs and applies a tanh MLP, both
// added back into the residual stream. Per-layer prefix sums make decode
// steps incremental.
type ResidualModel struct {
	mu      sync.Mutex
	cfg     config.Config
	weights *ResidualWeights

	prefix [][]float64 // layers x dim
	pos    int

	log *logger.Logger
}

func NewResidualModel(cfg config.Config) (*ResidualModel, error) {
	if err := cfg.Validate(); err != nil {
		metrics.RecordValidationError("new_engine", "config")
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &ResidualModel{
		cfg:     cfg,
		weights: initResidualWeights(cfg),
		prefix:  make([][]float64, cfg.Layers),
		log:     logger.Log.Component("engine"),
	}
	for l := range m.prefix {
		m.prefix[l] = make([]float64, cfg.Dim)
	}

	m.log.Info("Residual engine initialized",
		"layers", cfg.Layers, "dim", cfg.Dim, "hidden_dim", cfg.HiddenDim,
		"vocab", cfg.VocabSize, "seed", cfg.Seed, "causal", cfg.Causal)
	return m, nil
}

func initResidualWeights(cfg config.Config) *ResidualWeights {
	rng := rand.New(rand.NewSource(cfg.Seed))
	uniform := func(n int, scale float64) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32((rng.Float64()*2 - 1) * scale)
		}
		return out
	}
	ones := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = 1
		}
		return out
	}

	dim, hid, vocab := cfg.Dim, cfg.HiddenDim, cfg.VocabSize
	w := &ResidualWeights{
		TokenEmb: uniform(vocab*dim, 1),
		MixNorm:  make([][]float32, cfg.Layers),
		Mix:      make([][]float32, cfg.Layers),
		FfnNorm:  make([][]float32, cfg.Layers),
		FfnUp:    make([][]float32, cfg.Layers),
		FfnDown:  make([][]float32, cfg.Layers),
	}
	for l := 0; l < cfg.Layers; l++ {
		w.MixNorm[l] = ones(dim)
		w.Mix[l] = uniform(dim*dim, 1/math.Sqrt(float64(dim)))
		w.FfnNorm[l] = ones(dim)
		w.FfnUp[l] = uniform(hid*dim, 1/math.Sqrt(float64(dim)))
		w.FfnDown[l] = uniform(dim*hid, 1/math.Sqrt(float64(hid)))
	}
	w.OutputNorm = ones(dim)
	w.Output = uniform(vocab*dim, 1/math.Sqrt(float64(dim)))
	return w
}

func (m *ResidualModel) NumLayers() int            { return m.cfg.Layers }
func (m *ResidualModel) Dim() int                  { return m.cfg.Dim }
func (m *ResidualModel) VocabSize() int            { return m.cfg.VocabSize }
func (m *ResidualModel) Causal() bool              { return m.cfg.Causal }
func (m *ResidualModel) Config() config.Config     { return m.cfg }
func (m *ResidualModel) Weights() *ResidualWeights { return m.weights }

// CachePos is the number of positions held in the prefix cache.
func (m *ResidualModel) CachePos() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

func (m *ResidualModel) Forward(ctx context.Context, tokens []int, reg *hooks.Registry) (*Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validate(tokens, reg); err != nil {
		metrics.RecordValidationError("forward", "input")
		return nil, err
	}
	if len(tokens) > m.cfg.SeqLen {
		metrics.RecordValidationError("forward", "context")
		return nil, fmt.Errorf("%w: %d tokens (seq_len %d)", ErrContextOverflow, len(tokens), m.cfg.SeqLen)
	}

	start := time.Now()
	out, err := m.pass(ctx, tokens, 0, reg)
	metrics.RecordForward("prefill", time.Since(start))
	metrics.RecordContextLength(len(tokens))
	return out, err
}

func (m *ResidualModel) Generate(ctx context.Context, tokens []int, n int, cfg SamplerConfig, reg *hooks.Registry) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validate(tokens, reg); err != nil {
		metrics.RecordValidationError("generate", "input")
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("invalid token count: %d", n)
	}
	if need := len(tokens) + n - 1; need > m.cfg.SeqLen {
		metrics.RecordValidationError("generate", "context")
		return nil, fmt.Errorf("%w: %d prompt + %d new tokens (seq_len %d)", ErrContextOverflow, len(tokens), n, m.cfg.SeqLen)
	}

	result := make([]int, 0, n)
	if n == 0 {
		return result, nil
	}

	genStart := time.Now()
	t0 := time.Now()
	out, err := m.pass(ctx, tokens, 0, reg)
	metrics.RecordForward("prefill", time.Since(t0))
	metrics.RecordContextLength(len(tokens))
	if err != nil {
		return nil, err
	}

	sampler := NewSampler(cfg)
	history := append(make([]int, 0, len(tokens)+n), tokens...)
	stop := make(map[int]bool, len(cfg.StopTokens))
	for _, id := range cfg.StopTokens {
		stop[id] = true
	}

	for i := 0; i < n; i++ {
		logits := make([]float32, len(out.Logits))
		copy(logits, out.Logits)
		next := sampler.Sample(logits, history, m.cfg.VocabSize)

		result = append(result, next)
		history = append(history, next)
		if stop[next] || i == n-1 {
			break
		}

		t0 = time.Now()
		if m.cfg.Causal {
			out, err = m.pass(ctx, []int{next}, m.pos, reg)
		} else {
			out, err = m.pass(ctx, history, 0, reg)
		}
		metrics.RecordForward("decode", time.Since(t0))
		if err != nil {
			return result, err
		}
	}

	metrics.RecordGeneration(len(result), time.Since(genStart))
	m.log.Debug("Generation complete", "prompt_tokens", len(tokens), "generated", len(result))
	return result, nil
}

func (m *ResidualModel) validate(tokens []int, reg *hooks.Registry) error {
	if err := checkRegistry(reg, m.cfg.Layers); err != nil {
		return err
	}
	return checkTokens(tokens, m.cfg.VocabSize)
}

// pass runs tokens through every block. offset is the absolute position of
// the first token; an offset of 0 resets the prefix cache.
func (m *ResidualModel) pass(ctx context.Context, tokens []int, offset int, reg *hooks.Registry) (*Output, error) {
	cfg := m.cfg
	dim, hid := cfg.Dim, cfg.HiddenDim
	w := m.weights

	if offset == 0 {
		for _, p := range m.prefix {
			clear(p)
		}
		m.pos = 0
	}
	if cfg.Causal && offset != m.pos {
		return nil, fmt.Errorf("decode offset %d does not match cache position %d", offset, m.pos)
	}

	x := tensor.New(1, len(tokens), dim)
	x.Offset = offset
	for s, tok := range tokens {
		copy(x.Row(0, s), w.TokenEmb[tok*dim:(tok+1)*dim])
	}

	seq := len(tokens)
	normed := make([]float32, seq*dim)
	mean := make([]float32, dim)
	mixed := make([]float32, dim)
	ffnIn := make([]float32, dim)
	up := make([]float32, hid)
	down := make([]float32, dim)
	rs := cfg.ResidualScale

	for l := 0; l < cfg.Layers; l++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for s := 0; s < seq; s++ {
			simd.RMSNorm(x.Row(0, s), w.MixNorm[l], cfg.Eps, normed[s*dim:(s+1)*dim])
		}

		var total []float64
		if !cfg.Causal {
			total = make([]float64, dim)
			for s := 0; s < seq; s++ {
				for i, v := range normed[s*dim : (s+1)*dim] {
					total[i] += float64(v)
				}
			}
		}

		for s := 0; s < seq; s++ {
			row := x.Row(0, s)
			if cfg.Causal {
				p := m.prefix[l]
				for i, v := range normed[s*dim : (s+1)*dim] {
					p[i] += float64(v)
				}
				count := float64(offset + s + 1)
				for i := range mean {
					mean[i] = float32(p[i] / count)
				}
			} else {
				for i := range mean {
					mean[i] = float32(total[i] / float64(seq))
				}
			}

			simd.MatVec(w.Mix[l], mean, dim, dim, mixed)
			simd.Axpy(rs, mixed, row)

			simd.RMSNorm(row, w.FfnNorm[l], cfg.Eps, ffnIn)
			simd.MatVec(w.FfnUp[l], ffnIn, hid, dim, up)
			for i, v := range up {
				up[i] = float32(math.Tanh(float64(v)))
			}
			simd.MatVec(w.FfnDown[l], up, dim, hid, down)
			simd.Axpy(rs, down, row)
		}

		out, err := reg.Dispatch(l, x)
		if err != nil {
			return nil, err
		}
		x = out

		if cfg.DebugActivations {
			last := x.Row(0, x.Seq-1)
			m.log.Debug("Layer output", "layer", l, "pos", x.LastPosition(),
				"rms", math.Sqrt(simd.SumSq(last)/float64(dim)))
		}
	}

	if cfg.Causal {
		m.pos = offset + seq
	}

	last := x.Row(0, x.Seq-1)
	normedLast := make([]float32, dim)
	simd.RMSNorm(last, w.OutputNorm, cfg.Eps, normedLast)
	logits := make([]float32, cfg.VocabSize)
	simd.MatVec(w.Output, normedLast, cfg.VocabSize, dim, logits)

	nans, infs := 0, 0
	for _, v := range logits {
		if math.IsNaN(float64(v)) {
			nans++
		} else if math.IsInf(float64(v), 0) {
			infs++
		}
	}
	if nans > 0 || infs > 0 {
		metrics.RecordNumericalInstability("logits", nans, infs)
		m.log.Warn("Non-finite logits", "nans", nans, "infs", infs)
	}

	return &Output{Hidden: x, Logits: logits}, nil
}
