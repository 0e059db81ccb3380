package direction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/23skdu/longbow-probe/internal/capture"
	"github.com/23skdu/longbow-probe/internal/engine"
	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/23skdu/longbow-probe/internal/tokenizer"
	"github.com/google/uuid"
)

// Extractor computes contrast directions on one model.
type Extractor struct {
	model   engine.Model
	enc     capture.Encoder
	formatA string
	formatB string
	log     *logger.Logger
}

type Option func(*Extractor)

// WithFormats renders each prompt of set A and set B through the named chat
// templates before encoding.
func WithFormats(a, b string) Option {
	return func(e *Extractor) {
		e.formatA = a
		e.formatB = b
	}
}

func NewExtractor(m engine.Model, enc capture.Encoder, opts ...Option) *Extractor {
	e := &Extractor{
		model: m,
		enc:   enc,
		log:   logger.Log.Component("direction"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract returns normalize(mean(A) - mean(B)) of the last-token states at
// layer.
func (e *Extractor) Extract(ctx context.Context, c Contrast, layer int) (*Direction, error) {
	dirs, errs, err := e.extract(ctx, c, []int{layer})
	if err != nil {
		return nil, err
	}
	if err := errs[layer]; err != nil {
		return nil, fmt.Errorf("layer %d: %w", layer, err)
	}
	return dirs[layer], nil
}

// ExtractAll extracts one direction per layer from a single set of passes.
// Degenerate layers are reported in the error map instead of failing the
// whole sweep.
func (e *Extractor) ExtractAll(ctx context.Context, c Contrast, layers []int) (map[int]*Direction, map[int]error, error) {
	return e.extract(ctx, c, layers)
}

func (e *Extractor) extract(ctx context.Context, c Contrast, layers []int) (map[int]*Direction, map[int]error, error) {
	if err := c.validate(); err != nil {
		metrics.RecordValidationError("extract", "empty_contrast")
		return nil, nil, err
	}

	start := time.Now()
	sumA, err := e.accumulate(ctx, c.A, e.formatA, layers)
	if err != nil {
		return nil, nil, err
	}
	sumB, err := e.accumulate(ctx, c.B, e.formatB, layers)
	if err != nil {
		return nil, nil, err
	}

	dirs := make(map[int]*Direction, len(layers))
	errs := make(map[int]error)
	created := time.Now().UTC()
	degenerate := 0
	for _, l := range layers {
		vec, err := fromMeans(sumA[l], sumB[l], len(c.A), len(c.B))
		if err != nil {
			if errors.Is(err, ErrDegenerateDirection) {
				degenerate++
			}
			e.log.Warn("Direction extraction failed", "layer", l, "error", err)
			errs[l] = err
			continue
		}
		dirs[l] = &Direction{
			ID:        uuid.New(),
			Layer:     l,
			LabelA:    c.LabelA,
			LabelB:    c.LabelB,
			SizeA:     len(c.A),
			SizeB:     len(c.B),
			CreatedAt: created,
			vec:       vec,
		}
	}

	metrics.RecordExtraction(time.Since(start), degenerate)
	e.log.Debug("Extracted directions",
		"layers", len(dirs), "failed", len(errs),
		"size_a", len(c.A), "size_b", len(c.B), "elapsed", time.Since(start))
	return dirs, errs, nil
}

// accumulate sums the last-token state of each prompt per layer in float64.
func (e *Extractor) accumulate(ctx context.Context, prompts []string, format string, layers []int) (map[int][]float64, error) {
	reg := engine.NewRegistry(e.model)
	scope, err := capture.New(reg, layers...)
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	sums := make(map[int][]float64, len(layers))
	for _, l := range layers {
		sums[l] = make([]float64, e.model.Dim())
	}

	for i, p := range prompts {
		text := p
		if format != "" {
			text, err = tokenizer.Prompt(format, p)
			if err != nil {
				return nil, err
			}
		}
		scope.Reset()
		if _, err := e.model.Forward(ctx, e.enc.Encode(text), reg); err != nil {
			return nil, fmt.Errorf("prompt %d: %w", i, err)
		}
		for _, l := range layers {
			v, ok := scope.Last(l)
			if !ok {
				return nil, fmt.Errorf("prompt %d: no activation captured at layer %d", i, l)
			}
			for j, x := range v {
				sums[l][j] += float64(x)
			}
		}
	}
	return sums, nil
}

// SortedLayers returns the keys of dirs in ascending order.
func SortedLayers(dirs map[int]*Direction) []int {
	out := make([]int, 0, len(dirs))
	for l := range dirs {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}

// Vectors flattens dirs into layer -> vector copies.
func Vectors(dirs map[int]*Direction) map[int][]float32 {
	out := make(map[int][]float32, len(dirs))
	for l, d := range dirs {
		out[l] = d.Vector()
	}
	return out
}
