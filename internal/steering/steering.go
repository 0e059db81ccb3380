// Package steering adds scaled directions to the residual stream while a
// scope is open.
package steering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-probe/internal/direction"
	"github.com/23skdu/longbow-probe/internal/engine"
	"github.com/23skdu/longbow-probe/internal/hooks"
	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

// LastPosition targets the final row of every pass.
const LastPosition = -1

var (
	ErrDimensionMismatch = errors.New("direction length does not match model dim")
	ErrNoLayers          = errors.New("no steering layers")
	ErrInvalidScale      = errors.New("steering scale must be finite")
	ErrInvalidPosition   = errors.New("invalid steering position")
	ErrNonCausalModel    = errors.New("last-position steering requires a causal model")
)

// Spec describes one steering intervention. Positive Scale moves states
// toward the direction's A set, negative toward B.
type Spec struct {
	Layers    []int
	Direction []float32
	Scale     float32
	Position  int
}

// FromDirection builds a last-position Spec for d.
func FromDirection(d *direction.Direction, scale float32, layers ...int) Spec {
	return Spec{
		Layers:    layers,
		Direction: d.Vector(),
		Scale:     scale,
		Position:  LastPosition,
	}
}

func (s Spec) validate(m engine.Model) error {
	if len(s.Layers) == 0 {
		return ErrNoLayers
	}
	if len(s.Direction) != m.Dim() {
		return fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(s.Direction), m.Dim())
	}
	if math.IsNaN(float64(s.Scale)) || math.IsInf(float64(s.Scale), 0) {
		return fmt.Errorf("%w: %v", ErrInvalidScale, s.Scale)
	}
	if s.Position < LastPosition {
		return fmt.Errorf("%w: %d", ErrInvalidPosition, s.Position)
	}
	if s.Position == LastPosition && !m.Causal() {
		return ErrNonCausalModel
	}
	return nil
}

// Scope owns the Mutate interceptors of one Spec.
type Scope struct {
	spec    Spec
	handles []*hooks.Handle
	applied atomic.Int64
	once    sync.Once
	log     *logger.Logger
}

// New attaches one injector per layer of spec. Attach is all-or-nothing: on
// failure every handle already attached is released.
func New(reg *hooks.Registry, m engine.Model, spec Spec) (*Scope, error) {
	if err := spec.validate(m); err != nil {
		metrics.RecordValidationError("steering", validationReason(err))
		return nil, err
	}

	s := &Scope{
		spec: spec,
		log:  logger.Log.Component("steering"),
	}
	delta := make([]float32, len(spec.Direction))
	for i, v := range spec.Direction {
		delta[i] = spec.Scale * v
	}

	handles, err := reg.AttachAll(spec.Layers, func(int) hooks.Interceptor {
		return &injector{delta: delta, position: spec.Position, applied: &s.applied}
	})
	if err != nil {
		return nil, err
	}
	s.handles = handles
	s.log.Debug("Steering attached", "layers", spec.Layers, "scale", spec.Scale, "position", spec.Position)
	return s, nil
}

func validationReason(err error) string {
	switch {
	case errors.Is(err, ErrNoLayers):
		return "no_layers"
	case errors.Is(err, ErrDimensionMismatch):
		return "dimension"
	case errors.Is(err, ErrInvalidScale):
		return "scale"
	case errors.Is(err, ErrNonCausalModel):
		return "non_causal"
	}
	return "position"
}

// Applications counts injections performed so far across all layers.
func (s *Scope) Applications() int {
	return int(s.applied.Load())
}

func (s *Scope) Spec() Spec { return s.spec }

// Close detaches every injector. Safe to call more than once.
func (s *Scope) Close() {
	s.once.Do(func() {
		hooks.ReleaseAll(s.handles)
		s.log.Debug("Steering released", "layers", s.spec.Layers, "applications", s.Applications())
	})
}

// With runs fn with spec attached and detaches on every exit path.
func With(reg *hooks.Registry, m engine.Model, spec Spec, fn func() error) error {
	s, err := New(reg, m, spec)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn()
}

// Compare generates from tokens once without and once with spec applied.
func Compare(ctx context.Context, m engine.Model, tokens []int, n int, cfg engine.SamplerConfig, spec Spec) (baseline, steered []int, err error) {
	reg := engine.NewRegistry(m)
	baseline, err = m.Generate(ctx, tokens, n, cfg, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("baseline generation: %w", err)
	}
	err = With(reg, m, spec, func() error {
		var gerr error
		steered, gerr = m.Generate(ctx, tokens, n, cfg, reg)
		return gerr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("steered generation: %w", err)
	}
	return baseline, steered, nil
}

type injector struct {
	delta    []float32
	position int
	applied  *atomic.Int64
}

func (in *injector) Mode() hooks.Mode { return hooks.Mutate }

// OnLayerOutput returns a copy of t with delta added at the target row of
// every batch entry. Passes that do not cover the target keep t.
func (in *injector) OnLayerOutput(layer int, t *tensor.Tensor) (*tensor.Tensor, error) {
	row := t.Seq - 1
	if in.position != LastPosition {
		local, ok := t.Local(in.position)
		if !ok {
			return nil, nil
		}
		row = local
	}

	out := t.Clone()
	for b := 0; b < out.Batch; b++ {
		r := out.Row(b, row)
		for i, d := range in.delta {
			r[i] += d
		}
	}
	in.applied.Add(1)
	metrics.RecordSteering(layer)
	return out, nil
}
