// Package capture records hidden states at chosen layers during forward
// passes.
package capture

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-probe/internal/engine"
	"github.com/23skdu/longbow-probe/internal/hooks"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

// Encoder turns text into token ids.
type Encoder interface {
	Encode(text string) []int
}

// Scope holds one Observe interceptor per layer and the last-token vector
// each one saw. The most recent pass wins.
type Scope struct {
	mu      sync.Mutex
	layers  []int
	handles []*hooks.Handle
	acts    map[int][]float32
	once    sync.Once
}

// New attaches observers on layers. If any attach fails the ones already
// attached are released.
func New(reg *hooks.Registry, layers ...int) (*Scope, error) {
	s := &Scope{
		layers: dedupe(layers),
		acts:   make(map[int][]float32),
	}
	handles, err := reg.AttachAll(s.layers, func(int) hooks.Interceptor {
		return hooks.ObserverFunc(s.observe)
	})
	if err != nil {
		return nil, err
	}
	s.handles = handles
	return s, nil
}

func dedupe(layers []int) []int {
	seen := make(map[int]bool, len(layers))
	out := make([]int, 0, len(layers))
	for _, l := range layers {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

func (s *Scope) observe(layer int, t *tensor.Tensor) error {
	vec := t.LastRow(0)
	s.mu.Lock()
	s.acts[layer] = vec
	s.mu.Unlock()
	metrics.RecordCapture(1)
	return nil
}

// Layers returns the captured layer indices in ascending order.
func (s *Scope) Layers() []int {
	out := append([]int(nil), s.layers...)
	sort.Ints(out)
	return out
}

// Activations returns a copy of the captured vectors keyed by layer. It is
// empty when no pass has run.
func (s *Scope) Activations() map[int][]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int][]float32, len(s.acts))
	for l, v := range s.acts {
		out[l] = append([]float32(nil), v...)
	}
	return out
}

// Last returns a copy of the vector captured at layer.
func (s *Scope) Last(layer int) ([]float32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.acts[layer]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), v...), true
}

// Reset drops captured vectors and keeps the observers attached.
func (s *Scope) Reset() {
	s.mu.Lock()
	s.acts = make(map[int][]float32)
	s.mu.Unlock()
}

// Close releases every observer. Captured vectors stay readable.
func (s *Scope) Close() {
	s.once.Do(func() {
		hooks.ReleaseAll(s.handles)
	})
}

// Capture runs one forward pass over text and returns the last-token hidden
// state at each requested layer.
func Capture(ctx context.Context, m engine.Model, enc Encoder, text string, layers []int) (map[int][]float32, error) {
	reg := engine.NewRegistry(m)
	s, err := New(reg, layers...)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if _, err := m.Forward(ctx, enc.Encode(text), reg); err != nil {
		return nil, fmt.Errorf("capture forward: %w", err)
	}
	return s.Activations(), nil
}
