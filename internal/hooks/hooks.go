// Package hooks is the layer interceptor registry a model consults at every
// layer boundary. A Registry is an explicit per-model context object: scopes
// attach interceptors to it and the caller passes it into the forward call.
// Nothing is global, so one registry's hooks never leak into another pass.
package hooks

import (
	"errors"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

var (
	ErrInvalidLayer   = errors.New("invalid layer index")
	ErrDoubleMutation = errors.New("layer already has an active mutating hook")
)

// LayerError carries the offending layer for ErrInvalidLayer and ErrDoubleMutation.
type LayerError struct {
	Layer     int
	NumLayers int
	Err       error
}

func (e *LayerError) Error() string {
	if errors.Is(e.Err, ErrInvalidLayer) {
		return fmt.Sprintf("%v: %d not in [0, %d)", e.Err, e.Layer, e.NumLayers)
	}
	return fmt.Sprintf("%v: layer %d", e.Err, e.Layer)
}

func (e *LayerError) Unwrap() error {
	return e.Err
}

// Mode tags an interceptor as a pure reader or as a replacer of the layer output.
type Mode int

const (
	Observe Mode = iota
	Mutate
)

func (m Mode) String() string {
	switch m {
	case Observe:
		return "observe"
	case Mutate:
		return "mutate"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Interceptor is invoked with a layer's output during a forward pass.
//
// Observe interceptors must treat t as read-only; their returned tensor is
// ignored. Mutate interceptors return the tensor that continues through the
// rest of the pass (nil keeps t). They must not modify t in place.
type Interceptor interface {
	Mode() Mode
	OnLayerOutput(layer int, t *tensor.Tensor) (*tensor.Tensor, error)
}

// ObserverFunc adapts a function to an Observe interceptor.
type ObserverFunc func(layer int, t *tensor.Tensor) error

func (f ObserverFunc) Mode() Mode { return Observe }

func (f ObserverFunc) OnLayerOutput(layer int, t *tensor.Tensor) (*tensor.Tensor, error) {
	return t, f(layer, t)
}

// MutatorFunc adapts a function to a Mutate interceptor.
type MutatorFunc func(layer int, t *tensor.Tensor) (*tensor.Tensor, error)

func (f MutatorFunc) Mode() Mode { return Mutate }

func (f MutatorFunc) OnLayerOutput(layer int, t *tensor.Tensor) (*tensor.Tensor, error) {
	return f(layer, t)
}

type entry struct {
	id    uint64
	mode  Mode
	inter Interceptor
}

// Registry holds the interceptors attached to each layer of one model.
type Registry struct {
	mu        sync.Mutex
	numLayers int
	slots     [][]entry
	nextID    uint64
	log       *logger.Logger
}

// NewRegistry creates an empty registry for a model with numLayers layers.
func NewRegistry(numLayers int) *Registry {
	return &Registry{
		numLayers: numLayers,
		slots:     make([][]entry, numLayers),
		log:       logger.Log.Component("hooks"),
	}
}

// NumLayers returns the number of layers the registry was created for.
func (r *Registry) NumLayers() int {
	return r.numLayers
}

// CheckLayer validates a layer index against the registry bounds.
func (r *Registry) CheckLayer(layer int) error {
	if layer < 0 || layer >= r.numLayers {
		return &LayerError{Layer: layer, NumLayers: r.numLayers, Err: ErrInvalidLayer}
	}
	return nil
}

// Attach registers inter on layer and returns the handle that releases it.
// At most one Mutate interceptor may be active per layer.
func (r *Registry) Attach(layer int, inter Interceptor) (*Handle, error) {
	if inter == nil {
		return nil, fmt.Errorf("nil interceptor")
	}
	if err := r.CheckLayer(layer); err != nil {
		metrics.RecordHookRejected("invalid_layer")
		return nil, err
	}

	mode := inter.Mode()

	r.mu.Lock()
	if mode == Mutate {
		for _, e := range r.slots[layer] {
			if e.mode == Mutate {
				r.mu.Unlock()
				metrics.RecordHookRejected("double_mutation")
				return nil, &LayerError{Layer: layer, NumLayers: r.numLayers, Err: ErrDoubleMutation}
			}
		}
	}
	r.nextID++
	id := r.nextID
	r.slots[layer] = append(r.slots[layer], entry{id: id, mode: mode, inter: inter})
	r.mu.Unlock()

	metrics.RecordHookAttached(mode.String())
	r.log.Debug("hook attached", "layer", layer, "mode", mode.String(), "id", id)

	return &Handle{reg: r, id: id, layer: layer, mode: mode}, nil
}

// Detach removes the interceptor behind h. Detaching twice is a no-op.
func (r *Registry) Detach(h *Handle) {
	if h == nil || h.reg != r {
		return
	}
	h.Release()
}

func (r *Registry) remove(layer int, id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.slots[layer]
	for i, e := range slot {
		if e.id == id {
			// Copy so a Dispatch holding the old slice is unaffected.
			next := make([]entry, 0, len(slot)-1)
			next = append(next, slot[:i]...)
			next = append(next, slot[i+1:]...)
			r.slots[layer] = next
			return true
		}
	}
	return false
}

// Dispatch runs layer's Mutate interceptor first and then its observers in
// attach order, so every observer sees the tensor that continues the pass.
// A nil registry dispatches nothing.
func (r *Registry) Dispatch(layer int, t *tensor.Tensor) (*tensor.Tensor, error) {
	if r == nil {
		return t, nil
	}
	if err := r.CheckLayer(layer); err != nil {
		return nil, err
	}

	r.mu.Lock()
	slot := r.slots[layer]
	r.mu.Unlock()

	cur := t
	for _, e := range slot {
		if e.mode != Mutate {
			continue
		}
		out, err := e.inter.OnLayerOutput(layer, cur)
		if err != nil {
			return nil, fmt.Errorf("layer %d %s hook: %w", layer, e.mode, err)
		}
		if out != nil {
			if !out.SameShape(cur) {
				return nil, fmt.Errorf("layer %d mutate hook changed shape %s -> %s", layer, cur, out)
			}
			cur = out
		}
	}
	for _, e := range slot {
		if e.mode == Mutate {
			continue
		}
		if _, err := e.inter.OnLayerOutput(layer, cur); err != nil {
			return nil, fmt.Errorf("layer %d %s hook: %w", layer, e.mode, err)
		}
	}
	return cur, nil
}

// Active returns the number of interceptors attached to layer.
func (r *Registry) Active(layer int) int {
	if r.CheckLayer(layer) != nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots[layer])
}

// HasMutator reports whether layer has an active Mutate interceptor.
func (r *Registry) HasMutator(layer int) bool {
	if r.CheckLayer(layer) != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.slots[layer] {
		if e.mode == Mutate {
			return true
		}
	}
	return false
}

// Len returns the total number of attached interceptors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		n += len(s)
	}
	return n
}
