package hooks

import (
	"sync"

	"github.com/23skdu/longbow-probe/internal/metrics"
)

// Handle is one attached interceptor. It is owned by the scope that attached
// it and must be released on every exit path of that scope.
type Handle struct {
	reg   *Registry
	id    uint64
	layer int
	mode  Mode
	once  sync.Once
}

// Layer returns the layer the handle is attached to.
func (h *Handle) Layer() int {
	return h.layer
}

// Mode returns the interceptor mode.
func (h *Handle) Mode() Mode {
	return h.mode
}

// Release detaches the interceptor. Safe to call more than once.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.reg.remove(h.layer, h.id) {
			metrics.RecordHookDetached(h.mode.String())
			h.reg.log.Debug("hook detached", "layer", h.layer, "mode", h.mode.String(), "id", h.id)
		}
	})
}

// ReleaseAll releases every handle in hs.
func ReleaseAll(hs []*Handle) {
	for _, h := range hs {
		h.Release()
	}
}

// AttachAll attaches one interceptor per layer, all or nothing: on the first
// failure every handle attached so far is released and the error returned.
func (r *Registry) AttachAll(layers []int, build func(layer int) Interceptor) ([]*Handle, error) {
	handles := make([]*Handle, 0, len(layers))
	for _, layer := range layers {
		h, err := r.Attach(layer, build(layer))
		if err != nil {
			ReleaseAll(handles)
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}
