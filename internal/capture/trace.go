package capture

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/23skdu/longbow-probe/internal/hooks"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

const (
	CollapseThreshold   = 0.00001
	SaturationThreshold = 10000.0

	defaultSampleSize = 8
)

// LayerStats summarizes one layer output at the last position of a pass.
type LayerStats struct {
	Layer  int       `json:"layer"`
	Pos    int       `json:"pos"`
	Max    float32   `json:"max"`
	Min    float32   `json:"min"`
	Mean   float32   `json:"mean"`
	RMS    float32   `json:"rms"`
	Zeros  int       `json:"zeros"`
	NaNs   int       `json:"nans"`
	Infs   int       `json:"infs"`
	Sample []float32 `json:"sample"`
	// NonFinite lists indices into Sample whose NaN or Inf value was
	// written as 0.
	NonFinite []int `json:"non_finite,omitempty"`
}

func (s LayerStats) collapsed() bool {
	peak := math.Max(math.Abs(float64(s.Max)), math.Abs(float64(s.Min)))
	return s.RMS < CollapseThreshold || peak < CollapseThreshold
}

func (s LayerStats) saturated() bool {
	peak := math.Max(math.Abs(float64(s.Max)), math.Abs(float64(s.Min)))
	return s.RMS > SaturationThreshold || peak > SaturationThreshold || s.Infs > 0
}

// Trace records LayerStats for every pass it observes.
type Trace struct {
	mu         sync.Mutex
	NumLayers  int          `json:"num_layers"`
	Traces     []LayerStats `json:"traces"`
	SampleSize int          `json:"-"`

	handles []*hooks.Handle
}

func NewTrace(numLayers int) *Trace {
	return &Trace{
		NumLayers:  numLayers,
		Traces:     make([]LayerStats, 0),
		SampleSize: defaultSampleSize,
	}
}

// Attach observes every layer of reg until Close.
func (tr *Trace) Attach(reg *hooks.Registry) error {
	layers := make([]int, reg.NumLayers())
	for i := range layers {
		layers[i] = i
	}
	handles, err := reg.AttachAll(layers, func(int) hooks.Interceptor {
		return hooks.ObserverFunc(tr.observe)
	})
	if err != nil {
		return err
	}
	tr.mu.Lock()
	tr.handles = append(tr.handles, handles...)
	tr.mu.Unlock()
	return nil
}

func (tr *Trace) Close() {
	tr.mu.Lock()
	hs := tr.handles
	tr.handles = nil
	tr.mu.Unlock()
	hooks.ReleaseAll(hs)
}

func (tr *Trace) observe(layer int, t *tensor.Tensor) error {
	tr.Record(layer, t.LastPosition(), t.Row(0, t.Seq-1))
	return nil
}

// Record computes and stores stats for data.
func (tr *Trace) Record(layer, pos int, data []float32) LayerStats {
	st := computeStats(data, tr.SampleSize)
	st.Layer = layer
	st.Pos = pos

	if st.NaNs > 0 || st.Infs > 0 {
		metrics.RecordNumericalInstability(fmt.Sprintf("layer_%d", layer), st.NaNs, st.Infs)
	}

	tr.mu.Lock()
	tr.Traces = append(tr.Traces, st)
	tr.mu.Unlock()
	return st
}

func computeStats(data []float32, sampleSize int) LayerStats {
	st := LayerStats{}
	if sampleSize > len(data) {
		sampleSize = len(data)
	}
	st.Sample = make([]float32, sampleSize)
	for i, v := range data[:sampleSize] {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			st.NonFinite = append(st.NonFinite, i)
			continue
		}
		st.Sample[i] = v
	}

	first := true
	sum, sumSq := 0.0, 0.0
	finite := 0
	for _, v := range data {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			st.NaNs++
			continue
		case math.IsInf(f, 0):
			st.Infs++
			continue
		}
		if v == 0 {
			st.Zeros++
		}
		if first || v > st.Max {
			st.Max = v
		}
		if first || v < st.Min {
			st.Min = v
		}
		first = false
		sum += f
		sumSq += f * f
		finite++
	}
	if finite > 0 {
		st.Mean = float32(sum / float64(finite))
		st.RMS = float32(math.Sqrt(sumSq / float64(finite)))
	}
	return st
}

func (tr *Trace) IsLayerCollapsed(layer int) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, s := range tr.Traces {
		if s.Layer == layer {
			return s.collapsed()
		}
	}
	return false
}

func (tr *Trace) IsLayerSaturated(layer int) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, s := range tr.Traces {
		if s.Layer == layer {
			return s.saturated()
		}
	}
	return false
}

// CollapsedLayers lists layers with any collapsed observation.
func (tr *Trace) CollapsedLayers() []int {
	return tr.layersWhere(LayerStats.collapsed)
}

// SaturatedLayers lists layers with any saturated observation.
func (tr *Trace) SaturatedLayers() []int {
	return tr.layersWhere(LayerStats.saturated)
}

func (tr *Trace) layersWhere(pred func(LayerStats) bool) []int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []int
	seen := make(map[int]bool)
	for _, s := range tr.Traces {
		if !seen[s.Layer] && pred(s) {
			out = append(out, s.Layer)
			seen[s.Layer] = true
		}
	}
	return out
}

// FirstPass returns the earliest observation of each layer.
func (tr *Trace) FirstPass() []LayerStats {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []LayerStats
	seen := make(map[int]bool)
	for _, s := range tr.Traces {
		if !seen[s.Layer] {
			out = append(out, s)
			seen[s.Layer] = true
		}
	}
	return out
}

func (tr *Trace) Reset() {
	tr.mu.Lock()
	tr.Traces = tr.Traces[:0]
	tr.mu.Unlock()
}

func (tr *Trace) ExportJSON() ([]byte, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return json.MarshalIndent(tr, "", "  ")
}

func (tr *Trace) SaveToFile(filename string) error {
	data, err := tr.ExportJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}
	return nil
}
