// Package analysis relates directions extracted at different layers.
package analysis

import (
	"fmt"
	"math"
	"sort"

	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/23skdu/longbow-probe/internal/vecmath"
)

const (
	// DefaultThreshold flags a transformation zone.
	DefaultThreshold = 0.95
	// SharpDropThreshold flags a sharp drop.
	SharpDropThreshold = 0.90
)

// LayerCosine is the cosine between the direction at Layer and at Layer-1.
type LayerCosine struct {
	Layer  int
	Cosine float64
	Zone   bool
	Sharp  bool
}

type DropReport struct {
	Threshold      float64
	SharpThreshold float64
	Pairs          []LayerCosine
}

// Zones returns the layers whose cosine fell below Threshold.
func (r *DropReport) Zones() []int {
	var out []int
	for _, p := range r.Pairs {
		if p.Zone {
			out = append(out, p.Layer)
		}
	}
	return out
}

// SharpDrops returns the layers whose cosine fell below SharpThreshold.
func (r *DropReport) SharpDrops() []int {
	var out []int
	for _, p := range r.Pairs {
		if p.Sharp {
			out = append(out, p.Layer)
		}
	}
	return out
}

// DropConfig holds both cut-offs of a consecutive-layer analysis.
type DropConfig struct {
	Threshold      float64
	SharpThreshold float64
}

// ConsecutiveDrops compares each layer with the immediately preceding layer
// when both are present, using SharpDropThreshold for sharp drops.
func ConsecutiveDrops(directions map[int][]float32, threshold float64) (*DropReport, error) {
	return DropConfig{Threshold: threshold, SharpThreshold: SharpDropThreshold}.Analyze(directions)
}

func (c DropConfig) Analyze(directions map[int][]float32) (*DropReport, error) {
	r := &DropReport{Threshold: c.Threshold, SharpThreshold: c.SharpThreshold}
	for _, l := range sortedKeys(directions) {
		prev, ok := directions[l-1]
		if !ok {
			continue
		}
		cos, err := vecmath.CosineSimilarity(directions[l], prev)
		if err != nil {
			return nil, fmt.Errorf("layers %d/%d: %w", l-1, l, err)
		}
		r.Pairs = append(r.Pairs, LayerCosine{
			Layer:  l,
			Cosine: cos,
			Zone:   cos < c.Threshold,
			Sharp:  cos < c.SharpThreshold,
		})
	}
	metrics.RecordTransformationZones(len(r.Zones()))
	return r, nil
}

// Alignment is |cos| of one layer's direction with a reference.
type Alignment struct {
	Layer  int
	Cosine float64
	Abs    float64
}

type Profile struct {
	Name    string
	Entries []Alignment
	Peak    int
	PeakAbs float64
}

// AlignmentProfile measures each layer's direction against reference.
func AlignmentProfile(name string, directions map[int][]float32, reference []float32) (*Profile, error) {
	if len(directions) == 0 {
		return nil, vecmath.ErrEmpty
	}
	p := &Profile{Name: name, Peak: -1}
	for _, l := range sortedKeys(directions) {
		cos, err := vecmath.CosineSimilarity(directions[l], reference)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}
		a := Alignment{Layer: l, Cosine: cos, Abs: math.Abs(cos)}
		p.Entries = append(p.Entries, a)
		if p.Peak < 0 || a.Abs > p.PeakAbs {
			p.Peak = l
			p.PeakAbs = a.Abs
		}
	}
	return p, nil
}

// Decomposition splits v into the part explained by u and the rest.
type Decomposition struct {
	// Residue is |cos(v, u)|.
	Residue float64
	// Orthogonal is v with u projected out, normalized. Nil when v is
	// parallel to u.
	Orthogonal []float32
	// New is |cos(v, Orthogonal)|.
	New float64
	// OrthogonalCheck is cos(Orthogonal, u) and should be ~0.
	OrthogonalCheck float64
}

func Decompose(v, u []float32) (*Decomposition, error) {
	residue, err := vecmath.CosineSimilarity(v, u)
	if err != nil {
		return nil, err
	}
	d := &Decomposition{Residue: math.Abs(residue)}

	rest, err := vecmath.ProjectOut(v, u)
	if err != nil {
		return nil, err
	}
	orth, err := vecmath.Normalize(rest)
	if err != nil {
		return d, nil
	}
	d.Orthogonal = orth
	if d.New, err = vecmath.CosineSimilarity(v, orth); err != nil {
		return nil, err
	}
	d.New = math.Abs(d.New)
	if d.OrthogonalCheck, err = vecmath.CosineSimilarity(orth, u); err != nil {
		return nil, err
	}
	return d, nil
}

func sortedKeys(m map[int][]float32) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
