// Package direction derives unit-norm contrast directions from captured
// hidden states.
package direction

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-probe/internal/vecmath"
	"github.com/google/uuid"
)

var (
	ErrDegenerateDirection = errors.New("degenerate direction: contrast means are identical")
	ErrEmptyContrast       = errors.New("contrast set is empty")
)

// UnitTolerance bounds |norm-1| for a valid direction.
const UnitTolerance = 1e-5

// Direction is an immutable unit vector in hidden-state space.
type Direction struct {
	ID        uuid.UUID
	Layer     int
	LabelA    string
	LabelB    string
	SizeA     int
	SizeB     int
	CreatedAt time.Time

	vec []float32
}

// Contrast is a pair of prompt sets. A direction points from B toward A.
type Contrast struct {
	LabelA string
	LabelB string
	A      []string
	B      []string
}

func (c Contrast) validate() error {
	if len(c.A) == 0 {
		return fmt.Errorf("%w: set A (%s)", ErrEmptyContrast, c.LabelA)
	}
	if len(c.B) == 0 {
		return fmt.Errorf("%w: set B (%s)", ErrEmptyContrast, c.LabelB)
	}
	return nil
}

// FromVector normalizes vec into a new Direction.
func FromVector(layer int, vec []float32, labelA, labelB string) (*Direction, error) {
	unit, err := vecmath.Normalize(vec)
	if err != nil {
		return nil, err
	}
	return &Direction{
		ID:        uuid.New(),
		Layer:     layer,
		LabelA:    labelA,
		LabelB:    labelB,
		CreatedAt: time.Now().UTC(),
		vec:       unit,
	}, nil
}

// Vector returns a copy of the unit vector.
func (d *Direction) Vector() []float32 {
	return append([]float32(nil), d.vec...)
}

func (d *Direction) Dim() int { return len(d.vec) }

func (d *Direction) Norm() float64 { return vecmath.Norm(d.vec) }

// IsUnit reports whether the stored vector is within UnitTolerance of norm 1.
func (d *Direction) IsUnit() bool {
	return math.Abs(d.Norm()-1) <= UnitTolerance
}

// Similarity is the cosine similarity between two directions.
func (d *Direction) Similarity(o *Direction) (float64, error) {
	return vecmath.CosineSimilarity(d.vec, o.vec)
}

func (d *Direction) String() string {
	return fmt.Sprintf("Direction(%s layer=%d %s-%s n=%d/%d dim=%d)",
		d.ID.String()[:8], d.Layer, d.LabelA, d.LabelB, d.SizeA, d.SizeB, len(d.vec))
}

// fromMeans builds normalize(meanA - meanB) in float64. A zero difference is
// ErrDegenerateDirection.
func fromMeans(sumA, sumB []float64, nA, nB int) ([]float32, error) {
	if len(sumA) != len(sumB) {
		return nil, fmt.Errorf("%w: %d != %d", vecmath.ErrLengthMismatch, len(sumA), len(sumB))
	}
	diff := make([]float64, len(sumA))
	ss := 0.0
	for i := range sumA {
		diff[i] = sumA[i]/float64(nA) - sumB[i]/float64(nB)
		ss += diff[i] * diff[i]
	}
	norm := math.Sqrt(ss)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, ErrDegenerateDirection
	}
	out := make([]float32, len(diff))
	for i, v := range diff {
		out[i] = float32(v / norm)
	}
	return out, nil
}
