// Package vecmath implements the vector algebra used to compare directions:
// cosine similarity, projection onto a direction and its orthogonal rejection.
package vecmath

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-probe/internal/simd"
)

var (
	ErrZeroVector     = errors.New("zero-norm vector")
	ErrLengthMismatch = errors.New("vector length mismatch")
	ErrEmpty          = errors.New("no vectors provided")
)

func checkPair(u, v []float32) error {
	if len(u) != len(v) {
		return fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(u), len(v))
	}
	return nil
}

// CosineSimilarity returns (u.v) / (|u||v|), clamped to [-1, 1].
func CosineSimilarity(u, v []float32) (float64, error) {
	if err := checkPair(u, v); err != nil {
		return 0, err
	}
	nu, nv := simd.Norm(u), simd.Norm(v)
	if nu == 0 || nv == 0 {
		return 0, ErrZeroVector
	}
	c := simd.Dot(u, v) / (nu * nv)
	return math.Max(-1, math.Min(1, c)), nil
}

// Normalize returns v / |v| as a new slice.
func Normalize(v []float32) ([]float32, error) {
	n := simd.Norm(v)
	if n == 0 {
		return nil, ErrZeroVector
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out, nil
}

// Project returns the component of v along u: (v.û)û.
func Project(v, u []float32) ([]float32, error) {
	if err := checkPair(u, v); err != nil {
		return nil, err
	}
	nu := simd.Norm(u)
	if nu == 0 {
		return nil, ErrZeroVector
	}
	coef := simd.Dot(v, u) / (nu * nu)
	out := make([]float32, len(u))
	for i, x := range u {
		out[i] = float32(coef * float64(x))
	}
	return out, nil
}

// ProjectOut returns the component of v orthogonal to u: v - (v.û)û.
func ProjectOut(v, u []float32) ([]float32, error) {
	p, err := Project(v, u)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] - p[i]
	}
	return out, nil
}

// Sub returns a - b.
func Sub(a, b []float32) ([]float32, error) {
	if err := checkPair(a, b); err != nil {
		return nil, err
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out, nil
}

// Mean returns the coordinate-wise mean, accumulated in float64 so that the
// result does not depend on the order of vecs beyond rounding.
func Mean(vecs [][]float32) ([]float32, error) {
	if len(vecs) == 0 {
		return nil, ErrEmpty
	}
	dim := len(vecs[0])
	acc := make([]float64, dim)
	for _, v := range vecs {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(v), dim)
		}
		for i, x := range v {
			acc[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	n := float64(len(vecs))
	for i, s := range acc {
		out[i] = float32(s / n)
	}
	return out, nil
}

// Norm is the L2 norm of v.
func Norm(v []float32) float64 {
	return simd.Norm(v)
}

// Dot is the inner product of u and v.
func Dot(u, v []float32) float64 {
	return simd.Dot(u, v)
}
