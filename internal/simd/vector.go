package simd

import "math"

// Dot returns the inner product of a and b accumulated in float64.
// Slices of unequal length are truncated to the shorter one.
func Dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := float64(0)
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// SumSq returns the sum of squares of x in float64.
func SumSq(x []float32) float64 {
	sum := float64(0)
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return sum
}

// Norm returns the L2 norm of x.
func Norm(x []float32) float64 {
	return math.Sqrt(SumSq(x))
}

// Axpy computes y += alpha * x in place.
func Axpy(alpha float32, x, y []float32) {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	for i := 0; i < n; i++ {
		y[i] += alpha * x[i]
	}
}

// Scale multiplies x by alpha in place.
func Scale(alpha float32, x []float32) {
	for i := range x {
		x[i] *= alpha
	}
}

// MatVec computes out = W x for a row-major W of shape [rows, cols].
func MatVec(w []float32, x []float32, rows, cols int, out []float32) {
	for r := 0; r < rows; r++ {
		row := w[r*cols : (r+1)*cols]
		sum := float32(0)
		for c, v := range row {
			sum += v * x[c]
		}
		out[r] = sum
	}
}

// RMSNorm writes weight * x / rms(x) into out.
func RMSNorm(x, weight []float32, eps float32, out []float32) {
	n := len(x)
	if n == 0 {
		return
	}
	ss := SumSq(x) / float64(n)
	scale := float32(1.0 / math.Sqrt(ss+float64(eps)))
	for i := 0; i < n; i++ {
		w := float32(1)
		if weight != nil {
			w = weight[i]
		}
		out[i] = x[i] * scale * w
	}
}
