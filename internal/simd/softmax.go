package simd

import "math"

// Softmax normalizes x in place. Non-finite maxima leave x unchanged.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}

	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	if math.IsInf(float64(max), 0) || math.IsNaN(float64(max)) {
		return
	}

	sum := float64(0)
	for i := range x {
		e := math.Exp(float64(x[i] - max))
		x[i] = float32(e)
		sum += e
	}

	if sum > 0 {
		invSum := float32(1.0 / sum)
		for i := range x {
			x[i] *= invSum
		}
	}
}
