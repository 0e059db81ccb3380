package simd

import (
	"math"
	"testing"
)

func TestSoftmax(t *testing.T) {
	testCases := []struct {
		name     string
		input    []float32
		expected []float64
	}{
		{
			name:     "simple",
			input:    []float32{1, 2, 3},
			expected: []float64{0.09003057, 0.24472847, 0.66524096},
		},
		{
			name:     "negative",
			input:    []float32{-1, -2, -3},
			expected: []float64{0.66524096, 0.24472847, 0.09003057},
		},
		{
			name:     "zero",
			input:    []float32{0, 0, 0},
			expected: []float64{0.33333333, 0.33333333, 0.33333333},
		},
		{
			name:     "empty",
			input:    []float32{},
			expected: []float64{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			input := make([]float32, len(tc.input))
			copy(input, tc.input)
			Softmax(input)
			if len(input) != len(tc.expected) {
				t.Errorf("expected length %d, got %d", len(tc.expected), len(input))
			}
			for i := range input {
				if math.Abs(float64(input[i])-tc.expected[i]) > 1e-5 {
					t.Errorf("expected %v, got %v", tc.expected, input)
					break
				}
			}
		})
	}
}

func TestSoftmaxMaskedLogits(t *testing.T) {
	input := []float32{float32(math.Inf(-1)), 0, float32(math.Inf(-1))}
	Softmax(input)
	if input[1] != 1 || input[0] != 0 || input[2] != 0 {
		t.Errorf("expected one-hot distribution, got %v", input)
	}
}

func TestDotAndNorm(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, -5, 6}
	if got := Dot(a, b); got != 12 {
		t.Errorf("Dot = %v, want 12", got)
	}
	if got := Norm([]float32{3, 4}); got != 5 {
		t.Errorf("Norm = %v, want 5", got)
	}
	if got := Dot(a, b[:2]); got != -6 {
		t.Errorf("truncated Dot = %v, want -6", got)
	}
}

func TestAxpyAndScale(t *testing.T) {
	y := []float32{1, 1, 1}
	Axpy(-2, []float32{1, 0, 3}, y)
	want := []float32{-1, 1, -5}
	for i := range y {
		if y[i] != want[i] {
			t.Fatalf("Axpy = %v, want %v", y, want)
		}
	}
	Scale(0.5, y)
	if y[0] != -0.5 || y[2] != -2.5 {
		t.Errorf("Scale = %v", y)
	}
}

func TestMatVec(t *testing.T) {
	w := []float32{
		1, 0, 2,
		0, 1, -1,
	}
	out := make([]float32, 2)
	MatVec(w, []float32{1, 2, 3}, 2, 3, out)
	if out[0] != 7 || out[1] != -1 {
		t.Errorf("MatVec = %v, want [7 -1]", out)
	}
}

func TestRMSNorm(t *testing.T) {
	x := []float32{3, 4}
	out := make([]float32, 2)
	RMSNorm(x, nil, 0, out)
	// rms = sqrt((9+16)/2)
	rms := math.Sqrt(12.5)
	if math.Abs(float64(out[0])-3/rms) > 1e-6 || math.Abs(float64(out[1])-4/rms) > 1e-6 {
		t.Errorf("RMSNorm = %v", out)
	}

	zeros := make([]float32, 4)
	RMSNorm(make([]float32, 4), nil, 1e-5, zeros)
	for _, v := range zeros {
		if math.IsNaN(float64(v)) {
			t.Fatal("RMSNorm of zero vector produced NaN")
		}
	}
}
