package analysis

import (
	"bytes"
	"math"
	"testing"

	"github.com/23skdu/longbow-probe/internal/vecmath"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rotated returns the unit vector at angle theta in the first two dims.
func rotated(theta float64) []float32 {
	return []float32{float32(math.Cos(theta)), float32(math.Sin(theta)), 0}
}

func TestConsecutiveDrops(t *testing.T) {
	dirs := map[int][]float32{
		0: rotated(0),
		1: rotated(0.1),        // cos ~0.995
		2: rotated(0.1 + 0.35), // cos ~0.939
		3: rotated(0.45 + 0.6), // cos ~0.825
		5: rotated(2.0),        // no layer 4, skipped
	}

	r, err := ConsecutiveDrops(dirs, DefaultThreshold)
	require.NoError(t, err)
	require.Len(t, r.Pairs, 3)

	assert.Equal(t, 1, r.Pairs[0].Layer)
	assert.InDelta(t, math.Cos(0.1), r.Pairs[0].Cosine, 1e-6)
	assert.False(t, r.Pairs[0].Zone)

	assert.True(t, r.Pairs[1].Zone)
	assert.False(t, r.Pairs[1].Sharp)

	assert.True(t, r.Pairs[2].Zone)
	assert.True(t, r.Pairs[2].Sharp)

	assert.Equal(t, []int{2, 3}, r.Zones())
	assert.Equal(t, []int{3}, r.SharpDrops())
	assert.Equal(t, SharpDropThreshold, r.SharpThreshold)
}

func TestConsecutiveDropsCustomThresholds(t *testing.T) {
	dirs := map[int][]float32{0: rotated(0), 1: rotated(0.35)}
	r, err := DropConfig{Threshold: 0.9, SharpThreshold: 0.8}.Analyze(dirs)
	require.NoError(t, err)
	assert.Empty(t, r.Zones())
}

func TestConsecutiveDropsZeroVector(t *testing.T) {
	_, err := ConsecutiveDrops(map[int][]float32{0: {1, 0}, 1: {0, 0}}, DefaultThreshold)
	assert.ErrorIs(t, err, vecmath.ErrZeroVector)
}

func TestConsecutiveDropsSingleLayer(t *testing.T) {
	r, err := ConsecutiveDrops(map[int][]float32{4: {1, 0}}, DefaultThreshold)
	require.NoError(t, err)
	assert.Empty(t, r.Pairs)
}

func TestAlignmentProfile(t *testing.T) {
	ref := []float32{1, 0, 0}
	dirs := map[int][]float32{
		8:  {0.6, 0.8, 0},
		9:  {-1, 0, 0},
		10: {0, 1, 0},
	}
	p, err := AlignmentProfile("R1", dirs, ref)
	require.NoError(t, err)
	require.Len(t, p.Entries, 3)
	assert.InDelta(t, 0.6, p.Entries[0].Abs, 1e-6)
	assert.InDelta(t, -1.0, p.Entries[1].Cosine, 1e-6)
	assert.InDelta(t, 1.0, p.Entries[1].Abs, 1e-6)
	assert.Equal(t, 9, p.Peak)
	assert.InDelta(t, 1.0, p.PeakAbs, 1e-6)

	_, err = AlignmentProfile("empty", nil, ref)
	assert.ErrorIs(t, err, vecmath.ErrEmpty)
	_, err = AlignmentProfile("short", map[int][]float32{0: {1, 0}}, ref)
	assert.ErrorIs(t, err, vecmath.ErrLengthMismatch)
}

func TestDecompose(t *testing.T) {
	v := []float32{3, 4, 0}
	u := []float32{1, 0, 0}
	d, err := Decompose(v, u)
	require.NoError(t, err)

	assert.InDelta(t, 0.6, d.Residue, 1e-6)
	assert.InDeltaSlice(t, []float32{0, 1, 0}, d.Orthogonal, 1e-6)
	assert.InDelta(t, 0.8, d.New, 1e-6)
	assert.InDelta(t, 0.0, d.OrthogonalCheck, 1e-6)

	// residue^2 + new^2 == 1 for a 2D split
	assert.InDelta(t, 1.0, d.Residue*d.Residue+d.New*d.New, 1e-6)
}

func TestDecomposeParallel(t *testing.T) {
	d, err := Decompose([]float32{2, 0}, []float32{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, d.Residue, 1e-9)
	assert.Nil(t, d.Orthogonal)
	assert.Zero(t, d.New)

	_, err = Decompose([]float32{1, 0}, []float32{0, 0})
	assert.ErrorIs(t, err, vecmath.ErrZeroVector)
}

func TestReportGolden(t *testing.T) {
	r := &Report{
		Title: "Format direction sweep",
		Drops: &DropReport{
			Threshold:      DefaultThreshold,
			SharpThreshold: SharpDropThreshold,
			Pairs: []LayerCosine{
				{Layer: 9, Cosine: 0.9876},
				{Layer: 10, Cosine: 0.93, Zone: true},
				{Layer: 11, Cosine: 0.85, Zone: true, Sharp: true},
			},
		},
		Profiles: []*Profile{{
			Name: "R1 (L10)",
			Entries: []Alignment{
				{Layer: 9, Cosine: 0.8, Abs: 0.8},
				{Layer: 10, Cosine: 1, Abs: 1},
				{Layer: 11, Cosine: -0.6, Abs: 0.6},
			},
			Peak:    10,
			PeakAbs: 1,
		}},
		Decomposition: &Decomposition{
			Residue:         0.4123,
			Orthogonal:      []float32{1},
			New:             0.911,
			OrthogonalCheck: 0.0000012,
		},
		DecompositionLabel: "L18 vs L10",
	}

	var buf bytes.Buffer
	require.NoError(t, r.WriteText(&buf))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "report", buf.Bytes())
}

func TestReportEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&Report{}).WriteText(&buf))
	assert.Empty(t, buf.String())
}
