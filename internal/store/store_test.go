package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-probe/internal/analysis"
	"github.com/23skdu/longbow-probe/internal/direction"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "probe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustDirection(t *testing.T, layer int, vec ...float32) *direction.Direction {
	t.Helper()
	d, err := direction.FromVector(layer, vec, "human-ai", "qa")
	require.NoError(t, err)
	d.SizeA, d.SizeB = 5, 4
	return d
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestDirectionRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	d := mustDirection(t, 7, 1, 2, 2)

	require.NoError(t, s.SaveDirection(ctx, "run-1", d))
	require.NoError(t, s.SaveDirection(ctx, "run-1", d))

	got, err := s.GetDirection(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, 7, got.Layer)
	assert.Equal(t, "human-ai", got.LabelA)
	assert.Equal(t, "qa", got.LabelB)
	assert.Equal(t, 5, got.SizeA)
	assert.Equal(t, 4, got.SizeB)
	assert.True(t, d.CreatedAt.Equal(got.CreatedAt))
	assert.InDeltaSlice(t, d.Vector(), got.Vector(), 1e-7)
	assert.True(t, got.IsUnit())

	dirs, err := s.ListDirections(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, dirs, 1)
}

func TestGetDirectionNotFound(t *testing.T) {
	s := openTemp(t)
	_, err := s.GetDirection(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSaveDirectionsOrderedByLayer(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	dirs := map[int]*direction.Direction{
		3: mustDirection(t, 3, 0, 1),
		1: mustDirection(t, 1, 1, 0),
		2: mustDirection(t, 2, 1, 1),
	}
	require.NoError(t, s.SaveDirections(ctx, "sweep", dirs))
	require.NoError(t, s.SaveDirection(ctx, "other", mustDirection(t, 0, 1, 1)))

	got, err := s.ListDirections(ctx, "sweep")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, d := range got {
		assert.Equal(t, i+1, d.Layer)
	}

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sweep", "other"}, runs)

	empty, err := s.ListDirections(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSweepRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	r := &analysis.DropReport{
		Threshold:      0.95,
		SharpThreshold: 0.9,
		Pairs: []analysis.LayerCosine{
			{Layer: 9, Cosine: 0.97},
			{Layer: 10, Cosine: 0.92, Zone: true},
			{Layer: 11, Cosine: 0.81, Zone: true, Sharp: true},
		},
	}
	require.NoError(t, s.SaveSweep(ctx, "run-1", r))

	got, err := s.LoadSweep(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, r, got)
	assert.Equal(t, []int{10, 11}, got.Zones())

	// replacing a sweep drops the old rows
	r2 := &analysis.DropReport{Threshold: 0.9, SharpThreshold: 0.8, Pairs: []analysis.LayerCosine{{Layer: 2, Cosine: 0.99}}}
	require.NoError(t, s.SaveSweep(ctx, "run-1", r2))
	got, err = s.LoadSweep(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, r2, got)

	_, err = s.LoadSweep(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0, -1.5, 3.25e-8, 42}
	got, err := decodeVector(encodeVector(v), len(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeVector([]byte{1, 2, 3}, 1)
	assert.Error(t, err)
}
