package integration

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-probe/internal/analysis"
	"github.com/23skdu/longbow-probe/internal/arrow_client"
	"github.com/23skdu/longbow-probe/internal/capture"
	"github.com/23skdu/longbow-probe/internal/config"
	"github.com/23skdu/longbow-probe/internal/direction"
	"github.com/23skdu/longbow-probe/internal/engine"
	"github.com/23skdu/longbow-probe/internal/hooks"
	"github.com/23skdu/longbow-probe/internal/steering"
	"github.com/23skdu/longbow-probe/internal/store"
	"github.com/23skdu/longbow-probe/internal/tensor"
	"github.com/23skdu/longbow-probe/internal/tokenizer"
	"github.com/23skdu/longbow-probe/internal/vecmath"
)

func setup(t *testing.T) (engine.Model, *tokenizer.Tokenizer, config.Probe) {
	t.Helper()
	p := config.DefaultProbe()
	p.Model.Dim = 24
	p.Model.HiddenDim = 48
	p.Model.Layers = 8
	p.Model.VocabSize = 300
	p.Model.SeqLen = 128
	if err := p.Validate(); err != nil {
		t.Fatalf("probe config: %v", err)
	}

	m, err := engine.NewFromConfig(p.Model)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	tok, err := tokenizer.Default(m.VocabSize())
	if err != nil {
		t.Fatalf("Failed to create tokenizer: %v", err)
	}
	return m, tok, p
}

// TestE2E_ExtractAnalyzeSteerExport runs the whole probing pipeline on the
// reference model.
func TestE2E_ExtractAnalyzeSteerExport(t *testing.T) {
	ctx := context.Background()
	m, tok, p := setup(t)

	c := direction.Contrast{
		LabelA: p.Contrast.LabelA, LabelB: p.Contrast.LabelB,
		A: p.Contrast.A, B: p.Contrast.B,
	}
	ex := direction.NewExtractor(m, tok, direction.WithFormats(p.Contrast.FormatA, p.Contrast.FormatB))

	layers := make([]int, m.NumLayers())
	for i := range layers {
		layers[i] = i
	}
	dirs, failed, err := ex.ExtractAll(ctx, c, layers)
	if err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("unexpected degenerate layers: %v", failed)
	}
	for l, d := range dirs {
		if !d.IsUnit() {
			t.Errorf("layer %d: norm %f", l, d.Norm())
		}
	}

	// Single-layer extraction agrees with the sweep.
	single, err := ex.Extract(ctx, c, 5)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if sim, _ := single.Similarity(dirs[5]); sim < 1-1e-6 {
		t.Errorf("Extract vs ExtractAll similarity = %f", sim)
	}

	vecs := direction.Vectors(dirs)
	drops, err := analysis.ConsecutiveDrops(vecs, p.Analysis.Threshold)
	if err != nil {
		t.Fatalf("ConsecutiveDrops: %v", err)
	}
	if len(drops.Pairs) != m.NumLayers()-1 {
		t.Fatalf("got %d pairs, want %d", len(drops.Pairs), m.NumLayers()-1)
	}
	for _, pr := range drops.Pairs {
		if pr.Cosine < -1-1e-9 || pr.Cosine > 1+1e-9 {
			t.Errorf("L%d cosine out of range: %f", pr.Layer, pr.Cosine)
		}
	}

	dec, err := analysis.Decompose(vecs[7], vecs[4])
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if dec.Orthogonal != nil {
		if math.Abs(dec.OrthogonalCheck) > 1e-5 {
			t.Errorf("orthogonal check = %g", dec.OrthogonalCheck)
		}
		// |v|^2 = residue^2 + new^2 for a unit v.
		if s := dec.Residue*dec.Residue + dec.New*dec.New; math.Abs(s-1) > 1e-4 {
			t.Errorf("residue^2 + new^2 = %f, want 1", s)
		}
	}

	// Steering with the layer-5 direction at layers 5 and 6 shifts the last
	// row at layer 5 by exactly scale*d and leaves earlier rows alone.
	prompt, err := tokenizer.Prompt(p.Contrast.FormatA, p.Contrast.A[0])
	if err != nil {
		t.Fatal(err)
	}
	tokens := tok.Encode(prompt)
	spec := steering.FromDirection(dirs[5], p.Steering.Scale, 5, 6)

	reg := engine.NewRegistry(m)
	var before, after *tensor.Tensor
	snap := func(dst **tensor.Tensor) hooks.Interceptor {
		return hooks.ObserverFunc(func(_ int, x *tensor.Tensor) error {
			*dst = x.Clone()
			return nil
		})
	}
	baseScope, err := capture.New(reg, 5)
	if err != nil {
		t.Fatal(err)
	}
	h, err := reg.Attach(5, snap(&before))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Forward(ctx, tokens, reg); err != nil {
		t.Fatal(err)
	}
	h.Release()
	baseLast, _ := baseScope.Last(5)
	baseScope.Close()

	err = steering.With(reg, m, spec, func() error {
		h, err := reg.Attach(5, snap(&after))
		if err != nil {
			return err
		}
		defer h.Release()
		_, err = m.Forward(ctx, tokens, reg)
		return err
	})
	if err != nil {
		t.Fatalf("steered forward: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry still holds %d interceptors", reg.Len())
	}

	d := dirs[5].Vector()
	last := before.Seq - 1
	for s := 0; s < before.Seq; s++ {
		b, a := before.Row(0, s), after.Row(0, s)
		for i := range d {
			want := b[i]
			if s == last {
				want += float32(p.Steering.Scale * d[i])
			}
			if a[i] != want {
				t.Fatalf("row %d dim %d: got %f want %f", s, i, a[i], want)
			}
		}
	}
	for i := range baseLast {
		if baseLast[i] != before.Row(0, last)[i] {
			t.Fatal("capture scope disagrees with observer snapshot")
		}
	}

	baseline, steered, err := steering.Compare(ctx, m, tokens, p.Steering.MaxTokens, engine.Greedy(), spec)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(baseline) != p.Steering.MaxTokens || len(steered) != p.Steering.MaxTokens {
		t.Errorf("generated %d/%d tokens, want %d", len(baseline), len(steered), p.Steering.MaxTokens)
	}

	// Persist and export.
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "probe.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	if err := st.SaveDirections(ctx, "e2e", dirs); err != nil {
		t.Fatalf("SaveDirections: %v", err)
	}
	if err := st.SaveSweep(ctx, "e2e", drops); err != nil {
		t.Fatalf("SaveSweep: %v", err)
	}
	stored, err := st.ListDirections(ctx, "e2e")
	if err != nil {
		t.Fatalf("ListDirections: %v", err)
	}

	arrowPath := filepath.Join(dir, "dirs.arrow")
	if err := arrow_client.WriteIPCFile(arrowPath, stored); err != nil {
		t.Fatalf("WriteIPCFile: %v", err)
	}
	exported, err := arrow_client.ReadIPCFile(arrowPath)
	if err != nil {
		t.Fatalf("ReadIPCFile: %v", err)
	}
	if len(exported) != len(dirs) {
		t.Fatalf("exported %d directions, want %d", len(exported), len(dirs))
	}
	for _, e := range exported {
		cos, err := vecmath.CosineSimilarity(e.Vector(), vecs[e.Layer])
		if err != nil || cos < 1-1e-6 {
			t.Errorf("layer %d: exported cosine %f (%v)", e.Layer, cos, err)
		}
	}
}
