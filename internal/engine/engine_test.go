package engine

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-probe/internal/config"
	"github.com/23skdu/longbow-probe/internal/hooks"
	"github.com/23skdu/longbow-probe/internal/tensor"
)

func testConfig() config.Config {
	return config.Config{
		Architecture:  "cpu",
		Dim:           8,
		HiddenDim:     16,
		Layers:        4,
		VocabSize:     32,
		SeqLen:        64,
		Eps:           1e-5,
		Seed:          3,
		ResidualScale: 0.5,
		Causal:        true,
	}
}

func newTestModel(t *testing.T, mutate ...func(*config.Config)) *ResidualModel {
	t.Helper()
	cfg := testConfig()
	for _, f := range mutate {
		f(&cfg)
	}
	m, err := NewResidualModel(cfg)
	if err != nil {
		t.Fatalf("NewResidualModel: %v", err)
	}
	return m
}

func maxAbsDiff(a, b []float32) float64 {
	d := 0.0
	for i := range a {
		d = math.Max(d, math.Abs(float64(a[i]-b[i])))
	}
	return d
}

func TestRegistryLookup(t *testing.T) {
	m, err := New("cpu", testConfig())
	if err != nil {
		t.Fatalf("New(cpu): %v", err)
	}
	if m.NumLayers() != 4 || m.Dim() != 8 || m.VocabSize() != 32 || !m.Causal() {
		t.Errorf("unexpected model shape: layers=%d dim=%d vocab=%d", m.NumLayers(), m.Dim(), m.VocabSize())
	}

	if _, err := New("metal", testConfig()); !errors.Is(err, ErrUnknownEngine) {
		t.Errorf("expected ErrUnknownEngine, got %v", err)
	}

	found := false
	for _, n := range Engines() {
		if n == "cpu" {
			found = true
		}
	}
	if !found {
		t.Errorf("cpu engine not listed in %v", Engines())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Dim = 0
	if _, err := NewResidualModel(cfg); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestForwardDeterministic(t *testing.T) {
	tokens := []int{1, 5, 9, 2}
	a, err := newTestModel(t).Forward(context.Background(), tokens, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := newTestModel(t).Forward(context.Background(), tokens, nil)
	if err != nil {
		t.Fatal(err)
	}
	if maxAbsDiff(a.Logits, b.Logits) != 0 {
		t.Error("same seed produced different logits")
	}

	c, err := newTestModel(t, func(c *config.Config) { c.Seed = 4 }).Forward(context.Background(), tokens, nil)
	if err != nil {
		t.Fatal(err)
	}
	if maxAbsDiff(a.Logits, c.Logits) == 0 {
		t.Error("different seeds produced identical logits")
	}

	if a.Hidden.Seq != len(tokens) || a.Hidden.Dim != 8 || a.Hidden.Offset != 0 {
		t.Errorf("unexpected hidden tensor %s", a.Hidden)
	}
	if len(a.Logits) != 32 {
		t.Errorf("expected 32 logits, got %d", len(a.Logits))
	}
}

func TestForwardEmptyRegistryMatchesNil(t *testing.T) {
	m := newTestModel(t)
	tokens := []int{3, 1, 4, 1, 5}
	a, err := m.Forward(context.Background(), tokens, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Forward(context.Background(), tokens, NewRegistry(m))
	if err != nil {
		t.Fatal(err)
	}
	if maxAbsDiff(a.Logits, b.Logits) != 0 {
		t.Error("empty registry changed logits")
	}
}

func TestCausalPrefixUnaffectedBySuffix(t *testing.T) {
	m := newTestModel(t)
	short, err := m.Forward(context.Background(), []int{7, 8, 9}, nil)
	if err != nil {
		t.Fatal(err)
	}
	long, err := m.Forward(context.Background(), []int{7, 8, 9, 10, 11}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for s := 0; s < 3; s++ {
		if d := maxAbsDiff(short.Hidden.Row(0, s), long.Hidden.Row(0, s)); d > 1e-6 {
			t.Errorf("position %d changed by later tokens (diff %g)", s, d)
		}
	}
}

func TestIncrementalDecodeMatchesFullPass(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()
	prompt := []int{2, 4, 6}

	full, err := m.Forward(ctx, append(append([]int{}, prompt...), 10), nil)
	if err != nil {
		t.Fatal(err)
	}

	m.mu.Lock()
	_, err = m.pass(ctx, prompt, 0, nil)
	if err != nil {
		m.mu.Unlock()
		t.Fatal(err)
	}
	step, err := m.pass(ctx, []int{10}, 3, nil)
	m.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}

	if step.Hidden.Offset != 3 || step.Hidden.Seq != 1 {
		t.Fatalf("unexpected decode tensor %s", step.Hidden)
	}
	if d := maxAbsDiff(full.Hidden.Row(0, 3), step.Hidden.Row(0, 0)); d > 1e-4 {
		t.Errorf("incremental hidden differs from full pass by %g", d)
	}
	if d := maxAbsDiff(full.Logits, step.Logits); d > 1e-4 {
		t.Errorf("incremental logits differ from full pass by %g", d)
	}
}

func TestGenerateHooksSeeEveryPass(t *testing.T) {
	m := newTestModel(t)
	reg := NewRegistry(m)

	type call struct{ layer, offset, seq int }
	var calls []call
	for l := 0; l < m.NumLayers(); l++ {
		_, err := reg.Attach(l, hooks.ObserverFunc(func(layer int, x *tensor.Tensor) error {
			calls = append(calls, call{layer, x.Offset, x.Seq})
			return nil
		}))
		if err != nil {
			t.Fatal(err)
		}
	}

	out, err := m.Generate(context.Background(), []int{1, 2, 3}, 3, Greedy(), reg)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 tokens, got %v", out)
	}

	// prefill + 2 decode steps, 4 layers each
	if len(calls) != 12 {
		t.Fatalf("expected 12 hook calls, got %d", len(calls))
	}
	for i, c := range calls {
		pass := i / 4
		if c.layer != i%4 {
			t.Errorf("call %d: expected layer %d, got %d", i, i%4, c.layer)
		}
		wantOff, wantSeq := 0, 3
		if pass > 0 {
			wantOff, wantSeq = 2+pass, 1
		}
		if c.offset != wantOff || c.seq != wantSeq {
			t.Errorf("call %d: offset=%d seq=%d, want %d/%d", i, c.offset, c.seq, wantOff, wantSeq)
		}
	}
	if m.CachePos() != 5 {
		t.Errorf("expected cache position 5, got %d", m.CachePos())
	}
}

func TestGenerateGreedyDeterministic(t *testing.T) {
	prompt := []int{9, 8, 7}
	a, err := newTestModel(t).Generate(context.Background(), prompt, 6, Greedy(), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := newTestModel(t).Generate(context.Background(), prompt, 6, Greedy(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("greedy generation diverged: %v vs %v", a, b)
		}
	}
}

func TestGenerateStopTokens(t *testing.T) {
	m := newTestModel(t)
	first, err := m.Generate(context.Background(), []int{1, 2}, 1, Greedy(), nil)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Greedy()
	cfg.StopTokens = []int{first[0]}
	out, err := m.Generate(context.Background(), []int{1, 2}, 5, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != first[0] {
		t.Errorf("expected generation to stop after %d, got %v", first[0], out)
	}
}

func TestGenerateZeroTokens(t *testing.T) {
	out, err := newTestModel(t).Generate(context.Background(), []int{1}, 0, Greedy(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("expected no tokens, got %v", out)
	}
}

func TestNonCausalGenerateRecomputes(t *testing.T) {
	m := newTestModel(t, func(c *config.Config) { c.Causal = false })
	reg := NewRegistry(m)
	var seqs []int
	_, err := reg.Attach(0, hooks.ObserverFunc(func(_ int, x *tensor.Tensor) error {
		if x.Offset != 0 {
			t.Errorf("non-causal pass with offset %d", x.Offset)
		}
		seqs = append(seqs, x.Seq)
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Generate(context.Background(), []int{1, 2}, 3, Greedy(), reg); err != nil {
		t.Fatal(err)
	}
	want := []int{2, 3, 4}
	if len(seqs) != len(want) {
		t.Fatalf("expected passes %v, got %v", want, seqs)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Errorf("pass %d: seq %d, want %d", i, seqs[i], want[i])
		}
	}
}

func TestMutatorChangesDownstream(t *testing.T) {
	m := newTestModel(t)
	tokens := []int{4, 4, 4}
	base, err := m.Forward(context.Background(), tokens, nil)
	if err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(m)
	_, err = reg.Attach(1, hooks.MutatorFunc(func(_ int, x *tensor.Tensor) (*tensor.Tensor, error) {
		out := x.Clone()
		for i := range out.Row(0, out.Seq-1) {
			out.Row(0, out.Seq-1)[i] += 5
		}
		return out, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	steered, err := m.Forward(context.Background(), tokens, reg)
	if err != nil {
		t.Fatal(err)
	}
	if maxAbsDiff(base.Logits, steered.Logits) == 0 {
		t.Error("mutation at layer 1 did not reach the logits")
	}
}

func TestForwardValidation(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		tokens []int
		reg    *hooks.Registry
		want   error
	}{
		{"empty", nil, nil, ErrEmptyInput},
		{"negative token", []int{-1}, nil, ErrTokenOutOfRange},
		{"token past vocab", []int{32}, nil, ErrTokenOutOfRange},
		{"registry mismatch", []int{1}, hooks.NewRegistry(2), ErrRegistryMismatch},
		{"context overflow", make([]int, 65), nil, ErrContextOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Forward(ctx, tt.tokens, tt.reg)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := m.Generate(ctx, []int{1}, 65, Greedy(), nil); !errors.Is(err, ErrContextOverflow) {
		t.Errorf("expected generation overflow, got %v", err)
	}
	if _, err := m.Generate(ctx, []int{1}, -1, Greedy(), nil); err == nil {
		t.Error("expected error for negative token count")
	}
}

func TestForwardCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestModel(t).Forward(ctx, []int{1, 2}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestHookErrorAbortsPass(t *testing.T) {
	m := newTestModel(t)
	reg := NewRegistry(m)
	boom := errors.New("boom")
	_, err := reg.Attach(2, hooks.ObserverFunc(func(int, *tensor.Tensor) error { return boom }))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Forward(context.Background(), []int{1}, reg); !errors.Is(err, boom) {
		t.Errorf("expected hook error, got %v", err)
	}
}
