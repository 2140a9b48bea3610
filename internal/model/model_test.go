package model

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/tom-pollak/interp-training/internal/gguf"
)

const (
	testDim    = 4
	testHidden = 8
	testLayers = 2
	testHeads  = 2
	testVocab  = 6
	testSeq    = 16
)

// writeTestCheckpoint lays down a tiny random checkpoint and returns its path.
func writeTestCheckpoint(t *testing.T, dir string, seed int64) string {
	t.Helper()

	rng := rand.New(rand.NewSource(seed))
	randTensor := func(name string, dims ...uint64) gguf.Tensor {
		n := uint64(1)
		for _, d := range dims {
			n *= d
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = float32(rng.NormFloat64()) * 0.1
		}
		return gguf.Tensor{Name: name, Dims: dims, Data: data}
	}
	ones := func(name string, n uint64) gguf.Tensor {
		data := make([]float32, n)
		for i := range data {
			data[i] = 1
		}
		return gguf.Tensor{Name: name, Dims: []uint64{n}, Data: data}
	}

	kv := map[string]interface{}{
		"general.architecture":                    "pythia",
		"pythia.embedding_length":                 uint32(testDim),
		"pythia.feed_forward_length":              uint32(testHidden),
		"pythia.block_count":                      uint32(testLayers),
		"pythia.attention.head_count":             uint32(testHeads),
		"pythia.attention.head_count_kv":          uint32(testHeads),
		"pythia.context_length":                   uint32(testSeq),
		"pythia.attention.layer_norm_rms_epsilon": float32(1e-5),
		"pythia.rope.freq_base":                   float32(10000.0),
	}

	tensors := []gguf.Tensor{
		randTensor("token_embd.weight", testDim, testVocab),
		ones("output_norm.weight", testDim),
	}
	for l := 0; l < testLayers; l++ {
		prefix := "blk." + string(rune('0'+l)) + "."
		tensors = append(tensors,
			ones(prefix+"attn_norm.weight", testDim),
			randTensor(prefix+"attn_q.weight", testDim, testDim),
			randTensor(prefix+"attn_k.weight", testDim, testDim),
			randTensor(prefix+"attn_v.weight", testDim, testDim),
			randTensor(prefix+"attn_output.weight", testDim, testDim),
			ones(prefix+"ffn_norm.weight", testDim),
			randTensor(prefix+"ffn_gate.weight", testDim, testHidden),
			randTensor(prefix+"ffn_up.weight", testDim, testHidden),
			randTensor(prefix+"ffn_down.weight", testHidden, testDim),
		)
	}

	path := filepath.Join(dir, "step256.gguf")
	if err := gguf.WriteFile(path, kv, tensors); err != nil {
		t.Fatalf("failed to write test checkpoint: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeTestCheckpoint(t, t.TempDir(), 1)

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg := m.Config
	if cfg.Architecture != "pythia" {
		t.Errorf("architecture = %s", cfg.Architecture)
	}
	if cfg.Dim != testDim || cfg.HiddenDim != testHidden || cfg.Layers != testLayers {
		t.Errorf("dims wrong: %+v", cfg)
	}
	if cfg.Heads != testHeads || cfg.KVHeads != testHeads || cfg.HeadDim != testDim/testHeads {
		t.Errorf("heads wrong: %+v", cfg)
	}
	if cfg.VocabSize != testVocab {
		t.Errorf("vocab = %d, want %d", cfg.VocabSize, testVocab)
	}
	if cfg.SeqLen != testSeq {
		t.Errorf("seq len = %d, want %d", cfg.SeqLen, testSeq)
	}
}

func TestForwardCaptureShape(t *testing.T) {
	path := writeTestCheckpoint(t, t.TempDir(), 2)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tokens := []int{0, 3, 5, 1}
	rows, err := m.ForwardCapture(tokens, 1)
	if err != nil {
		t.Fatalf("ForwardCapture failed: %v", err)
	}

	if len(rows) != len(tokens) {
		t.Fatalf("got %d rows, want %d", len(rows), len(tokens))
	}
	for i, row := range rows {
		if len(row) != testDim {
			t.Fatalf("row %d has width %d, want %d", i, len(row), testDim)
		}
		for _, v := range row {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("row %d contains non-finite value", i)
			}
		}
	}
}

func TestForwardCaptureDeterministic(t *testing.T) {
	path := writeTestCheckpoint(t, t.TempDir(), 3)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tokens := []int{2, 4, 0}
	a, err := m.ForwardCapture(tokens, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.ForwardCapture(tokens, 0)
	if err != nil {
		t.Fatal(err)
	}

	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				t.Fatalf("forward pass not deterministic at [%d][%d]", i, j)
			}
		}
	}
}

func TestForwardCaptureHookLayersDiffer(t *testing.T) {
	path := writeTestCheckpoint(t, t.TempDir(), 4)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tokens := []int{1, 2, 3}
	l0, err := m.ForwardCapture(tokens, 0)
	if err != nil {
		t.Fatal(err)
	}
	l1, err := m.ForwardCapture(tokens, 1)
	if err != nil {
		t.Fatal(err)
	}

	same := true
	for i := range l0 {
		for j := range l0[i] {
			if l0[i][j] != l1[i][j] {
				same = false
			}
		}
	}
	if same {
		t.Error("captures at different hook layers should differ")
	}
}

func TestForwardCaptureErrors(t *testing.T) {
	path := writeTestCheckpoint(t, t.TempDir(), 5)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name      string
		tokens    []int
		hookLayer int
	}{
		{"hook layer negative", []int{1}, -1},
		{"hook layer too high", []int{1}, testLayers},
		{"empty tokens", nil, 0},
		{"token out of vocab", []int{testVocab}, 0},
		{"sequence too long", make([]int, testSeq+1), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.ForwardCapture(tt.tokens, tt.hookLayer); err == nil {
				t.Error("expected error")
			}
		})
	}
}
