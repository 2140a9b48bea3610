package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultModel(t *testing.T) {
	cfg := DefaultModel()

	if cfg.SeqLen != 2048 {
		t.Errorf("expected SeqLen 2048, got %d", cfg.SeqLen)
	}
	if cfg.Eps != 1e-5 {
		t.Errorf("expected Eps 1e-5, got %v", cfg.Eps)
	}
	if cfg.RopeTheta != 10000.0 {
		t.Errorf("expected RopeTheta 10000.0, got %v", cfg.RopeTheta)
	}
}

func validModel() Model {
	return Model{
		Architecture: "pythia",
		Dim:          512,
		HiddenDim:    2048,
		Layers:       6,
		Heads:        8,
		KVHeads:      8,
		HeadDim:      64,
		VocabSize:    50304,
		SeqLen:       2048,
		Eps:          1e-5,
		RopeTheta:    10000.0,
	}
}

func TestModelValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Model)
		wantErr bool
	}{
		{"valid config", func(c *Model) {}, false},
		{"zero dim", func(c *Model) { c.Dim = 0 }, true},
		{"zero layers", func(c *Model) { c.Layers = 0 }, true},
		{"zero heads", func(c *Model) { c.Heads = 0 }, true},
		{"kv heads above heads", func(c *Model) { c.KVHeads = 16 }, true},
		{"heads not divisible by kv heads", func(c *Model) { c.KVHeads = 3 }, true},
		{"dim head mismatch", func(c *Model) { c.HeadDim = 32 }, true},
		{"zero vocab", func(c *Model) { c.VocabSize = 0 }, true},
		{"zero seq len", func(c *Model) { c.SeqLen = 0 }, true},
		{"zero eps", func(c *Model) { c.Eps = 0 }, true},
		{"zero rope theta", func(c *Model) { c.RopeTheta = 0 }, true},
		{"zero hidden dim", func(c *Model) { c.HiddenDim = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validModel()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func validCache() Cache {
	return Cache{
		CheckpointRoot: "/tmp/ckpts",
		DatasetPath:    "/tmp/tokens.arrow",
		OutputDir:      "/tmp/acts",
		Steps:          []int{256, 1000, 143000},
		HookLayer:      4,
		NumDevices:     2,
		ContextSize:    128,
		BatchSize:      256,
	}
}

func TestCacheValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Cache)
		wantErr bool
	}{
		{"valid config", func(c *Cache) {}, false},
		{"no steps", func(c *Cache) { c.Steps = nil }, true},
		{"negative step", func(c *Cache) { c.Steps = []int{-1} }, true},
		{"duplicate step", func(c *Cache) { c.Steps = []int{256, 256} }, true},
		{"missing checkpoint root", func(c *Cache) { c.CheckpointRoot = "" }, true},
		{"missing dataset", func(c *Cache) { c.DatasetPath = "" }, true},
		{"missing output dir", func(c *Cache) { c.OutputDir = "" }, true},
		{"negative hook layer", func(c *Cache) { c.HookLayer = -1 }, true},
		{"zero devices", func(c *Cache) { c.NumDevices = 0 }, true},
		{"zero context", func(c *Cache) { c.ContextSize = 0 }, true},
		{"zero batch", func(c *Cache) { c.BatchSize = 0 }, true},
		{"negative max tokens", func(c *Cache) { c.MaxTokens = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validCache()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTrainerValidate(t *testing.T) {
	valid := func() Trainer {
		cfg := DefaultTrainer()
		cfg.DatasetPath = "/tmp/merged.arrow"
		cfg.DumpDir = "/tmp/run"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Trainer)
		wantErr bool
	}{
		{"valid config", func(c *Trainer) {}, false},
		{"zero batch", func(c *Trainer) { c.BatchSize = 0 }, true},
		{"zero lr", func(c *Trainer) { c.LR = 0 }, true},
		{"beta1 out of range", func(c *Trainer) { c.Beta1 = 1.0 }, true},
		{"beta2 negative", func(c *Trainer) { c.Beta2 = -0.1 }, true},
		{"negative l1", func(c *Trainer) { c.L1Coeff = -1 }, true},
		{"missing dataset", func(c *Trainer) { c.DatasetPath = "" }, true},
		{"zero log every", func(c *Trainer) { c.LogEvery = 0 }, true},
		{"zero save every", func(c *Trainer) { c.SaveEvery = 0 }, true},
		{"missing dump dir", func(c *Trainer) { c.DumpDir = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTrainerJSONRoundTrip(t *testing.T) {
	cfg := Trainer{
		BatchSize:   4096,
		LR:          5e-5,
		Beta1:       0.9,
		Beta2:       0.999,
		L1Coeff:     2.0,
		DatasetPath: "activations/merged.arrow",
		LogEvery:    100,
		SaveEvery:   10000,
		DumpDir:     "runs/crosscoder-0",
		MetricsAddr: ":9090",
	}

	path := filepath.Join(t.TempDir(), "trainer_cfg.json")
	if err := SaveJSON(path, &cfg); err != nil {
		t.Fatalf("SaveJSON failed: %v", err)
	}

	var got Trainer
	if err := LoadJSON(path, &got); err != nil {
		t.Fatalf("LoadJSON failed: %v", err)
	}

	if got != cfg {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
}

func TestLoadJSONMissingFile(t *testing.T) {
	var got Trainer
	if err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"), &got); err == nil {
		t.Error("expected error for missing file")
	}
}
