package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Model describes the architecture of the upstream language model whose
// checkpoints we extract activations from. Dimensions follow the GGUF
// metadata of the checkpoint files.
type Model struct {
	Architecture string  `json:"architecture"`
	Dim          int     `json:"dim"`
	HiddenDim    int     `json:"hidden_dim"`
	Layers       int     `json:"layers"`
	Heads        int     `json:"heads"`
	KVHeads      int     `json:"kv_heads"`
	HeadDim      int     `json:"head_dim"`
	VocabSize    int     `json:"vocab_size"`
	SeqLen       int     `json:"seq_len"`
	Eps          float32 `json:"eps"`
	RopeTheta    float32 `json:"rope_theta"`
}

func (c *Model) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("heads (%d) must be divisible by kv_heads (%d)", c.Heads, c.KVHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	return nil
}

func DefaultModel() Model {
	return Model{
		SeqLen:    2048,
		Eps:       1e-5,
		RopeTheta: 10000.0,
	}
}

// Cache configures one activation-caching run: which checkpoint steps to
// extract, where checkpoints and the tokenized dataset live, and where the
// per-step and merged activation tables go.
type Cache struct {
	CheckpointRoot string `json:"checkpoint_root"`
	DatasetPath    string `json:"dataset_path"`
	OutputDir      string `json:"output_dir"`

	Steps      []int `json:"steps"`
	HookLayer  int   `json:"hook_layer"`
	NumDevices int   `json:"num_devices"`

	ContextSize int `json:"context_size"`
	BatchSize   int `json:"batch_size"`
	// MaxTokens bounds how many tokens are extracted per checkpoint.
	// 0 means the whole dataset.
	MaxTokens int `json:"max_tokens"`

	// FlightAddr, when non-empty, is where the merged table is published.
	FlightAddr string `json:"flight_addr,omitempty"`
}

func (c *Cache) Validate() error {
	if len(c.Steps) == 0 {
		return fmt.Errorf("no checkpoint steps configured")
	}
	seen := make(map[int]bool, len(c.Steps))
	for _, s := range c.Steps {
		if s < 0 {
			return fmt.Errorf("invalid checkpoint step: %d (must be non-negative)", s)
		}
		if seen[s] {
			return fmt.Errorf("duplicate checkpoint step: %d", s)
		}
		seen[s] = true
	}
	if c.CheckpointRoot == "" {
		return fmt.Errorf("checkpoint_root is required")
	}
	if c.DatasetPath == "" {
		return fmt.Errorf("dataset_path is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.HookLayer < 0 {
		return fmt.Errorf("invalid hook_layer: %d (must be non-negative)", c.HookLayer)
	}
	if c.NumDevices <= 0 {
		return fmt.Errorf("invalid num_devices: %d (must be positive)", c.NumDevices)
	}
	if c.ContextSize <= 0 {
		return fmt.Errorf("invalid context_size: %d (must be positive)", c.ContextSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("invalid max_tokens: %d (must be non-negative)", c.MaxTokens)
	}
	return nil
}

func DefaultCache() Cache {
	return Cache{
		HookLayer:   4,
		NumDevices:  1,
		ContextSize: 128,
		BatchSize:   256,
	}
}

// Trainer holds the hyperparameters of one crosscoder training run.
// Immutable once the run starts; the JSON form written next to the model
// checkpoint must reload to identical values.
type Trainer struct {
	BatchSize int `json:"batch_size"`

	LR      float64 `json:"lr"`
	Beta1   float64 `json:"beta1"`
	Beta2   float64 `json:"beta2"`
	L1Coeff float64 `json:"l1_coeff"`

	DatasetPath string `json:"dataset_path"`

	LogEvery    int    `json:"log_every"`
	SaveEvery   int    `json:"save_every"`
	DumpDir     string `json:"dump_dir"`
	MetricsAddr string `json:"metrics_addr,omitempty"`
}

func (c *Trainer) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.LR <= 0 {
		return fmt.Errorf("invalid lr: %g (must be positive)", c.LR)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return fmt.Errorf("invalid beta1: %g (must be in [0,1))", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("invalid beta2: %g (must be in [0,1))", c.Beta2)
	}
	if c.L1Coeff < 0 {
		return fmt.Errorf("invalid l1_coeff: %g (must be non-negative)", c.L1Coeff)
	}
	if c.DatasetPath == "" {
		return fmt.Errorf("dataset_path is required")
	}
	if c.LogEvery <= 0 {
		return fmt.Errorf("invalid log_every: %d (must be positive)", c.LogEvery)
	}
	if c.SaveEvery <= 0 {
		return fmt.Errorf("invalid save_every: %d (must be positive)", c.SaveEvery)
	}
	if c.DumpDir == "" {
		return fmt.Errorf("dump_dir is required")
	}
	return nil
}

func DefaultTrainer() Trainer {
	return Trainer{
		BatchSize: 4096,
		LR:        5e-5,
		Beta1:     0.9,
		Beta2:     0.999,
		L1Coeff:   2.0,
		LogEvery:  100,
		SaveEvery: 10000,
	}
}

// SaveJSON writes any config struct as indented JSON.
func SaveJSON(path string, cfg interface{}) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// LoadJSON reads a JSON config written by SaveJSON.
func LoadJSON(path string, cfg interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}
