package crosscoder

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	weightsMagic   = 0x52444358 // "XCDR" little-endian
	weightsVersion = 1

	configFile  = "crosscoder.json"
	weightsFile = "crosscoder.bin"
)

// Save writes the config and weights under dir, creating it if needed.
// Gradient accumulators are not persisted.
func (c *CrossCoder) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	cfgData, err := json.MarshalIndent(c.Cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), cfgData, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, weightsFile))
	if err != nil {
		return fmt.Errorf("failed to create weights file: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	header := []uint32{
		weightsMagic,
		weightsVersion,
		uint32(c.Cfg.NModels),
		uint32(c.Cfg.DIn),
		uint32(c.Cfg.DHidden),
	}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("failed to write weights header: %w", err)
		}
	}
	for _, p := range c.Params() {
		if err := binary.Write(w, binary.LittleEndian, p.W); err != nil {
			return fmt.Errorf("failed to write %s: %w", p.Name, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush weights: %w", err)
	}
	return f.Close()
}

// Load reads a crosscoder checkpoint written by Save.
func Load(dir string) (*CrossCoder, error) {
	cfgData, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(cfgData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint config: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, weightsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open weights file: %w", err)
	}
	defer func() { _ = f.Close() }()
	r := bufio.NewReader(f)

	var header [5]uint32
	for i := range header {
		if err := binary.Read(r, binary.LittleEndian, &header[i]); err != nil {
			return nil, fmt.Errorf("failed to read weights header: %w", err)
		}
	}
	if header[0] != weightsMagic {
		return nil, fmt.Errorf("bad weights magic: 0x%08X", header[0])
	}
	if header[1] != weightsVersion {
		return nil, fmt.Errorf("unsupported weights version: %d", header[1])
	}
	if int(header[2]) != cfg.NModels || int(header[3]) != cfg.DIn || int(header[4]) != cfg.DHidden {
		return nil, fmt.Errorf("weights shape (%d,%d,%d) does not match config (%d,%d,%d)",
			header[2], header[3], header[4], cfg.NModels, cfg.DIn, cfg.DHidden)
	}

	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	for _, p := range c.Params() {
		if err := binary.Read(r, binary.LittleEndian, p.W); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p.Name, err)
		}
	}
	return c, nil
}
