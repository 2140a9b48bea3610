package gguf

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestGGUFMagic(t *testing.T) {
	if GGUFMagic != 0x46554747 {
		t.Errorf("expected GGUFMagic 0x46554747, got 0x%x", GGUFMagic)
	}
}

func TestGGMLTypeString(t *testing.T) {
	if GGMLTypeF32.String() != "F32" {
		t.Errorf("GGMLTypeF32.String() = %s", GGMLTypeF32.String())
	}
	if GGMLTypeF16.String() != "F16" {
		t.Errorf("GGMLTypeF16.String() = %s", GGMLTypeF16.String())
	}
	if GGMLType(12).String() != "UNKNOWN_TYPE_12" {
		t.Errorf("unknown type string = %s", GGMLType(12).String())
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.gguf")

	kv := map[string]interface{}{
		"general.architecture":         "pythia",
		"pythia.embedding_length":      uint32(8),
		"pythia.block_count":           uint32(2),
		"pythia.attention.head_count":  uint32(2),
		"pythia.rope.freq_base":        float32(10000.0),
		"pythia.context_length":        uint64(64),
		"tokenizer.ggml.add_bos_token": false,
	}
	tensors := []Tensor{
		{Name: "token_embd.weight", Dims: []uint64{8, 4}, Data: ramp(32)},
		{Name: "blk.0.attn_norm.weight", Dims: []uint64{8}, Data: ramp(8)},
	}

	if err := WriteFile(path, kv, tensors); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.Header.Version != GGUFVersion {
		t.Errorf("version = %d, want %d", f.Header.Version, GGUFVersion)
	}
	if f.Header.TensorCount != 2 {
		t.Errorf("tensor count = %d, want 2", f.Header.TensorCount)
	}

	if arch, ok := f.String("general.architecture"); !ok || arch != "pythia" {
		t.Errorf("architecture = %q, ok=%v", arch, ok)
	}
	if v, ok := f.Uint("pythia.embedding_length"); !ok || v != 8 {
		t.Errorf("embedding_length = %d, ok=%v", v, ok)
	}
	if v, ok := f.Uint("pythia.context_length"); !ok || v != 64 {
		t.Errorf("context_length = %d, ok=%v", v, ok)
	}
	if v, ok := f.Float("pythia.rope.freq_base"); !ok || v != 10000.0 {
		t.Errorf("rope.freq_base = %v, ok=%v", v, ok)
	}

	emb := f.Tensor("token_embd.weight")
	if emb == nil {
		t.Fatal("token_embd.weight not found")
	}
	data, err := DecodeF32(emb)
	if err != nil {
		t.Fatalf("DecodeF32 failed: %v", err)
	}
	want := ramp(32)
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("emb[%d] = %v, want %v", i, data[i], want[i])
		}
	}

	norm := f.Tensor("blk.0.attn_norm.weight")
	if norm == nil {
		t.Fatal("blk.0.attn_norm.weight not found")
	}
	nd, err := DecodeF32(norm)
	if err != nil {
		t.Fatalf("DecodeF32 norm failed: %v", err)
	}
	if len(nd) != 8 || nd[7] != 7 {
		t.Errorf("norm decode wrong: len=%d last=%v", len(nd), nd[len(nd)-1])
	}

	if f.Tensor("missing") != nil {
		t.Error("expected nil for missing tensor")
	}
}

func TestLoadFileInvalidMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gguf")
	buf := make([]byte, 64)
	binary.LittleEndian.PutUint32(buf, 0xdeadbeef)
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFile(path)
	var magicErr ErrInvalidMagic
	if !errors.As(err, &magicErr) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
	if magicErr.Magic != 0xdeadbeef {
		t.Errorf("magic = %x", magicErr.Magic)
	}
}

func TestLoadFileUnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.gguf")
	buf := make([]byte, 64)
	binary.LittleEndian.PutUint32(buf, GGUFMagic)
	binary.LittleEndian.PutUint32(buf[4:], 1)
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFile(path)
	var verErr ErrUnsupportedVersion
	if !errors.As(err, &verErr) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeF32UnsupportedType(t *testing.T) {
	ti := &TensorInfo{Name: "q.weight", Type: GGMLType(12), Dimensions: []uint64{4}}
	_, err := DecodeF32(ti)
	var typeErr ErrUnsupportedType
	if !errors.As(err, &typeErr) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestF16ToF32(t *testing.T) {
	tests := []struct {
		name string
		h    uint16
		want float32
	}{
		{"zero", 0x0000, 0},
		{"one", 0x3c00, 1.0},
		{"negative two", 0xc000, -2.0},
		{"half", 0x3800, 0.5},
		{"max subnormal", 0x03ff, 0.000060975552},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f16ToF32(tt.h)
			if math.Abs(float64(got-tt.want)) > 1e-9 {
				t.Errorf("f16ToF32(0x%04x) = %v, want %v", tt.h, got, tt.want)
			}
		})
	}

	if !math.IsInf(float64(f16ToF32(0x7c00)), 1) {
		t.Error("0x7c00 should decode to +Inf")
	}
	if !math.IsNaN(float64(f16ToF32(0x7e00))) {
		t.Error("0x7e00 should decode to NaN")
	}
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}
