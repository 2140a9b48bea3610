// Package model runs a CPU forward pass over one checkpoint of the upstream
// transformer and captures the post-block residual stream at a hook layer.
// There is no sampling and no KV reuse across calls: extraction processes
// each sequence once, front to back.
package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/tom-pollak/interp-training/internal/config"
	"github.com/tom-pollak/interp-training/internal/gguf"
	"github.com/tom-pollak/interp-training/internal/logger"
)

type Weights struct {
	TokenEmb []float32 // vocab x dim

	AttnNorm [][]float32
	AttnQ    [][]float32 // (heads*headDim) x dim
	AttnK    [][]float32 // (kvHeads*headDim) x dim
	AttnV    [][]float32 // (kvHeads*headDim) x dim
	AttnO    [][]float32 // dim x (heads*headDim)

	FfnNorm [][]float32
	FfnGate [][]float32 // hiddenDim x dim
	FfnUp   [][]float32 // hiddenDim x dim
	FfnDown [][]float32 // dim x hiddenDim

	OutputNorm []float32
}

type Model struct {
	Config  config.Model
	weights *Weights
}

// Load reads a checkpoint's weights and architecture metadata.
func Load(path string) (*Model, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	defer func() { _ = f.Close() }()

	cfg, err := configFromKV(f)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint metadata invalid: %w", err)
	}

	w, err := loadWeights(f, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}

	logger.Log.Info("checkpoint loaded",
		"path", path, "arch", cfg.Architecture,
		"dim", cfg.Dim, "layers", cfg.Layers)

	return &Model{Config: cfg, weights: w}, nil
}

func configFromKV(f *gguf.GGUFFile) (config.Model, error) {
	cfg := config.DefaultModel()

	arch, ok := f.String("general.architecture")
	if !ok {
		return cfg, fmt.Errorf("checkpoint missing general.architecture")
	}
	cfg.Architecture = arch

	uintKey := func(suffix string) (int, bool) {
		v, ok := f.Uint(arch + "." + suffix)
		return int(v), ok
	}

	if v, ok := uintKey("embedding_length"); ok {
		cfg.Dim = v
	}
	if v, ok := uintKey("feed_forward_length"); ok {
		cfg.HiddenDim = v
	}
	if v, ok := uintKey("block_count"); ok {
		cfg.Layers = v
	}
	if v, ok := uintKey("attention.head_count"); ok {
		cfg.Heads = v
	}
	if v, ok := uintKey("attention.head_count_kv"); ok {
		cfg.KVHeads = v
	} else {
		cfg.KVHeads = cfg.Heads
	}
	if v, ok := uintKey("context_length"); ok {
		cfg.SeqLen = v
	}
	if cfg.Heads > 0 {
		cfg.HeadDim = cfg.Dim / cfg.Heads
	}
	if v, ok := f.Float(arch + ".attention.layer_norm_rms_epsilon"); ok {
		cfg.Eps = float32(v)
	}
	if v, ok := f.Float(arch + ".rope.freq_base"); ok {
		cfg.RopeTheta = float32(v)
	}

	emb := f.Tensor("token_embd.weight")
	if emb == nil {
		return cfg, fmt.Errorf("checkpoint missing token_embd.weight")
	}
	if cfg.Dim > 0 {
		cfg.VocabSize = int(emb.NumElements()) / cfg.Dim
	}

	return cfg, nil
}

func loadWeights(f *gguf.GGUFFile, cfg config.Model) (*Weights, error) {
	w := &Weights{
		AttnNorm: make([][]float32, cfg.Layers),
		AttnQ:    make([][]float32, cfg.Layers),
		AttnK:    make([][]float32, cfg.Layers),
		AttnV:    make([][]float32, cfg.Layers),
		AttnO:    make([][]float32, cfg.Layers),
		FfnNorm:  make([][]float32, cfg.Layers),
		FfnGate:  make([][]float32, cfg.Layers),
		FfnUp:    make([][]float32, cfg.Layers),
		FfnDown:  make([][]float32, cfg.Layers),
	}

	for _, t := range f.Tensors {
		data, err := gguf.DecodeF32(t)
		if err != nil {
			return nil, err
		}

		switch t.Name {
		case "token_embd.weight":
			w.TokenEmb = data
			continue
		case "output_norm.weight":
			w.OutputNorm = data
			continue
		}

		var layer int
		if _, err := fmt.Sscanf(t.Name, "blk.%d.", &layer); err != nil {
			continue // output head etc., unused for extraction
		}
		if layer < 0 || layer >= cfg.Layers {
			return nil, fmt.Errorf("tensor %s references layer %d of %d", t.Name, layer, cfg.Layers)
		}

		switch {
		case strings.HasSuffix(t.Name, "attn_norm.weight"):
			w.AttnNorm[layer] = data
		case strings.HasSuffix(t.Name, "attn_q.weight"):
			w.AttnQ[layer] = data
		case strings.HasSuffix(t.Name, "attn_k.weight"):
			w.AttnK[layer] = data
		case strings.HasSuffix(t.Name, "attn_v.weight"):
			w.AttnV[layer] = data
		case strings.HasSuffix(t.Name, "attn_output.weight"):
			w.AttnO[layer] = data
		case strings.HasSuffix(t.Name, "ffn_norm.weight"):
			w.FfnNorm[layer] = data
		case strings.HasSuffix(t.Name, "ffn_gate.weight"):
			w.FfnGate[layer] = data
		case strings.HasSuffix(t.Name, "ffn_up.weight"):
			w.FfnUp[layer] = data
		case strings.HasSuffix(t.Name, "ffn_down.weight"):
			w.FfnDown[layer] = data
		}
	}

	if w.TokenEmb == nil {
		return nil, fmt.Errorf("checkpoint missing token_embd.weight")
	}
	for l := 0; l < cfg.Layers; l++ {
		for _, part := range []struct {
			name string
			data []float32
		}{
			{"attn_norm", w.AttnNorm[l]},
			{"attn_q", w.AttnQ[l]},
			{"attn_k", w.AttnK[l]},
			{"attn_v", w.AttnV[l]},
			{"attn_output", w.AttnO[l]},
			{"ffn_norm", w.FfnNorm[l]},
			{"ffn_gate", w.FfnGate[l]},
			{"ffn_up", w.FfnUp[l]},
			{"ffn_down", w.FfnDown[l]},
		} {
			if part.data == nil {
				return nil, fmt.Errorf("checkpoint missing blk.%d.%s.weight", l, part.name)
			}
		}
	}

	return w, nil
}

// ForwardCapture runs the transformer over one token sequence and returns
// the residual stream after block hookLayer, one row per token position.
func (m *Model) ForwardCapture(tokens []int, hookLayer int) ([][]float32, error) {
	cfg := m.Config
	if hookLayer < 0 || hookLayer >= cfg.Layers {
		return nil, fmt.Errorf("hook layer %d out of range [0, %d)", hookLayer, cfg.Layers)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty token sequence")
	}
	if len(tokens) > cfg.SeqLen {
		return nil, fmt.Errorf("sequence length %d exceeds context %d", len(tokens), cfg.SeqLen)
	}

	w := m.weights
	seqLen := len(tokens)
	kvDim := cfg.KVHeads * cfg.HeadDim
	groups := cfg.Heads / cfg.KVHeads
	scale := float32(1.0 / math.Sqrt(float64(cfg.HeadDim)))

	captured := make([][]float32, seqLen)

	// Per-layer key/value history for the causal attention below. Sized for
	// this one sequence; extraction never generates past the prompt.
	kCache := make([][]float32, cfg.Layers)
	vCache := make([][]float32, cfg.Layers)
	for l := range kCache {
		kCache[l] = make([]float32, seqLen*kvDim)
		vCache[l] = make([]float32, seqLen*kvDim)
	}

	for pos, tok := range tokens {
		if tok < 0 || tok >= cfg.VocabSize {
			return nil, fmt.Errorf("token id %d out of vocab %d at position %d", tok, cfg.VocabSize, pos)
		}

		x := make([]float32, cfg.Dim)
		copy(x, w.TokenEmb[tok*cfg.Dim:(tok+1)*cfg.Dim])

		for l := 0; l < cfg.Layers; l++ {
			normed := rmsNorm(x, w.AttnNorm[l], cfg.Eps)

			q := matVec(w.AttnQ[l], normed, cfg.Dim, cfg.Dim)
			k := matVec(w.AttnK[l], normed, kvDim, cfg.Dim)
			v := matVec(w.AttnV[l], normed, kvDim, cfg.Dim)

			rope(q, pos, cfg.Heads, cfg.HeadDim, cfg.RopeTheta)
			rope(k, pos, cfg.KVHeads, cfg.HeadDim, cfg.RopeTheta)

			copy(kCache[l][pos*kvDim:(pos+1)*kvDim], k)
			copy(vCache[l][pos*kvDim:(pos+1)*kvDim], v)

			attnOut := make([]float32, cfg.Dim)
			for h := 0; h < cfg.Heads; h++ {
				kvh := h / groups
				qh := q[h*cfg.HeadDim : (h+1)*cfg.HeadDim]

				scores := make([]float32, pos+1)
				for p := 0; p <= pos; p++ {
					kp := kCache[l][p*kvDim+kvh*cfg.HeadDim:]
					sum := float32(0.0)
					for i := 0; i < cfg.HeadDim; i++ {
						sum += qh[i] * kp[i]
					}
					scores[p] = sum * scale
				}
				softmaxInPlace(scores)

				out := attnOut[h*cfg.HeadDim : (h+1)*cfg.HeadDim]
				for p := 0; p <= pos; p++ {
					vp := vCache[l][p*kvDim+kvh*cfg.HeadDim:]
					weight := scores[p]
					for i := 0; i < cfg.HeadDim; i++ {
						out[i] += weight * vp[i]
					}
				}
			}

			proj := matVec(w.AttnO[l], attnOut, cfg.Dim, cfg.Dim)
			for i := range x {
				x[i] += proj[i]
			}

			normed = rmsNorm(x, w.FfnNorm[l], cfg.Eps)
			gate := matVec(w.FfnGate[l], normed, cfg.HiddenDim, cfg.Dim)
			up := matVec(w.FfnUp[l], normed, cfg.HiddenDim, cfg.Dim)
			act := swiGLU(gate, up)
			down := matVec(w.FfnDown[l], act, cfg.Dim, cfg.HiddenDim)
			for i := range x {
				x[i] += down[i]
			}

			if l == hookLayer {
				row := make([]float32, cfg.Dim)
				copy(row, x)
				captured[pos] = row
				break // layers above the hook do not affect the capture
			}
		}
	}

	return captured, nil
}
