// Package crosscoder implements a multi-model sparse autoencoder trained
// over activation columns from several checkpoints of the same network. One
// shared feature dictionary encodes all checkpoints at once; per-checkpoint
// decoders reconstruct each column, so feature directions shared across
// training time collapse into single dictionary entries.
package crosscoder

import (
	"fmt"
	"math"
	"math/rand"
)

type Config struct {
	NModels int `json:"n_models"`
	DIn     int `json:"d_in"`
	DHidden int `json:"d_hidden"`

	DecInitNorm float64 `json:"dec_init_norm"`
	Seed        int64   `json:"seed"`
}

func (c *Config) Validate() error {
	if c.NModels <= 0 {
		return fmt.Errorf("invalid n_models: %d (must be positive)", c.NModels)
	}
	if c.DIn <= 0 {
		return fmt.Errorf("invalid d_in: %d (must be positive)", c.DIn)
	}
	if c.DHidden <= 0 {
		return fmt.Errorf("invalid d_hidden: %d (must be positive)", c.DHidden)
	}
	if c.DecInitNorm <= 0 {
		return fmt.Errorf("invalid dec_init_norm: %g (must be positive)", c.DecInitNorm)
	}
	return nil
}

func DefaultConfig() Config {
	return Config{
		DecInitNorm: 0.08,
		Seed:        42,
	}
}

// CrossCoder holds parameters and their gradient accumulators.
//
// Layouts (flat, row-major):
//
//	WEnc [M][D][H]  index ((m*D)+d)*H + j
//	BEnc [H]
//	WDec [H][M][D]  index ((j*M)+m)*D + d
//	BDec [M][D]
type CrossCoder struct {
	Cfg Config

	WEnc []float32
	BEnc []float32
	WDec []float32
	BDec []float32

	GWEnc []float32
	GBEnc []float32
	GWDec []float32
	GBDec []float32
}

// Losses is the per-step loss bundle. Computed fresh each step, never
// persisted.
type Losses struct {
	L2 float64 // summed square reconstruction error, batch mean
	L1 float64 // decoder-norm weighted feature activation, batch mean
	L0 float64 // mean active features per sample

	ExplainedVariance         float64
	ExplainedVariancePerModel []float64
}

// New initializes a crosscoder. Each feature's per-model decoder row is a
// random direction scaled to DecInitNorm; the encoder starts as the decoder
// transpose, biases at zero.
func New(cfg Config) (*CrossCoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m, d, h := cfg.NModels, cfg.DIn, cfg.DHidden
	c := &CrossCoder{
		Cfg:   cfg,
		WEnc:  make([]float32, m*d*h),
		BEnc:  make([]float32, h),
		WDec:  make([]float32, h*m*d),
		BDec:  make([]float32, m*d),
		GWEnc: make([]float32, m*d*h),
		GBEnc: make([]float32, h),
		GWDec: make([]float32, h*m*d),
		GBDec: make([]float32, m*d),
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	for j := 0; j < h; j++ {
		for mi := 0; mi < m; mi++ {
			row := c.decRow(j, mi)
			var norm float64
			for di := range row {
				row[di] = float32(rng.NormFloat64())
				norm += float64(row[di]) * float64(row[di])
			}
			scale := float32(cfg.DecInitNorm / math.Sqrt(norm))
			for di := range row {
				row[di] *= scale
				c.WEnc[((mi*d)+di)*h+j] = row[di]
			}
		}
	}

	return c, nil
}

func (c *CrossCoder) decRow(j, m int) []float32 {
	d := c.Cfg.DIn
	off := (j*c.Cfg.NModels + m) * d
	return c.WDec[off : off+d]
}

// decFeature returns feature j's full decoder slice across all models.
func (c *CrossCoder) decFeature(j int) []float32 {
	md := c.Cfg.NModels * c.Cfg.DIn
	return c.WDec[j*md : (j+1)*md]
}

// DecoderNorms returns per-feature, per-model decoder row norms.
func (c *CrossCoder) DecoderNorms() [][]float64 {
	norms := make([][]float64, c.Cfg.DHidden)
	for j := range norms {
		norms[j] = make([]float64, c.Cfg.NModels)
		for m := 0; m < c.Cfg.NModels; m++ {
			var sum float64
			for _, v := range c.decRow(j, m) {
				sum += float64(v) * float64(v)
			}
			norms[j][m] = math.Sqrt(sum)
		}
	}
	return norms
}

// Encode returns the feature activations for one sample of width M*D.
func (c *CrossCoder) Encode(x []float32) []float32 {
	h := c.Cfg.DHidden
	acts := make([]float32, h)
	copy(acts, c.BEnc)

	for md, xv := range x {
		if xv == 0 {
			continue
		}
		row := c.WEnc[md*h : (md+1)*h]
		for j := range row {
			acts[j] += xv * row[j]
		}
	}

	for j := range acts {
		if acts[j] < 0 {
			acts[j] = 0
		}
	}
	return acts
}

// Decode reconstructs all model columns from feature activations.
func (c *CrossCoder) Decode(acts []float32) []float32 {
	md := c.Cfg.NModels * c.Cfg.DIn
	xhat := make([]float32, md)
	copy(xhat, c.BDec)

	for j, a := range acts {
		if a == 0 {
			continue
		}
		row := c.decFeature(j)
		for i := range row {
			xhat[i] += a * row[i]
		}
	}
	return xhat
}

// ZeroGrad clears the gradient accumulators.
func (c *CrossCoder) ZeroGrad() {
	clear(c.GWEnc)
	clear(c.GBEnc)
	clear(c.GWDec)
	clear(c.GBDec)
}

// Param is one named parameter tensor with its gradient accumulator.
type Param struct {
	Name string
	W    []float32
	G    []float32
}

// Params returns the parameter tensors in a stable order.
func (c *CrossCoder) Params() []Param {
	return []Param{
		{Name: "w_enc", W: c.WEnc, G: c.GWEnc},
		{Name: "b_enc", W: c.BEnc, G: c.GBEnc},
		{Name: "w_dec", W: c.WDec, G: c.GWDec},
		{Name: "b_dec", W: c.BDec, G: c.GBDec},
	}
}

// BackwardBatch computes the loss bundle for a batch and accumulates
// parameter gradients of total = L2 + l1Coeff * L1. Rows are samples of
// width M*D. Gradients are means over the batch; call ZeroGrad between
// steps.
func (c *CrossCoder) BackwardBatch(rows [][]float32, l1Coeff float64) (*Losses, error) {
	m, d, h := c.Cfg.NModels, c.Cfg.DIn, c.Cfg.DHidden
	md := m * d
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	for i, row := range rows {
		if len(row) != md {
			return nil, fmt.Errorf("sample %d has width %d, want %d", i, len(row), md)
		}
	}

	batch := float64(len(rows))
	scale := 2.0 / batch

	norms := c.DecoderNorms()
	normSum := make([]float64, h)
	for j := 0; j < h; j++ {
		for mi := 0; mi < m; mi++ {
			normSum[j] += norms[j][mi]
		}
	}

	losses := &Losses{ExplainedVariancePerModel: make([]float64, m)}
	evCount := make([]float64, m)
	sumActs := make([]float64, h)

	for _, x := range rows {
		acts := c.Encode(x)
		xhat := c.Decode(acts)

		errVec := make([]float32, md)
		for i := range errVec {
			errVec[i] = xhat[i] - x[i]
		}

		var l2 float64
		for _, e := range errVec {
			l2 += float64(e) * float64(e)
		}
		losses.L2 += l2 / batch

		for j, a := range acts {
			if a > 0 {
				losses.L1 += float64(a) * normSum[j] / batch
				losses.L0 += 1 / batch
				sumActs[j] += float64(a)
			}
		}

		// Per-model explained variance against the sample's own mean.
		for mi := 0; mi < m; mi++ {
			var mean float64
			for di := 0; di < d; di++ {
				mean += float64(x[mi*d+di])
			}
			mean /= float64(d)

			var errSq, varSq float64
			for di := 0; di < d; di++ {
				e := float64(errVec[mi*d+di])
				v := float64(x[mi*d+di]) - mean
				errSq += e * e
				varSq += v * v
			}
			if varSq > 0 {
				ev := 1 - errSq/varSq
				losses.ExplainedVariancePerModel[mi] += ev
				evCount[mi]++
			}
		}

		// Backward.
		for i, e := range errVec {
			c.GBDec[i] += float32(scale * float64(e))
		}

		for j, a := range acts {
			if a == 0 {
				continue
			}
			row := c.decFeature(j)

			// dL/da_j: reconstruction pull plus the sparsity penalty slope.
			da := l1Coeff * normSum[j] / batch
			for i, e := range errVec {
				da += scale * float64(e) * float64(row[i])
			}

			ga := float32(scale * float64(a))
			grow := c.GWDec[j*md : (j+1)*md]
			for i, e := range errVec {
				grow[i] += ga * e
			}

			c.GBEnc[j] += float32(da)
			for mdI, xv := range x {
				if xv != 0 {
					c.GWEnc[mdI*h+j] += xv * float32(da)
				}
			}
		}
	}

	// Sparsity gradient through the decoder norms, folded over the batch:
	// d(a_j * ||W_dec[j][m]||)/dW = a_j * W/||W||.
	for j := 0; j < h; j++ {
		if sumActs[j] == 0 {
			continue
		}
		coeff := l1Coeff * sumActs[j] / batch
		for mi := 0; mi < m; mi++ {
			if norms[j][mi] == 0 {
				continue
			}
			row := c.decRow(j, mi)
			grow := c.GWDec[(j*m+mi)*d : (j*m+mi+1)*d]
			k := float32(coeff / norms[j][mi])
			for i := range row {
				grow[i] += k * row[i]
			}
		}
	}

	var evSum float64
	for mi := 0; mi < m; mi++ {
		if evCount[mi] > 0 {
			losses.ExplainedVariancePerModel[mi] /= evCount[mi]
		}
		evSum += losses.ExplainedVariancePerModel[mi]
	}
	losses.ExplainedVariance = evSum / float64(m)

	return losses, nil
}

// Total returns the weighted training loss.
func (l *Losses) Total(l1Coeff float64) float64 {
	return l.L2 + l1Coeff*l.L1
}
