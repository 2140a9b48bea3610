package trainer

import (
	"math"

	"github.com/tom-pollak/interp-training/internal/crosscoder"
)

const adamEps = 1e-8

// Adam is a first-order optimizer with bias-corrected moment estimates,
// one moment pair per parameter tensor.
type Adam struct {
	lr    float64
	beta1 float64
	beta2 float64

	step int
	m    [][]float32
	v    [][]float32
}

func NewAdam(lr, beta1, beta2 float64, params []crosscoder.Param) *Adam {
	a := &Adam{
		lr:    lr,
		beta1: beta1,
		beta2: beta2,
		m:     make([][]float32, len(params)),
		v:     make([][]float32, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float32, len(p.W))
		a.v[i] = make([]float32, len(p.W))
	}
	return a
}

// Step applies one update from the accumulated gradients, scaling the base
// learning rate by lrScale.
func (a *Adam) Step(params []crosscoder.Param, lrScale float64) {
	a.step++
	bc1 := 1 - math.Pow(a.beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.beta2, float64(a.step))
	lr := a.lr * lrScale

	for i, p := range params {
		m, v := a.m[i], a.v[i]
		for k, g := range p.G {
			gf := float64(g)
			mk := a.beta1*float64(m[k]) + (1-a.beta1)*gf
			vk := a.beta2*float64(v[k]) + (1-a.beta2)*gf*gf
			m[k] = float32(mk)
			v[k] = float32(vk)

			mHat := mk / bc1
			vHat := vk / bc2
			p.W[k] -= float32(lr * mHat / (math.Sqrt(vHat) + adamEps))
		}
	}
}

// ClipGradNorm rescales all gradients in place so their global L2 norm does
// not exceed maxNorm, and returns the pre-clip norm.
func ClipGradNorm(params []crosscoder.Param, maxNorm float64) float64 {
	var sum float64
	for _, p := range params {
		for _, g := range p.G {
			sum += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(sum)
	if norm <= maxNorm || norm == 0 {
		return norm
	}

	scale := float32(maxNorm / norm)
	for _, p := range params {
		for k := range p.G {
			p.G[k] *= scale
		}
	}
	return norm
}
