package model

import (
	"math"
	"testing"
)

func TestMatVec(t *testing.T) {
	// W = [[1 2], [3 4], [5 6]], x = [1, -1]
	w := []float32{1, 2, 3, 4, 5, 6}
	x := []float32{1, -1}
	y := matVec(w, x, 3, 2)
	want := []float32{-1, -1, -1}
	for i := range want {
		if y[i] != want[i] {
			t.Errorf("y[%d] = %v, want %v", i, y[i], want[i])
		}
	}
}

func TestRMSNorm(t *testing.T) {
	x := []float32{3, 4}
	weight := []float32{1, 1}
	out := rmsNorm(x, weight, 0)

	// rms = sqrt((9+16)/2) = sqrt(12.5)
	rms := float32(math.Sqrt(12.5))
	if math.Abs(float64(out[0]-3/rms)) > 1e-6 {
		t.Errorf("out[0] = %v", out[0])
	}
	if math.Abs(float64(out[1]-4/rms)) > 1e-6 {
		t.Errorf("out[1] = %v", out[1])
	}

	// Scaling weight scales output.
	out2 := rmsNorm(x, []float32{2, 2}, 0)
	if math.Abs(float64(out2[0]-2*out[0])) > 1e-6 {
		t.Errorf("weight scaling broken: %v vs %v", out2[0], out[0])
	}
}

func TestSoftmaxInPlace(t *testing.T) {
	x := []float32{1, 2, 3}
	softmaxInPlace(x)

	var sum float32
	for _, v := range x {
		if v <= 0 || v >= 1 {
			t.Errorf("softmax value out of (0,1): %v", v)
		}
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Errorf("softmax sum = %v, want 1", sum)
	}
	if !(x[2] > x[1] && x[1] > x[0]) {
		t.Errorf("softmax not monotonic: %v", x)
	}
}

func TestSoftmaxLargeValues(t *testing.T) {
	// Max subtraction keeps large logits finite.
	x := []float32{1000, 1001}
	softmaxInPlace(x)
	for _, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("softmax produced non-finite value: %v", x)
		}
	}
}

func TestRopePreservesNorm(t *testing.T) {
	x := []float32{1, 2, 3, 4} // one head, headDim 4
	orig := make([]float32, len(x))
	copy(orig, x)

	rope(x, 7, 1, 4, 10000.0)

	normBefore := vecNorm(orig)
	normAfter := vecNorm(x)
	if math.Abs(float64(normBefore-normAfter)) > 1e-5 {
		t.Errorf("rotation changed norm: %v -> %v", normBefore, normAfter)
	}
}

func TestRopePositionZeroIsIdentity(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	orig := make([]float32, len(x))
	copy(orig, x)

	rope(x, 0, 1, 4, 10000.0)
	for i := range x {
		if math.Abs(float64(x[i]-orig[i])) > 1e-6 {
			t.Errorf("x[%d] = %v, want %v", i, x[i], orig[i])
		}
	}
}

func TestSwiGLU(t *testing.T) {
	gate := []float32{0, 1}
	up := []float32{5, 2}
	out := swiGLU(gate, up)

	// swish(0) = 0
	if out[0] != 0 {
		t.Errorf("out[0] = %v, want 0", out[0])
	}
	// swish(1) = 1 * sigmoid(1) = 0.7310586
	want := float32(0.7310586 * 2)
	if math.Abs(float64(out[1]-want)) > 1e-5 {
		t.Errorf("out[1] = %v, want %v", out[1], want)
	}
}

func vecNorm(x []float32) float32 {
	var sum float32
	for _, v := range x {
		sum += v * v
	}
	return float32(math.Sqrt(float64(sum)))
}
