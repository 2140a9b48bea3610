package model

import "math"

// matVec computes y = W x where W is [rows x cols] stored row-major.
func matVec(w, x []float32, rows, cols int) []float32 {
	y := make([]float32, rows)
	for i := 0; i < rows; i++ {
		sum := float32(0.0)
		row := w[i*cols : (i+1)*cols]
		for j := 0; j < cols; j++ {
			sum += row[j] * x[j]
		}
		y[i] = sum
	}
	return y
}

// rmsNorm normalizes x by its root mean square and scales by weight.
func rmsNorm(x, weight []float32, eps float32) []float32 {
	dim := len(x)
	out := make([]float32, dim)

	sumSquares := float32(0.0)
	for _, v := range x {
		sumSquares += v * v
	}
	rms := float32(math.Sqrt(float64(sumSquares/float32(dim)) + float64(eps)))

	for j := 0; j < dim; j++ {
		out[j] = (x[j] / rms) * weight[j]
	}
	return out
}

// softmaxInPlace applies a numerically stable softmax over x.
func softmaxInPlace(x []float32) {
	maxVal := x[0]
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}

	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - maxVal)))
		sum += x[i]
	}
	if sum == 0 {
		sum = 1e-6
	}
	for i := range x {
		x[i] /= sum
	}
}

// rope rotates query/key head vectors in half-dim pairs for position pos.
func rope(x []float32, pos, heads, headDim int, theta float32) {
	halfDim := headDim / 2

	for h := 0; h < heads; h++ {
		headOffset := h * headDim
		for i := 0; i < halfDim; i++ {
			idx0 := headOffset + i
			idx1 := headOffset + i + halfDim

			freq := float64(pos) * math.Pow(float64(theta), -2.0*float64(i)/float64(headDim))
			cosVal := float32(math.Cos(freq))
			sinVal := float32(math.Sin(freq))

			x0 := x[idx0]
			x1 := x[idx1]

			x[idx0] = x0*cosVal - x1*sinVal
			x[idx1] = x0*sinVal + x1*cosVal
		}
	}
}

// swiGLU combines the gate and up projections: swish(gate) * up.
func swiGLU(gate, up []float32) []float32 {
	out := make([]float32, len(gate))
	for i := range gate {
		g := gate[i]
		sigmoid := float32(1.0) / (float32(1.0) + float32(math.Exp(-float64(g))))
		out[i] = g * sigmoid * up[i]
	}
	return out
}
