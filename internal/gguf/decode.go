package gguf

import (
	"encoding/binary"
	"math"
)

// DecodeF32 converts a tensor's raw bytes into float32 values.
func DecodeF32(t *TensorInfo) ([]float32, error) {
	n := t.NumElements()
	out := make([]float32, n)

	switch t.Type {
	case GGMLTypeF32:
		for i := uint64(0); i < n; i++ {
			bits := binary.LittleEndian.Uint32(t.Data[i*4:])
			out[i] = math.Float32frombits(bits)
		}
	case GGMLTypeF16:
		for i := uint64(0); i < n; i++ {
			h := binary.LittleEndian.Uint16(t.Data[i*2:])
			out[i] = f16ToF32(h)
		}
	default:
		return nil, ErrUnsupportedType{Tensor: t.Name, Type: t.Type}
	}

	return out, nil
}

// f16ToF32 converts an IEEE 754 half-precision value.
func f16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff

	var bits uint32
	switch {
	case exp == 0:
		if mant == 0 {
			bits = sign << 31 // signed zero
		} else {
			// Subnormal half; renormalize into a normal float32.
			e := uint32(113)
			for mant&0x400 == 0 {
				mant <<= 1
				e--
			}
			mant &= 0x3ff
			bits = sign<<31 | e<<23 | mant<<13
		}
	case exp == 0x1f:
		bits = sign<<31 | 0xff<<23 | mant<<13 // Inf / NaN
	default:
		bits = sign<<31 | (exp+112)<<23 | mant<<13
	}
	return math.Float32frombits(bits)
}
