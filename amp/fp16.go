package amp

import (
	"github.com/x448/float16"
)

// Compress converts values to IEEE 754 half precision bit patterns.
// Values beyond the half range become +-Inf, which the scaler then reports
// as an overflow.
func Compress(values []float32) []uint16 {
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

// Decompress converts half precision bit patterns back into dst, which
// must have the same length as bits.
func Decompress(dst []float32, bits []uint16) {
	for i, b := range bits {
		dst[i] = float16.Frombits(b).Float32()
	}
}

// RoundTrip rounds values to the nearest half precision number in place.
func RoundTrip(values []float32) {
	for i, v := range values {
		values[i] = float16.Fromfloat32(v).Float32()
	}
}
