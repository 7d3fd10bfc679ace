package graph

import (
	"encoding/binary"
	"math"
)

// EncodeVector serializes a float32 vector as little-endian bytes,
// 4 bytes per component. An empty vector encodes to an empty slice.
func EncodeVector(vec []float32) []byte {
	out := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeVector deserializes little-endian float32 bytes. Trailing bytes
// that do not form a whole component are ignored.
func DecodeVector(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// Cosine computes cosine similarity between two vectors. Mismatched
// lengths and zero vectors yield 0, never an error.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// meanVector averages a set of equal-length vectors and L2-normalizes the
// result. Vectors with mismatched lengths are skipped.
func meanVector(vecs [][]float32) []float32 {
	var dim int
	for _, v := range vecs {
		if len(v) > 0 {
			dim = len(v)
			break
		}
	}
	if dim == 0 {
		return nil
	}

	sum := make([]float64, dim)
	count := 0
	for _, v := range vecs {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		count++
	}
	if count == 0 {
		return nil
	}

	var norm float64
	for i := range sum {
		sum[i] /= float64(count)
		norm += sum[i] * sum[i]
	}
	norm = math.Sqrt(norm)
	out := make([]float32, dim)
	for i := range sum {
		if norm > 0 {
			out[i] = float32(sum[i] / norm)
		}
	}
	return out
}
