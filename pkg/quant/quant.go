// Package quant implements the scalar (SQ8) and binary quantizers used by
// collections in reduced-memory storage modes.
//
// SQ8 stores one byte per component plus a per-vector min/scale pair
// (4x reduction at 768 dimensions); binary stores one sign bit per
// component packed MSB-first (32x reduction). Both keep the quantized
// form alongside full precision so the graph can search on cheap
// distances and the collection can re-rank the candidate pool exactly.
package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/velesdb/velesdb/pkg/simd"
)

// StorageMode selects how a collection stores vectors.
type StorageMode int

const (
	// Full keeps float32 vectors only.
	Full StorageMode = iota
	// SQ8 adds an 8-bit scalar-quantized mirror.
	SQ8
	// Binary adds a sign-bit packed mirror.
	Binary
)

// String returns the canonical config tag for the mode.
func (m StorageMode) String() string {
	switch m {
	case SQ8:
		return "sq8"
	case Binary:
		return "binary"
	default:
		return "full"
	}
}

// ParseStorageMode parses a config tag as written by String.
func ParseStorageMode(s string) (StorageMode, error) {
	switch s {
	case "", "full":
		return Full, nil
	case "sq8":
		return SQ8, nil
	case "binary":
		return Binary, nil
	default:
		return Full, fmt.Errorf("unknown storage mode %q", s)
	}
}

// sq8HeaderSize is the per-vector metadata: min and scale as float32.
const sq8HeaderSize = 8

// QuantizeSQ8 encodes v as min/scale metadata followed by one code byte
// per component: q[i] = round((v[i] − min) · 255 / (max − min)).
// A constant vector encodes with scale 0 and all-zero codes.
func QuantizeSQ8(v []float32) []byte {
	minV, maxV := v[0], v[0]
	for _, x := range v[1:] {
		if x < minV {
			minV = x
		}
		if x > maxV {
			maxV = x
		}
	}
	scale := (maxV - minV) / 255
	out := make([]byte, sq8HeaderSize+len(v))
	binary.LittleEndian.PutUint32(out[0:4], math.Float32bits(minV))
	binary.LittleEndian.PutUint32(out[4:8], math.Float32bits(scale))
	if scale == 0 {
		return out
	}
	for i, x := range v {
		code := math.Round(float64((x - minV) / scale))
		out[sq8HeaderSize+i] = byte(code)
	}
	return out
}

// DequantizeSQ8 reconstructs the float32 vector from an SQ8 blob.
// The reconstruction error is at most (max − min)/255 per component.
func DequantizeSQ8(blob []byte) []float32 {
	minV := math.Float32frombits(binary.LittleEndian.Uint32(blob[0:4]))
	scale := math.Float32frombits(binary.LittleEndian.Uint32(blob[4:8]))
	codes := blob[sq8HeaderSize:]
	out := make([]float32, len(codes))
	for i, c := range codes {
		out[i] = minV + float32(c)*scale
	}
	return out
}

// SQ8Dim reports the dimension encoded in an SQ8 blob.
func SQ8Dim(blob []byte) int {
	return len(blob) - sq8HeaderSize
}

// SQ8Distance computes an asymmetric distance: the query stays float32
// and each stored component is dequantized on the fly.
func SQ8Distance(metric simd.Metric, query []float32, blob []byte) float32 {
	minV := math.Float32frombits(binary.LittleEndian.Uint32(blob[0:4]))
	scale := math.Float32frombits(binary.LittleEndian.Uint32(blob[4:8]))
	codes := blob[sq8HeaderSize:]

	switch metric {
	case simd.Euclidean:
		var sum float64
		for i, c := range codes {
			d := float64(query[i]) - float64(minV+float32(c)*scale)
			sum += d * d
		}
		return float32(math.Sqrt(sum))
	case simd.Dot:
		var sum float64
		for i, c := range codes {
			sum += float64(query[i]) * float64(minV+float32(c)*scale)
		}
		return float32(-sum)
	default: // Cosine and the rest fall back to angular distance.
		var dot, qq, vv float64
		for i, c := range codes {
			x := float64(minV + float32(c)*scale)
			q := float64(query[i])
			dot += q * x
			qq += q * q
			vv += x * x
		}
		if qq == 0 || vv == 0 {
			return 1
		}
		return float32(1 - dot/(math.Sqrt(qq)*math.Sqrt(vv)))
	}
}

// QuantizeBinary packs sign bits MSB-first: bit 7−(i mod 8) of byte i/8
// is set when v[i] ≥ 0.
func QuantizeBinary(v []float32) []byte {
	out := make([]byte, (len(v)+7)/8)
	for i, x := range v {
		if x >= 0 {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

// BinaryDistance is the hamming distance between two packed binary
// vectors.
func BinaryDistance(a, b []byte) float32 {
	return float32(simd.HammingPacked(a, b))
}

// BinaryQueryDistance quantizes the query and compares it against a
// stored packed vector.
func BinaryQueryDistance(query []float32, packed []byte) float32 {
	return BinaryDistance(QuantizeBinary(query), packed)
}
