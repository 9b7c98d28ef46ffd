package simd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 0},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 1},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, 2},
		{"zero_vector", []float32{0, 0, 0}, []float32{1, 0, 0}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, CosineDistance(tt.a, tt.b), 1e-5)
		})
	}
}

func TestEuclideanDistance(t *testing.T) {
	assert.InDelta(t, 5.0, EuclideanDistance([]float32{0, 0}, []float32{3, 4}), 1e-5)
	assert.InDelta(t, 0.0, EuclideanDistance([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-6)
}

func TestDotDistanceSignFlip(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	// Lower is better: a more aligned pair has a more negative distance.
	assert.InDelta(t, -32.0, DotDistance(a, b), 1e-4)
	assert.Less(t, DotDistance(a, b), DotDistance(a, []float32{0, 0, 0}))
}

func TestJaccardDistance(t *testing.T) {
	assert.InDelta(t, 0.0, JaccardDistance([]float32{1, 2}, []float32{1, 2}), 1e-6)
	assert.InDelta(t, 1.0, JaccardDistance([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, 0.0, JaccardDistance([]float32{0, 0}, []float32{0, 0}), 1e-6)
	// min-sum 1, max-sum 3 → 1 − 1/3
	assert.InDelta(t, 2.0/3.0, JaccardDistance([]float32{1, 0}, []float32{1, 2}), 1e-5)
}

func TestHammingPacked(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []byte
		expected int
	}{
		{"equal", []byte{0xFF, 0x00}, []byte{0xFF, 0x00}, 0},
		{"all_bits", []byte{0xFF}, []byte{0x00}, 8},
		{"one_bit", []byte{0b1000_0000}, []byte{0}, 1},
		{"long", make([]byte, 17), append(makeFF(16), 0x01), 129},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HammingPacked(tt.a, tt.b))
		})
	}
}

func makeFF(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	n := Normalize(v)
	assert.InDelta(t, 1.0, float64(Norm(n)), 1e-6)
	// Input untouched.
	assert.Equal(t, []float32{3, 4}, v)

	zero := []float32{0, 0}
	assert.Equal(t, []float32{0, 0}, Normalize(zero))
}

func TestKernelParity(t *testing.T) {
	// Accelerated and scalar kernels must agree within float tolerance on
	// every tabulated dimension.
	for _, dim := range tabulatedDims {
		a := make([]float32, dim)
		b := make([]float32, dim)
		for i := 0; i < dim; i++ {
			a[i] = float32(math.Sin(float64(i)))
			b[i] = float32(math.Cos(float64(i)))
		}
		sd := scalarKernel.dot(a, b)
		vd := vekKernel.dot(a, b)
		require.InDelta(t, float64(sd), float64(vd), math.Abs(float64(sd))*1e-3+1e-3, "dot dim=%d", dim)

		se := scalarKernel.euclidean(a, b)
		ve := vekKernel.euclidean(a, b)
		require.InDelta(t, float64(se), float64(ve), float64(se)*1e-3+1e-3, "euclidean dim=%d", dim)
	}
}

func TestDispatchNearestDim(t *testing.T) {
	assert.Equal(t, 128, nearestDim(4))
	assert.Equal(t, 128, nearestDim(200))
	assert.Equal(t, 384, nearestDim(400))
	assert.Equal(t, 3072, nearestDim(9000))
}

func TestDispatchInstalls(t *testing.T) {
	require.NotEmpty(t, BackendFor(768))
	require.Greater(t, InitDuration().Nanoseconds(), int64(0))
}

func TestSimilarityScores(t *testing.T) {
	a := []float32{1, 0, 0, 0}
	assert.InDelta(t, 1.0, Similarity(Cosine, a, a), 1e-6)
	assert.InDelta(t, 1.0, Similarity(Euclidean, a, a), 1e-6)
	assert.InDelta(t, 1.0, Similarity(Dot, a, a), 1e-6)
	assert.InDelta(t, 1.0, Similarity(Jaccard, a, a), 1e-6)
}

func TestParseMetricRoundTrip(t *testing.T) {
	for _, m := range []Metric{Cosine, Euclidean, Dot, Hamming, Jaccard} {
		got, ok := ParseMetric(m.String())
		require.True(t, ok)
		assert.Equal(t, m, got)
	}
	_, ok := ParseMetric("chebyshev")
	assert.False(t, ok)
}
