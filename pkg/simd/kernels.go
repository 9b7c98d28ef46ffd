// Package simd provides the distance and similarity kernels used by every
// index in VelesDB.
//
// Two kernel families are available: an accelerated family backed by
// github.com/viterin/vek (AVX2 on amd64, NEON on arm64) and a portable
// scalar family with float64 accumulation. At first use the package runs a
// short microbenchmark per tabulated dimension and installs the faster
// family into a process-wide dispatch table; all later calls go through
// that table without branching on hardware features.
//
// Metric conventions are uniform across the database: every Distance
// function is "lower is better". Cosine distance is 1 − cos(a,b) in
// [0, 2], dot distance is the sign-flipped inner product, and hamming is
// defined over bit-packed binary vectors.
package simd

import (
	"math"
	"math/bits"

	"github.com/viterin/vek/vek32"
)

// Metric identifies a distance metric.
type Metric int

const (
	// Cosine is angular distance: 1 − (a·b)/(‖a‖‖b‖).
	Cosine Metric = iota
	// Euclidean is the L2 distance.
	Euclidean
	// Dot is the sign-flipped inner product, so lower is better.
	Dot
	// Hamming counts differing bits over packed binary vectors.
	Hamming
	// Jaccard is 1 − Σmin(aᵢ,bᵢ)/Σmax(aᵢ,bᵢ) over non-negative vectors.
	Jaccard
)

// String returns the canonical on-disk tag for the metric.
func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case Euclidean:
		return "euclidean"
	case Dot:
		return "dot"
	case Hamming:
		return "hamming"
	case Jaccard:
		return "jaccard"
	default:
		return "unknown"
	}
}

// ParseMetric parses a metric tag as written by Metric.String.
func ParseMetric(s string) (Metric, bool) {
	switch s {
	case "cosine", "cos":
		return Cosine, true
	case "euclidean", "l2":
		return Euclidean, true
	case "dot":
		return Dot, true
	case "hamming":
		return Hamming, true
	case "jaccard":
		return Jaccard, true
	default:
		return Cosine, false
	}
}

// kernel is one interchangeable set of float32 primitives. The dispatch
// table holds one kernel per tabulated dimension.
type kernel struct {
	name      string
	dot       func(a, b []float32) float32
	euclidean func(a, b []float32) float32
	norm      func(v []float32) float32
}

// scalarKernel accumulates in float64 for precision, matching the
// behavior callers relied on before the accelerated path existed.
var scalarKernel = kernel{
	name:      "scalar",
	dot:       scalarDot,
	euclidean: scalarEuclidean,
	norm:      scalarNorm,
}

// vekKernel delegates to vek32, which self-selects AVX2/NEON at runtime.
var vekKernel = kernel{
	name:      "vek",
	dot:       vek32.Dot,
	euclidean: vek32.Distance,
	norm:      vekNorm,
}

func scalarDot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

func scalarEuclidean(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

func scalarNorm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

func vekNorm(v []float32) float32 {
	return float32(math.Sqrt(float64(vek32.Dot(v, v))))
}

// DotProduct returns the inner product of a and b through the dispatch table.
func DotProduct(a, b []float32) float32 {
	return kernelFor(len(a)).dot(a, b)
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float32 {
	return kernelFor(len(v)).norm(v)
}

// Normalize returns a unit-length copy of v. The zero vector is returned
// unchanged.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	NormalizeInPlace(out)
	return out
}

// NormalizeInPlace scales v to unit length in place.
func NormalizeInPlace(v []float32) {
	n := Norm(v)
	if n == 0 {
		return
	}
	inv := 1.0 / n
	for i := range v {
		v[i] *= inv
	}
}

// CosineDistance returns 1 − cos(a, b), in [0, 2].
func CosineDistance(a, b []float32) float32 {
	k := kernelFor(len(a))
	na := k.norm(a)
	nb := k.norm(b)
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - k.dot(a, b)/(na*nb)
}

// EuclideanDistance returns the L2 distance between a and b.
func EuclideanDistance(a, b []float32) float32 {
	return kernelFor(len(a)).euclidean(a, b)
}

// DotDistance returns −(a·b) so that lower is better, matching the
// ordering contract of the graph search.
func DotDistance(a, b []float32) float32 {
	return -kernelFor(len(a)).dot(a, b)
}

// JaccardDistance returns 1 − Σmin/Σmax over non-negative vectors.
// Two zero vectors have distance 0.
func JaccardDistance(a, b []float32) float32 {
	var minSum, maxSum float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		if x < y {
			minSum += x
			maxSum += y
		} else {
			minSum += y
			maxSum += x
		}
	}
	if maxSum == 0 {
		return 0
	}
	return float32(1 - minSum/maxSum)
}

// HammingPacked counts differing bits between two bit-packed vectors of
// equal length.
func HammingPacked(a, b []byte) int {
	n := 0
	i := 0
	for ; i+8 <= len(a); i += 8 {
		x := leUint64(a[i:]) ^ leUint64(b[i:])
		n += bits.OnesCount64(x)
	}
	for ; i < len(a); i++ {
		n += bits.OnesCount8(a[i] ^ b[i])
	}
	return n
}

func leUint64(b []byte) uint64 {
	_ = b[7]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// Distance computes the metric distance between two float32 vectors.
// For float vectors Hamming counts sign-bit disagreements; callers holding
// packed binary data use HammingPacked directly.
func Distance(m Metric, a, b []float32) float32 {
	switch m {
	case Cosine:
		return CosineDistance(a, b)
	case Euclidean:
		return EuclideanDistance(a, b)
	case Dot:
		return DotDistance(a, b)
	case Jaccard:
		return JaccardDistance(a, b)
	case Hamming:
		// Sign-bit interpretation for float inputs.
		n := 0
		for i := range a {
			if (a[i] >= 0) != (b[i] >= 0) {
				n++
			}
		}
		return float32(n)
	default:
		return CosineDistance(a, b)
	}
}

// Similarity converts a metric distance into a "higher is better" score.
// Cosine maps to 1 − distance, euclidean to 1/(1+d), dot to the raw
// inner product, hamming and jaccard to 1 − normalized distance.
func Similarity(m Metric, a, b []float32) float32 {
	switch m {
	case Cosine:
		return 1 - CosineDistance(a, b)
	case Euclidean:
		return 1 / (1 + EuclideanDistance(a, b))
	case Dot:
		return -DotDistance(a, b)
	case Jaccard:
		return 1 - JaccardDistance(a, b)
	case Hamming:
		if len(a) == 0 {
			return 1
		}
		return 1 - Distance(Hamming, a, b)/float32(len(a))
	default:
		return 1 - CosineDistance(a, b)
	}
}

// DistanceToScore converts an already-computed distance into the score
// Similarity would have produced for the metric and dimension.
func DistanceToScore(m Metric, dist float32, dim int) float32 {
	switch m {
	case Cosine:
		return 1 - dist
	case Euclidean:
		return 1 / (1 + dist)
	case Dot:
		return -dist
	case Jaccard:
		return 1 - dist
	case Hamming:
		if dim == 0 {
			return 1
		}
		return 1 - dist/float32(dim)
	default:
		return 1 - dist
	}
}
