package simd

import (
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"
)

// tabulatedDims are the dimensions benchmarked at startup. Any other
// dimension dispatches to the kernel chosen for the nearest entry.
var tabulatedDims = []int{128, 384, 768, 1024, 1536, 3072}

// benchRounds bounds the per-kernel microbenchmark. The full probe is a
// few milliseconds; the hard ceiling from the calibration contract is
// 30 s, which this stays far below.
const benchRounds = 64

var (
	dispatchOnce sync.Once
	dispatch     map[int]*kernel
	initElapsed  time.Duration
)

// kernelFor returns the kernel installed for the nearest tabulated
// dimension. The dispatch table is built once per process.
func kernelFor(dim int) *kernel {
	dispatchOnce.Do(buildDispatch)
	return dispatch[nearestDim(dim)]
}

// InitDuration reports how long kernel calibration took. It forces
// calibration if it has not run yet.
func InitDuration() time.Duration {
	dispatchOnce.Do(buildDispatch)
	return initElapsed
}

// BackendFor reports the kernel family name installed for a dimension.
func BackendFor(dim int) string {
	return kernelFor(dim).name
}

func nearestDim(dim int) int {
	best := tabulatedDims[0]
	bestGap := abs(dim - best)
	for _, d := range tabulatedDims[1:] {
		if gap := abs(dim - d); gap < bestGap {
			best, bestGap = d, gap
		}
	}
	return best
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func buildDispatch() {
	start := time.Now()
	dispatch = make(map[int]*kernel, len(tabulatedDims))

	forced := os.Getenv("VELESDB_SIMD")
	for _, dim := range tabulatedDims {
		switch forced {
		case "scalar":
			dispatch[dim] = &scalarKernel
		case "vek":
			dispatch[dim] = &vekKernel
		default:
			dispatch[dim] = probe(dim)
		}
	}
	initElapsed = time.Since(start)
	slog.Debug("simd dispatch table ready",
		"elapsed", initElapsed,
		"backend_768", dispatch[768].name)
}

// probe benchmarks both kernel families on random vectors of the given
// dimension and returns the faster one.
func probe(dim int) *kernel {
	rng := rand.New(rand.NewSource(int64(dim)))
	a := make([]float32, dim)
	b := make([]float32, dim)
	for i := range a {
		a[i] = rng.Float32()
		b[i] = rng.Float32()
	}

	candidates := []*kernel{&vekKernel, &scalarKernel}
	best := candidates[0]
	bestNs := int64(1<<63 - 1)
	for _, k := range candidates {
		if ns := timeKernel(k, a, b); ns < bestNs {
			best, bestNs = k, ns
		}
	}
	return best
}

var benchSink float32

func timeKernel(k *kernel, a, b []float32) int64 {
	// Warm up instruction caches and let vek pick its code path.
	benchSink = k.dot(a, b)
	start := time.Now()
	for i := 0; i < benchRounds; i++ {
		benchSink += k.dot(a, b)
		benchSink += k.euclidean(a, b)
	}
	return time.Since(start).Nanoseconds()
}
