package velesql

import (
	"math"
	"sync/atomic"
)

// emaAlpha is the smoothing factor of the runtime latency averages.
const emaAlpha = 0.1

// RuntimeStats tracks observed latencies and graph selectivity for the
// planner. Updates are lock-free: each value lives in one atomic word
// updated with a compare-exchange loop, so concurrent queries never
// skew the moving average the way a count-based mean would.
type RuntimeStats struct {
	vectorLatencyBits atomic.Uint64 // float64 bits, µs
	graphLatencyBits  atomic.Uint64 // float64 bits, µs
	selectivityPpm    atomic.Uint64 // parts per million
}

// NewRuntimeStats seeds the averages with neutral values.
func NewRuntimeStats() *RuntimeStats {
	s := &RuntimeStats{}
	s.vectorLatencyBits.Store(math.Float64bits(0))
	s.graphLatencyBits.Store(math.Float64bits(0))
	s.selectivityPpm.Store(100_000) // 10% until observed
	return s
}

func updateEMA(word *atomic.Uint64, sample float64) {
	for {
		oldBits := word.Load()
		old := math.Float64frombits(oldBits)
		var next float64
		if old == 0 {
			next = sample
		} else {
			next = old*(1-emaAlpha) + sample*emaAlpha
		}
		if word.CompareAndSwap(oldBits, math.Float64bits(next)) {
			return
		}
	}
}

// RecordVectorLatency folds one observed vector-query latency (µs)
// into the moving average.
func (s *RuntimeStats) RecordVectorLatency(micros float64) {
	updateEMA(&s.vectorLatencyBits, micros)
}

// RecordGraphLatency folds one observed graph-query latency (µs) into
// the moving average.
func (s *RuntimeStats) RecordGraphLatency(micros float64) {
	updateEMA(&s.graphLatencyBits, micros)
}

// RecordSelectivity folds an observed graph selectivity (matched /
// candidates) into the ppm average with the same EMA.
func (s *RuntimeStats) RecordSelectivity(matched, candidates int) {
	if candidates <= 0 {
		return
	}
	sample := uint64(float64(matched) / float64(candidates) * 1_000_000)
	for {
		old := s.selectivityPpm.Load()
		next := uint64(float64(old)*(1-emaAlpha) + float64(sample)*emaAlpha)
		if s.selectivityPpm.CompareAndSwap(old, next) {
			return
		}
	}
}

// VectorLatency reports the mean vector-query latency in µs.
func (s *RuntimeStats) VectorLatency() float64 {
	return math.Float64frombits(s.vectorLatencyBits.Load())
}

// GraphLatency reports the mean graph-query latency in µs.
func (s *RuntimeStats) GraphLatency() float64 {
	return math.Float64frombits(s.graphLatencyBits.Load())
}

// SelectivityPpm reports graph selectivity in parts per million.
func (s *RuntimeStats) SelectivityPpm() uint64 {
	return s.selectivityPpm.Load()
}
