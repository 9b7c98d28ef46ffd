package velesql

import (
	"fmt"
	"math"
)

// CostFactors price the primitive operations of a plan. The defaults
// are calibrated for spinning storage; presets adjust for SSDs and
// fully cached working sets.
type CostFactors struct {
	SeqPageCost    float64 // sequential 8KB page access
	RandomPageCost float64 // random page access
	TupleCost      float64 // per row processed
	IndexCost      float64 // per index entry examined
	DistanceCost   float64 // per vector distance computed
	EdgeCost       float64 // per graph edge traversed
}

// DefaultCostFactors returns the calibrated defaults.
func DefaultCostFactors() CostFactors {
	return CostFactors{
		SeqPageCost:    1.0,
		RandomPageCost: 4.0,
		TupleCost:      0.01,
		IndexCost:      0.005,
		DistanceCost:   0.1,
		EdgeCost:       0.02,
	}
}

// SSDCostFactors lowers the random access penalty.
func SSDCostFactors() CostFactors {
	f := DefaultCostFactors()
	f.RandomPageCost = 1.5
	return f
}

// InMemoryCostFactors prices page access as nearly free.
func InMemoryCostFactors() CostFactors {
	f := DefaultCostFactors()
	f.SeqPageCost = 0.1
	f.RandomPageCost = 0.1
	return f
}

// Cost is the estimate for one plan node.
type Cost struct {
	Startup float64
	Total   float64
	Rows    uint64
}

func (c Cost) String() string {
	return fmt.Sprintf("cost{startup: %.2f, total: %.2f, rows: %d}", c.Startup, c.Total, c.Rows)
}

// Then chains a downstream operation after c.
func (c Cost) Then(next Cost) Cost {
	return Cost{Startup: c.Startup, Total: c.Total + next.Total, Rows: next.Rows}
}

// CollectionCostStats summarizes a collection for the estimator.
type CollectionCostStats struct {
	Rows      uint64
	Pages     uint64
	TreeDepth uint64
}

// Estimator turns statistics into plan-node costs.
type Estimator struct {
	factors  CostFactors
	pageSize uint64
}

// NewEstimator creates an estimator with the given factors.
func NewEstimator(factors CostFactors) *Estimator {
	return &Estimator{factors: factors, pageSize: 8192}
}

// FullScan prices reading every page and touching every row.
func (e *Estimator) FullScan(stats CollectionCostStats) Cost {
	total := float64(stats.Pages)*e.factors.SeqPageCost +
		float64(stats.Rows)*e.factors.TupleCost
	return Cost{Total: total, Rows: stats.Rows}
}

// BTreeLookup prices a depth descent plus the selected fraction of
// entries.
func (e *Estimator) BTreeLookup(stats CollectionCostStats, selectivity float64, entries uint64) Cost {
	depth := float64(stats.TreeDepth)
	if depth == 0 {
		depth = 1
	}
	startup := depth * e.factors.RandomPageCost
	rows := uint64(math.Ceil(selectivity * float64(entries)))
	total := startup + selectivity*float64(entries)*e.factors.IndexCost
	return Cost{Startup: startup, Total: total, Rows: rows}
}

// VectorSearch prices an HNSW probe: ef_search·log₂(N) distances.
func (e *Estimator) VectorSearch(efSearch int, n uint64) Cost {
	logN := math.Log2(float64(n) + 1)
	total := float64(efSearch) * logN * e.factors.DistanceCost
	rows := uint64(efSearch)
	if rows > n {
		rows = n
	}
	return Cost{Total: total, Rows: rows}
}

// GraphBFS prices a bounded traversal: avg_degree^max_depth edges,
// capped by the result limit.
func (e *Estimator) GraphBFS(avgDegree float64, maxDepth, limit int) Cost {
	if avgDegree < 1 {
		avgDegree = 1
	}
	edges := math.Pow(avgDegree, float64(maxDepth))
	if limit > 0 && float64(limit) < edges {
		edges = float64(limit) * avgDegree
	}
	rows := uint64(edges)
	if limit > 0 && uint64(limit) < rows {
		rows = uint64(limit)
	}
	return Cost{Total: edges * e.factors.EdgeCost, Rows: rows}
}

// Filter prices a predicate pass over input rows with the given
// selectivity.
func (e *Estimator) Filter(input Cost, selectivity float64) Cost {
	rows := uint64(math.Ceil(selectivity * float64(input.Rows)))
	return Cost{
		Startup: input.Startup,
		Total:   input.Total + float64(input.Rows)*e.factors.TupleCost,
		Rows:    rows,
	}
}

// ErrCostExceeded is returned when a plan's estimate crosses the
// configured ceiling.
type ErrCostExceeded struct {
	Estimated  float64
	MaxAllowed float64
}

func (e *ErrCostExceeded) Error() string {
	return fmt.Sprintf("velesql: estimated query cost %.1f exceeds limit %.1f", e.Estimated, e.MaxAllowed)
}
