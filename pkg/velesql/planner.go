package velesql

import (
	"fmt"
	"math"
)

// StrategyKind names a MATCH execution strategy.
type StrategyKind int

const (
	// GraphFirst traverses from the start label, filtering afterwards.
	GraphFirst StrategyKind = iota
	// VectorFirst searches the ANN index, then validates the graph
	// pattern over the candidates.
	VectorFirst
	// Parallel runs both and intersects.
	Parallel
)

func (k StrategyKind) String() string {
	switch k {
	case VectorFirst:
		return "VectorFirst"
	case Parallel:
		return "Parallel"
	default:
		return "GraphFirst"
	}
}

// Strategy is the planner's decision for a MATCH (+ similarity) query.
type Strategy struct {
	Kind StrategyKind

	// GraphFirst fields.
	StartLabel string
	MaxDepth   int

	// VectorFirst fields.
	TopK      int
	Threshold float64

	// Parallel holds both hints.
	GraphHint  *Strategy
	VectorHint *Strategy
}

func (s Strategy) String() string {
	switch s.Kind {
	case VectorFirst:
		return fmt.Sprintf("VectorFirst: top-%d with threshold %.2f, then validate graph", s.TopK, s.Threshold)
	case Parallel:
		return fmt.Sprintf("Parallel: [%s] ∩ [%s]", s.GraphHint, s.VectorHint)
	default:
		return fmt.Sprintf("GraphFirst: traverse from label %q, max depth %d", s.StartLabel, s.MaxDepth)
	}
}

// GraphPlanStats feeds the planner's decision.
type GraphPlanStats struct {
	TotalNodes       uint64
	AvgDegree        float64
	LabelSelectivity float64 // fraction of nodes carrying the start label
}

// Planner thresholds.
const (
	largeCollectionNodes = 10_000
	denseGraphDegree     = 5.0
	highThreshold        = 0.8
	defaultPlanLimit     = 10
	maxGraphFactor       = 10.0
	minSelectivity       = 0.01
)

// estimateSelectivity approximates the fraction of the corpus passing a
// similarity threshold.
func estimateSelectivity(threshold float64) float64 {
	return math.Max(1-threshold, minSelectivity)
}

// overFetchTopK sizes the vector-first candidate pool so enough
// survivors remain after graph validation and post-filters.
func overFetchTopK(limit int, threshold float64, stats GraphPlanStats) int {
	if limit <= 0 {
		limit = defaultPlanLimit
	}
	selectivity := estimateSelectivity(threshold)
	graphFactor := 1.0
	if stats.AvgDegree > 0 && stats.LabelSelectivity > 0 {
		graphFactor = math.Min(1/stats.LabelSelectivity, maxGraphFactor)
	}
	return int(math.Ceil(float64(limit) * graphFactor / selectivity))
}

// patternDepth is the total hop depth of a MATCH pattern.
func patternDepth(m *MatchPattern) int {
	depth := 0
	for _, h := range m.Hops {
		depth += h.Edge.MaxHops
	}
	if depth == 0 {
		depth = 1
	}
	return depth
}

// PlanMatch chooses the execution strategy for a MATCH query,
// consulting collection statistics and any similarity predicate.
func PlanMatch(stmt *SelectStatement, stats GraphPlanStats) Strategy {
	graphFirst := Strategy{
		Kind:       GraphFirst,
		StartLabel: stmt.Match.Start.Label,
		MaxDepth:   patternDepth(stmt.Match),
	}

	sim, hasSim := FindSimilarity(stmt)
	if !hasSim {
		return graphFirst
	}

	limit := 0
	if stmt.Limit != nil {
		limit = *stmt.Limit
	}
	vectorFirst := Strategy{
		Kind:      VectorFirst,
		TopK:      overFetchTopK(limit, sim.Threshold, stats),
		Threshold: sim.Threshold,
	}

	// Similarity anchored to the start node: vector candidates seed the
	// traversal directly.
	if v := similarityVar(sim.Field); v == "" || v == stmt.Match.Start.Var {
		return vectorFirst
	}

	// Similarity on a downstream node: only worth racing both sides
	// when the collection is large, the graph dense, and the threshold
	// selective.
	if stats.TotalNodes > largeCollectionNodes &&
		stats.AvgDegree > denseGraphDegree &&
		sim.Threshold > highThreshold {
		return Strategy{
			Kind:       Parallel,
			GraphHint:  &graphFirst,
			VectorHint: &vectorFirst,
		}
	}
	return graphFirst
}
