package collection

import (
	"fmt"
	"math"
	"sort"
)

// IDScore is one ranked entry of a per-query result list.
type IDScore struct {
	ID    uint64
	Score float32
}

// fusionKind discriminates the strategies.
type fusionKind int

const (
	fusionAverage fusionKind = iota
	fusionMaximum
	fusionRRF
	fusionWeighted
)

// FusionStrategy combines ranked lists from multiple queries.
//
// Average suits general-purpose fusion; Maximum emphasizes documents
// that score very high in any query; RRF is position-based and robust
// to score scale differences; Weighted mixes average, maximum and hit
// ratio under explicit control.
type FusionStrategy struct {
	kind fusionKind

	rrfK uint32

	avgWeight float32
	maxWeight float32
	hitWeight float32
}

// AverageFusion scores each document by its mean score over the
// queries where it appears.
func AverageFusion() FusionStrategy { return FusionStrategy{kind: fusionAverage} }

// MaximumFusion scores each document by its best score.
func MaximumFusion() FusionStrategy { return FusionStrategy{kind: fusionMaximum} }

// RRFFusion sums 1/(k + rank) across queries; the standard k is 60.
func RRFFusion(k uint32) FusionStrategy {
	if k == 0 {
		k = rrfK
	}
	return FusionStrategy{kind: fusionRRF, rrfK: k}
}

// WeightedFusion mixes avg·a + max·m + hit_ratio·h. Weights must be
// non-negative and sum to 1.0 within 0.001.
func WeightedFusion(avgWeight, maxWeight, hitWeight float32) (FusionStrategy, error) {
	for _, w := range []float32{avgWeight, maxWeight, hitWeight} {
		if w < 0 {
			return FusionStrategy{}, fmt.Errorf("%w: got %.4f", ErrNegativeWeight, w)
		}
	}
	sum := avgWeight + maxWeight + hitWeight
	if math.Abs(float64(sum)-1.0) > 0.001 {
		return FusionStrategy{}, fmt.Errorf("%w: got %.4f", ErrInvalidWeightSum, sum)
	}
	return FusionStrategy{
		kind:      fusionWeighted,
		avgWeight: avgWeight,
		maxWeight: maxWeight,
		hitWeight: hitWeight,
	}, nil
}

// ParseFusionStrategy resolves a CLI/REST tag.
func ParseFusionStrategy(tag string) (FusionStrategy, error) {
	switch tag {
	case "average", "avg", "":
		return AverageFusion(), nil
	case "max", "maximum":
		return MaximumFusion(), nil
	case "rrf":
		return RRFFusion(rrfK), nil
	default:
		return FusionStrategy{}, fmt.Errorf("unknown fusion strategy %q", tag)
	}
}

// Fuse merges per-query ranked lists (best first) into a single ranked
// list, best first with ties broken by ascending id.
func (s FusionStrategy) Fuse(results [][]IDScore) ([]IDScore, error) {
	nonEmpty := 0
	for _, r := range results {
		if len(r) > 0 {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return []IDScore{}, nil
	}

	switch s.kind {
	case fusionMaximum:
		return sortFused(s.fuseMax(results)), nil
	case fusionRRF:
		return sortFused(s.fuseRRF(results)), nil
	case fusionWeighted:
		return sortFused(s.fuseWeighted(results, len(results))), nil
	default:
		return sortFused(s.fuseAverage(results)), nil
	}
}

// perQueryBest deduplicates a single query's list, keeping the best
// score per document.
func perQueryBest(list []IDScore) map[uint64]float32 {
	best := make(map[uint64]float32, len(list))
	for _, e := range list {
		if old, ok := best[e.ID]; !ok || e.Score > old {
			best[e.ID] = e.Score
		}
	}
	return best
}

func (s FusionStrategy) fuseAverage(results [][]IDScore) map[uint64]float32 {
	sums := make(map[uint64]float32)
	counts := make(map[uint64]int)
	for _, list := range results {
		for id, score := range perQueryBest(list) {
			sums[id] += score
			counts[id]++
		}
	}
	out := make(map[uint64]float32, len(sums))
	for id, sum := range sums {
		out[id] = sum / float32(counts[id])
	}
	return out
}

func (s FusionStrategy) fuseMax(results [][]IDScore) map[uint64]float32 {
	out := make(map[uint64]float32)
	for _, list := range results {
		for id, score := range perQueryBest(list) {
			if old, ok := out[id]; !ok || score > old {
				out[id] = score
			}
		}
	}
	return out
}

func (s FusionStrategy) fuseRRF(results [][]IDScore) map[uint64]float32 {
	out := make(map[uint64]float32)
	for _, list := range results {
		seen := make(map[uint64]struct{}, len(list))
		for rank, e := range list {
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			out[e.ID] += 1 / float32(s.rrfK+uint32(rank)+1)
		}
	}
	return out
}

func (s FusionStrategy) fuseWeighted(results [][]IDScore, totalQueries int) map[uint64]float32 {
	sums := make(map[uint64]float32)
	maxs := make(map[uint64]float32)
	hits := make(map[uint64]int)
	for _, list := range results {
		for id, score := range perQueryBest(list) {
			sums[id] += score
			if old, ok := maxs[id]; !ok || score > old {
				maxs[id] = score
			}
			hits[id]++
		}
	}
	out := make(map[uint64]float32, len(sums))
	for id := range sums {
		avg := sums[id] / float32(hits[id])
		hitRatio := float32(hits[id]) / float32(totalQueries)
		out[id] = s.avgWeight*avg + s.maxWeight*maxs[id] + s.hitWeight*hitRatio
	}
	return out
}

func sortFused(scores map[uint64]float32) []IDScore {
	out := make([]IDScore, 0, len(scores))
	for id, score := range scores {
		out = append(out, IDScore{ID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}
