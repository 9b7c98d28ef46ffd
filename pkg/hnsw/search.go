package hnsw

import (
	"container/heap"
	"sort"

	"github.com/velesdb/velesdb/pkg/quant"
	"github.com/velesdb/velesdb/pkg/simd"
)

// query carries the per-search query representations so the binary mode
// packs the query once instead of per distance.
type query struct {
	raw    []float32
	packed []byte
}

func (ix *Index) queryFor(raw []float32) *query {
	q := &query{raw: raw}
	if ix.cfg.Mode == quant.Binary {
		q.packed = quant.QuantizeBinary(raw)
	}
	return q
}

// distToQuery computes the distance from the query to a stored node
// using the representation the graph searches on: quantized when a
// mirror exists, full precision otherwise.
func (ix *Index) distToQuery(q *query, idx uint64) float32 {
	switch ix.cfg.Mode {
	case quant.SQ8:
		if blob, ok := ix.quantized.Get(idx); ok {
			return quant.SQ8Distance(ix.cfg.Metric, q.raw, blob)
		}
	case quant.Binary:
		if blob, ok := ix.quantized.Get(idx); ok {
			return quant.BinaryDistance(q.packed, blob)
		}
	}
	if ix.vecs != nil {
		if v, ok := ix.vecs.Get(idx); ok {
			return simd.Distance(ix.cfg.Metric, q.raw, v)
		}
	}
	return maxDistance
}

const maxDistance = float32(3.4e38)

// distBetween computes the distance between two stored nodes, preferring
// full precision and falling back to the quantized mirror.
func (ix *Index) distBetween(a, b uint64) float32 {
	if ix.vecs != nil {
		va, okA := ix.vecs.Get(a)
		vb, okB := ix.vecs.Get(b)
		if okA && okB {
			return simd.Distance(ix.cfg.Metric, va, vb)
		}
	}
	if ix.quantized != nil {
		ba, okA := ix.quantized.Get(a)
		bb, okB := ix.quantized.Get(b)
		if okA && okB {
			switch ix.cfg.Mode {
			case quant.Binary:
				return quant.BinaryDistance(ba, bb)
			case quant.SQ8:
				return quant.SQ8Distance(ix.cfg.Metric, quant.DequantizeSQ8(ba), bb)
			}
		}
	}
	return maxDistance
}

// Search returns the k nearest live nodes by the configured metric,
// best first. ef bounds the beam width at level 0 and is clamped to at
// least k.
func (ix *Index) Search(queryVec []float32, k, ef int) ([]Result, error) {
	if len(queryVec) != ix.cfg.Dim {
		return nil, ErrDimensionMismatch
	}
	if k <= 0 {
		return nil, nil
	}
	if ef < k {
		ef = k
	}

	ix.mu.RLock()
	hasEntry := ix.hasEntry
	ep := ix.entryPoint
	top := ix.maxLevel
	ix.mu.RUnlock()
	if !hasEntry {
		return []Result{}, nil
	}

	raw := queryVec
	if ix.cfg.Metric == simd.Cosine {
		raw = simd.Normalize(queryVec)
	}
	q := ix.queryFor(raw)

	for l := top; l > 0; l-- {
		ep = ix.greedyStep(q, ep, l)
	}
	candidates := ix.searchLayer(q, ep, ef, 0)

	results := make([]Result, 0, k)
	for _, c := range candidates {
		n := ix.getNode(c.idx)
		if n == nil || n.deleted.Load() {
			continue
		}
		id, ok := ix.ids.IDOf(c.idx)
		if !ok {
			continue
		}
		results = append(results, Result{ID: id, Idx: c.idx, Dist: c.dist})
		if len(results) == k {
			break
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Dist < results[j].Dist })
	return results, nil
}

// greedyStep walks level l from ep to the single best neighbor until no
// improvement remains. Tombstoned nodes still serve as waypoints.
func (ix *Index) greedyStep(q *query, ep uint64, l int) uint64 {
	current := ep
	currentDist := ix.distToQuery(q, current)
	for {
		n := ix.getNode(current)
		if n == nil || l > n.level {
			return current
		}
		n.mu.RLock()
		neighbors := append([]uint64(nil), n.neighbors[l]...)
		n.mu.RUnlock()

		changed := false
		for _, nb := range neighbors {
			if d := ix.distToQuery(q, nb); d < currentDist {
				current, currentDist = nb, d
				changed = true
			}
		}
		if !changed {
			return current
		}
	}
}

// searchLayer runs the beam search of width ef at level l and returns
// candidates ordered best first.
func (ix *Index) searchLayer(q *query, ep uint64, ef int, l int) []distItem {
	visited := newVisitedSet(ix.ids.next.Load())
	visited.visit(ep)

	entryDist := ix.distToQuery(q, ep)
	frontier := &minHeap{{idx: ep, dist: entryDist}}
	heap.Init(frontier)
	results := &maxHeap{{idx: ep, dist: entryDist}}
	heap.Init(results)

	for frontier.Len() > 0 {
		closest := heap.Pop(frontier).(distItem)
		if results.Len() >= ef && closest.dist > (*results)[0].dist {
			break
		}
		n := ix.getNode(closest.idx)
		if n == nil || l > n.level {
			continue
		}
		n.mu.RLock()
		neighbors := append([]uint64(nil), n.neighbors[l]...)
		n.mu.RUnlock()

		for _, nb := range neighbors {
			if !visited.visit(nb) {
				continue
			}
			d := ix.distToQuery(q, nb)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(frontier, distItem{idx: nb, dist: d})
				heap.Push(results, distItem{idx: nb, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]distItem, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distItem)
	}
	return out
}

// selectNeighborsHeuristic picks up to m neighbors for the node being
// inserted, preferring candidates that cover distinct directions:
// a candidate is taken only if it is closer to the base than to every
// already-selected neighbor (Malkov & Yashunin, Algorithm 4).
// Tombstoned candidates are skipped.
func (ix *Index) selectNeighborsHeuristic(base uint64, candidates []distItem, m int) []uint64 {
	live := candidates[:0]
	for _, c := range candidates {
		if c.idx == base {
			continue
		}
		if n := ix.getNode(c.idx); n == nil || n.deleted.Load() {
			continue
		}
		live = append(live, c)
	}
	items := ix.heuristicFromItems(base, live, m)
	return items
}

// heuristicFromItems applies the direction-diversity heuristic to
// pre-computed (idx, dist-to-base) pairs.
func (ix *Index) heuristicFromItems(base uint64, items []distItem, m int) []uint64 {
	sort.Slice(items, func(i, j int) bool { return items[i].dist < items[j].dist })

	selected := make([]uint64, 0, m)
	for _, cand := range items {
		if len(selected) == m {
			break
		}
		if cand.idx == base {
			continue
		}
		diverse := true
		for _, s := range selected {
			if ix.distBetween(cand.idx, s) < cand.dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, cand.idx)
		}
	}
	// Backfill with the closest skipped candidates if diversity left
	// slots empty.
	if len(selected) < m {
		for _, cand := range items {
			if len(selected) == m {
				break
			}
			if cand.idx == base || containsIdx(selected, cand.idx) {
				continue
			}
			selected = append(selected, cand.idx)
		}
	}
	return selected
}

func containsIdx(list []uint64, idx uint64) bool {
	for _, x := range list {
		if x == idx {
			return true
		}
	}
	return false
}
