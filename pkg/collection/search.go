package collection

import (
	"container/heap"
	"sort"

	"github.com/velesdb/velesdb/pkg/filter"
	"github.com/velesdb/velesdb/pkg/hnsw"
	"github.com/velesdb/velesdb/pkg/simd"
)

// SearchResult is one ranked hit with a "higher is better" score.
type SearchResult struct {
	ID      uint64
	Score   float64
	Payload map[string]any
}

// SearchOptions tune a vector search.
type SearchOptions struct {
	// EfSearch overrides the beam width; 0 selects the Balanced
	// profile's floor for the number of candidates fetched (k, or
	// k·filterOverFetch when a filter is set).
	EfSearch int
	// Filter is applied to payloads after the graph search.
	Filter filter.Filter
}

// filterOverFetch over-fetches graph candidates when a post-filter may
// reject some of them.
const filterOverFetch = 4

// Search returns the top-k points by the collection metric, best
// first. Filters are applied post-graph; scores are similarities
// (higher is better).
func (c *Collection) Search(query []float32, k int, opts SearchOptions) ([]SearchResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.index == nil {
		return nil, &VectorNotAllowedError{Collection: c.cfg.Name}
	}
	if len(query) != c.cfg.Dimension {
		return nil, &DimensionMismatchError{Expected: c.cfg.Dimension, Actual: len(query)}
	}
	if k <= 0 {
		return []SearchResult{}, nil
	}

	fetch := k
	if opts.Filter != nil {
		fetch = k * filterOverFetch
	}
	ef := opts.EfSearch
	if ef <= 0 {
		ef = hnsw.Balanced.EfSearch(fetch)
	}

	hits, err := c.index.Search(query, fetch, ef)
	if err != nil {
		return nil, err
	}
	return c.collectResults(hits, k, opts.Filter), nil
}

// SearchWithRerank runs the graph search over the (possibly quantized)
// index representation, then rescores the candidate pool against the
// full-precision vectors and returns the exact top-k.
func (c *Collection) SearchWithRerank(query []float32, k int) ([]SearchResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.index == nil {
		return nil, &VectorNotAllowedError{Collection: c.cfg.Name}
	}
	if len(query) != c.cfg.Dimension {
		return nil, &DimensionMismatchError{Expected: c.cfg.Dimension, Actual: len(query)}
	}
	if k <= 0 {
		return []SearchResult{}, nil
	}

	ef := hnsw.Accurate.EfSearch(k)
	pool, err := c.index.Search(query, ef, ef)
	if err != nil {
		return nil, err
	}

	queryVec := query
	if c.metric == simd.Cosine {
		queryVec = simd.Normalize(query)
	}
	rescored := make([]hnsw.Result, 0, len(pool))
	for _, h := range pool {
		vec, ok := c.vectors.Get(h.ID)
		if !ok {
			continue
		}
		if c.metric == simd.Cosine {
			vec = simd.Normalize(vec)
		}
		rescored = append(rescored, hnsw.Result{
			ID:   h.ID,
			Dist: simd.Distance(c.metric, queryVec, vec),
		})
	}
	sort.Slice(rescored, func(i, j int) bool { return rescored[i].Dist < rescored[j].Dist })
	if len(rescored) > k {
		rescored = rescored[:k]
	}
	return c.collectResults(rescored, k, nil), nil
}

func (c *Collection) collectResults(hits []hnsw.Result, k int, cond filter.Filter) []SearchResult {
	out := make([]SearchResult, 0, k)
	for _, h := range hits {
		payload, _ := c.decodePayload(h.ID)
		if cond != nil && !cond.Matches(payload) {
			continue
		}
		out = append(out, SearchResult{
			ID:      h.ID,
			Score:   float64(simd.DistanceToScore(c.metric, h.Dist, c.cfg.Dimension)),
			Payload: payload,
		})
		if len(out) == k {
			break
		}
	}
	return out
}

// TextSearch returns the BM25 top-k, optionally filtered.
func (c *Collection) TextSearch(query string, k int, cond filter.Filter) []SearchResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || k <= 0 {
		return []SearchResult{}
	}

	fetch := k
	if cond != nil {
		fetch = k * filterOverFetch
	}
	hits := c.bm25.Search(query, fetch)
	out := make([]SearchResult, 0, k)
	for _, h := range hits {
		payload, _ := c.decodePayload(h.ID)
		if cond != nil && !cond.Matches(payload) {
			continue
		}
		out = append(out, SearchResult{ID: h.ID, Score: h.Score, Payload: payload})
		if len(out) == k {
			break
		}
	}
	return out
}

// rrfK is the reciprocal-rank-fusion smoothing constant.
const rrfK = 60

// fusedHeap is the bounded min-heap collecting the hybrid top-k.
type fusedHeap []SearchResult

func (h fusedHeap) Len() int            { return len(h) }
func (h fusedHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h fusedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fusedHeap) Push(x interface{}) { *h = append(*h, x.(SearchResult)) }
func (h *fusedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// HybridSearch fuses a vector search and a BM25 search with weighted
// reciprocal rank fusion: each source contributes
// weight / (rank + 60). wVector ∈ [0, 1]; the text side gets the
// complement.
func (c *Collection) HybridSearch(query []float32, textQuery string, k int, wVector float64) ([]SearchResult, error) {
	if wVector < 0 {
		wVector = 0
	}
	if wVector > 1 {
		wVector = 1
	}

	pool := k * filterOverFetch
	vecHits, err := c.Search(query, pool, SearchOptions{})
	if err != nil {
		return nil, err
	}
	textHits := c.TextSearch(textQuery, pool, nil)

	fused := make(map[uint64]float64, len(vecHits)+len(textHits))
	for rank, h := range vecHits {
		fused[h.ID] += wVector / float64(rank+1+rrfK)
	}
	for rank, h := range textHits {
		fused[h.ID] += (1 - wVector) / float64(rank+1+rrfK)
	}

	// Stream the fused scores through a bounded heap of size k.
	bounded := &fusedHeap{}
	heap.Init(bounded)
	for id, score := range fused {
		if bounded.Len() < k {
			heap.Push(bounded, SearchResult{ID: id, Score: score})
			continue
		}
		if score > (*bounded)[0].Score {
			heap.Pop(bounded)
			heap.Push(bounded, SearchResult{ID: id, Score: score})
		}
	}

	out := make([]SearchResult, bounded.Len())
	for i := bounded.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(bounded).(SearchResult)
	}
	c.mu.RLock()
	for i := range out {
		out[i].Payload, _ = c.decodePayload(out[i].ID)
	}
	c.mu.RUnlock()
	return out, nil
}

// MultiQuerySearch runs one search per query vector and fuses the
// ranked lists with the given strategy.
func (c *Collection) MultiQuerySearch(queries [][]float32, k int, strategy FusionStrategy) ([]SearchResult, error) {
	perQuery := make([][]IDScore, 0, len(queries))
	pool := k * filterOverFetch
	for _, q := range queries {
		hits, err := c.Search(q, pool, SearchOptions{})
		if err != nil {
			return nil, err
		}
		scored := make([]IDScore, len(hits))
		for i, h := range hits {
			scored[i] = IDScore{ID: h.ID, Score: float32(h.Score)}
		}
		perQuery = append(perQuery, scored)
	}

	fused, err := strategy.Fuse(perQuery)
	if err != nil {
		return nil, err
	}
	if len(fused) > k {
		fused = fused[:k]
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SearchResult, len(fused))
	for i, f := range fused {
		payload, _ := c.decodePayload(f.ID)
		out[i] = SearchResult{ID: f.ID, Score: float64(f.Score), Payload: payload}
	}
	return out, nil
}
