package hnsw

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/velesdb/velesdb/pkg/quant"
	"github.com/velesdb/velesdb/pkg/simd"
)

// Index errors.
var (
	ErrDimensionMismatch = errors.New("hnsw: dimension mismatch")
	ErrNotFound          = errors.New("hnsw: id not found")
	ErrNoFullVectors     = errors.New("hnsw: full-precision vectors not retained")
)

// node is one arena entry. Its neighbor lists are guarded by the
// per-node lock; the deleted flag tombstones the index without touching
// the surrounding graph.
type node struct {
	mu        sync.RWMutex
	level     int
	neighbors [][]uint64
	deleted   atomic.Bool
}

// Result is one search hit: the external id and the metric distance
// (lower is better).
type Result struct {
	ID   uint64
	Idx  uint64
	Dist float32
}

// Config assembles everything the index needs at construction time.
type Config struct {
	Dim    int
	Metric simd.Metric
	Params Params
	// Mode selects the vector representation searched by the graph.
	Mode quant.StorageMode
	// FastInsert drops the full-precision vector cache when a quantized
	// mirror exists: half the memory and faster inserts, no re-rank.
	FastInsert bool
}

// Index is a concurrent HNSW graph over internal indices.
type Index struct {
	cfg    Config
	levelM float64

	ids       *shardedIDMap
	vecs      *shardedVectorCache
	quantized *shardedByteCache

	mu         sync.RWMutex // entry point, max level, arena growth
	nodes      []*node
	entryPoint uint64
	hasEntry   bool
	maxLevel   int

	tombstones atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an empty index.
func New(cfg Config) *Index {
	if cfg.Params.M == 0 {
		cfg.Params = DefaultParams(cfg.Dim)
	}
	idx := &Index{
		cfg:    cfg,
		levelM: cfg.Params.levelMultiplier(),
		ids:    newShardedIDMap(),
		nodes:  make([]*node, 0, cfg.Params.MaxElements),
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}
	if !(cfg.FastInsert && cfg.Mode != quant.Full) {
		idx.vecs = newShardedVectorCache()
	}
	if cfg.Mode != quant.Full {
		idx.quantized = newShardedByteCache()
	}
	return idx
}

// Len reports the number of live (non-tombstoned) nodes.
func (ix *Index) Len() int { return ix.ids.Len() }

// Tombstones reports how many internal indices are tombstoned.
func (ix *Index) Tombstones() int { return int(ix.tombstones.Load()) }

// Contains reports whether id is indexed.
func (ix *Index) Contains(id uint64) bool {
	_, ok := ix.ids.IdxOf(id)
	return ok
}

// Insert adds one point. Duplicate ids are rejected; upsert removes
// then reinserts.
func (ix *Index) Insert(id uint64, vec []float32) error {
	if len(vec) != ix.cfg.Dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), ix.cfg.Dim)
	}
	idx, err := ix.ids.Reserve(id)
	if err != nil {
		return err
	}

	stored := make([]float32, len(vec))
	copy(stored, vec)
	if ix.cfg.Metric == simd.Cosine {
		simd.NormalizeInPlace(stored)
	}
	if ix.vecs != nil {
		ix.vecs.Put(idx, stored)
	}
	switch ix.cfg.Mode {
	case quant.SQ8:
		ix.quantized.Put(idx, quant.QuantizeSQ8(stored))
	case quant.Binary:
		ix.quantized.Put(idx, quant.QuantizeBinary(stored))
	}

	level := ix.randomLevel()
	n := &node{level: level, neighbors: make([][]uint64, level+1)}
	for i := range n.neighbors {
		n.neighbors[i] = make([]uint64, 0, ix.cfg.Params.M)
	}
	ix.placeNode(idx, n)

	ix.mu.Lock()
	if !ix.hasEntry {
		ix.entryPoint = idx
		ix.hasEntry = true
		ix.maxLevel = level
		ix.mu.Unlock()
		return nil
	}
	ep := ix.entryPoint
	epLevel := ix.maxLevel
	ix.mu.Unlock()

	q := ix.queryFor(stored)

	// Greedy single-best descent above the insertion level.
	for l := epLevel; l > level; l-- {
		ep = ix.greedyStep(q, ep, l)
	}

	// Beam search and heuristic linking at every level the node spans.
	for l := minInt(level, epLevel); l >= 0; l-- {
		candidates := ix.searchLayer(q, ep, ix.cfg.Params.EfConstruction, l)
		selected := ix.selectNeighborsHeuristic(idx, candidates, ix.cfg.Params.M)

		n.mu.Lock()
		n.neighbors[l] = append(n.neighbors[l][:0], selected...)
		n.mu.Unlock()

		for _, nb := range selected {
			ix.linkBack(nb, idx, l)
		}
		if len(candidates) > 0 {
			ep = candidates[0].idx
		}
	}

	ix.mu.Lock()
	if level > ix.maxLevel {
		ix.maxLevel = level
		ix.entryPoint = idx
	}
	ix.mu.Unlock()
	return nil
}

// InsertBatch indexes many points in parallel across one worker per
// core.
func (ix *Index) InsertBatch(ids []uint64, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return fmt.Errorf("hnsw: ids/vectors length mismatch %d vs %d", len(ids), len(vecs))
	}
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range ids {
		g.Go(func() error {
			return ix.Insert(ids[i], vecs[i])
		})
	}
	return g.Wait()
}

// Delete tombstones the node for id. The internal index is never
// reused; the slot is skipped by search and by future neighbor
// selection.
func (ix *Index) Delete(id uint64) bool {
	idx, ok := ix.ids.Remove(id)
	if !ok {
		return false
	}
	if n := ix.getNode(idx); n != nil {
		n.deleted.Store(true)
	}
	if ix.vecs != nil {
		ix.vecs.Delete(idx)
	}
	if ix.quantized != nil {
		ix.quantized.Delete(idx)
	}
	ix.tombstones.Add(1)

	// A tombstoned entry point hands over to the highest-level live node;
	// with no live node left, the next insert becomes the entry point.
	ix.mu.Lock()
	if ix.hasEntry && ix.entryPoint == idx {
		ix.hasEntry, ix.maxLevel = false, 0
		for i, cand := range ix.nodes {
			if cand != nil && !cand.deleted.Load() && (!ix.hasEntry || cand.level > ix.maxLevel) {
				ix.entryPoint, ix.maxLevel, ix.hasEntry = uint64(i), cand.level, true
			}
		}
	}
	ix.mu.Unlock()
	return true
}

// VectorOf returns the stored (possibly normalized) full-precision
// vector for id, when the cache is retained.
func (ix *Index) VectorOf(id uint64) ([]float32, bool) {
	if ix.vecs == nil {
		return nil, false
	}
	idx, ok := ix.ids.IdxOf(id)
	if !ok {
		return nil, false
	}
	return ix.vecs.Get(idx)
}

// Vacuum rebuilds the graph without tombstoned nodes. It requires the
// full-precision vector cache.
func (ix *Index) Vacuum() error {
	if ix.vecs == nil {
		return ErrNoFullVectors
	}
	type pair struct {
		id  uint64
		vec []float32
	}
	var live []pair
	ix.ids.Range(func(id, idx uint64) bool {
		if v, ok := ix.vecs.Get(idx); ok {
			live = append(live, pair{id, v})
		}
		return true
	})

	fresh := New(ix.cfg)
	for _, p := range live {
		if err := fresh.Insert(p.id, p.vec); err != nil {
			return err
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.ids = fresh.ids
	ix.vecs = fresh.vecs
	ix.quantized = fresh.quantized
	ix.nodes = fresh.nodes
	ix.entryPoint = fresh.entryPoint
	ix.hasEntry = fresh.hasEntry
	ix.maxLevel = fresh.maxLevel
	ix.tombstones.Store(0)
	return nil
}

// placeNode stores n at arena position idx, growing the slice as
// needed. Indices are dense so growth is an append in the common case.
func (ix *Index) placeNode(idx uint64, n *node) {
	ix.mu.Lock()
	for uint64(len(ix.nodes)) <= idx {
		ix.nodes = append(ix.nodes, nil)
	}
	ix.nodes[idx] = n
	ix.mu.Unlock()
}

func (ix *Index) getNode(idx uint64) *node {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if idx >= uint64(len(ix.nodes)) {
		return nil
	}
	return ix.nodes[idx]
}

// linkBack adds idx to nb's neighbor list at level l, pruning with the
// selection heuristic when the degree cap is exceeded. The update is
// atomic under nb's lock.
func (ix *Index) linkBack(nb, idx uint64, l int) {
	n := ix.getNode(nb)
	if n == nil || l > n.level {
		return
	}
	degCap := ix.cfg.Params.maxDegree(l)

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.neighbors[l]) < degCap {
		n.neighbors[l] = append(n.neighbors[l], idx)
		return
	}
	merged := make([]distItem, 0, len(n.neighbors[l])+1)
	for _, o := range append(append([]uint64{}, n.neighbors[l]...), idx) {
		merged = append(merged, distItem{idx: o, dist: ix.distBetween(nb, o)})
	}
	n.neighbors[l] = ix.heuristicFromItems(nb, merged, degCap)
}

// randomLevel draws from the geometric distribution with parameter
// 1/ln(M).
func (ix *Index) randomLevel() int {
	ix.rngMu.Lock()
	u := ix.rng.Float64()
	ix.rngMu.Unlock()
	if u == 0 {
		u = 1e-12
	}
	return int(-math.Log(u) * ix.levelM)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
