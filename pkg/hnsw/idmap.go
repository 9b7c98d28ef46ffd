package hnsw

import (
	"errors"
	"sync"
	"sync/atomic"
)

// numShards splits the hot id↔idx maps along a hash of the key. A power
// of two permits selection with a mask.
const numShards = 16

// ErrDuplicateID is returned when an id already has an internal index.
var ErrDuplicateID = errors.New("hnsw: duplicate id")

type idShard struct {
	mu sync.RWMutex
	m  map[uint64]uint64
}

// shardedIDMap maintains the id→idx and idx→id mappings, each sharded by
// key & (numShards−1). Internal indices are monotonic and never reused.
type shardedIDMap struct {
	next    atomic.Uint64
	idToIdx [numShards]idShard
	idxToID [numShards]idShard
}

func newShardedIDMap() *shardedIDMap {
	m := &shardedIDMap{}
	for i := range m.idToIdx {
		m.idToIdx[i].m = make(map[uint64]uint64)
		m.idxToID[i].m = make(map[uint64]uint64)
	}
	return m
}

func shardOf(key uint64) int { return int(key & (numShards - 1)) }

// Reserve allocates a fresh internal index for id. Duplicates are
// rejected; upsert callers remove first and reinsert.
func (m *shardedIDMap) Reserve(id uint64) (uint64, error) {
	s := &m.idToIdx[shardOf(id)]
	s.mu.Lock()
	if _, exists := s.m[id]; exists {
		s.mu.Unlock()
		return 0, ErrDuplicateID
	}
	idx := m.next.Add(1) - 1
	s.m[id] = idx
	s.mu.Unlock()

	r := &m.idxToID[shardOf(idx)]
	r.mu.Lock()
	r.m[idx] = id
	r.mu.Unlock()
	return idx, nil
}

// Remove drops both mapping entries for id and reports the internal
// index it had.
func (m *shardedIDMap) Remove(id uint64) (uint64, bool) {
	s := &m.idToIdx[shardOf(id)]
	s.mu.Lock()
	idx, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	if !ok {
		return 0, false
	}

	r := &m.idxToID[shardOf(idx)]
	r.mu.Lock()
	delete(r.m, idx)
	r.mu.Unlock()
	return idx, true
}

// IdxOf looks up the internal index for id.
func (m *shardedIDMap) IdxOf(id uint64) (uint64, bool) {
	s := &m.idToIdx[shardOf(id)]
	s.mu.RLock()
	idx, ok := s.m[id]
	s.mu.RUnlock()
	return idx, ok
}

// IDOf looks up the external id for an internal index.
func (m *shardedIDMap) IDOf(idx uint64) (uint64, bool) {
	r := &m.idxToID[shardOf(idx)]
	r.mu.RLock()
	id, ok := r.m[idx]
	r.mu.RUnlock()
	return id, ok
}

// Len reports the number of live mappings.
func (m *shardedIDMap) Len() int {
	n := 0
	for i := range m.idToIdx {
		s := &m.idToIdx[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for every live (id, idx) pair. fn must not mutate the
// map.
func (m *shardedIDMap) Range(fn func(id, idx uint64) bool) {
	for i := range m.idToIdx {
		s := &m.idToIdx[i]
		s.mu.RLock()
		for id, idx := range s.m {
			if !fn(id, idx) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// snapshot copies the id→idx mapping and the next counter for
// serialization.
func (m *shardedIDMap) snapshot() (map[uint64]uint64, uint64) {
	out := make(map[uint64]uint64, m.Len())
	m.Range(func(id, idx uint64) bool {
		out[id] = idx
		return true
	})
	return out, m.next.Load()
}

// restore replaces the mapping state from a snapshot.
func (m *shardedIDMap) restore(idToIdx map[uint64]uint64, next uint64) {
	for i := range m.idToIdx {
		m.idToIdx[i].m = make(map[uint64]uint64)
		m.idxToID[i].m = make(map[uint64]uint64)
	}
	for id, idx := range idToIdx {
		m.idToIdx[shardOf(id)].m[id] = idx
		m.idxToID[shardOf(idx)].m[idx] = id
	}
	m.next.Store(next)
}

// vecShard guards one partition of the re-rank vector cache.
type vecShard struct {
	mu sync.RWMutex
	m  map[uint64][]float32
}

// shardedVectorCache mirrors full-precision vectors keyed by internal
// index, used for exact re-ranking and neighbor-selection distances.
// Fast-insert mode runs without it.
type shardedVectorCache struct {
	shards [numShards]vecShard
}

func newShardedVectorCache() *shardedVectorCache {
	c := &shardedVectorCache{}
	for i := range c.shards {
		c.shards[i].m = make(map[uint64][]float32)
	}
	return c
}

func (c *shardedVectorCache) Put(idx uint64, vec []float32) {
	s := &c.shards[shardOf(idx)]
	s.mu.Lock()
	s.m[idx] = vec
	s.mu.Unlock()
}

func (c *shardedVectorCache) Get(idx uint64) ([]float32, bool) {
	s := &c.shards[shardOf(idx)]
	s.mu.RLock()
	v, ok := s.m[idx]
	s.mu.RUnlock()
	return v, ok
}

func (c *shardedVectorCache) Delete(idx uint64) {
	s := &c.shards[shardOf(idx)]
	s.mu.Lock()
	delete(s.m, idx)
	s.mu.Unlock()
}

// byteShard guards one partition of the quantized mirror.
type byteShard struct {
	mu sync.RWMutex
	m  map[uint64][]byte
}

// shardedByteCache mirrors quantized vectors keyed by internal index.
type shardedByteCache struct {
	shards [numShards]byteShard
}

func newShardedByteCache() *shardedByteCache {
	c := &shardedByteCache{}
	for i := range c.shards {
		c.shards[i].m = make(map[uint64][]byte)
	}
	return c
}

func (c *shardedByteCache) Put(idx uint64, blob []byte) {
	s := &c.shards[shardOf(idx)]
	s.mu.Lock()
	s.m[idx] = blob
	s.mu.Unlock()
}

func (c *shardedByteCache) Get(idx uint64) ([]byte, bool) {
	s := &c.shards[shardOf(idx)]
	s.mu.RLock()
	b, ok := s.m[idx]
	s.mu.RUnlock()
	return b, ok
}

func (c *shardedByteCache) Delete(idx uint64) {
	s := &c.shards[shardOf(idx)]
	s.mu.Lock()
	delete(s.m, idx)
	s.mu.Unlock()
}
