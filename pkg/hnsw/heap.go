package hnsw

// distItem pairs an internal index with its distance to the query.
type distItem struct {
	idx  uint64
	dist float32
}

// minHeap orders by ascending distance (closest on top): the unexplored
// frontier during beam search.
type minHeap []distItem

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(distItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// maxHeap orders by descending distance (worst on top): the bounded
// result set during beam search.
type maxHeap []distItem

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(distItem)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// visitedSet is a growable bitset over dense internal indices.
type visitedSet []uint64

func newVisitedSet(capacity uint64) visitedSet {
	return make(visitedSet, (capacity+63)/64)
}

func (v *visitedSet) visit(idx uint64) bool {
	word := idx / 64
	for uint64(len(*v)) <= word {
		*v = append(*v, 0)
	}
	bit := uint64(1) << (idx % 64)
	if (*v)[word]&bit != 0 {
		return false
	}
	(*v)[word] |= bit
	return true
}
