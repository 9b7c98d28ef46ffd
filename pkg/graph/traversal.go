package graph

// Traversal over the edge store. BFS is iterative over a queue, DFS over
// a stack; both honor label filters, depth bounds and a result limit.
// The streaming variant bounds visited-set memory: when the cap is
// exceeded the set is cleared and cycle detection degrades, with
// termination still guaranteed by the depth bound.

// maxUnboundedDepth caps traversals that do not set MaxDepth.
const maxUnboundedDepth = 100

// Direction selects which adjacency a traversal follows.
type Direction int

const (
	// Outgoing follows src→dst edges.
	Outgoing Direction = iota
	// Incoming follows dst→src edges.
	Incoming
	// Both follows edges in either direction.
	Both
)

// TraversalConfig bounds a traversal.
type TraversalConfig struct {
	// Labels restricts followed edges to the given set; empty means all.
	Labels []string
	// MinDepth excludes results closer than this (source is depth 0).
	MinDepth int
	// MaxDepth bounds the walk; 0 means unbounded and is capped at 100.
	MaxDepth int
	// Limit bounds the number of results; 0 means unlimited.
	Limit int
	// MaxVisitedSize caps the visited set of streaming traversals;
	// 0 means unlimited.
	MaxVisitedSize int
}

func (c TraversalConfig) effectiveMaxDepth() int {
	if c.MaxDepth <= 0 || c.MaxDepth > maxUnboundedDepth {
		return maxUnboundedDepth
	}
	return c.MaxDepth
}

func (c TraversalConfig) labelAllowed(label string) bool {
	if len(c.Labels) == 0 {
		return true
	}
	for _, l := range c.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// TraversalResult is one visited node.
type TraversalResult struct {
	NodeID uint64
	Depth  int
	// EdgeID is the edge that reached the node; the source has no edge.
	EdgeID uint64
}

type frontierItem struct {
	node  uint64
	depth int
	edge  uint64
}

// neighborsOf lists (neighbor, edge id) pairs reachable one hop from
// node in the given direction, honoring the label filter.
func (s *Store) neighborsOf(node uint64, dir Direction, cfg TraversalConfig) []frontierItem {
	var out []frontierItem
	if dir == Outgoing || dir == Both {
		for _, e := range s.EdgesFrom(node) {
			if cfg.labelAllowed(e.Label) {
				out = append(out, frontierItem{node: e.Dst, edge: e.ID})
			}
		}
	}
	if dir == Incoming || dir == Both {
		for _, e := range s.EdgesTo(node) {
			if cfg.labelAllowed(e.Label) {
				out = append(out, frontierItem{node: e.Src, edge: e.ID})
			}
		}
	}
	return out
}

// BFSTraverse walks breadth-first from src along outgoing edges.
func (s *Store) BFSTraverse(src uint64, cfg TraversalConfig) []TraversalResult {
	return s.bfs(src, Outgoing, cfg)
}

// BFSTraverseReverse walks breadth-first along incoming edges.
func (s *Store) BFSTraverseReverse(src uint64, cfg TraversalConfig) []TraversalResult {
	return s.bfs(src, Incoming, cfg)
}

// BFSTraverseBoth walks breadth-first ignoring edge direction.
func (s *Store) BFSTraverseBoth(src uint64, cfg TraversalConfig) []TraversalResult {
	return s.bfs(src, Both, cfg)
}

func (s *Store) bfs(src uint64, dir Direction, cfg TraversalConfig) []TraversalResult {
	maxDepth := cfg.effectiveMaxDepth()
	visited := map[uint64]struct{}{src: {}}
	queue := []frontierItem{{node: src, depth: 0}}

	var results []TraversalResult
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if item.depth >= cfg.MinDepth {
			results = append(results, TraversalResult{NodeID: item.node, Depth: item.depth, EdgeID: item.edge})
			if cfg.Limit > 0 && len(results) >= cfg.Limit {
				return results
			}
		}
		if item.depth == maxDepth {
			continue
		}
		for _, next := range s.neighborsOf(item.node, dir, cfg) {
			if _, seen := visited[next.node]; seen {
				continue
			}
			visited[next.node] = struct{}{}
			queue = append(queue, frontierItem{node: next.node, depth: item.depth + 1, edge: next.edge})
		}
	}
	return results
}

// DFSTraverse walks depth-first from src along outgoing edges.
func (s *Store) DFSTraverse(src uint64, cfg TraversalConfig) []TraversalResult {
	maxDepth := cfg.effectiveMaxDepth()
	visited := map[uint64]struct{}{src: {}}
	stack := []frontierItem{{node: src, depth: 0}}

	var results []TraversalResult
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if item.depth >= cfg.MinDepth {
			results = append(results, TraversalResult{NodeID: item.node, Depth: item.depth, EdgeID: item.edge})
			if cfg.Limit > 0 && len(results) >= cfg.Limit {
				return results
			}
		}
		if item.depth == maxDepth {
			continue
		}
		neighbors := s.neighborsOf(item.node, Outgoing, cfg)
		// Push in reverse so the first neighbor is explored first.
		for i := len(neighbors) - 1; i >= 0; i-- {
			next := neighbors[i]
			if _, seen := visited[next.node]; seen {
				continue
			}
			visited[next.node] = struct{}{}
			stack = append(stack, frontierItem{node: next.node, depth: item.depth + 1, edge: next.edge})
		}
	}
	return results
}

// Stream is a lazy BFS iterator yielding one result at a time.
type Stream struct {
	store   *Store
	cfg     TraversalConfig
	dir     Direction
	queue   []frontierItem
	visited map[uint64]struct{}
	yielded int
	done    bool
}

// BFSStream starts a lazy traversal. Memory for the visited set is
// bounded by cfg.MaxVisitedSize; past the cap the set is cleared, so a
// cyclic graph may revisit nodes but still terminates at MaxDepth.
func (s *Store) BFSStream(src uint64, cfg TraversalConfig) *Stream {
	return &Stream{
		store:   s,
		cfg:     cfg,
		dir:     Outgoing,
		queue:   []frontierItem{{node: src, depth: 0}},
		visited: map[uint64]struct{}{src: {}},
	}
}

// Next yields the next traversal result. It returns false when the
// walk is exhausted or the limit is reached.
func (st *Stream) Next() (TraversalResult, bool) {
	if st.done {
		return TraversalResult{}, false
	}
	maxDepth := st.cfg.effectiveMaxDepth()

	for len(st.queue) > 0 {
		item := st.queue[0]
		st.queue = st.queue[1:]

		if item.depth < maxDepth {
			for _, next := range st.store.neighborsOf(item.node, st.dir, st.cfg) {
				if _, seen := st.visited[next.node]; seen {
					continue
				}
				if st.cfg.MaxVisitedSize > 0 && len(st.visited) >= st.cfg.MaxVisitedSize {
					// Soft cap reached: drop the set and rely on the
					// depth bound for termination.
					st.visited = make(map[uint64]struct{})
				}
				st.visited[next.node] = struct{}{}
				st.queue = append(st.queue, frontierItem{node: next.node, depth: item.depth + 1, edge: next.edge})
			}
		}

		if item.depth >= st.cfg.MinDepth {
			st.yielded++
			if st.cfg.Limit > 0 && st.yielded >= st.cfg.Limit {
				st.done = true
			}
			return TraversalResult{NodeID: item.node, Depth: item.depth, EdgeID: item.edge}, true
		}
	}
	st.done = true
	return TraversalResult{}, false
}
