// Package graph implements the secondary graph layer: typed,
// property-carrying edges between point ids, degree-adaptive adjacency,
// optional property indices, and bounded traversals.
//
// Edges and nodes are addressed with 32-bit ids internally; ids beyond
// that space are rejected with a typed error rather than truncated.
package graph

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// Errors surfaced by the graph store.
var (
	// ErrIDTooLarge rejects node or edge ids beyond the 32-bit space.
	ErrIDTooLarge = errors.New("graph: id exceeds 32-bit space")
	// ErrEmptyLabel rejects edges without a label.
	ErrEmptyLabel = errors.New("graph: edge label must be non-empty")
	// ErrEdgeNotFound reports a missing edge id.
	ErrEdgeNotFound = errors.New("graph: edge not found")
)

// degreeThreshold is the adjacency promotion point: a vertex at or above
// this degree switches from a slice to a hash set. Demotion never
// happens.
const degreeThreshold = 100

// Edge is one typed connection between two point ids.
type Edge struct {
	ID    uint64
	Src   uint64
	Dst   uint64
	Label string
	Props map[string]any
}

// adjacency is the degree-adaptive edge-id set of one vertex.
type adjacency struct {
	small []uint32
	set   map[uint32]struct{}
}

func (a *adjacency) add(edgeID uint32) {
	if a.set != nil {
		a.set[edgeID] = struct{}{}
		return
	}
	a.small = append(a.small, edgeID)
	if len(a.small) >= degreeThreshold {
		a.set = make(map[uint32]struct{}, len(a.small))
		for _, e := range a.small {
			a.set[e] = struct{}{}
		}
		a.small = nil
	}
}

func (a *adjacency) remove(edgeID uint32) {
	if a.set != nil {
		delete(a.set, edgeID)
		return
	}
	for i, e := range a.small {
		if e == edgeID {
			a.small = append(a.small[:i], a.small[i+1:]...)
			return
		}
	}
}

func (a *adjacency) len() int {
	if a.set != nil {
		return len(a.set)
	}
	return len(a.small)
}

func (a *adjacency) each(fn func(edgeID uint32) bool) {
	if a.set != nil {
		for e := range a.set {
			if !fn(e) {
				return
			}
		}
		return
	}
	for _, e := range a.small {
		if !fn(e) {
			return
		}
	}
}

// Store holds the edge set with forward and reverse adjacency.
type Store struct {
	mu         sync.RWMutex
	edges      map[uint32]*Edge
	out        map[uint32]*adjacency
	in         map[uint32]*adjacency
	nextEdgeID uint32

	propIndexes map[propIndexKey]*eqIndex
	rangeIdx    map[rangeIndexKey]*rangeIndex
}

// NewStore creates an empty graph store.
func NewStore() *Store {
	return &Store{
		edges:       make(map[uint32]*Edge),
		out:         make(map[uint32]*adjacency),
		in:          make(map[uint32]*adjacency),
		propIndexes: make(map[propIndexKey]*eqIndex),
		rangeIdx:    make(map[rangeIndexKey]*rangeIndex),
	}
}

func checkID(id uint64) error {
	if id > math.MaxUint32 {
		return fmt.Errorf("%w: %d", ErrIDTooLarge, id)
	}
	return nil
}

// AddEdge creates a typed edge and returns its id.
func (s *Store) AddEdge(src, dst uint64, label string, props map[string]any) (uint64, error) {
	if label == "" {
		return 0, ErrEmptyLabel
	}
	if err := checkID(src); err != nil {
		return 0, err
	}
	if err := checkID(dst); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextEdgeID
	s.nextEdgeID++
	e := &Edge{ID: uint64(id), Src: src, Dst: dst, Label: label, Props: props}
	s.edges[id] = e

	srcAdj := s.out[uint32(src)]
	if srcAdj == nil {
		srcAdj = &adjacency{}
		s.out[uint32(src)] = srcAdj
	}
	srcAdj.add(id)

	dstAdj := s.in[uint32(dst)]
	if dstAdj == nil {
		dstAdj = &adjacency{}
		s.in[uint32(dst)] = dstAdj
	}
	dstAdj.add(id)

	s.indexEdgeLocked(e)
	return uint64(id), nil
}

// DeleteEdge removes an edge by id.
func (s *Store) DeleteEdge(id uint64) error {
	if err := checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.edges[uint32(id)]
	if !ok {
		return ErrEdgeNotFound
	}
	s.unindexEdgeLocked(e)
	delete(s.edges, uint32(id))
	if adj := s.out[uint32(e.Src)]; adj != nil {
		adj.remove(uint32(id))
		if adj.len() == 0 {
			delete(s.out, uint32(e.Src))
		}
	}
	if adj := s.in[uint32(e.Dst)]; adj != nil {
		adj.remove(uint32(id))
		if adj.len() == 0 {
			delete(s.in, uint32(e.Dst))
		}
	}
	return nil
}

// DeleteNodeEdges removes every edge touching a node, called when a
// point is deleted from the collection.
func (s *Store) DeleteNodeEdges(node uint64) {
	if node > math.MaxUint32 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []uint32
	if adj := s.out[uint32(node)]; adj != nil {
		adj.each(func(e uint32) bool {
			doomed = append(doomed, e)
			return true
		})
	}
	if adj := s.in[uint32(node)]; adj != nil {
		adj.each(func(e uint32) bool {
			doomed = append(doomed, e)
			return true
		})
	}
	for _, id := range doomed {
		e, ok := s.edges[uint32(id)]
		if !ok {
			continue
		}
		s.unindexEdgeLocked(e)
		delete(s.edges, id)
		if adj := s.out[uint32(e.Src)]; adj != nil {
			adj.remove(id)
			if adj.len() == 0 {
				delete(s.out, uint32(e.Src))
			}
		}
		if adj := s.in[uint32(e.Dst)]; adj != nil {
			adj.remove(id)
			if adj.len() == 0 {
				delete(s.in, uint32(e.Dst))
			}
		}
	}
}

// GetEdge returns a copy of the edge with the given id.
func (s *Store) GetEdge(id uint64) (Edge, error) {
	if err := checkID(id); err != nil {
		return Edge{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[uint32(id)]
	if !ok {
		return Edge{}, ErrEdgeNotFound
	}
	return *e, nil
}

// EdgesFrom returns copies of the outgoing edges of a node.
func (s *Store) EdgesFrom(node uint64) []Edge {
	return s.edgesOf(node, true)
}

// EdgesTo returns copies of the incoming edges of a node.
func (s *Store) EdgesTo(node uint64) []Edge {
	return s.edgesOf(node, false)
}

func (s *Store) edgesOf(node uint64, outgoing bool) []Edge {
	if node > math.MaxUint32 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	table := s.in
	if outgoing {
		table = s.out
	}
	adj := table[uint32(node)]
	if adj == nil {
		return nil
	}
	out := make([]Edge, 0, adj.len())
	adj.each(func(e uint32) bool {
		if edge, ok := s.edges[e]; ok {
			out = append(out, *edge)
		}
		return true
	})
	return out
}

// EdgeCount reports the number of edges.
func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}

// NodeCount reports the number of nodes with at least one edge.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make(map[uint32]struct{}, len(s.out)+len(s.in))
	for n := range s.out {
		nodes[n] = struct{}{}
	}
	for n := range s.in {
		nodes[n] = struct{}{}
	}
	return len(nodes)
}

// AvgDegree reports the mean outgoing degree over connected nodes,
// consumed by the query planner.
func (s *Store) AvgDegree() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.out) == 0 {
		return 0
	}
	total := 0
	for _, adj := range s.out {
		total += adj.len()
	}
	return float64(total) / float64(len(s.out))
}
