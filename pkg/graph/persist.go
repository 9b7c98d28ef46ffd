package graph

import (
	"encoding/gob"
	"os"
)

// Persistence: graph.edges holds the gob-encoded edge set, graph.props
// the descriptors of the indices that were built, which are rebuilt from
// the edges on load.

type edgesSnapshot struct {
	Edges      []Edge
	NextEdgeID uint32
}

type indexDescriptor struct {
	Label string
	Prop  string
}

type propsSnapshot struct {
	EqIndexes    []indexDescriptor
	RangeIndexes []indexDescriptor
}

func init() {
	// Edge properties are arbitrary decoded JSON.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Save writes the edge set and index descriptors with temp+rename.
func (s *Store) Save(edgesPath, propsPath string) error {
	s.mu.RLock()
	edges := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, *e)
	}
	snap := edgesSnapshot{Edges: edges, NextEdgeID: s.nextEdgeID}
	props := propsSnapshot{}
	for k := range s.propIndexes {
		props.EqIndexes = append(props.EqIndexes, indexDescriptor{Label: k.label, Prop: k.prop})
	}
	for k := range s.rangeIdx {
		props.RangeIndexes = append(props.RangeIndexes, indexDescriptor{Label: k.label, Prop: k.prop})
	}
	s.mu.RUnlock()

	if err := writeGob(edgesPath, snap); err != nil {
		return err
	}
	return writeGob(propsPath, props)
}

// Load reads a store written by Save. Missing files yield an empty
// store so collections without graph data open cleanly.
func Load(edgesPath, propsPath string) (*Store, error) {
	s := NewStore()

	var snap edgesSnapshot
	found, err := readGob(edgesPath, &snap)
	if err != nil {
		return nil, err
	}
	if !found {
		return s, nil
	}
	for i := range snap.Edges {
		e := snap.Edges[i]
		s.edges[uint32(e.ID)] = &e
		srcAdj := s.out[uint32(e.Src)]
		if srcAdj == nil {
			srcAdj = &adjacency{}
			s.out[uint32(e.Src)] = srcAdj
		}
		srcAdj.add(uint32(e.ID))
		dstAdj := s.in[uint32(e.Dst)]
		if dstAdj == nil {
			dstAdj = &adjacency{}
			s.in[uint32(e.Dst)] = dstAdj
		}
		dstAdj.add(uint32(e.ID))
	}
	s.nextEdgeID = snap.NextEdgeID

	var props propsSnapshot
	if _, err := readGob(propsPath, &props); err != nil {
		return nil, err
	}
	for _, k := range props.EqIndexes {
		s.BuildPropertyIndex(k.Label, k.Prop)
	}
	for _, k := range props.RangeIndexes {
		s.BuildRangeIndex(k.Label, k.Prop)
	}
	return s, nil
}

func writeGob(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readGob(path string, v any) (bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(v); err != nil {
		return false, err
	}
	return true, nil
}
