package graph

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/btree"
)

// Property indices are built on demand per (label, property) pair: an
// equality index keyed by the literal value and a range index over a
// B-tree of ordered values. Both map to roaring bitmaps of edge ids and
// are maintained incrementally once built.

type propIndexKey struct {
	label string
	prop  string
}

type rangeIndexKey struct {
	label string
	prop  string
}

// eqIndex maps a canonical value key to the bitmap of matching edges.
type eqIndex struct {
	values map[string]*roaring.Bitmap
}

// valueKey canonicalizes a property value for equality indexing.
// Numbers share one domain regardless of decoded Go type.
func valueKey(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return "s:" + x, true
	case bool:
		return fmt.Sprintf("b:%t", x), true
	case float64:
		return fmt.Sprintf("n:%g", x), true
	case float32:
		return fmt.Sprintf("n:%g", float64(x)), true
	case int:
		return fmt.Sprintf("n:%g", float64(x)), true
	case int64:
		return fmt.Sprintf("n:%g", float64(x)), true
	default:
		return "", false
	}
}

// orderedValue is a range-index key: numbers order before strings.
type orderedValue struct {
	isNum bool
	num   float64
	str   string
}

func toOrdered(v any) (orderedValue, bool) {
	switch x := v.(type) {
	case float64:
		return orderedValue{isNum: true, num: x}, true
	case float32:
		return orderedValue{isNum: true, num: float64(x)}, true
	case int:
		return orderedValue{isNum: true, num: float64(x)}, true
	case int64:
		return orderedValue{isNum: true, num: float64(x)}, true
	case string:
		return orderedValue{str: x}, true
	default:
		return orderedValue{}, false
	}
}

func (a orderedValue) less(b orderedValue) bool {
	if a.isNum != b.isNum {
		return a.isNum
	}
	if a.isNum {
		return a.num < b.num
	}
	return a.str < b.str
}

// rangeEntry is one B-tree node: an ordered value and its edge bitmap.
type rangeEntry struct {
	key orderedValue
	bm  *roaring.Bitmap
}

func rangeEntryLess(a, b rangeEntry) bool { return a.key.less(b.key) }

type rangeIndex struct {
	tree *btree.BTreeG[rangeEntry]
}

func newRangeIndex() *rangeIndex {
	return &rangeIndex{tree: btree.NewG[rangeEntry](32, rangeEntryLess)}
}

func (ix *rangeIndex) add(v orderedValue, edge uint32) {
	entry, ok := ix.tree.Get(rangeEntry{key: v})
	if !ok {
		entry = rangeEntry{key: v, bm: roaring.New()}
	}
	entry.bm.Add(edge)
	ix.tree.ReplaceOrInsert(entry)
}

func (ix *rangeIndex) remove(v orderedValue, edge uint32) {
	entry, ok := ix.tree.Get(rangeEntry{key: v})
	if !ok {
		return
	}
	entry.bm.Remove(edge)
	if entry.bm.IsEmpty() {
		ix.tree.Delete(entry)
	}
}

// BuildPropertyIndex creates (or rebuilds) the equality index for a
// (label, property) pair from the current edge set.
func (s *Store) BuildPropertyIndex(label, prop string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix := &eqIndex{values: make(map[string]*roaring.Bitmap)}
	s.propIndexes[propIndexKey{label, prop}] = ix
	for id, e := range s.edges {
		if e.Label != label {
			continue
		}
		if v, ok := e.Props[prop]; ok {
			if key, indexable := valueKey(v); indexable {
				bm := ix.values[key]
				if bm == nil {
					bm = roaring.New()
					ix.values[key] = bm
				}
				bm.Add(id)
			}
		}
	}
}

// BuildRangeIndex creates (or rebuilds) the range index for a
// (label, property) pair.
func (s *Store) BuildRangeIndex(label, prop string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix := newRangeIndex()
	s.rangeIdx[rangeIndexKey{label, prop}] = ix
	for id, e := range s.edges {
		if e.Label != label {
			continue
		}
		if v, ok := e.Props[prop]; ok {
			if ov, indexable := toOrdered(v); indexable {
				ix.add(ov, id)
			}
		}
	}
}

// indexEdgeLocked maintains any built indices on insert.
func (s *Store) indexEdgeLocked(e *Edge) {
	id := uint32(e.ID)
	for key, ix := range s.propIndexes {
		if key.label != e.Label {
			continue
		}
		if v, ok := e.Props[key.prop]; ok {
			if vk, indexable := valueKey(v); indexable {
				bm := ix.values[vk]
				if bm == nil {
					bm = roaring.New()
					ix.values[vk] = bm
				}
				bm.Add(id)
			}
		}
	}
	for key, ix := range s.rangeIdx {
		if key.label != e.Label {
			continue
		}
		if v, ok := e.Props[key.prop]; ok {
			if ov, indexable := toOrdered(v); indexable {
				ix.add(ov, id)
			}
		}
	}
}

// unindexEdgeLocked maintains any built indices on delete.
func (s *Store) unindexEdgeLocked(e *Edge) {
	id := uint32(e.ID)
	for key, ix := range s.propIndexes {
		if key.label != e.Label {
			continue
		}
		if v, ok := e.Props[key.prop]; ok {
			if vk, indexable := valueKey(v); indexable {
				if bm := ix.values[vk]; bm != nil {
					bm.Remove(id)
					if bm.IsEmpty() {
						delete(ix.values, vk)
					}
				}
			}
		}
	}
	for key, ix := range s.rangeIdx {
		if key.label != e.Label {
			continue
		}
		if v, ok := e.Props[key.prop]; ok {
			if ov, indexable := toOrdered(v); indexable {
				ix.remove(ov, id)
			}
		}
	}
}

// QueryPropertyEq returns the edge ids whose (label, prop) equals value.
// The index must have been built; a nil return means no index exists.
func (s *Store) QueryPropertyEq(label, prop string, value any) ([]uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ix, ok := s.propIndexes[propIndexKey{label, prop}]
	if !ok {
		return nil, false
	}
	key, indexable := valueKey(value)
	if !indexable {
		return []uint64{}, true
	}
	bm := ix.values[key]
	if bm == nil {
		return []uint64{}, true
	}
	out := make([]uint64, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, uint64(it.Next()))
	}
	return out, true
}

// QueryPropertyRange returns edge ids with lo ≤ value ≤ hi (bounds
// optional via nil). The range index must have been built.
func (s *Store) QueryPropertyRange(label, prop string, lo, hi any) ([]uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ix, ok := s.rangeIdx[rangeIndexKey{label, prop}]
	if !ok {
		return nil, false
	}

	var out []uint64
	collect := func(entry rangeEntry) bool {
		if hi != nil {
			if hv, okHi := toOrdered(hi); okHi && hv.less(entry.key) {
				return false
			}
		}
		it := entry.bm.Iterator()
		for it.HasNext() {
			out = append(out, uint64(it.Next()))
		}
		return true
	}
	if lo != nil {
		if lv, okLo := toOrdered(lo); okLo {
			ix.tree.AscendGreaterOrEqual(rangeEntry{key: lv}, collect)
			return out, true
		}
	}
	ix.tree.Ascend(collect)
	return out, true
}
