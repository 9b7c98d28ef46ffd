package hnsw

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/velesdb/velesdb/pkg/quant"
	"github.com/velesdb/velesdb/pkg/simd"
)

// Snapshot file names inside the index directory.
const (
	GraphFile    = "native_hnsw"
	MappingsFile = "native_mappings.bin"
	MetaFile     = "native_meta.bin"
)

const (
	snapshotMagic   = 0x56484E57 // "VHNW"
	snapshotVersion = 1
)

// snapshotMappings is the gob form of the id↔idx state.
type snapshotMappings struct {
	IDToIdx map[uint64]uint64
	Next    uint64
}

// snapshotMeta describes the index configuration. HasVectors records
// whether the snapshot expects full-precision vectors to be reloadable
// from vector storage.
type snapshotMeta struct {
	Dim        int
	Metric     string
	Mode       string
	FastInsert bool
	HasVectors bool
	M          int
	EfConstr   int
}

// SaveDir serializes the graph, mappings and metadata into dir. Each
// file is written to a temp name and renamed, so a crash leaves either
// the old or the new snapshot.
func (ix *Index) SaveDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create hnsw dir: %w", err)
	}
	if err := ix.saveGraph(filepath.Join(dir, GraphFile)); err != nil {
		return err
	}
	if err := ix.saveMappings(filepath.Join(dir, MappingsFile)); err != nil {
		return err
	}
	return ix.saveMeta(filepath.Join(dir, MetaFile))
}

func (ix *Index) saveGraph(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create graph snapshot: %w", err)
	}
	w := bufio.NewWriter(f)

	ix.mu.RLock()
	nodes := ix.nodes
	entry := ix.entryPoint
	hasEntry := ix.hasEntry
	maxLevel := ix.maxLevel
	ix.mu.RUnlock()

	writeU32 := func(v uint32) { binary.Write(w, binary.LittleEndian, v) }
	writeU64 := func(v uint64) { binary.Write(w, binary.LittleEndian, v) }

	writeU32(snapshotMagic)
	writeU32(snapshotVersion)
	writeU32(uint32(ix.cfg.Params.M))
	writeU32(uint32(ix.cfg.Params.EfConstruction))
	writeU64(uint64(len(nodes)))
	writeU64(entry)
	if hasEntry {
		writeU32(1)
	} else {
		writeU32(0)
	}
	writeU32(uint32(maxLevel))

	for _, n := range nodes {
		if n == nil {
			writeU32(0)
			continue
		}
		writeU32(1)
		if n.deleted.Load() {
			writeU32(1)
		} else {
			writeU32(0)
		}
		n.mu.RLock()
		writeU32(uint32(n.level))
		for l := 0; l <= n.level; l++ {
			writeU32(uint32(len(n.neighbors[l])))
			for _, nb := range n.neighbors[l] {
				writeU64(nb)
			}
		}
		n.mu.RUnlock()
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write graph snapshot: %w", err)
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

func (ix *Index) saveMappings(path string) error {
	idToIdx, next := ix.ids.snapshot()
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create mappings snapshot: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(snapshotMappings{IDToIdx: idToIdx, Next: next}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode mappings: %w", err)
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

func (ix *Index) saveMeta(path string) error {
	meta := snapshotMeta{
		Dim:        ix.cfg.Dim,
		Metric:     ix.cfg.Metric.String(),
		Mode:       ix.cfg.Mode.String(),
		FastInsert: ix.cfg.FastInsert,
		HasVectors: ix.vecs != nil,
		M:          ix.cfg.Params.M,
		EfConstr:   ix.cfg.Params.EfConstruction,
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create meta snapshot: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(meta); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode meta: %w", err)
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

// VectorSource supplies full-precision vectors during load. Vectors are
// reloaded from vector storage, never from the index snapshot.
type VectorSource func(id uint64) ([]float32, bool)

// LoadDir reconstructs an index from a snapshot directory. Every live
// id must be resolvable through source; a missing vector is a corrupt
// deployment and fails the open with the offending file reported.
func LoadDir(dir string, source VectorSource) (*Index, error) {
	metaPath := filepath.Join(dir, MetaFile)
	mf, err := os.Open(metaPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", metaPath, err)
	}
	var meta snapshotMeta
	if err := gob.NewDecoder(mf).Decode(&meta); err != nil {
		mf.Close()
		return nil, fmt.Errorf("decode %s: %w", metaPath, err)
	}
	mf.Close()

	metric, ok := simd.ParseMetric(meta.Metric)
	if !ok {
		return nil, fmt.Errorf("%s: unknown metric %q", metaPath, meta.Metric)
	}
	mode, err := quant.ParseStorageMode(meta.Mode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", metaPath, err)
	}

	ix := New(Config{
		Dim:        meta.Dim,
		Metric:     metric,
		Params:     Params{M: meta.M, EfConstruction: meta.EfConstr, MaxElements: 0},
		Mode:       mode,
		FastInsert: meta.FastInsert,
	})

	mapPath := filepath.Join(dir, MappingsFile)
	pf, err := os.Open(mapPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", mapPath, err)
	}
	var maps snapshotMappings
	if err := gob.NewDecoder(pf).Decode(&maps); err != nil {
		pf.Close()
		return nil, fmt.Errorf("decode %s: %w", mapPath, err)
	}
	pf.Close()
	ix.ids.restore(maps.IDToIdx, maps.Next)

	if err := ix.loadGraph(filepath.Join(dir, GraphFile)); err != nil {
		return nil, err
	}

	// Rebuild the vector and quantized caches from vector storage.
	var missing uint64
	missingFound := false
	ix.ids.Range(func(id, idx uint64) bool {
		vec, ok := source(id)
		if !ok {
			missing, missingFound = id, true
			return false
		}
		stored := vec
		if metric == simd.Cosine {
			stored = simd.Normalize(vec)
		}
		if ix.vecs != nil {
			ix.vecs.Put(idx, stored)
		}
		switch mode {
		case quant.SQ8:
			ix.quantized.Put(idx, quant.QuantizeSQ8(stored))
		case quant.Binary:
			ix.quantized.Put(idx, quant.QuantizeBinary(stored))
		}
		return true
	})
	if missingFound {
		return nil, fmt.Errorf("hnsw: vector storage has no vector for id %d referenced by %s",
			missing, filepath.Join(dir, MappingsFile))
	}
	return ix, nil
}

func (ix *Index) loadGraph(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	readU32 := func() (uint32, error) {
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	}
	readU64 := func() (uint64, error) {
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	}

	corrupt := func(what string) error {
		return fmt.Errorf("hnsw: corrupt snapshot %s: %s", path, what)
	}

	magic, err := readU32()
	if err != nil || magic != snapshotMagic {
		return corrupt("bad magic")
	}
	if v, err := readU32(); err != nil || v != snapshotVersion {
		return corrupt("unsupported version")
	}
	if _, err := readU32(); err != nil { // M, already in meta
		return corrupt("truncated header")
	}
	if _, err := readU32(); err != nil { // ef_construction
		return corrupt("truncated header")
	}
	count, err := readU64()
	if err != nil {
		return corrupt("truncated header")
	}
	entry, err := readU64()
	if err != nil {
		return corrupt("truncated header")
	}
	hasEntry, err := readU32()
	if err != nil {
		return corrupt("truncated header")
	}
	maxLevel, err := readU32()
	if err != nil {
		return corrupt("truncated header")
	}

	nodes := make([]*node, count)
	for i := uint64(0); i < count; i++ {
		present, err := readU32()
		if err != nil {
			return corrupt("truncated node table")
		}
		if present == 0 {
			continue
		}
		deleted, err := readU32()
		if err != nil {
			return corrupt("truncated node table")
		}
		level, err := readU32()
		if err != nil {
			return corrupt("truncated node table")
		}
		n := &node{level: int(level), neighbors: make([][]uint64, level+1)}
		n.deleted.Store(deleted == 1)
		if deleted == 1 {
			ix.tombstones.Add(1)
		}
		for l := uint32(0); l <= level; l++ {
			cnt, err := readU32()
			if err != nil {
				return corrupt("truncated adjacency")
			}
			list := make([]uint64, cnt)
			for j := uint32(0); j < cnt; j++ {
				nb, err := readU64()
				if err != nil {
					return corrupt("truncated adjacency")
				}
				list[j] = nb
			}
			n.neighbors[l] = list
		}
		nodes[i] = n
	}

	ix.mu.Lock()
	ix.nodes = nodes
	ix.entryPoint = entry
	ix.hasEntry = hasEntry == 1
	ix.maxLevel = int(maxLevel)
	ix.mu.Unlock()
	return nil
}
