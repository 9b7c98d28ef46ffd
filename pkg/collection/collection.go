// Package collection implements the engine that owns one collection:
// vector and payload storage, the HNSW index, the BM25 and trigram text
// indices, the graph layer, and crash-consistent persistence. It
// exposes CRUD, vector/text/hybrid/multi-query search and the VelesQL
// execution backend.
//
// Concurrency: reads take the collection's shared lock and writes the
// exclusive lock. The exclusive lock exists to serialize flush against
// mutation; inside the HNSW index finer-grained sharded locks admit
// parallel writers.
package collection

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/velesdb/velesdb/pkg/graph"
	"github.com/velesdb/velesdb/pkg/hnsw"
	"github.com/velesdb/velesdb/pkg/quant"
	"github.com/velesdb/velesdb/pkg/simd"
	"github.com/velesdb/velesdb/pkg/storage"
	"github.com/velesdb/velesdb/pkg/text"
	"github.com/velesdb/velesdb/pkg/velesql"
)

// On-disk names inside the collection directory.
const (
	configFile       = "config.json"
	vectorsDataFile  = "vectors.data"
	vectorsWALFile   = "vectors.wal"
	payloadsDataFile = "payloads.data"
	payloadsWALFile  = "payloads.wal"
	payloadsIdxFile  = "payloads.index"
	hnswDir          = "hnsw"
	bm25File         = "text.bm25"
	trigramFile      = "text.trigram"
	graphEdgesFile   = "graph.edges"
	graphPropsFile   = "graph.props"
)

// payloadCacheSize bounds the decoded-payload LRU.
const payloadCacheSize = 4096

// Point is one stored item.
type Point struct {
	ID      uint64
	Vector  []float32
	Payload map[string]any
}

// Collection owns the storage and indices of one named collection.
type Collection struct {
	mu  sync.RWMutex
	cfg Config
	dir string

	metric simd.Metric
	mode   quant.StorageMode

	vectors  *storage.VectorStore // nil when metadata-only
	payloads *storage.PayloadStore
	index    *hnsw.Index // nil when metadata-only
	bm25     *text.BM25Index
	trigrams *text.TrigramIndex
	graphs   *graph.Store

	payloadCache *lru.Cache[uint64, map[string]any]
	queryExec    *velesql.Executor
	queryBack    *queryBackend
	log          *slog.Logger
	closed       bool
}

// Create initializes a new collection directory and opens it.
func Create(dir string, cfg Config) (*Collection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create collection dir: %w", err)
	}
	cfgPath := filepath.Join(dir, configFile)
	if _, err := os.Stat(cfgPath); err == nil {
		return nil, fmt.Errorf("collection at %s already exists", dir)
	}
	if err := saveConfig(cfgPath, cfg); err != nil {
		return nil, err
	}
	return Open(dir)
}

// Open loads a collection from its directory, replaying WALs and
// reconciling indices with storage.
func Open(dir string) (*Collection, error) {
	cfg, err := loadConfig(filepath.Join(dir, configFile))
	if err != nil {
		return nil, err
	}
	metric, _ := simd.ParseMetric(cfg.metricOrDefault())
	mode, err := quant.ParseStorageMode(cfg.StorageMode)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[uint64, map[string]any](payloadCacheSize)
	if err != nil {
		return nil, err
	}
	c := &Collection{
		cfg:          cfg,
		dir:          dir,
		metric:       metric,
		mode:         mode,
		payloadCache: cache,
		log:          slog.With("component", "collection", "name", cfg.Name),
	}

	c.payloads, err = storage.OpenPayloadStore(
		filepath.Join(dir, payloadsDataFile),
		filepath.Join(dir, payloadsIdxFile),
		filepath.Join(dir, payloadsWALFile),
	)
	if err != nil {
		return nil, err
	}

	if !cfg.MetadataOnly {
		c.vectors, err = storage.OpenVectorStore(
			filepath.Join(dir, vectorsDataFile),
			filepath.Join(dir, vectorsWALFile),
			cfg.Dimension,
		)
		if err != nil {
			c.payloads.Close()
			return nil, err
		}
		if err := c.openIndex(); err != nil {
			c.closeStores()
			return nil, err
		}
	}

	if err := c.openTextIndices(); err != nil {
		c.closeStores()
		return nil, err
	}

	c.graphs, err = graph.Load(
		filepath.Join(dir, graphEdgesFile),
		filepath.Join(dir, graphPropsFile),
	)
	if err != nil {
		c.closeStores()
		return nil, err
	}

	c.log.Debug("collection opened",
		"points", c.payloads.Count(),
		"metric", metric.String(),
		"mode", mode.String())
	return c, nil
}

// openIndex loads the HNSW snapshot or rebuilds the graph from vector
// storage when no snapshot exists yet.
func (c *Collection) openIndex() error {
	snapDir := filepath.Join(c.dir, hnswDir)
	source := func(id uint64) ([]float32, bool) { return c.vectors.Get(id) }

	if _, err := os.Stat(filepath.Join(snapDir, hnsw.MetaFile)); err == nil {
		ix, err := hnsw.LoadDir(snapDir, source)
		if err != nil {
			return err
		}
		c.index = ix
		// Index unflushed WAL survivors that the snapshot predates.
		for _, id := range c.vectors.IDs() {
			if !ix.Contains(id) {
				vec, _ := c.vectors.Get(id)
				if err := ix.Insert(id, vec); err != nil {
					return err
				}
			}
		}
		return nil
	}

	ix := hnsw.New(hnsw.Config{
		Dim:        c.cfg.Dimension,
		Metric:     c.metric,
		Params:     c.cfg.hnswParams(),
		Mode:       c.mode,
		FastInsert: c.cfg.FastInsert,
	})
	for _, id := range c.vectors.IDs() {
		vec, _ := c.vectors.Get(id)
		if err := ix.Insert(id, vec); err != nil {
			return err
		}
	}
	c.index = ix
	return nil
}

// openTextIndices loads the text snapshots and reconciles them with
// payload storage, re-projecting documents the snapshots predate.
func (c *Collection) openTextIndices() error {
	var err error
	c.bm25, err = text.LoadBM25Index(filepath.Join(c.dir, bm25File))
	if err != nil {
		return err
	}
	c.trigrams, err = text.LoadTrigramIndex(filepath.Join(c.dir, trigramFile))
	if err != nil {
		return err
	}
	for _, id := range c.payloads.IDs() {
		payload, ok := c.decodePayload(id)
		if !ok {
			continue
		}
		c.indexText(id, payload)
	}
	return nil
}

// Name reports the collection name.
func (c *Collection) Name() string { return c.cfg.Name }

// Dimension reports the fixed vector dimension.
func (c *Collection) Dimension() int { return c.cfg.Dimension }

// Metric reports the distance metric.
func (c *Collection) Metric() simd.Metric { return c.metric }

// Count reports the number of live points.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0
	}
	return c.payloads.Count()
}

// Graph exposes the edge store.
func (c *Collection) Graph() *graph.Store { return c.graphs }

// Upsert inserts or replaces points. A replaced id swaps its vector,
// quantized form, payload and text entries atomically with respect to
// concurrent readers.
func (c *Collection) Upsert(points []Point) error {
	if err := c.validatePoints(points); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for i := range points {
		if err := c.upsertOne(&points[i]); err != nil {
			return err
		}
	}
	return nil
}

// UpsertBulk is the optimized batch path: one WAL record per storage
// batch, parallel HNSW insertion, no snapshot fsync.
func (c *Collection) UpsertBulk(points []Point) error {
	if err := c.validatePoints(points); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	ids := make([]uint64, len(points))
	docs := make([][]byte, len(points))
	vecs := make([][]float32, len(points))
	for i, p := range points {
		ids[i] = p.ID
		data, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("encode payload %d: %w", p.ID, err)
		}
		docs[i] = data
		vecs[i] = p.Vector
		// Replacement semantics for ids already present.
		if c.index != nil && c.index.Contains(p.ID) {
			c.index.Delete(p.ID)
		}
	}

	if c.vectors != nil {
		if err := c.vectors.SetBatch(ids, vecs); err != nil {
			return err
		}
	}
	if err := c.payloads.SetBatch(ids, docs); err != nil {
		return err
	}
	if c.index != nil {
		if err := c.index.InsertBatch(ids, vecs); err != nil {
			return err
		}
	}
	for i, p := range points {
		c.payloadCache.Remove(ids[i])
		c.indexText(p.ID, p.Payload)
	}
	return nil
}

func (c *Collection) validatePoints(points []Point) error {
	for _, p := range points {
		if c.cfg.MetadataOnly {
			if len(p.Vector) != 0 {
				return &VectorNotAllowedError{Collection: c.cfg.Name}
			}
			continue
		}
		if len(p.Vector) != c.cfg.Dimension {
			return &DimensionMismatchError{Expected: c.cfg.Dimension, Actual: len(p.Vector)}
		}
	}
	return nil
}

func (c *Collection) upsertOne(p *Point) error {
	data, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("encode payload %d: %w", p.ID, err)
	}
	if c.vectors != nil {
		if err := c.vectors.Set(p.ID, p.Vector); err != nil {
			return err
		}
	}
	if err := c.payloads.Set(p.ID, data); err != nil {
		return err
	}
	if c.index != nil {
		if c.index.Contains(p.ID) {
			c.index.Delete(p.ID)
		}
		if err := c.index.Insert(p.ID, p.Vector); err != nil {
			return err
		}
	}
	c.payloadCache.Remove(p.ID)
	c.indexText(p.ID, p.Payload)
	return nil
}

// indexText projects the payload and refreshes both text indices. A
// payload that cannot be projected is skipped, not fatal.
func (c *Collection) indexText(id uint64, payload map[string]any) {
	projection := textProjection(payload, c.cfg.TextFields)
	if projection == "" {
		c.bm25.Remove(id)
		c.trigrams.Remove(id)
		return
	}
	c.bm25.Add(id, projection)
	if err := c.trigrams.Add(id, projection); err != nil {
		c.log.Warn("trigram indexing skipped", "id", id, "error", err)
	}
}

// Delete removes points from every index and the graph layer. Missing
// ids are ignored.
func (c *Collection) Delete(ids []uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for _, id := range ids {
		if c.vectors != nil {
			if err := c.vectors.Delete(id); err != nil {
				return err
			}
		}
		if err := c.payloads.Delete(id); err != nil {
			return err
		}
		if c.index != nil {
			c.index.Delete(id)
		}
		c.bm25.Remove(id)
		c.trigrams.Remove(id)
		c.graphs.DeleteNodeEdges(id)
		c.payloadCache.Remove(id)
	}
	return nil
}

// Get returns points aligned with the input ids; missing ids yield nil
// entries.
func (c *Collection) Get(ids []uint64) []*Point {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return make([]*Point, len(ids))
	}
	out := make([]*Point, len(ids))
	for i, id := range ids {
		payload, ok := c.decodePayload(id)
		if !ok {
			continue
		}
		p := &Point{ID: id, Payload: payload}
		if c.vectors != nil {
			if vec, vok := c.vectors.Get(id); vok {
				p.Vector = vec
			} else {
				// Index ⇔ storage consistency: payload without vector
				// means the point is gone.
				continue
			}
		}
		out[i] = p
	}
	return out
}

// decodePayload reads through the LRU cache.
func (c *Collection) decodePayload(id uint64) (map[string]any, bool) {
	if cached, ok := c.payloadCache.Get(id); ok {
		return cached, true
	}
	raw, ok := c.payloads.Get(id)
	if !ok {
		return nil, false
	}
	var payload map[string]any
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &payload); err != nil {
			c.log.Warn("bad payload skipped", "id", id, "error", err)
			return nil, false
		}
	}
	c.payloadCache.Add(id, payload)
	return payload, true
}

// Vacuum rebuilds the ANN graph without tombstones. Only available
// while full-precision vectors are retained.
func (c *Collection) Vacuum() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.index == nil {
		return nil
	}
	return c.index.Vacuum()
}

// Flush makes all state durable: storage WALs and data files are
// fsynced, the HNSW snapshot directory is rewritten atomically, and the
// text and graph snapshots are rewritten temp+rename.
func (c *Collection) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.vectors != nil {
		if err := c.vectors.Flush(); err != nil {
			return err
		}
	}
	if err := c.payloads.Flush(); err != nil {
		return err
	}
	if c.index != nil {
		if err := c.index.SaveDir(filepath.Join(c.dir, hnswDir)); err != nil {
			return err
		}
	}
	if err := c.bm25.Save(filepath.Join(c.dir, bm25File)); err != nil {
		return err
	}
	if err := c.trigrams.Save(filepath.Join(c.dir, trigramFile)); err != nil {
		return err
	}
	if err := c.graphs.Save(
		filepath.Join(c.dir, graphEdgesFile),
		filepath.Join(c.dir, graphPropsFile),
	); err != nil {
		return err
	}
	return nil
}

// Close releases every handle without flushing.
func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.closeStores()
}

func (c *Collection) closeStores() error {
	var first error
	if c.vectors != nil {
		if err := c.vectors.Close(); err != nil && first == nil {
			first = err
		}
	}
	if c.payloads != nil {
		if err := c.payloads.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
