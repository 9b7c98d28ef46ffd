package collection

import (
	"sort"
	"sync"

	"github.com/velesdb/velesdb/pkg/columnstore"
	"github.com/velesdb/velesdb/pkg/graph"
	"github.com/velesdb/velesdb/pkg/hnsw"
	"github.com/velesdb/velesdb/pkg/velesql"
)

// queryBackend adapts a collection (plus the database's column store)
// to the VelesQL executor surface.
type queryBackend struct {
	c *Collection

	tablesMu sync.RWMutex
	tables   *columnstore.Store
}

var _ velesql.Backend = (*queryBackend)(nil)

func (b *queryBackend) ScanPayloads(fn func(id uint64, payload map[string]any) bool) error {
	b.c.mu.RLock()
	ids := b.c.payloads.IDs()
	b.c.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		payload, ok := b.c.decodePayload(id)
		if !ok {
			continue
		}
		if !fn(id, payload) {
			return nil
		}
	}
	return nil
}

func (b *queryBackend) Payload(id uint64) (map[string]any, bool) {
	return b.c.decodePayload(id)
}

func (b *queryBackend) VectorSearch(query []float32, k int) ([]velesql.IDScore, error) {
	ef := hnsw.Balanced.EfSearch(k)
	hits, err := b.c.Search(query, k, SearchOptions{EfSearch: ef})
	if err != nil {
		return nil, err
	}
	out := make([]velesql.IDScore, len(hits))
	for i, h := range hits {
		out[i] = velesql.IDScore{ID: h.ID, Score: h.Score}
	}
	return out, nil
}

func (b *queryBackend) TextSearch(query string, k int) ([]velesql.IDScore, error) {
	hits := b.c.TextSearch(query, k, nil)
	out := make([]velesql.IDScore, len(hits))
	for i, h := range hits {
		out[i] = velesql.IDScore{ID: h.ID, Score: h.Score}
	}
	return out, nil
}

func (b *queryBackend) LikeCandidates(pattern string) ([]uint64, bool) {
	bm, ok := b.c.trigrams.SearchLike(pattern)
	if !ok {
		return nil, false
	}
	out := make([]uint64, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, uint64(it.Next()))
	}
	return out, true
}

func (b *queryBackend) Graph() *graph.Store { return b.c.graphs }

func (b *queryBackend) JoinTable(name string) (velesql.JoinTable, bool) {
	b.tablesMu.RLock()
	tables := b.tables
	b.tablesMu.RUnlock()
	if tables == nil {
		return nil, false
	}
	return tables.Table(name), true
}

func (b *queryBackend) Count() uint64 { return uint64(b.c.Count()) }

var executorMu sync.Mutex

// executorFor lazily builds and caches the VelesQL executor so runtime
// statistics accumulate across queries; the side-table handle is
// refreshed on every call.
func (c *Collection) executorFor(tables *columnstore.Store) *velesql.Executor {
	executorMu.Lock()
	defer executorMu.Unlock()
	if c.queryExec == nil {
		c.queryBack = &queryBackend{c: c}
		c.queryExec = velesql.NewExecutor(c.queryBack)
	}
	if tables != nil {
		c.queryBack.tablesMu.Lock()
		c.queryBack.tables = tables
		c.queryBack.tablesMu.Unlock()
	}
	return c.queryExec
}

// Query parses, validates and executes a VelesQL statement against
// this collection. tables may be nil when no JOIN is used.
func (c *Collection) Query(src string, params map[string]any, tables *columnstore.Store) (*velesql.ResultSet, error) {
	stmt, err := velesql.Parse(src)
	if err != nil {
		return nil, err
	}
	return c.executorFor(tables).Execute(stmt, params)
}
