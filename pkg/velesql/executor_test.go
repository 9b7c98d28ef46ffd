package velesql

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velesdb/velesdb/pkg/graph"
	"github.com/velesdb/velesdb/pkg/simd"
)

// fakeBackend is an in-memory Backend for executor tests.
type fakeBackend struct {
	payloads map[uint64]map[string]any
	vectors  map[uint64][]float32
	texts    map[uint64]string
	graph    *graph.Store
	tables   map[string]map[uint64]map[string]any
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		payloads: make(map[uint64]map[string]any),
		vectors:  make(map[uint64][]float32),
		texts:    make(map[uint64]string),
		tables:   make(map[string]map[uint64]map[string]any),
	}
}

func (b *fakeBackend) ScanPayloads(fn func(uint64, map[string]any) bool) error {
	ids := make([]uint64, 0, len(b.payloads))
	for id := range b.payloads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if !fn(id, b.payloads[id]) {
			return nil
		}
	}
	return nil
}

func (b *fakeBackend) Payload(id uint64) (map[string]any, bool) {
	p, ok := b.payloads[id]
	return p, ok
}

func (b *fakeBackend) VectorSearch(query []float32, k int) ([]IDScore, error) {
	var hits []IDScore
	for id, v := range b.vectors {
		hits = append(hits, IDScore{ID: id, Score: float64(simd.Similarity(simd.Cosine, query, v))})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (b *fakeBackend) TextSearch(query string, k int) ([]IDScore, error) {
	var hits []IDScore
	for id, text := range b.texts {
		if strings.Contains(strings.ToLower(text), strings.ToLower(query)) {
			hits = append(hits, IDScore{ID: id, Score: 1})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (b *fakeBackend) LikeCandidates(pattern string) ([]uint64, bool) {
	return nil, false
}

func (b *fakeBackend) Graph() *graph.Store { return b.graph }

func (b *fakeBackend) JoinTable(name string) (JoinTable, bool) {
	t, ok := b.tables[name]
	if !ok {
		return nil, false
	}
	return fakeTable(t), true
}

func (b *fakeBackend) Count() uint64 { return uint64(len(b.payloads)) }

type fakeTable map[uint64]map[string]any

func (t fakeTable) GetBatch(keys []uint64) (map[uint64]map[string]any, error) {
	out := make(map[uint64]map[string]any)
	for _, k := range keys {
		if row, ok := t[k]; ok {
			out[k] = row
		}
	}
	return out, nil
}

func docsBackend() *fakeBackend {
	b := newFakeBackend()
	b.payloads[1] = map[string]any{"category": "A", "stars": float64(5), "title": "rust memory"}
	b.payloads[2] = map[string]any{"category": "B", "stars": float64(3), "title": "python web"}
	b.payloads[3] = map[string]any{"category": "A", "stars": float64(9), "title": "rust async"}
	b.payloads[4] = map[string]any{"category": "C", "stars": float64(1), "title": "go services"}
	return b
}

func exec(t *testing.T, b Backend, src string, params map[string]any) *ResultSet {
	t.Helper()
	stmt := mustParse(t, src)
	rs, err := NewExecutor(b).Execute(stmt, params)
	require.NoError(t, err)
	return rs
}

func rowIDs(rs *ResultSet) []uint64 {
	out := make([]uint64, len(rs.Rows))
	for i, r := range rs.Rows {
		out[i] = r.ID
	}
	return out
}

func TestExecuteScanFilter(t *testing.T) {
	rs := exec(t, docsBackend(), "SELECT * FROM docs WHERE category = 'A'", nil)
	assert.Equal(t, []uint64{1, 3}, rowIDs(rs))

	rs = exec(t, docsBackend(), "SELECT * FROM docs WHERE stars > 2 AND category != 'B'", nil)
	assert.Equal(t, []uint64{1, 3}, rowIDs(rs))

	rs = exec(t, docsBackend(), "SELECT * FROM docs", nil)
	assert.Len(t, rs.Rows, 4)
}

func TestExecuteDistinctFirstSeenOrder(t *testing.T) {
	// Categories appear as A, B, A, C by id: DISTINCT keeps A, B, C.
	rs := exec(t, docsBackend(), "SELECT DISTINCT category FROM docs", nil)
	require.Len(t, rs.Rows, 3)
	var cats []string
	for _, r := range rs.Rows {
		cats = append(cats, r.Payload["category"].(string))
	}
	assert.Equal(t, []string{"A", "B", "C"}, cats)
}

func TestExecuteOrderByLimit(t *testing.T) {
	rs := exec(t, docsBackend(), "SELECT * FROM docs ORDER BY stars DESC LIMIT 2", nil)
	assert.Equal(t, []uint64{3, 1}, rowIDs(rs))
}

func TestExecuteLike(t *testing.T) {
	rs := exec(t, docsBackend(), "SELECT * FROM docs WHERE title LIKE '%rust%'", nil)
	assert.Equal(t, []uint64{1, 3}, rowIDs(rs))
}

func TestExecuteInAndBetween(t *testing.T) {
	rs := exec(t, docsBackend(), "SELECT * FROM docs WHERE category IN ('B', 'C')", nil)
	assert.Equal(t, []uint64{2, 4}, rowIDs(rs))

	rs = exec(t, docsBackend(), "SELECT * FROM docs WHERE stars BETWEEN 3 AND 5", nil)
	assert.Equal(t, []uint64{1, 2}, rowIDs(rs))
}

func TestExecuteTextMatch(t *testing.T) {
	b := docsBackend()
	b.texts[1] = "rust memory"
	b.texts[3] = "rust async"
	rs := exec(t, b, "SELECT * FROM docs WHERE title MATCH 'rust'", nil)
	assert.ElementsMatch(t, []uint64{1, 3}, rowIDs(rs))

	// Residual predicate applies after the text search.
	rs = exec(t, b, "SELECT * FROM docs WHERE title MATCH 'rust' AND stars > 6", nil)
	assert.Equal(t, []uint64{3}, rowIDs(rs))
}

func TestExecuteSimilarity(t *testing.T) {
	b := docsBackend()
	b.vectors[1] = []float32{1, 0, 0, 0}
	b.vectors[2] = []float32{0, 1, 0, 0}
	b.vectors[3] = []float32{0.95, 0.05, 0, 0}
	b.vectors[4] = []float32{0, 0, 1, 0}

	rs := exec(t, b,
		"SELECT * FROM docs WHERE similarity(embedding, $q) > 0.9 LIMIT 10",
		map[string]any{"q": []float32{1, 0, 0, 0}})
	assert.Equal(t, []uint64{1, 3}, rowIDs(rs))
	assert.Greater(t, rs.Rows[0].Score, rs.Rows[1].Score)

	// Residual metadata predicate composes with the vector path.
	rs = exec(t, b,
		"SELECT * FROM docs WHERE similarity(embedding, $q) > 0.9 AND stars > 6 LIMIT 10",
		map[string]any{"q": []float32{1, 0, 0, 0}})
	assert.Equal(t, []uint64{3}, rowIDs(rs))
}

func TestExecuteNear(t *testing.T) {
	b := docsBackend()
	b.vectors[1] = []float32{1, 0, 0, 0}
	b.vectors[2] = []float32{0, 1, 0, 0}
	rs := exec(t, b, "SELECT * FROM docs WHERE embedding NEAR $q LIMIT 1",
		map[string]any{"q": []float64{1, 0, 0, 0}})
	assert.Equal(t, []uint64{1}, rowIDs(rs))
}

func TestExecuteJoinWithPushdown(t *testing.T) {
	b := docsBackend()
	b.payloads[1]["author_id"] = float64(10)
	b.payloads[2]["author_id"] = float64(11)
	b.payloads[3]["author_id"] = float64(10)
	b.tables["authors"] = map[uint64]map[string]any{
		10: {"name": "ada", "country": "FR"},
		11: {"name": "bob", "country": "US"},
	}

	rs := exec(t, b,
		"SELECT * FROM docs JOIN authors ON author_id = authors.id WHERE authors.country = 'FR'", nil)
	assert.ElementsMatch(t, []uint64{1, 3}, rowIDs(rs))
	assert.Equal(t, "ada", rs.Rows[0].Joined["name"])

	// Rows without a matching side-table row drop out (inner join).
	rs = exec(t, b, "SELECT * FROM docs JOIN authors ON author_id = authors.id", nil)
	assert.ElementsMatch(t, []uint64{1, 2, 3}, rowIDs(rs))

	// Mixed predicate stays on the point side.
	rs = exec(t, b,
		"SELECT * FROM docs JOIN authors ON author_id = authors.id WHERE authors.country = 'FR' AND stars > 6", nil)
	assert.Equal(t, []uint64{3}, rowIDs(rs))
}

func TestExecuteUnknownJoinTable(t *testing.T) {
	stmt := mustParse(t, "SELECT * FROM docs JOIN nope ON author_id = nope.id")
	_, err := NewExecutor(docsBackend()).Execute(stmt, nil)
	assert.Error(t, err)
}

func TestSplitJoinPredicates(t *testing.T) {
	sel := mustParse(t,
		"SELECT * FROM docs JOIN authors ON author_id = authors.id WHERE authors.country = 'FR' AND stars > 2",
	).(*SelectStatement)
	tableOnly, rest := SplitJoinPredicates(sel.Where, "authors")
	require.NotNil(t, tableOnly)
	require.NotNil(t, rest)
	assert.Equal(t, "authors.country = 'FR'", tableOnly.String())
	assert.Equal(t, "stars > 2", rest.String())

	// OR trees are never split.
	sel = mustParse(t,
		"SELECT * FROM docs JOIN authors ON author_id = authors.id WHERE authors.country = 'FR' OR stars > 2",
	).(*SelectStatement)
	tableOnly, rest = SplitJoinPredicates(sel.Where, "authors")
	assert.Nil(t, tableOnly)
	require.NotNil(t, rest)
}

func TestExecuteCompound(t *testing.T) {
	b := docsBackend()
	union := exec(t, b,
		"SELECT * FROM docs WHERE category = 'A' UNION SELECT * FROM docs WHERE stars > 2", nil)
	assert.ElementsMatch(t, []uint64{1, 2, 3}, rowIDs(union))

	unionAll := exec(t, b,
		"SELECT * FROM docs WHERE category = 'A' UNION ALL SELECT * FROM docs WHERE stars > 2", nil)
	assert.Len(t, unionAll.Rows, 5)

	intersect := exec(t, b,
		"SELECT * FROM docs WHERE category = 'A' INTERSECT SELECT * FROM docs WHERE stars > 2", nil)
	assert.ElementsMatch(t, []uint64{1, 3}, rowIDs(intersect))

	except := exec(t, b,
		"SELECT * FROM docs WHERE stars > 2 EXCEPT SELECT * FROM docs WHERE category = 'B'", nil)
	assert.ElementsMatch(t, []uint64{1, 3}, rowIDs(except))
}

func TestExecuteMatchGraphFirst(t *testing.T) {
	b := docsBackend()
	for id := range b.payloads {
		b.payloads[id]["label"] = "Doc"
	}
	b.graph = graph.NewStore()
	_, err := b.graph.AddEdge(1, 2, "CITES", nil)
	require.NoError(t, err)
	_, err = b.graph.AddEdge(1, 3, "CITES", nil)
	require.NoError(t, err)
	_, err = b.graph.AddEdge(2, 4, "AUTHORED", nil)
	require.NoError(t, err)

	rs := exec(t, b, "SELECT b FROM docs MATCH (a:Doc)-[r:CITES]->(b:Doc)", nil)
	assert.ElementsMatch(t, []uint64{2, 3}, rowIDs(rs))
	assert.Contains(t, rs.Plan, "GraphFirst")

	// Residual WHERE on the bound node.
	rs = exec(t, b, "SELECT b FROM docs MATCH (a:Doc)-[r:CITES]->(b:Doc) WHERE b.stars > 5", nil)
	assert.Equal(t, []uint64{3}, rowIDs(rs))
}

func TestExecuteMatchVectorFirst(t *testing.T) {
	b := docsBackend()
	for id := range b.payloads {
		b.payloads[id]["label"] = "Doc"
	}
	b.vectors[1] = []float32{1, 0, 0, 0}
	b.vectors[2] = []float32{0, 1, 0, 0}
	b.vectors[3] = []float32{0, 0, 1, 0}
	b.vectors[4] = []float32{0, 0, 0, 1}
	b.graph = graph.NewStore()
	_, err := b.graph.AddEdge(1, 2, "CITES", nil)
	require.NoError(t, err)
	_, err = b.graph.AddEdge(3, 4, "CITES", nil)
	require.NoError(t, err)

	rs := exec(t, b,
		"SELECT b FROM docs MATCH (a:Doc)-[r:CITES]->(b:Doc) WHERE similarity(a.embedding, $q) > 0.9 LIMIT 10",
		map[string]any{"q": []float32{1, 0, 0, 0}})
	assert.Contains(t, rs.Plan, "VectorFirst")
	// Only node 1 passes the threshold; its CITES target is node 2.
	assert.Equal(t, []uint64{2}, rowIDs(rs))
}

func TestExecuteMatchWithoutGraph(t *testing.T) {
	stmt := mustParse(t, "SELECT b FROM docs MATCH (a:Doc)-[r:CITES]->(b:Doc)")
	_, err := NewExecutor(docsBackend()).Execute(stmt, nil)
	assert.Error(t, err)
}

func TestMatchLikePatterns(t *testing.T) {
	tests := []struct {
		s, p string
		want bool
	}{
		{"hello", "hello", true},
		{"hello", "h%", true},
		{"hello", "%llo", true},
		{"hello", "%ell%", true},
		{"hello", "h_llo", true},
		{"hello", "h_y", false},
		{"hello", "%", true},
		{"", "%", true},
		{"", "_", false},
		{"HELLO", "hello", true},
		{"abc", "a%c%", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchLike(tt.s, tt.p), "%q LIKE %q", tt.s, tt.p)
	}
}

func TestExecuteCostCeiling(t *testing.T) {
	b := docsBackend()
	ex := NewExecutor(b)
	ex.MaxCost = 0.0001
	stmt := mustParse(t, "SELECT * FROM docs")
	_, err := ex.Execute(stmt, nil)
	require.Error(t, err)
	var costErr *ErrCostExceeded
	assert.ErrorAs(t, err, &costErr)
}
