package collection

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velesdb/velesdb/pkg/filter"
)

func testConfig(name string, dim int) Config {
	return Config{Name: name, Dimension: dim, Metric: "cosine", StorageMode: "full"}
}

func newTestCollection(t *testing.T, cfg Config) *Collection {
	t.Helper()
	c, err := Create(filepath.Join(t.TempDir(), cfg.Name), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUpsertGetRoundTrip(t *testing.T) {
	c := newTestCollection(t, testConfig("docs", 4))
	p := Point{ID: 1, Vector: []float32{1, 2, 3, 4}, Payload: map[string]any{"k": "v"}}
	require.NoError(t, c.Upsert([]Point{p}))

	got := c.Get([]uint64{1})
	require.Len(t, got, 1)
	require.NotNil(t, got[0])
	assert.Equal(t, uint64(1), got[0].ID)
	assert.Equal(t, []float32{1, 2, 3, 4}, got[0].Vector)
	assert.Equal(t, "v", got[0].Payload["k"])
}

func TestUpsertReplacement(t *testing.T) {
	c := newTestCollection(t, testConfig("docs", 2))
	require.NoError(t, c.Upsert([]Point{{ID: 1, Vector: []float32{1, 0}, Payload: map[string]any{"v": float64(1)}}}))
	require.NoError(t, c.Upsert([]Point{{ID: 1, Vector: []float32{0, 1}, Payload: map[string]any{"v": float64(2)}}}))

	got := c.Get([]uint64{1})
	require.NotNil(t, got[0])
	assert.Equal(t, []float32{0, 1}, got[0].Vector)
	assert.Equal(t, float64(2), got[0].Payload["v"])
	assert.Equal(t, 1, c.Count())

	// The replaced vector is what search sees.
	res, err := c.Search([]float32{0, 1}, 1, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(1), res[0].ID)
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	c := newTestCollection(t, testConfig("docs", 2))
	require.NoError(t, c.Upsert([]Point{
		{ID: 1, Vector: []float32{1, 0}, Payload: map[string]any{"text": "hello world"}},
		{ID: 2, Vector: []float32{0, 1}, Payload: map[string]any{"text": "other"}},
	}))
	_, err := c.Graph().AddEdge(1, 2, "REL", nil)
	require.NoError(t, err)

	require.NoError(t, c.Delete([]uint64{1}))
	got := c.Get([]uint64{1})
	assert.Nil(t, got[0])
	assert.Equal(t, 1, c.Count())
	assert.Empty(t, c.TextSearch("hello", 5, nil))
	assert.Zero(t, c.Graph().EdgeCount())

	res, err := c.Search([]float32{1, 0}, 2, SearchOptions{})
	require.NoError(t, err)
	for _, r := range res {
		assert.NotEqual(t, uint64(1), r.ID)
	}
}

func TestGetAlignmentWithMissing(t *testing.T) {
	c := newTestCollection(t, testConfig("docs", 2))
	require.NoError(t, c.Upsert([]Point{{ID: 5, Vector: []float32{1, 1}}}))
	got := c.Get([]uint64{4, 5, 6})
	require.Len(t, got, 3)
	assert.Nil(t, got[0])
	require.NotNil(t, got[1])
	assert.Nil(t, got[2])
}

func TestDimensionMismatchRejected(t *testing.T) {
	c := newTestCollection(t, testConfig("docs", 4))
	err := c.Upsert([]Point{{ID: 1, Vector: []float32{1, 0}}})
	var dim *DimensionMismatchError
	require.ErrorAs(t, err, &dim)
	assert.Equal(t, 4, dim.Expected)
	assert.Equal(t, 2, dim.Actual)

	_, err = c.Search([]float32{1}, 1, SearchOptions{})
	require.ErrorAs(t, err, &dim)
}

func TestMetadataOnlyCollection(t *testing.T) {
	c := newTestCollection(t, Config{Name: "meta", MetadataOnly: true, Metric: "cosine"})
	require.NoError(t, c.Upsert([]Point{{ID: 1, Payload: map[string]any{"k": "v"}}}))

	err := c.Upsert([]Point{{ID: 2, Vector: []float32{1}, Payload: nil}})
	var vna *VectorNotAllowedError
	require.ErrorAs(t, err, &vna)

	_, err = c.Search([]float32{1}, 1, SearchOptions{})
	require.ErrorAs(t, err, &vna)

	got := c.Get([]uint64{1})
	require.NotNil(t, got[0])
	assert.Equal(t, "v", got[0].Payload["k"])
}

func TestSearchOrdering(t *testing.T) {
	// Scenario: D=4 cosine, three unit basis vectors.
	c := newTestCollection(t, testConfig("docs", 4))
	require.NoError(t, c.Upsert([]Point{
		{ID: 1, Vector: []float32{1, 0, 0, 0}},
		{ID: 2, Vector: []float32{0, 1, 0, 0}},
		{ID: 3, Vector: []float32{0, 0, 1, 0}},
	}))

	res, err := c.Search([]float32{1, 0, 0, 0}, 2, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, uint64(1), res[0].ID)
	assert.Contains(t, []uint64{2, 3}, res[1].ID)
	assert.Greater(t, res[0].Score, res[1].Score)
}

func TestSearchWithFilter(t *testing.T) {
	c := newTestCollection(t, testConfig("docs", 2))
	require.NoError(t, c.Upsert([]Point{
		{ID: 1, Vector: []float32{1, 0}, Payload: map[string]any{"lang": "rust"}},
		{ID: 2, Vector: []float32{0.9, 0.1}, Payload: map[string]any{"lang": "go"}},
	}))
	res, err := c.Search([]float32{1, 0}, 2, SearchOptions{Filter: filter.Eq("lang", "go")})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(2), res[0].ID)
}

func TestSelfRetrievalWithRerank(t *testing.T) {
	cfg := testConfig("docs", 8)
	cfg.StorageMode = "sq8"
	c := newTestCollection(t, cfg)

	var points []Point
	for i := 1; i <= 200; i++ {
		v := make([]float32, 8)
		v[0] = 1 + float32(i)/200
		for j := 1; j < len(v); j++ {
			v[j] = float32((i*7+j*13)%97) / 97
		}
		points = append(points, Point{ID: uint64(i), Vector: v})
	}
	require.NoError(t, c.UpsertBulk(points))

	hits := 0
	for i := 0; i < 30; i++ {
		res, err := c.SearchWithRerank(points[i].Vector, 1)
		require.NoError(t, err)
		require.NotEmpty(t, res)
		if res[0].ID == points[i].ID {
			hits++
		}
	}
	assert.GreaterOrEqual(t, hits, 28, "exact re-rank self-retrieval")
}

func TestTextSearch(t *testing.T) {
	c := newTestCollection(t, testConfig("docs", 2))
	require.NoError(t, c.Upsert([]Point{
		{ID: 1, Vector: []float32{1, 0}, Payload: map[string]any{"text": "rust memory"}},
		{ID: 2, Vector: []float32{0, 1}, Payload: map[string]any{"text": "python web"}},
	}))
	res := c.TextSearch("rust", 5, nil)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(1), res[0].ID)
}

func TestHybridSearchScenario(t *testing.T) {
	// Two rust docs cluster in vector space; the python doc is far.
	c := newTestCollection(t, testConfig("docs", 4))
	require.NoError(t, c.Upsert([]Point{
		{ID: 1, Vector: []float32{1, 0.1, 0, 0}, Payload: map[string]any{"text": "rust memory"}},
		{ID: 2, Vector: []float32{0, 0, 1, 0.2}, Payload: map[string]any{"text": "python web"}},
		{ID: 3, Vector: []float32{0.9, 0.2, 0, 0}, Payload: map[string]any{"text": "rust async"}},
	}))

	res, err := c.HybridSearch([]float32{1, 0.15, 0, 0}, "rust", 2, 0.5)
	require.NoError(t, err)
	require.Len(t, res, 2)
	ids := []uint64{res[0].ID, res[1].ID}
	assert.ElementsMatch(t, []uint64{1, 3}, ids)

	all, err := c.HybridSearch([]float32{1, 0.15, 0, 0}, "rust", 3, 0.5)
	require.NoError(t, err)
	for _, r := range all {
		if r.ID == 2 {
			assert.Less(t, r.Score, res[1].Score, "python doc must score below both rust docs")
		}
	}
}

func TestFlushAndReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "docs")
	c, err := Create(dir, testConfig("docs", 3))
	require.NoError(t, err)

	var points []Point
	for i := 1; i <= 20; i++ {
		points = append(points, Point{
			ID:      uint64(i),
			Vector:  []float32{float32(i), 1, 0},
			Payload: map[string]any{"n": float64(i), "text": fmt.Sprintf("doc number %d", i)},
		})
	}
	require.NoError(t, c.Upsert(points))
	_, err = c.Graph().AddEdge(1, 2, "NEXT", nil)
	require.NoError(t, err)
	require.NoError(t, c.Flush())
	require.NoError(t, c.Close())

	c, err = Open(dir)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 20, c.Count())
	got := c.Get([]uint64{7})
	require.NotNil(t, got[0])
	assert.Equal(t, float64(7), got[0].Payload["n"])
	assert.Equal(t, []float32{7, 1, 0}, got[0].Vector)

	res, err := c.Search([]float32{7, 1, 0}, 1, SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, res)

	assert.Equal(t, 1, c.Graph().EdgeCount())
	assert.NotEmpty(t, c.TextSearch("doc", 5, nil))
}

func TestReopenWithoutFlushReplaysWAL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "docs")
	c, err := Create(dir, testConfig("docs", 2))
	require.NoError(t, err)
	require.NoError(t, c.Upsert([]Point{{ID: 1, Vector: []float32{1, 0}, Payload: map[string]any{"a": "b"}}}))
	// No flush: durability comes from the WAL alone.
	require.NoError(t, c.Close())

	c, err = Open(dir)
	require.NoError(t, err)
	defer c.Close()
	got := c.Get([]uint64{1})
	require.NotNil(t, got[0])
	assert.Equal(t, "b", got[0].Payload["a"])

	res, err := c.Search([]float32{1, 0}, 1, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(1), res[0].ID)
}

func TestQueryDistinctFirstSeen(t *testing.T) {
	// VelesQL scenario: categories A, B, A, C yield A, B, C.
	c := newTestCollection(t, testConfig("docs", 2))
	cats := []string{"A", "B", "A", "C"}
	for i, cat := range cats {
		require.NoError(t, c.Upsert([]Point{{
			ID:      uint64(i + 1),
			Vector:  []float32{float32(i), 1},
			Payload: map[string]any{"category": cat},
		}}))
	}
	rs, err := c.Query("SELECT DISTINCT category FROM docs", nil, nil)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 3)
	var got []string
	for _, r := range rs.Rows {
		got = append(got, r.Payload["category"].(string))
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
}

func TestQuerySimilarity(t *testing.T) {
	c := newTestCollection(t, testConfig("docs", 4))
	require.NoError(t, c.Upsert([]Point{
		{ID: 1, Vector: []float32{1, 0, 0, 0}, Payload: map[string]any{"category": "x"}},
		{ID: 2, Vector: []float32{0, 1, 0, 0}, Payload: map[string]any{"category": "y"}},
	}))
	rs, err := c.Query(
		"SELECT * FROM docs WHERE similarity(embedding, $q) > 0.9 LIMIT 5",
		map[string]any{"q": []float32{1, 0, 0, 0}}, nil)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, uint64(1), rs.Rows[0].ID)
}

func TestUnknownConfigVersionRefused(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "docs")
	_, err := Create(dir, testConfig("docs", 2))
	require.NoError(t, err)

	// Rewrite the version field to something from the future.
	cfgPath := filepath.Join(dir, configFile)
	raw := `{"version":99,"name":"docs","dimension":2,"metric":"cosine","storage_mode":"full"}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(raw), 0o644))

	_, err = Open(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown version")
}

func TestCrashRecoveryTornTail(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "docs")
	c, err := Create(dir, testConfig("docs", 2))
	require.NoError(t, err)

	for i := 1; i <= 300; i++ {
		require.NoError(t, c.Upsert([]Point{{
			ID:      uint64(i),
			Vector:  []float32{float32(i), 1},
			Payload: map[string]any{"n": float64(i)},
		}}))
		if i%100 == 0 {
			require.NoError(t, c.Flush())
		}
	}
	// Three more after the last flush; then simulate a crash that tears
	// the payload WAL mid-record.
	for i := 301; i <= 303; i++ {
		require.NoError(t, c.Upsert([]Point{{
			ID:      uint64(i),
			Vector:  []float32{float32(i), 1},
			Payload: map[string]any{"n": float64(i)},
		}}))
	}
	require.NoError(t, c.Close())

	walPath := filepath.Join(dir, payloadsWALFile)
	raw, err := os.ReadFile(walPath)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.NoError(t, os.WriteFile(walPath, raw[:len(raw)-3], 0o644))

	c, err = Open(dir)
	require.NoError(t, err)
	defer c.Close()

	// Everything up to the last flush survives.
	for _, id := range []uint64{1, 100, 250, 300} {
		got := c.Get([]uint64{id})
		require.NotNil(t, got[0], "id %d must survive", id)
	}
	// The final record was torn away; earlier unflushed records that
	// passed their CRC are readable.
	got := c.Get([]uint64{301, 302})
	assert.NotNil(t, got[0])
	assert.NotNil(t, got[1])
}

func TestVacuum(t *testing.T) {
	c := newTestCollection(t, testConfig("docs", 2))
	for i := 1; i <= 10; i++ {
		require.NoError(t, c.Upsert([]Point{{ID: uint64(i), Vector: []float32{float32(i), 1}}}))
	}
	require.NoError(t, c.Delete([]uint64{1, 2, 3}))
	require.NoError(t, c.Vacuum())

	res, err := c.Search([]float32{5, 1}, 1, SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Equal(t, uint64(5), res[0].ID)
}
