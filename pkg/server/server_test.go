package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velesdb/velesdb/pkg/velesdb"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := velesdb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func createDocs(t *testing.T, s *Server) {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/collections", map[string]any{
		"name": "docs", "dimension": 4, "metric": "cosine",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCollectionLifecycle(t *testing.T) {
	s := newTestServer(t)
	createDocs(t, s)

	rec := do(t, s, http.MethodGet, "/collections", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "docs")

	// Duplicate create is a client error.
	rec = do(t, s, http.MethodPost, "/collections", map[string]any{
		"name": "docs", "dimension": 4,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec), "error")

	rec = do(t, s, http.MethodDelete, "/collections/docs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodDelete, "/collections/docs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertSearchFlow(t *testing.T) {
	s := newTestServer(t)
	createDocs(t, s)

	rec := do(t, s, http.MethodPut, "/collections/docs/points", map[string]any{
		"points": []map[string]any{
			{"id": 1, "vector": []float32{1, 0, 0, 0}, "payload": map[string]any{"t": "a"}},
			{"id": 2, "vector": []float32{0, 1, 0, 0}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/collections/docs/search", map[string]any{
		"vector": []float32{1, 0, 0, 0}, "k": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	results := out["results"].([]any)
	require.Len(t, results, 1)
	first := results[0].(map[string]any)
	assert.Equal(t, float64(1), first["id"])

	// Wrong dimension is a client error.
	rec = do(t, s, http.MethodPost, "/collections/docs/search", map[string]any{
		"vector": []float32{1, 0}, "k": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing collection is 404.
	rec = do(t, s, http.MethodPost, "/collections/nope/search", map[string]any{
		"vector": []float32{1, 0, 0, 0},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAndDeletePoints(t *testing.T) {
	s := newTestServer(t)
	createDocs(t, s)
	do(t, s, http.MethodPut, "/collections/docs/points", map[string]any{
		"points": []map[string]any{{"id": 7, "vector": []float32{1, 0, 0, 0}}},
	})

	rec := do(t, s, http.MethodPost, "/collections/docs/points/get", map[string]any{"ids": []uint64{7, 8}})
	require.Equal(t, http.StatusOK, rec.Code)
	points := decode(t, rec)["points"].([]any)
	require.Len(t, points, 2)
	assert.NotNil(t, points[0])
	assert.Nil(t, points[1])

	rec = do(t, s, http.MethodDelete, "/collections/docs/points", map[string]any{"ids": []uint64{7}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTextAndHybridSearch(t *testing.T) {
	s := newTestServer(t)
	createDocs(t, s)
	do(t, s, http.MethodPut, "/collections/docs/points", map[string]any{
		"points": []map[string]any{
			{"id": 1, "vector": []float32{1, 0, 0, 0}, "payload": map[string]any{"text": "rust memory"}},
			{"id": 2, "vector": []float32{0, 1, 0, 0}, "payload": map[string]any{"text": "python web"}},
		},
	})

	rec := do(t, s, http.MethodPost, "/collections/docs/search/text", map[string]any{"query": "rust", "k": 5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":1`)

	rec = do(t, s, http.MethodPost, "/collections/docs/search/hybrid", map[string]any{
		"vector": []float32{1, 0, 0, 0}, "query": "rust", "k": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":1`)
}

func TestGraphEdgesEndpoint(t *testing.T) {
	s := newTestServer(t)
	createDocs(t, s)

	rec := do(t, s, http.MethodPost, "/collections/docs/graph/edges", map[string]any{
		"src": 1, "dst": 2, "label": "CITES",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Empty label is rejected.
	rec = do(t, s, http.MethodPost, "/collections/docs/graph/edges", map[string]any{
		"src": 1, "dst": 2, "label": "",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/collections/docs/graph/edges/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "CITES")
}

func TestQueryEndpoint(t *testing.T) {
	s := newTestServer(t)
	createDocs(t, s)
	do(t, s, http.MethodPut, "/collections/docs/points", map[string]any{
		"points": []map[string]any{
			{"id": 1, "vector": []float32{1, 0, 0, 0}, "payload": map[string]any{"category": "a"}},
		},
	})

	rec := do(t, s, http.MethodPost, "/collections/docs/query", map[string]any{
		"query": "SELECT * FROM docs WHERE category = 'a'",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Len(t, out["rows"].([]any), 1)

	// Validation failures surface as 400 with the code.
	rec = do(t, s, http.MethodPost, "/collections/docs/query", map[string]any{
		"query": "SELECT * FROM docs WHERE similarity(v, $a) > 0.5 AND similarity(v, $b) > 0.5",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "V001")

	rec = do(t, s, http.MethodPost, "/collections/docs/query", map[string]any{
		"query": "SELEKT nonsense",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
