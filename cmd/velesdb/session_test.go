package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velesdb/velesdb/pkg/collection"
	"github.com/velesdb/velesdb/pkg/velesdb"
)

func TestSessionSetValidation(t *testing.T) {
	s := defaultSession()

	require.NoError(t, s.set("mode", "accurate"))
	assert.Equal(t, "accurate", s.Mode)

	// ef_search clears mode, and vice versa.
	require.NoError(t, s.set("ef_search", "256"))
	assert.Empty(t, s.Mode)
	assert.Equal(t, 256, s.EfSearch)
	require.NoError(t, s.set("mode", "fast"))
	assert.Zero(t, s.EfSearch)

	assert.Error(t, s.set("mode", "warp"))
	assert.Error(t, s.set("ef_search", "8"))
	assert.Error(t, s.set("ef_search", "5000"))
	assert.Error(t, s.set("timeout_ms", "50"))
	require.NoError(t, s.set("timeout_ms", "100"))
	assert.Error(t, s.set("max_results", "0"))
	assert.Error(t, s.set("max_results", "20000"))
	require.NoError(t, s.set("max_results", "10000"))
	require.NoError(t, s.set("rerank", "true"))
	assert.Error(t, s.set("rerank", "maybe"))
	assert.Error(t, s.set("bogus", "1"))

	// Failed set leaves previous value intact.
	prev := s.TimeoutMs
	assert.Error(t, s.set("timeout_ms", "1"))
	assert.Equal(t, prev, s.TimeoutMs)
}

func TestSessionReset(t *testing.T) {
	s := defaultSession()
	s.Collection = "docs"
	require.NoError(t, s.set("ef_search", "512"))
	require.NoError(t, s.set("timeout_ms", "9999"))

	require.NoError(t, s.reset("ef_search"))
	assert.Zero(t, s.EfSearch)
	assert.Equal(t, defaultSession().Mode, s.Mode)

	require.NoError(t, s.reset(""))
	assert.Equal(t, defaultSession().TimeoutMs, s.TimeoutMs)
	// Selected collection survives a full reset.
	assert.Equal(t, "docs", s.Collection)

	assert.Error(t, s.reset("bogus"))
}

func TestREPLFlow(t *testing.T) {
	db, err := velesdb.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	col, err := db.CreateCollection("docs", velesdb.CollectionOptions{Dimension: 2, Metric: "cosine"})
	require.NoError(t, err)
	require.NoError(t, col.Upsert([]collection.Point{
		{ID: 1, Vector: []float32{1, 0}, Payload: map[string]any{"category": "a"}},
	}))

	in := strings.NewReader(strings.Join([]string{
		"\\use docs",
		"\\set mode accurate",
		"\\show",
		"SELECT * FROM docs WHERE category = 'a'",
		"\\reset mode",
		"\\quit",
	}, "\n"))
	var out strings.Builder
	require.NoError(t, runREPL(db, in, &out))

	text := out.String()
	assert.Contains(t, text, `using "docs"`)
	assert.Contains(t, text, "accurate")
	assert.Contains(t, text, "1 row(s)")
}

func TestREPLRequiresCollection(t *testing.T) {
	db, err := velesdb.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	in := strings.NewReader("SELECT * FROM docs\n\\quit\n")
	var out strings.Builder
	require.NoError(t, runREPL(db, in, &out))
	assert.Contains(t, out.String(), "no collection selected")
}

func TestParseVector(t *testing.T) {
	vec, err := parseVector("1, 2.5, -3")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2.5, -3}, vec)

	vec, err = parseVector("[0.1,0.2]")
	require.NoError(t, err)
	assert.Len(t, vec, 2)

	_, err = parseVector("")
	assert.Error(t, err)
	_, err = parseVector("a,b")
	assert.Error(t, err)
}
