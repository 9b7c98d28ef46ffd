package text

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"rust", "memory", "safety"}, Tokenize("Rust: memory-safety!"))
	assert.Empty(t, Tokenize("...  ---"))
	assert.Equal(t, []string{"a1", "b2"}, Tokenize("a1 b2"))
}

func TestBM25SearchRanksRelevant(t *testing.T) {
	ix := NewBM25Index()
	ix.Add(1, "rust memory management and ownership")
	ix.Add(2, "python web frameworks")
	ix.Add(3, "rust async runtimes for rust services")

	res := ix.Search("rust", 10)
	require.Len(t, res, 2)
	// Doc 3 mentions rust twice in a similar-length document.
	assert.Equal(t, uint64(3), res[0].ID)
	assert.Equal(t, uint64(1), res[1].ID)
	assert.Greater(t, res[0].Score, res[1].Score)
}

func TestBM25ReplaceAndRemove(t *testing.T) {
	ix := NewBM25Index()
	ix.Add(1, "rust")
	ix.Add(1, "python only")
	res := ix.Search("rust", 5)
	assert.Empty(t, res)
	res = ix.Search("python", 5)
	require.Len(t, res, 1)

	ix.Remove(1)
	assert.Zero(t, ix.Len())
	assert.Empty(t, ix.Search("python", 5))
}

func TestBM25TopKOrdering(t *testing.T) {
	ix := NewBM25Index()
	ix.Add(1, "go go go")
	ix.Add(2, "go")
	ix.Add(3, "go go")
	res := ix.Search("go", 2)
	require.Len(t, res, 2)
	assert.Equal(t, uint64(1), res[0].ID)
}

func TestBM25SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "text.bm25")
	ix := NewBM25Index()
	ix.Add(1, "graph databases")
	ix.Add(2, "vector search engines")
	require.NoError(t, ix.Save(path))

	loaded, err := LoadBM25Index(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	res := loaded.Search("vector", 5)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(2), res[0].ID)
}

func TestLoadBM25MissingFile(t *testing.T) {
	ix, err := LoadBM25Index(filepath.Join(t.TempDir(), "nope.bm25"))
	require.NoError(t, err)
	assert.Zero(t, ix.Len())
}

func TestTrigramSearchLike(t *testing.T) {
	ix := NewTrigramIndex()
	require.NoError(t, ix.Add(1, "hello world"))
	require.NoError(t, ix.Add(2, "hell freezes over"))
	require.NoError(t, ix.Add(3, "goodbye"))

	bm, ok := ix.SearchLike("%hell%")
	require.True(t, ok)
	assert.ElementsMatch(t, []uint32{1, 2}, bm.ToArray())

	bm, ok = ix.SearchLike("%world%")
	require.True(t, ok)
	assert.Equal(t, []uint32{1}, bm.ToArray())

	// No literal segment of three bytes: index cannot narrow.
	_, ok = ix.SearchLike("%ab%")
	assert.False(t, ok)

	// Unknown trigram: empty result, not a fallback.
	bm, ok = ix.SearchLike("%zzz%")
	require.True(t, ok)
	assert.True(t, bm.IsEmpty())
}

func TestTrigramCaseInsensitive(t *testing.T) {
	ix := NewTrigramIndex()
	require.NoError(t, ix.Add(1, "Hello World"))
	bm, ok := ix.SearchLike("%HELLO%")
	require.True(t, ok)
	assert.Equal(t, []uint32{1}, bm.ToArray())
}

func TestTrigramRanked(t *testing.T) {
	ix := NewTrigramIndex()
	require.NoError(t, ix.Add(1, "search"))
	require.NoError(t, ix.Add(2, "searching the archives"))

	res := ix.SearchLikeRanked("%search%", 0.1)
	require.Len(t, res, 2)
	// The shorter document overlaps the pattern's trigram set more.
	assert.Equal(t, uint64(1), res[0].ID)
	assert.Greater(t, res[0].Score, res[1].Score)

	res = ix.SearchLikeRanked("%search%", 0.99)
	assert.LessOrEqual(t, len(res), 1)
}

func TestTrigramDocIDBound(t *testing.T) {
	ix := NewTrigramIndex()
	err := ix.Add(uint64(math.MaxUint32)+1, "too big")
	assert.ErrorIs(t, err, ErrDocIDTooLarge)
	require.NoError(t, ix.Add(math.MaxUint32, "just fits"))
	assert.Equal(t, 1, ix.Len())
}

func TestTrigramRemoveAndReplace(t *testing.T) {
	ix := NewTrigramIndex()
	require.NoError(t, ix.Add(1, "alpha"))
	require.NoError(t, ix.Add(1, "omega"))

	bm, ok := ix.SearchLike("%alpha%")
	require.True(t, ok)
	assert.True(t, bm.IsEmpty())

	ix.Remove(1)
	assert.Zero(t, ix.Len())
}

func TestTrigramSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "text.trigram")
	ix := NewTrigramIndex()
	require.NoError(t, ix.Add(1, "persistent data"))
	require.NoError(t, ix.Add(2, "volatile state"))
	require.NoError(t, ix.Save(path))

	loaded, err := LoadTrigramIndex(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	bm, ok := loaded.SearchLike("%persist%")
	require.True(t, ok)
	assert.Equal(t, []uint32{1}, bm.ToArray())
}
