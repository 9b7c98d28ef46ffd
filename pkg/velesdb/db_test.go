package velesdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velesdb/velesdb/pkg/collection"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateGetListDelete(t *testing.T) {
	db := openTestDB(t)

	col, err := db.CreateCollection("docs", CollectionOptions{Dimension: 4, Metric: "cosine"})
	require.NoError(t, err)
	assert.Equal(t, "docs", col.Name())

	_, err = db.CreateCollection("docs", CollectionOptions{Dimension: 4})
	var exists *AlreadyExistsError
	require.ErrorAs(t, err, &exists)

	got, err := db.GetCollection("docs")
	require.NoError(t, err)
	assert.Same(t, col, got)

	assert.Equal(t, []string{"docs"}, db.ListCollections())

	require.NoError(t, db.DeleteCollection("docs"))
	_, err = db.GetCollection("docs")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.Empty(t, db.ListCollections())

	assert.ErrorAs(t, db.DeleteCollection("docs"), &notFound)
}

func TestDatabaseReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)

	col, err := db.CreateCollection("docs", CollectionOptions{Dimension: 2, Metric: "euclidean"})
	require.NoError(t, err)
	require.NoError(t, col.Upsert([]collection.Point{
		{ID: 1, Vector: []float32{1, 2}, Payload: map[string]any{"k": "v"}},
	}))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, []string{"docs"}, db.ListCollections())
	col, err = db.GetCollection("docs")
	require.NoError(t, err)
	got := col.Get([]uint64{1})
	require.NotNil(t, got[0])
	assert.Equal(t, []float32{1, 2}, got[0].Vector)
}

func TestEndToEndBulkImportAndSearch(t *testing.T) {
	// Create docs with D=4 cosine, upsert three basis vectors, search.
	db := openTestDB(t)
	col, err := db.CreateCollection("docs", CollectionOptions{Dimension: 4, Metric: "cosine"})
	require.NoError(t, err)

	require.NoError(t, col.UpsertBulk([]collection.Point{
		{ID: 1, Vector: []float32{1, 0, 0, 0}},
		{ID: 2, Vector: []float32{0, 1, 0, 0}},
		{ID: 3, Vector: []float32{0, 0, 1, 0}},
	}))

	res, err := col.Search([]float32{1, 0, 0, 0}, 2, collection.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, uint64(1), res[0].ID)
	assert.Contains(t, []uint64{2, 3}, res[1].ID)
}

func TestDatabaseQuery(t *testing.T) {
	db := openTestDB(t)
	col, err := db.CreateCollection("docs", CollectionOptions{Dimension: 2, Metric: "cosine"})
	require.NoError(t, err)
	require.NoError(t, col.Upsert([]collection.Point{
		{ID: 1, Vector: []float32{1, 0}, Payload: map[string]any{"category": "a"}},
		{ID: 2, Vector: []float32{0, 1}, Payload: map[string]any{"category": "b"}},
	}))

	rs, err := db.Query("docs", "SELECT * FROM docs WHERE category = 'a'", nil)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, uint64(1), rs.Rows[0].ID)

	_, err = db.Query("missing", "SELECT * FROM missing", nil)
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestQueryWithJoinTable(t *testing.T) {
	db := openTestDB(t)
	col, err := db.CreateCollection("docs", CollectionOptions{Dimension: 2, Metric: "cosine"})
	require.NoError(t, err)
	require.NoError(t, col.Upsert([]collection.Point{
		{ID: 1, Vector: []float32{1, 0}, Payload: map[string]any{"author_id": float64(10)}},
	}))

	tables, err := db.Tables()
	require.NoError(t, err)
	require.NoError(t, tables.Table("authors").Insert(10, map[string]any{"name": "ada"}))

	rs, err := db.Query("docs", "SELECT * FROM docs JOIN authors ON author_id = authors.id", nil)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, "ada", rs.Rows[0].Joined["name"])
}

func TestMetadataOnlyCollectionViaDatabase(t *testing.T) {
	db := openTestDB(t)
	col, err := db.CreateCollection("meta", CollectionOptions{MetadataOnly: true})
	require.NoError(t, err)
	require.NoError(t, col.Upsert([]collection.Point{{ID: 1, Payload: map[string]any{"x": "y"}}}))

	err = col.Upsert([]collection.Point{{ID: 2, Vector: []float32{1}}})
	var vna *collection.VectorNotAllowedError
	assert.ErrorAs(t, err, &vna)
}
