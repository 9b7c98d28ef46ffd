package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPayloads(t *testing.T, dir string) *PayloadStore {
	t.Helper()
	s, err := OpenPayloadStore(
		filepath.Join(dir, "payloads.data"),
		filepath.Join(dir, "payloads.index"),
		filepath.Join(dir, "payloads.wal"),
	)
	require.NoError(t, err)
	return s
}

func TestPayloadStoreSetGet(t *testing.T) {
	s := openTestPayloads(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Set(1, []byte(`{"title":"rust memory"}`)))
	got, ok := s.Get(1)
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"rust memory"}`, string(got))

	require.NoError(t, s.Set(1, []byte(`{"title":"go memory"}`)))
	got, _ = s.Get(1)
	assert.JSONEq(t, `{"title":"go memory"}`, string(got))
	assert.Equal(t, 1, s.Count())
}

func TestPayloadStoreDelete(t *testing.T) {
	s := openTestPayloads(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Set(1, []byte(`{}`)))
	require.NoError(t, s.Delete(1))
	_, ok := s.Get(1)
	assert.False(t, ok)
}

func TestPayloadStoreFlushAndReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTestPayloads(t, dir)
	for i := uint64(1); i <= 50; i++ {
		require.NoError(t, s.Set(i, fmt.Appendf(nil, `{"n":%d}`, i)))
	}
	require.NoError(t, s.Delete(25))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	s = openTestPayloads(t, dir)
	defer s.Close()
	assert.Equal(t, 49, s.Count())
	got, ok := s.Get(10)
	require.True(t, ok)
	assert.JSONEq(t, `{"n":10}`, string(got))
	_, ok = s.Get(25)
	assert.False(t, ok)
}

func TestPayloadStoreWALRecovery(t *testing.T) {
	dir := t.TempDir()
	s := openTestPayloads(t, dir)
	require.NoError(t, s.Set(1, []byte(`{"v":1}`)))
	require.NoError(t, s.Flush())
	// These stay in the WAL only.
	require.NoError(t, s.Set(2, []byte(`{"v":2}`)))
	require.NoError(t, s.Set(1, []byte(`{"v":11}`)))
	require.NoError(t, s.Delete(2))
	require.NoError(t, s.wal.Sync())
	require.NoError(t, s.Close())

	s = openTestPayloads(t, dir)
	defer s.Close()
	got, ok := s.Get(1)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":11}`, string(got))
	_, ok = s.Get(2)
	assert.False(t, ok)
}

func TestPayloadStoreBatch(t *testing.T) {
	dir := t.TempDir()
	s := openTestPayloads(t, dir)
	defer s.Close()

	ids := []uint64{1, 2}
	docs := [][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`)}
	require.NoError(t, s.SetBatch(ids, docs))
	got, ok := s.Get(2)
	require.True(t, ok)
	assert.JSONEq(t, `{"b":2}`, string(got))
	assert.ElementsMatch(t, []uint64{1, 2}, s.IDs())
}

func TestPayloadStoreOverlayShadowsSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := openTestPayloads(t, dir)
	defer s.Close()

	require.NoError(t, s.Set(1, []byte(`{"gen":1}`)))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Set(1, []byte(`{"gen":2}`)))

	got, ok := s.Get(1)
	require.True(t, ok)
	assert.JSONEq(t, `{"gen":2}`, string(got))
	assert.Equal(t, 1, s.Count())
}
