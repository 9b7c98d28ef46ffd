// Package columnstore provides the columnar side-tables VelesQL joins
// against. Tables live in a single Badger instance per database, keyed
// by table name and row key; rows are JSON documents.
package columnstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("columnstore: closed")

// Adaptive batch sizing for multi-key lookups: small key sets pass
// through in one transaction, larger ones are chunked.
const (
	passThroughLimit = 100
	midBatchSize     = 1_000
	midBatchCutoff   = 10_000
	largeBatchSize   = 5_000
)

// BatchSizeFor reports the chunk size used for n keys. Exported because
// the join executor's cost estimate mirrors it.
func BatchSizeFor(n int) int {
	switch {
	case n <= passThroughLimit:
		return n
	case n <= midBatchCutoff:
		return midBatchSize
	default:
		return largeBatchSize
	}
}

// Store is a database-wide collection of named columnar tables.
type Store struct {
	db     *badger.DB
	closed bool
}

// Open opens (or creates) the store under dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open column store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Table returns a handle to a named table. Tables exist implicitly.
func (s *Store) Table(name string) *Table {
	return &Table{store: s, name: name}
}

// Table is one named columnar table.
type Table struct {
	store *Store
	name  string
}

func (t *Table) key(rowKey uint64) []byte {
	k := make([]byte, 0, len(t.name)+11)
	k = append(k, 't', ':')
	k = append(k, t.name...)
	k = append(k, ':')
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], rowKey)
	return append(k, b[:]...)
}

func (t *Table) prefix() []byte {
	return append(append([]byte("t:"), t.name...), ':')
}

// Insert stores a row under rowKey, replacing any previous row.
func (t *Table) Insert(rowKey uint64, row map[string]any) error {
	if t.store.closed {
		return ErrClosed
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	return t.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(t.key(rowKey), data)
	})
}

// InsertBatch stores many rows in one write batch.
func (t *Table) InsertBatch(rows map[uint64]map[string]any) error {
	if t.store.closed {
		return ErrClosed
	}
	wb := t.store.db.NewWriteBatch()
	defer wb.Cancel()
	for rowKey, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode row %d: %w", rowKey, err)
		}
		if err := wb.Set(t.key(rowKey), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Get fetches one row.
func (t *Table) Get(rowKey uint64) (map[string]any, bool, error) {
	if t.store.closed {
		return nil, false, ErrClosed
	}
	var row map[string]any
	found := false
	err := t.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(t.key(rowKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			found = true
			return json.Unmarshal(val, &row)
		})
	})
	return row, found, err
}

// GetBatch fetches many rows with adaptive chunking: one read
// transaction per chunk. Missing keys are simply absent from the
// result.
func (t *Table) GetBatch(keys []uint64) (map[uint64]map[string]any, error) {
	if t.store.closed {
		return nil, ErrClosed
	}
	out := make(map[uint64]map[string]any, len(keys))
	chunk := BatchSizeFor(len(keys))
	if chunk == 0 {
		return out, nil
	}
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]
		err := t.store.db.View(func(txn *badger.Txn) error {
			for _, rowKey := range batch {
				item, err := txn.Get(t.key(rowKey))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				var row map[string]any
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &row)
				}); err != nil {
					return err
				}
				out[rowKey] = row
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Delete removes a row.
func (t *Table) Delete(rowKey uint64) error {
	if t.store.closed {
		return ErrClosed
	}
	return t.store.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(t.key(rowKey))
	})
}

// Scan visits every row in ascending key order; returning false stops
// the scan.
func (t *Table) Scan(fn func(rowKey uint64, row map[string]any) bool) error {
	if t.store.closed {
		return ErrClosed
	}
	prefix := t.prefix()
	return t.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.Key()
			if !bytes.HasPrefix(key, prefix) || len(key) != len(prefix)+8 {
				continue
			}
			rowKey := binary.BigEndian.Uint64(key[len(prefix):])
			var row map[string]any
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return err
			}
			if !fn(rowKey, row) {
				return nil
			}
		}
		return nil
	})
}

// Count reports the number of rows in the table.
func (t *Table) Count() (int, error) {
	n := 0
	err := t.Scan(func(uint64, map[string]any) bool {
		n++
		return true
	})
	return n, err
}
