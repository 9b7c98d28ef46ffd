// Package velesdb is the embeddable entry point: a Database is a
// directory of named collections plus the columnar side-tables VelesQL
// joins against.
package velesdb

import (
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/velesdb/velesdb/pkg/collection"
	"github.com/velesdb/velesdb/pkg/columnstore"
	"github.com/velesdb/velesdb/pkg/velesql"
)

const (
	metaFile  = "meta.bin"
	tablesDir = "_tables"

	metaVersion = 1
)

// ErrDatabaseClosed is returned by operations on a closed database.
var ErrDatabaseClosed = errors.New("velesdb: database closed")

// AlreadyExistsError reports a create for an existing collection name.
type AlreadyExistsError struct {
	Name string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("velesdb: collection %q already exists", e.Name)
}

// NotFoundError reports a missing collection.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("velesdb: collection %q not found", e.Name)
}

// dbMeta is the gob form of meta.bin.
type dbMeta struct {
	Version     int
	Collections []string
}

// Database is a registry of named collections rooted at one directory.
type Database struct {
	mu          sync.RWMutex
	dir         string
	collections map[string]*collection.Collection

	tablesOnce sync.Once
	tables     *columnstore.Store
	tablesErr  error

	log    *slog.Logger
	closed bool
}

// Open opens (or initializes) a database directory and every collection
// listed in its metadata.
func Open(dir string) (*Database, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	db := &Database{
		dir:         dir,
		collections: make(map[string]*collection.Collection),
		log:         slog.With("component", "database", "dir", dir),
	}

	meta, err := db.loadMeta()
	if err != nil {
		return nil, err
	}
	for _, name := range meta.Collections {
		col, err := collection.Open(filepath.Join(dir, name))
		if err != nil {
			db.closeAll()
			return nil, fmt.Errorf("open collection %q: %w", name, err)
		}
		db.collections[name] = col
	}
	db.log.Debug("database opened", "collections", len(db.collections))
	return db, nil
}

func (db *Database) loadMeta() (dbMeta, error) {
	path := filepath.Join(db.dir, metaFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return dbMeta{Version: metaVersion}, nil
	}
	if err != nil {
		return dbMeta{}, err
	}
	defer f.Close()
	var meta dbMeta
	if err := gob.NewDecoder(f).Decode(&meta); err != nil {
		return dbMeta{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if meta.Version != metaVersion {
		return dbMeta{}, fmt.Errorf("%s: unknown version %d", path, meta.Version)
	}
	return meta, nil
}

func (db *Database) saveMetaLocked() error {
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	meta := dbMeta{Version: metaVersion, Collections: names}

	path := filepath.Join(db.dir, metaFile)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(meta); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// CollectionOptions configure CreateCollection.
type CollectionOptions struct {
	Dimension    int
	Metric       string // cosine, euclidean, dot, hamming, jaccard
	StorageMode  string // full, sq8, binary
	MetadataOnly bool
	// HNSW overrides; zero selects tuned defaults.
	M              int
	EfConstruction int
	MaxElements    int
}

// CreateCollection creates and registers a new collection. The registry
// lock is held only for the registration itself.
func (db *Database) CreateCollection(name string, opts CollectionOptions) (*collection.Collection, error) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrDatabaseClosed
	}
	if _, exists := db.collections[name]; exists {
		db.mu.Unlock()
		return nil, &AlreadyExistsError{Name: name}
	}
	db.mu.Unlock()

	col, err := collection.Create(filepath.Join(db.dir, name), collection.Config{
		Name:           name,
		Dimension:      opts.Dimension,
		Metric:         opts.Metric,
		StorageMode:    opts.StorageMode,
		MetadataOnly:   opts.MetadataOnly,
		M:              opts.M,
		EfConstruction: opts.EfConstruction,
		MaxElements:    opts.MaxElements,
	})
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.collections[name]; exists {
		col.Close()
		return nil, &AlreadyExistsError{Name: name}
	}
	db.collections[name] = col
	if err := db.saveMetaLocked(); err != nil {
		delete(db.collections, name)
		col.Close()
		return nil, err
	}
	db.log.Info("collection created", "name", name, "dimension", opts.Dimension)
	return col, nil
}

// GetCollection resolves a collection by name.
func (db *Database) GetCollection(name string) (*collection.Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrDatabaseClosed
	}
	col, ok := db.collections[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return col, nil
}

// ListCollections returns the registered collection names.
func (db *Database) ListCollections() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	return names
}

// DeleteCollection closes, unregisters and removes a collection
// directory.
func (db *Database) DeleteCollection(name string) error {
	db.mu.Lock()
	col, ok := db.collections[name]
	if !ok {
		db.mu.Unlock()
		return &NotFoundError{Name: name}
	}
	delete(db.collections, name)
	if err := db.saveMetaLocked(); err != nil {
		db.collections[name] = col
		db.mu.Unlock()
		return err
	}
	db.mu.Unlock()

	if err := col.Close(); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(db.dir, name))
}

// Tables opens the columnar side-table store on first use.
func (db *Database) Tables() (*columnstore.Store, error) {
	db.tablesOnce.Do(func() {
		db.tables, db.tablesErr = columnstore.Open(filepath.Join(db.dir, tablesDir))
	})
	return db.tables, db.tablesErr
}

// Query runs a VelesQL statement against a named collection.
func (db *Database) Query(collectionName, src string, params map[string]any) (*velesql.ResultSet, error) {
	col, err := db.GetCollection(collectionName)
	if err != nil {
		return nil, err
	}
	var tables *columnstore.Store
	if db.hasTables() {
		tables, err = db.Tables()
		if err != nil {
			return nil, err
		}
	}
	return col.Query(src, params, tables)
}

func (db *Database) hasTables() bool {
	if db.tables != nil {
		return true
	}
	_, err := os.Stat(filepath.Join(db.dir, tablesDir))
	return err == nil
}

// Flush flushes every collection.
func (db *Database) Flush() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for name, col := range db.collections {
		if err := col.Flush(); err != nil {
			return fmt.Errorf("flush %q: %w", name, err)
		}
	}
	return nil
}

// Close flushes metadata handles and closes every collection.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.closeAllLocked()
}

func (db *Database) closeAll() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closeAllLocked()
}

func (db *Database) closeAllLocked() error {
	var first error
	for _, col := range db.collections {
		if err := col.Close(); err != nil && first == nil {
			first = err
		}
	}
	db.collections = make(map[string]*collection.Collection)
	if db.tables != nil {
		if err := db.tables.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
