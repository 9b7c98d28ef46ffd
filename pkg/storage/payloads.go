package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// Payload data file layout: an 8-byte header followed by variable-width
// records of [id u64][len u32][len bytes]. The companion index file maps
// id → (offset, length) into the data file so a payload lookup is one
// mmap read. Unflushed writes live in an overlay (and in the WAL); a
// flush compacts overlay plus snapshot into a fresh data file and index
// with a temp+rename.
const (
	payloadMagic      = 0x56454C50 // "VELP"
	payloadVersion    = 1
	payloadHeaderSize = 8
	indexMagic        = 0x56454C49 // "VELI"
)

type payloadLoc struct {
	off uint64
	n   uint32
}

// PayloadStore is an id→document store mirroring the vector store
// lifecycle: WAL, mmap snapshot, flush, recovery.
type PayloadStore struct {
	mu sync.RWMutex

	dataPath  string
	indexPath string

	file *os.File
	mm   mmap.MMap
	wal  *WAL

	index   map[uint64]payloadLoc // snapshot locations
	overlay map[uint64][]byte     // unflushed writes
	deleted map[uint64]struct{}   // unflushed deletes
	closed  bool
}

// OpenPayloadStore opens (or creates) the store and replays the WAL.
func OpenPayloadStore(dataPath, indexPath, walPath string) (*PayloadStore, error) {
	s := &PayloadStore{
		dataPath:  dataPath,
		indexPath: indexPath,
		index:     make(map[uint64]payloadLoc),
		overlay:   make(map[uint64][]byte),
		deleted:   make(map[uint64]struct{}),
	}

	var err error
	s.file, err = os.OpenFile(dataPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open payload data: %w", err)
	}
	if err := s.initFile(); err != nil {
		s.file.Close()
		return nil, err
	}
	if err := s.loadIndex(); err != nil {
		s.close()
		return nil, err
	}

	s.wal, err = OpenWAL(walPath)
	if err != nil {
		s.close()
		return nil, err
	}
	if err := s.wal.Replay(s.applyRecord); err != nil {
		s.close()
		return nil, err
	}
	if len(s.overlay) > 0 || len(s.deleted) > 0 {
		// Durable unflushed operations found: compact them into the
		// snapshot so the open finishes with a clean log.
		if err := s.flushLocked(); err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

func (s *PayloadStore) initFile() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		var hdr [payloadHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], payloadMagic)
		binary.LittleEndian.PutUint32(hdr[4:8], payloadVersion)
		if _, err := s.file.WriteAt(hdr[:], 0); err != nil {
			return fmt.Errorf("write payload header: %w", err)
		}
		if err := s.file.Sync(); err != nil {
			return err
		}
	} else {
		var hdr [payloadHeaderSize]byte
		if _, err := s.file.ReadAt(hdr[:], 0); err != nil {
			return fmt.Errorf("read payload header: %w", err)
		}
		if binary.LittleEndian.Uint32(hdr[0:4]) != payloadMagic {
			return fmt.Errorf("payload data: bad magic")
		}
		if v := binary.LittleEndian.Uint32(hdr[4:8]); v != payloadVersion {
			return fmt.Errorf("payload data: unsupported version %d", v)
		}
	}
	s.mm, err = mmap.Map(s.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("mmap payload data: %w", err)
	}
	return nil
}

func (s *PayloadStore) loadIndex() error {
	raw, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read payload index: %w", err)
	}
	if len(raw) < 12 || binary.LittleEndian.Uint32(raw[0:4]) != indexMagic {
		return fmt.Errorf("payload index: bad header")
	}
	count := binary.LittleEndian.Uint64(raw[4:12])
	off := 12
	for i := uint64(0); i < count; i++ {
		if off+20 > len(raw) {
			return fmt.Errorf("payload index: truncated")
		}
		id := binary.LittleEndian.Uint64(raw[off : off+8])
		loc := payloadLoc{
			off: binary.LittleEndian.Uint64(raw[off+8 : off+16]),
			n:   binary.LittleEndian.Uint32(raw[off+16 : off+20]),
		}
		s.index[id] = loc
		off += 20
	}
	return nil
}

func (s *PayloadStore) applyRecord(rec Record) error {
	switch rec.Op {
	case OpInsert, OpUpdate:
		s.overlay[rec.ID] = rec.Data
		delete(s.deleted, rec.ID)
	case OpDelete:
		delete(s.overlay, rec.ID)
		s.deleted[rec.ID] = struct{}{}
	case OpBatch:
		items, err := DecodeBatch(rec.Data)
		if err != nil {
			return err
		}
		for _, it := range items {
			s.overlay[it.ID] = it.Data
			delete(s.deleted, it.ID)
		}
	default:
		return fmt.Errorf("%w: unknown op %d", ErrCorrupted, rec.Op)
	}
	return nil
}

// Set stores raw payload bytes for id.
func (s *PayloadStore) Set(id uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	op := OpInsert
	if s.existsLocked(id) {
		op = OpUpdate
	}
	if err := s.wal.Append(op, id, data); err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.overlay[id] = cp
	delete(s.deleted, id)
	return nil
}

// SetBatch stores many payloads with a single WAL record.
func (s *PayloadStore) SetBatch(ids []uint64, docs [][]byte) error {
	if len(ids) != len(docs) {
		return fmt.Errorf("payload store: ids/docs length mismatch %d vs %d", len(ids), len(docs))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	items := make([]BatchItem, len(ids))
	for i, id := range ids {
		items[i] = BatchItem{ID: id, Data: docs[i]}
	}
	if err := s.wal.AppendBatch(items); err != nil {
		return err
	}
	for i, id := range ids {
		cp := make([]byte, len(docs[i]))
		copy(cp, docs[i])
		s.overlay[id] = cp
		delete(s.deleted, id)
	}
	return nil
}

// Get returns a copy of the payload bytes for id.
func (s *PayloadStore) Get(id uint64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false
	}
	if data, ok := s.overlay[id]; ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		return cp, true
	}
	if _, gone := s.deleted[id]; gone {
		return nil, false
	}
	loc, ok := s.index[id]
	if !ok {
		return nil, false
	}
	cp := make([]byte, loc.n)
	copy(cp, s.mm[loc.off:loc.off+uint64(loc.n)])
	return cp, true
}

// Delete removes the payload for id.
func (s *PayloadStore) Delete(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.existsLocked(id) {
		return nil
	}
	if err := s.wal.Append(OpDelete, id, nil); err != nil {
		return err
	}
	delete(s.overlay, id)
	s.deleted[id] = struct{}{}
	return nil
}

func (s *PayloadStore) existsLocked(id uint64) bool {
	if _, ok := s.overlay[id]; ok {
		return true
	}
	if _, gone := s.deleted[id]; gone {
		return false
	}
	_, ok := s.index[id]
	return ok
}

// IDs returns all live ids.
func (s *PayloadStore) IDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, 0, len(s.index)+len(s.overlay))
	seen := make(map[uint64]struct{}, len(s.overlay))
	for id := range s.overlay {
		ids = append(ids, id)
		seen[id] = struct{}{}
	}
	for id := range s.index {
		if _, dup := seen[id]; dup {
			continue
		}
		if _, gone := s.deleted[id]; gone {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Count reports the number of live payloads.
func (s *PayloadStore) Count() int {
	return len(s.IDs())
}

// Flush compacts overlay and snapshot into a fresh data file and index,
// fsyncs both, and truncates the WAL.
func (s *PayloadStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked()
}

func (s *PayloadStore) flushLocked() error {
	if err := s.wal.Sync(); err != nil {
		return err
	}

	type entry struct {
		id   uint64
		data []byte
	}
	var entries []entry
	for id, loc := range s.index {
		if _, gone := s.deleted[id]; gone {
			continue
		}
		if _, shadowed := s.overlay[id]; shadowed {
			continue
		}
		entries = append(entries, entry{id, s.mm[loc.off : loc.off+uint64(loc.n)]})
	}
	for id, data := range s.overlay {
		entries = append(entries, entry{id, data})
	}

	tmpData := s.dataPath + ".tmp"
	df, err := os.Create(tmpData)
	if err != nil {
		return fmt.Errorf("create payload temp: %w", err)
	}
	var hdr [payloadHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], payloadMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], payloadVersion)
	if _, err := df.Write(hdr[:]); err != nil {
		df.Close()
		os.Remove(tmpData)
		return fmt.Errorf("write payload temp: %w", err)
	}
	newIndex := make(map[uint64]payloadLoc, len(entries))
	off := uint64(payloadHeaderSize)
	var recHdr [12]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint64(recHdr[0:8], e.id)
		binary.LittleEndian.PutUint32(recHdr[8:12], uint32(len(e.data)))
		if _, err := df.Write(recHdr[:]); err != nil {
			df.Close()
			os.Remove(tmpData)
			return fmt.Errorf("write payload temp: %w", err)
		}
		if _, err := df.Write(e.data); err != nil {
			df.Close()
			os.Remove(tmpData)
			return fmt.Errorf("write payload temp: %w", err)
		}
		newIndex[e.id] = payloadLoc{off: off + 12, n: uint32(len(e.data))}
		off += 12 + uint64(len(e.data))
	}
	if err := df.Sync(); err != nil {
		df.Close()
		os.Remove(tmpData)
		return err
	}
	if err := df.Close(); err != nil {
		os.Remove(tmpData)
		return err
	}

	if err := s.writeIndex(newIndex); err != nil {
		os.Remove(tmpData)
		return err
	}

	// Swap the mapped snapshot for the compacted file.
	if err := s.mm.Unmap(); err != nil {
		return fmt.Errorf("unmap payload data: %w", err)
	}
	s.mm = nil
	if err := s.file.Close(); err != nil {
		return err
	}
	s.file = nil
	if err := os.Rename(tmpData, s.dataPath); err != nil {
		return fmt.Errorf("rename payload data: %w", err)
	}
	s.file, err = os.OpenFile(s.dataPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("reopen payload data: %w", err)
	}
	s.mm, err = mmap.Map(s.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("remap payload data: %w", err)
	}

	s.index = newIndex
	s.overlay = make(map[uint64][]byte)
	s.deleted = make(map[uint64]struct{})
	return s.wal.Truncate()
}

func (s *PayloadStore) writeIndex(index map[uint64]payloadLoc) error {
	tmp := s.indexPath + ".tmp"
	buf := make([]byte, 12, 12+len(index)*20)
	binary.LittleEndian.PutUint32(buf[0:4], indexMagic)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(len(index)))
	var rec [20]byte
	for id, loc := range index {
		binary.LittleEndian.PutUint64(rec[0:8], id)
		binary.LittleEndian.PutUint64(rec[8:16], loc.off)
		binary.LittleEndian.PutUint32(rec[16:20], loc.n)
		buf = append(buf, rec[:]...)
	}
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create payload index temp: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write payload index: %w", err)
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
	return os.Rename(tmp, s.indexPath)
}

// Close releases all handles without flushing.
func (s *PayloadStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.close()
}

func (s *PayloadStore) close() error {
	var first error
	if s.mm != nil {
		if err := s.mm.Unmap(); err != nil && first == nil {
			first = err
		}
		s.mm = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && first == nil {
			first = err
		}
		s.file = nil
	}
	if s.wal != nil {
		if err := s.wal.Close(); err != nil && first == nil {
			first = err
		}
		s.wal = nil
	}
	return first
}
