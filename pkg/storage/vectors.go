package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// Vector data file layout: a 16-byte header followed by fixed-width slot
// records of [id u64][flags u64][dim × float32]. Deleted slots keep their
// zero-padded record and are reused by later inserts.
const (
	vectorMagic      = 0x56454C53 // "VELS"
	vectorVersion    = 1
	vectorHeaderSize = 16
	slotLive         = uint64(1)
	initialSlotCap   = 1024
)

// VectorStore is an append-mostly id→vector store with a WAL and a
// memory-mapped snapshot.
type VectorStore struct {
	mu      sync.RWMutex
	dim     int
	recSize int

	file *os.File
	mm   mmap.MMap
	wal  *WAL

	idToSlot map[uint64]int
	free     []int
	slotCap  int
	closed   bool
}

// OpenVectorStore opens (or creates) the store at dataPath/walPath and
// replays any durable unflushed operations.
func OpenVectorStore(dataPath, walPath string, dim int) (*VectorStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector store: invalid dimension %d", dim)
	}
	s := &VectorStore{
		dim:      dim,
		recSize:  16 + dim*4,
		idToSlot: make(map[uint64]int),
	}

	var err error
	s.file, err = os.OpenFile(dataPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open vector data: %w", err)
	}
	if err := s.initFile(); err != nil {
		s.file.Close()
		return nil, err
	}
	if err := s.scanSlots(); err != nil {
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
	// Recovery contract: replay, fsync the merged state, start a clean log.
	if err := s.syncAndTruncate(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *VectorStore) initFile() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		s.slotCap = initialSlotCap
		if err := s.file.Truncate(int64(vectorHeaderSize + s.slotCap*s.recSize)); err != nil {
			return fmt.Errorf("size vector data: %w", err)
		}
		var hdr [vectorHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], vectorMagic)
		binary.LittleEndian.PutUint32(hdr[4:8], vectorVersion)
		binary.LittleEndian.PutUint32(hdr[8:12], uint32(s.dim))
		if _, err := s.file.WriteAt(hdr[:], 0); err != nil {
			return fmt.Errorf("write vector header: %w", err)
		}
	} else {
		var hdr [vectorHeaderSize]byte
		if _, err := s.file.ReadAt(hdr[:], 0); err != nil {
			return fmt.Errorf("read vector header: %w", err)
		}
		if binary.LittleEndian.Uint32(hdr[0:4]) != vectorMagic {
			return fmt.Errorf("vector data: bad magic")
		}
		if v := binary.LittleEndian.Uint32(hdr[4:8]); v != vectorVersion {
			return fmt.Errorf("vector data: unsupported version %d", v)
		}
		if d := int(binary.LittleEndian.Uint32(hdr[8:12])); d != s.dim {
			return fmt.Errorf("vector data: dimension %d does not match collection %d", d, s.dim)
		}
		s.slotCap = int((info.Size() - vectorHeaderSize)) / s.recSize
	}
	s.mm, err = mmap.Map(s.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("mmap vector data: %w", err)
	}
	return nil
}

func (s *VectorStore) scanSlots() error {
	for slot := 0; slot < s.slotCap; slot++ {
		off := vectorHeaderSize + slot*s.recSize
		flags := binary.LittleEndian.Uint64(s.mm[off+8 : off+16])
		if flags&slotLive != 0 {
			id := binary.LittleEndian.Uint64(s.mm[off : off+8])
			s.idToSlot[id] = slot
		} else {
			s.free = append(s.free, slot)
		}
	}
	return nil
}

func (s *VectorStore) applyRecord(rec Record) error {
	switch rec.Op {
	case OpInsert, OpUpdate:
		vec, err := decodeVector(rec.Data, s.dim)
		if err != nil {
			return err
		}
		return s.place(rec.ID, vec)
	case OpDelete:
		s.remove(rec.ID)
		return nil
	case OpBatch:
		items, err := DecodeBatch(rec.Data)
		if err != nil {
			return err
		}
		for _, it := range items {
			vec, err := decodeVector(it.Data, s.dim)
			if err != nil {
				return err
			}
			if err := s.place(it.ID, vec); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op %d", ErrCorrupted, rec.Op)
	}
}

// Set stores a vector for id, logging it before the mmap region is
// touched. Replacement of an existing id reuses its slot.
func (s *VectorStore) Set(id uint64, vec []float32) error {
	if len(vec) != s.dim {
		return fmt.Errorf("vector store: dimension %d does not match %d", len(vec), s.dim)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	op := OpInsert
	if _, ok := s.idToSlot[id]; ok {
		op = OpUpdate
	}
	if err := s.wal.Append(op, id, encodeVector(vec)); err != nil {
		return err
	}
	return s.place(id, vec)
}

// SetBatch stores many vectors with a single WAL record.
func (s *VectorStore) SetBatch(ids []uint64, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return fmt.Errorf("vector store: ids/vectors length mismatch %d vs %d", len(ids), len(vecs))
	}
	for _, v := range vecs {
		if len(v) != s.dim {
			return fmt.Errorf("vector store: dimension %d does not match %d", len(v), s.dim)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	items := make([]BatchItem, len(ids))
	for i, id := range ids {
		items[i] = BatchItem{ID: id, Data: encodeVector(vecs[i])}
	}
	if err := s.wal.AppendBatch(items); err != nil {
		return err
	}
	for i, id := range ids {
		if err := s.place(id, vecs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of the stored vector.
func (s *VectorStore) Get(id uint64) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false
	}
	slot, ok := s.idToSlot[id]
	if !ok {
		return nil, false
	}
	off := vectorHeaderSize + slot*s.recSize + 16
	vec := make([]float32, s.dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(s.mm[off+i*4:]))
	}
	return vec, true
}

// Delete removes a vector, zero-padding its slot for reuse.
func (s *VectorStore) Delete(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.idToSlot[id]; !ok {
		return nil
	}
	if err := s.wal.Append(OpDelete, id, nil); err != nil {
		return err
	}
	s.remove(id)
	return nil
}

// IDs returns all live ids in unspecified order.
func (s *VectorStore) IDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, 0, len(s.idToSlot))
	for id := range s.idToSlot {
		ids = append(ids, id)
	}
	return ids
}

// Count reports the number of live vectors.
func (s *VectorStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idToSlot)
}

// Dim reports the fixed vector dimension.
func (s *VectorStore) Dim() int { return s.dim }

// Flush makes all stored bytes durable: fsync WAL, flush and fsync the
// data region, then truncate the WAL.
func (s *VectorStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.syncAndTruncate()
}

func (s *VectorStore) syncAndTruncate() error {
	if err := s.wal.Sync(); err != nil {
		return err
	}
	if err := s.mm.Flush(); err != nil {
		return fmt.Errorf("flush vector mmap: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("fsync vector data: %w", err)
	}
	return s.wal.Truncate()
}

// Close unmaps and closes the store without flushing.
func (s *VectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.close()
}

func (s *VectorStore) close() error {
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

// place writes the record for id into its slot, growing the mapping when
// no free slot remains.
func (s *VectorStore) place(id uint64, vec []float32) error {
	slot, ok := s.idToSlot[id]
	if !ok {
		var err error
		slot, err = s.allocSlot()
		if err != nil {
			return err
		}
		s.idToSlot[id] = slot
	}
	off := vectorHeaderSize + slot*s.recSize
	binary.LittleEndian.PutUint64(s.mm[off:off+8], id)
	binary.LittleEndian.PutUint64(s.mm[off+8:off+16], slotLive)
	for i, x := range vec {
		binary.LittleEndian.PutUint32(s.mm[off+16+i*4:], math.Float32bits(x))
	}
	return nil
}

func (s *VectorStore) remove(id uint64) {
	slot, ok := s.idToSlot[id]
	if !ok {
		return
	}
	off := vectorHeaderSize + slot*s.recSize
	for i := off; i < off+s.recSize; i++ {
		s.mm[i] = 0
	}
	delete(s.idToSlot, id)
	s.free = append(s.free, slot)
}

func (s *VectorStore) allocSlot() (int, error) {
	if n := len(s.free); n > 0 {
		slot := s.free[n-1]
		s.free = s.free[:n-1]
		return slot, nil
	}
	// Grow geometrically: unmap, extend the file, remap.
	newCap := s.slotCap * 2
	if err := s.mm.Unmap(); err != nil {
		return 0, fmt.Errorf("unmap for grow: %w", err)
	}
	if err := s.file.Truncate(int64(vectorHeaderSize + newCap*s.recSize)); err != nil {
		return 0, fmt.Errorf("grow vector data: %w", err)
	}
	var err error
	s.mm, err = mmap.Map(s.file, mmap.RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("remap vector data: %w", err)
	}
	slot := s.slotCap
	for extra := slot + 1; extra < newCap; extra++ {
		s.free = append(s.free, extra)
	}
	s.slotCap = newCap
	return slot, nil
}

func encodeVector(vec []float32) []byte {
	out := make([]byte, len(vec)*4)
	for i, x := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

func decodeVector(data []byte, dim int) ([]float32, error) {
	if len(data) != dim*4 {
		return nil, fmt.Errorf("%w: vector record has %d bytes, want %d", ErrCorrupted, len(data), dim*4)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
