package text

import (
	"encoding/gob"
	"errors"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// ErrDocIDTooLarge is returned when a document id exceeds the 32-bit
// space of the posting bitmaps. IDs are refused, never truncated.
var ErrDocIDTooLarge = errors.New("text: document id exceeds 32-bit bitmap space")

// trigram is a rolling 3-byte window.
type trigram [3]byte

// TrigramIndex maps 3-byte windows to roaring bitmaps of document ids,
// answering LIKE-style substring predicates.
type TrigramIndex struct {
	mu       sync.RWMutex
	grams    map[trigram]*roaring.Bitmap
	docGrams map[uint32][]trigram
}

// NewTrigramIndex creates an empty index.
func NewTrigramIndex() *TrigramIndex {
	return &TrigramIndex{
		grams:    make(map[trigram]*roaring.Bitmap),
		docGrams: make(map[uint32][]trigram),
	}
}

// extractTrigrams rolls a 3-byte window over the text with two bytes of
// leading space padding, so prefixes of short documents still produce
// windows.
func extractTrigrams(text string) []trigram {
	if text == "" {
		return nil
	}
	padded := "  " + strings.ToLower(text)
	seen := make(map[trigram]struct{}, len(padded))
	out := make([]trigram, 0, len(padded))
	for i := 0; i+3 <= len(padded); i++ {
		var g trigram
		copy(g[:], padded[i:i+3])
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

// Add indexes the text projection for a document, replacing any
// previous entry.
func (ix *TrigramIndex) Add(id uint64, text string) error {
	if id > math.MaxUint32 {
		return ErrDocIDTooLarge
	}
	doc := uint32(id)
	grams := extractTrigrams(text)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(doc)

	for _, g := range grams {
		bm := ix.grams[g]
		if bm == nil {
			bm = roaring.New()
			ix.grams[g] = bm
		}
		bm.Add(doc)
	}
	ix.docGrams[doc] = grams
	return nil
}

// Remove drops a document from the index. Oversized ids were never
// indexed, so they are ignored.
func (ix *TrigramIndex) Remove(id uint64) {
	if id > math.MaxUint32 {
		return
	}
	ix.mu.Lock()
	ix.removeLocked(uint32(id))
	ix.mu.Unlock()
}

func (ix *TrigramIndex) removeLocked(doc uint32) {
	grams, ok := ix.docGrams[doc]
	if !ok {
		return
	}
	for _, g := range grams {
		if bm := ix.grams[g]; bm != nil {
			bm.Remove(doc)
			if bm.IsEmpty() {
				delete(ix.grams, g)
			}
		}
	}
	delete(ix.docGrams, doc)
}

// Len reports the number of indexed documents.
func (ix *TrigramIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docGrams)
}

// patternTrigrams extracts the trigrams of the literal segments of a
// LIKE pattern ('%' and '_' are wildcards). Segments shorter than three
// bytes yield no windows.
func patternTrigrams(pattern string) []trigram {
	segments := strings.FieldsFunc(pattern, func(r rune) bool {
		return r == '%' || r == '_'
	})
	seen := make(map[trigram]struct{})
	var out []trigram
	for _, seg := range segments {
		lower := strings.ToLower(seg)
		for i := 0; i+3 <= len(lower); i++ {
			var g trigram
			copy(g[:], lower[i:i+3])
			if _, dup := seen[g]; dup {
				continue
			}
			seen[g] = struct{}{}
			out = append(out, g)
		}
	}
	return out
}

// SearchLike intersects the posting bitmaps of the pattern's trigrams.
// The second return is false when the pattern has no usable trigram, in
// which case the index cannot narrow the candidate set and the caller
// must fall back to a scan.
func (ix *TrigramIndex) SearchLike(pattern string) (*roaring.Bitmap, bool) {
	grams := patternTrigrams(pattern)
	if len(grams) == 0 {
		return nil, false
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	bitmaps := make([]*roaring.Bitmap, 0, len(grams))
	for _, g := range grams {
		bm := ix.grams[g]
		if bm == nil {
			return roaring.New(), true
		}
		bitmaps = append(bitmaps, bm)
	}
	return roaring.FastAnd(bitmaps...), true
}

// SearchLikeRanked intersects like SearchLike, then Jaccard-scores every
// candidate's trigram set against the pattern's and drops those below
// threshold. Results are ordered by descending score.
func (ix *TrigramIndex) SearchLikeRanked(pattern string, threshold float64) []ScoredDoc {
	grams := patternTrigrams(pattern)
	if len(grams) == 0 {
		return nil
	}
	candidates, ok := ix.SearchLike(pattern)
	if !ok || candidates.IsEmpty() {
		return nil
	}

	patternSet := make(map[trigram]struct{}, len(grams))
	for _, g := range grams {
		patternSet[g] = struct{}{}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []ScoredDoc
	it := candidates.Iterator()
	for it.HasNext() {
		doc := it.Next()
		docSet := ix.docGrams[doc]
		inter := 0
		for _, g := range docSet {
			if _, hit := patternSet[g]; hit {
				inter++
			}
		}
		union := len(docSet) + len(patternSet) - inter
		if union == 0 {
			continue
		}
		score := float64(inter) / float64(union)
		if score >= threshold {
			out = append(out, ScoredDoc{ID: uint64(doc), Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// trigramSnapshot is the gob form of the index.
type trigramSnapshot struct {
	DocGrams map[uint32][]trigram
}

// Save writes the index to path with a temp+rename.
func (ix *TrigramIndex) Save(path string) error {
	ix.mu.RLock()
	snap := trigramSnapshot{DocGrams: ix.docGrams}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		ix.mu.RUnlock()
		return err
	}
	err = gob.NewEncoder(f).Encode(snap)
	ix.mu.RUnlock()
	if err != nil {
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

// LoadTrigramIndex reads an index written by Save, rebuilding the
// posting bitmaps from the per-document trigram sets. A missing file
// yields an empty index.
func LoadTrigramIndex(path string) (*TrigramIndex, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return NewTrigramIndex(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap trigramSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, err
	}
	ix := NewTrigramIndex()
	if snap.DocGrams != nil {
		ix.docGrams = snap.DocGrams
	}
	for doc, grams := range ix.docGrams {
		for _, g := range grams {
			bm := ix.grams[g]
			if bm == nil {
				bm = roaring.New()
				ix.grams[g] = bm
			}
			bm.Add(doc)
		}
	}
	return ix, nil
}
