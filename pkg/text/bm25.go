// Package text provides the full-text structures owned by a collection:
// an Okapi BM25 inverted index for ranked keyword search and a trigram
// index over roaring bitmaps for substring (LIKE) predicates.
package text

import (
	"encoding/gob"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 scoring defaults.
const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// ScoredDoc is one ranked hit.
type ScoredDoc struct {
	ID    uint64
	Score float64
}

// BM25Index is a thread-safe term→posting index with Okapi BM25
// scoring.
type BM25Index struct {
	mu sync.RWMutex

	k1 float64
	b  float64

	postings map[string]map[uint64]int // term → doc → term frequency
	docTerms map[uint64]map[string]int // doc → term → term frequency
	docLen   map[uint64]int
	totalLen int
}

// NewBM25Index creates an index with the standard k1=1.2, b=0.75.
func NewBM25Index() *BM25Index {
	return &BM25Index{
		k1:       DefaultK1,
		b:        DefaultB,
		postings: make(map[string]map[uint64]int),
		docTerms: make(map[uint64]map[string]int),
		docLen:   make(map[uint64]int),
	}
}

// SetParams overrides the scoring parameters.
func (ix *BM25Index) SetParams(k1, b float64) {
	ix.mu.Lock()
	ix.k1, ix.b = k1, b
	ix.mu.Unlock()
}

// Tokenize lowercases and splits on any rune that is not a letter or
// digit. Exported because the query layer shares the tokenization.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Add indexes the text projection for a document, replacing any
// previous entry for the same id.
func (ix *BM25Index) Add(id uint64, text string) {
	terms := Tokenize(text)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)

	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		tf[t]++
	}
	for t, n := range tf {
		posting := ix.postings[t]
		if posting == nil {
			posting = make(map[uint64]int)
			ix.postings[t] = posting
		}
		posting[id] = n
	}
	ix.docTerms[id] = tf
	ix.docLen[id] = len(terms)
	ix.totalLen += len(terms)
}

// Remove drops a document from the index.
func (ix *BM25Index) Remove(id uint64) {
	ix.mu.Lock()
	ix.removeLocked(id)
	ix.mu.Unlock()
}

func (ix *BM25Index) removeLocked(id uint64) {
	tf, ok := ix.docTerms[id]
	if !ok {
		return
	}
	for t := range tf {
		delete(ix.postings[t], id)
		if len(ix.postings[t]) == 0 {
			delete(ix.postings, t)
		}
	}
	ix.totalLen -= ix.docLen[id]
	delete(ix.docTerms, id)
	delete(ix.docLen, id)
}

// Len reports the number of indexed documents.
func (ix *BM25Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docLen)
}

// Search tokenizes the query, scores matching documents with BM25 and
// returns the top k by descending score (ties broken by ascending id).
func (ix *BM25Index) Search(query string, k int) []ScoredDoc {
	terms := Tokenize(query)
	if len(terms) == 0 || k <= 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docLen)
	if n == 0 {
		return nil
	}
	avgLen := float64(ix.totalLen) / float64(n)

	scores := make(map[uint64]float64)
	for _, t := range terms {
		posting := ix.postings[t]
		if len(posting) == 0 {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
		for id, tf := range posting {
			dl := float64(ix.docLen[id])
			norm := 1 - ix.b + ix.b*dl/avgLen
			scores[id] += idf * float64(tf) * (ix.k1 + 1) / (float64(tf) + ix.k1*norm)
		}
	}

	out := make([]ScoredDoc, 0, len(scores))
	for id, s := range scores {
		out = append(out, ScoredDoc{ID: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// bm25Snapshot is the gob form of the index.
type bm25Snapshot struct {
	K1       float64
	B        float64
	DocTerms map[uint64]map[string]int
	DocLen   map[uint64]int
	TotalLen int
}

// Save writes the index to path with a temp+rename.
func (ix *BM25Index) Save(path string) error {
	ix.mu.RLock()
	snap := bm25Snapshot{
		K1:       ix.k1,
		B:        ix.b,
		DocTerms: ix.docTerms,
		DocLen:   ix.docLen,
		TotalLen: ix.totalLen,
	}
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

// LoadBM25Index reads an index written by Save. A missing file yields an
// empty index.
func LoadBM25Index(path string) (*BM25Index, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return NewBM25Index(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap bm25Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, err
	}
	ix := NewBM25Index()
	ix.k1, ix.b = snap.K1, snap.B
	ix.docTerms = snap.DocTerms
	ix.docLen = snap.DocLen
	ix.totalLen = snap.TotalLen
	if ix.docTerms == nil {
		ix.docTerms = make(map[uint64]map[string]int)
	}
	if ix.docLen == nil {
		ix.docLen = make(map[uint64]int)
	}
	for id, tf := range ix.docTerms {
		for t, n := range tf {
			posting := ix.postings[t]
			if posting == nil {
				posting = make(map[uint64]int)
				ix.postings[t] = posting
			}
			posting[id] = n
		}
	}
	return ix, nil
}
