// Package index holds chunk vectors in memory, partitioned by knowledge base,
// and answers cosine top-k queries over one partition.
package index

import (
	"sort"
	"sync"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/embedding"
)

// Metadata is carried with each entry and returned on hits.
type Metadata map[string]string

// MetaDocID is the metadata key holding the owning document ID.
const MetaDocID = "doc_id"

// Entry is one indexed chunk.
type Entry struct {
	KnowledgeBaseID string
	DocumentID      string
	ChunkID         string
	Text            string
	Offset          int
	Vector          []float32
	Metadata        Metadata
}

// Hit is a query result. Offset is the chunk's byte offset in its document.
type Hit struct {
	ChunkID    string
	DocumentID string
	Text       string
	Offset     int
	Score      float64
	Metadata   Metadata
}

type partition struct {
	entries []*Entry
	byChunk map[string]int
}

// Index is safe for concurrent use. Every entry in an Index has the same
// vector dimension.
type Index struct {
	mu    sync.RWMutex
	dims  int
	parts map[string]*partition
	docs  map[string]string // doc ID -> KB ID
}

// New creates an index. dims == 0 means the first insert decides.
func New(dims int) *Index {
	return &Index{
		dims:  dims,
		parts: make(map[string]*partition),
		docs:  make(map[string]string),
	}
}

// Dims returns the fixed dimension, or 0 if not yet known.
func (ix *Index) Dims() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dims
}

// Insert adds a single chunk. The owning document is taken from meta[doc_id].
func (ix *Index) Insert(kbID, chunkID string, vector []float32, meta Metadata) error {
	return ix.insert([]Entry{{
		KnowledgeBaseID: kbID,
		DocumentID:      meta[MetaDocID],
		ChunkID:         chunkID,
		Vector:          vector,
		Metadata:        meta,
	}})
}

// InsertDocument adds all chunks of one document. Queries see either none or
// all of them.
func (ix *Index) InsertDocument(kbID, docID string, entries []Entry) error {
	batch := make([]Entry, len(entries))
	for i, e := range entries {
		e.KnowledgeBaseID = kbID
		e.DocumentID = docID
		batch[i] = e
	}
	return ix.insert(batch)
}

// Restore loads persisted entries, typically at startup.
func (ix *Index) Restore(entries []Entry) error {
	return ix.insert(entries)
}

func (ix *Index) insert(batch []Entry) error {
	if len(batch) == 0 {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	dims := ix.dims
	for _, e := range batch {
		if e.KnowledgeBaseID == "" || e.ChunkID == "" {
			return apperr.New(apperr.InvalidInput, "index entry needs knowledge base and chunk id")
		}
		if len(e.Vector) == 0 {
			return apperr.New(apperr.DimensionMismatch, "chunk %s has an empty vector", e.ChunkID)
		}
		if dims == 0 {
			dims = len(e.Vector)
		}
		if len(e.Vector) != dims {
			return apperr.New(apperr.DimensionMismatch,
				"chunk %s has dimension %d, index expects %d", e.ChunkID, len(e.Vector), dims)
		}
	}
	ix.dims = dims

	for _, e := range batch {
		p := ix.parts[e.KnowledgeBaseID]
		if p == nil {
			p = &partition{byChunk: make(map[string]int)}
			ix.parts[e.KnowledgeBaseID] = p
		}
		stored := e
		stored.Vector = append([]float32(nil), e.Vector...)
		stored.Metadata = cloneMeta(e.Metadata)
		if stored.DocumentID != "" {
			if stored.Metadata == nil {
				stored.Metadata = Metadata{}
			}
			stored.Metadata[MetaDocID] = stored.DocumentID
			ix.docs[stored.DocumentID] = stored.KnowledgeBaseID
		}
		if i, ok := p.byChunk[e.ChunkID]; ok {
			p.entries[i] = &stored
			continue
		}
		p.byChunk[e.ChunkID] = len(p.entries)
		p.entries = append(p.entries, &stored)
	}
	return nil
}

// Query returns up to topK hits from kbID ordered by descending cosine
// similarity. Equal scores keep insertion order.
func (ix *Index) Query(kbID string, q []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	p := ix.parts[kbID]
	if p == nil || len(p.entries) == 0 {
		return nil, nil
	}
	if len(q) != ix.dims {
		return nil, apperr.New(apperr.DimensionMismatch,
			"query has dimension %d, index expects %d", len(q), ix.dims)
	}

	hits := make([]Hit, len(p.entries))
	for i, e := range p.entries {
		hits[i] = Hit{
			ChunkID:    e.ChunkID,
			DocumentID: e.DocumentID,
			Text:       e.Text,
			Offset:     e.Offset,
			Score:      embedding.CosineSimilarity(q, e.Vector),
			Metadata:   e.Metadata,
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK < len(hits) {
		hits = hits[:topK]
	}
	for i := range hits {
		hits[i].Metadata = cloneMeta(hits[i].Metadata)
	}
	return hits, nil
}

// DeleteDocument removes every chunk of docID and returns how many were
// removed. Unknown documents remove nothing.
func (ix *Index) DeleteDocument(docID string) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	kbID, ok := ix.docs[docID]
	if !ok {
		return 0, nil
	}
	delete(ix.docs, docID)
	p := ix.parts[kbID]
	if p == nil {
		return 0, nil
	}

	kept := p.entries[:0]
	removed := 0
	for _, e := range p.entries {
		if e.DocumentID == docID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(p.entries); i++ {
		p.entries[i] = nil
	}
	p.entries = kept
	p.byChunk = make(map[string]int, len(kept))
	for i, e := range kept {
		p.byChunk[e.ChunkID] = i
	}
	return removed, nil
}

// DropKnowledgeBase removes a whole partition.
func (ix *Index) DropKnowledgeBase(kbID string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	p := ix.parts[kbID]
	if p == nil {
		return 0
	}
	for _, e := range p.entries {
		delete(ix.docs, e.DocumentID)
	}
	delete(ix.parts, kbID)
	return len(p.entries)
}

// Len returns the number of entries in kbID.
func (ix *Index) Len(kbID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if p := ix.parts[kbID]; p != nil {
		return len(p.entries)
	}
	return 0
}

// Size returns the number of entries across all knowledge bases.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, p := range ix.parts {
		n += len(p.entries)
	}
	return n
}

func cloneMeta(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
