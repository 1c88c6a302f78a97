// Package retrieval turns a caller utterance into ranked knowledge snippets
// from one knowledge base.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/voicekb/internal/embedding"
	"github.com/rcliao/voicekb/internal/index"
	"github.com/rcliao/voicekb/internal/metrics"
	"github.com/rcliao/voicekb/internal/model"
)

// Lookup resolves knowledge bases and documents. *store.SQLiteStore
// satisfies it.
type Lookup interface {
	GetKnowledgeBase(ctx context.Context, id string) (*model.KnowledgeBase, error)
	GetDocument(ctx context.Context, id string) (*model.Document, error)
}

// Config tunes retrieval.
type Config struct {
	TopK            int           `yaml:"top_k"`
	MinScore        float64       `yaml:"min_score"` // 0 disables
	CacheSize       int           `yaml:"cache_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	// ExpandSentences widens each hit to its enclosing sentences, up to
	// MaxExpand runes each way, and merges hits that widen to the same text.
	ExpandSentences bool          `yaml:"expand_sentences"`
	MaxExpand       int           `yaml:"max_expand"`
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() Config {
	return Config{
		TopK:      3,
		CacheSize: 512,
		CacheTTL:  10 * time.Minute,
		MaxExpand: 200,
	}
}

// Snippet is one retrieved passage. Rank starts at 1.
type Snippet struct {
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	DocumentID string  `json:"doc_id"`
	ChunkID    string  `json:"chunk_id"`
	Rank       int     `json:"rank"`
}

// Engine retrieves snippets through an embedder and an index.
type Engine struct {
	lookup   Lookup
	index    *index.Index
	embedder embedding.Embedder
	cache    *vectorCache
	cfg      Config
	logger   *zap.Logger
}

// New creates a retrieval engine.
func New(lookup Lookup, ix *index.Index, emb embedding.Embedder, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		lookup:   lookup,
		index:    ix,
		embedder: emb,
		cache:    newVectorCache(cfg.CacheSize, cfg.CacheTTL),
		cfg:      cfg,
		logger:   logger,
	}
}

// TopK returns the configured default result count.
func (e *Engine) TopK() int { return e.cfg.TopK }

// Retrieve returns up to topK chunk snippets from kbID in the index's ranked
// order. A missing knowledge base is apperr.KnowledgeBaseNotFound; an empty
// one yields no snippets.
func (e *Engine) Retrieve(ctx context.Context, kbID, query string, topK int) ([]Snippet, error) {
	if _, err := e.lookup.GetKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}
	if topK <= 0 || e.index.Len(kbID) == 0 {
		return []Snippet{}, nil
	}

	q, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := e.index.Query(kbID, q, topK)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	docs := map[string]string{}
	seen := map[string]bool{}
	snippets := make([]Snippet, 0, len(hits))
	for _, h := range hits {
		if e.cfg.MinScore > 0 && h.Score < e.cfg.MinScore {
			continue
		}
		text := h.Text
		if e.cfg.ExpandSentences {
			text = e.shape(ctx, docs, h)
			if seen[text] {
				continue
			}
			seen[text] = true
		}
		snippets = append(snippets, Snippet{
			Text:       text,
			Score:      h.Score,
			DocumentID: h.DocumentID,
			ChunkID:    h.ChunkID,
			Rank:       len(snippets) + 1,
		})
	}

	top1 := 0.0
	if len(snippets) > 0 {
		top1 = snippets[0].Score
	}
	metrics.ObserveRetrieval(len(snippets), top1)
	return snippets, nil
}

// RetrieveTexts is Retrieve reduced to snippet texts in rank order.
func (e *Engine) RetrieveTexts(ctx context.Context, kbID, query string, topK int) ([]string, error) {
	snippets, err := e.Retrieve(ctx, kbID, query, topK)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(snippets))
	for i, s := range snippets {
		texts[i] = s.Text
	}
	return texts, nil
}

func (e *Engine) embedQuery(ctx context.Context, query string) (embedding.Vector, error) {
	if v, ok := e.cache.Get(query); ok {
		metrics.IncCache(true)
		return v, nil
	}
	metrics.IncCache(false)

	start := time.Now()
	v, err := e.embedder.Embed(ctx, query)
	if err != nil {
		metrics.ObserveProvider("embedding", "error", start)
		return nil, err
	}
	metrics.ObserveProvider("embedding", "ok", start)
	e.cache.Set(query, v)
	return v, nil
}

// shape widens a hit to its enclosing sentences. Hits whose document cannot
// be read fall back to the raw chunk text.
func (e *Engine) shape(ctx context.Context, docs map[string]string, h index.Hit) string {
	text, ok := docs[h.DocumentID]
	if !ok {
		doc, err := e.lookup.GetDocument(ctx, h.DocumentID)
		if err != nil {
			e.logger.Debug("snippet source unavailable", zap.String("doc_id", h.DocumentID), zap.Error(err))
			docs[h.DocumentID] = ""
			return h.Text
		}
		text = doc.Text
		docs[h.DocumentID] = text
	}
	if text == "" || h.Offset+len(h.Text) > len(text) || text[h.Offset:h.Offset+len(h.Text)] != h.Text {
		return h.Text
	}
	return expandToSentence(text, h.Offset, h.Offset+len(h.Text), e.cfg.MaxExpand)
}
