// Package knowledge ingests documents into knowledge bases and answers
// knowledge queries. It keeps the record store and the embedding index in
// step.
package knowledge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/chunker"
	"github.com/rcliao/voicekb/internal/embedding"
	"github.com/rcliao/voicekb/internal/index"
	"github.com/rcliao/voicekb/internal/logging"
	"github.com/rcliao/voicekb/internal/metrics"
	"github.com/rcliao/voicekb/internal/model"
	"github.com/rcliao/voicekb/internal/retrieval"
	"github.com/rcliao/voicekb/internal/store"
)

// MetaChunk is the chunk metadata key holding the chunk's position in its
// document.
const MetaChunk = "chunk"

// Records is the part of the record store the service needs.
// *store.SQLiteStore satisfies it.
type Records interface {
	CreateKnowledgeBase(ctx context.Context, p store.CreateKBParams) (*model.KnowledgeBase, error)
	GetKnowledgeBase(ctx context.Context, id string) (*model.KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context, ownerUserID string) ([]model.KnowledgeBase, error)
	DeleteKnowledgeBase(ctx context.Context, id string) error
	AddDocument(ctx context.Context, doc *model.Document, chunks []model.Chunk) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListDocuments(ctx context.Context, kbID string) ([]model.Document, error)
	DeleteDocument(ctx context.Context, id string) (int, error)
	LoadChunks(ctx context.Context) ([]model.Chunk, error)
	SearchChunks(ctx context.Context, p store.SearchParams) ([]model.Chunk, error)
	ExportDocuments(ctx context.Context, kbID string) ([]model.Document, error)
}

// Service is the ingestion and query API.
type Service struct {
	records   Records
	index     *index.Index
	embedder  embedding.Embedder
	retriever *retrieval.Engine
	chunking  chunker.Options
	logger    *zap.Logger
}

// New creates a service. Zero chunk options use chunker.DefaultOptions.
func New(records Records, ix *index.Index, emb embedding.Embedder, ret *retrieval.Engine, opts chunker.Options, logger *zap.Logger) *Service {
	if opts == (chunker.Options{}) {
		opts = chunker.DefaultOptions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		records:   records,
		index:     ix,
		embedder:  emb,
		retriever: ret,
		chunking:  opts,
		logger:    logger,
	}
}

func (s *Service) CreateKnowledgeBase(ctx context.Context, ownerUserID, name, description string) (*model.KnowledgeBase, error) {
	if strings.TrimSpace(ownerUserID) == "" || strings.TrimSpace(name) == "" {
		return nil, apperr.New(apperr.InvalidInput, "knowledge base needs an owner and a name")
	}
	kb, err := s.records.CreateKnowledgeBase(ctx, store.CreateKBParams{
		OwnerUserID: ownerUserID,
		Name:        name,
		Description: description,
	})
	if err != nil {
		return nil, fmt.Errorf("create knowledge base: %w", err)
	}
	s.logger.Info("knowledge base created", zap.String("kb_id", kb.ID), zap.String("user_id", ownerUserID))
	return kb, nil
}

func (s *Service) GetKnowledgeBase(ctx context.Context, id string) (*model.KnowledgeBase, error) {
	return s.records.GetKnowledgeBase(ctx, id)
}

func (s *Service) ListKnowledgeBases(ctx context.Context, ownerUserID string) ([]model.KnowledgeBase, error) {
	return s.records.ListKnowledgeBases(ctx, ownerUserID)
}

// DeleteKnowledgeBase removes a knowledge base with its documents and drops
// its index partition.
func (s *Service) DeleteKnowledgeBase(ctx context.Context, id string) error {
	if err := s.records.DeleteKnowledgeBase(ctx, id); err != nil {
		return err
	}
	n := s.index.DropKnowledgeBase(id)
	s.logger.Info("knowledge base deleted", zap.String("kb_id", id), zap.Int("chunks", n))
	return nil
}

// AddDocument chunks, embeds and stores text, then makes its chunks
// searchable in one step. It returns the new document ID.
func (s *Service) AddDocument(ctx context.Context, kbID, text string, metadata map[string]string) (string, error) {
	defer logging.Timed(s.logger, "add_document")()

	docID, err := s.addDocument(ctx, kbID, text, metadata)
	if err != nil {
		metrics.IncIngested("error")
		return "", err
	}
	metrics.IncIngested("ok")
	return docID, nil
}

func (s *Service) addDocument(ctx context.Context, kbID, text string, metadata map[string]string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", apperr.New(apperr.DocumentProcessing, "document text is empty")
	}
	if _, err := s.records.GetKnowledgeBase(ctx, kbID); err != nil {
		return "", err
	}

	windows, err := chunker.Chunk(text, s.chunking)
	if err != nil {
		return "", err
	}

	dims := s.index.Dims()
	chunks := make([]model.Chunk, 0, len(windows))
	for _, w := range windows {
		start := time.Now()
		vec, err := s.embedder.Embed(ctx, chunker.WordSpan(text, w))
		if err != nil {
			metrics.ObserveProvider("embedding", "error", start)
			return "", fmt.Errorf("embed chunk %d: %w", w.Index, err)
		}
		metrics.ObserveProvider("embedding", "ok", start)
		if dims == 0 {
			dims = len(vec)
		}
		if len(vec) != dims {
			return "", apperr.New(apperr.DimensionMismatch,
				"embedding has dimension %d, index expects %d", len(vec), dims)
		}

		meta := make(map[string]string, len(metadata)+1)
		for k, v := range metadata {
			meta[k] = v
		}
		meta[MetaChunk] = strconv.Itoa(w.Index)
		chunks = append(chunks, model.Chunk{
			Seq:      w.Index,
			Text:     w.Text,
			Offset:   w.Offset,
			Vector:   vec,
			Metadata: meta,
		})
	}

	doc := &model.Document{
		KnowledgeBaseID: kbID,
		Text:            text,
		Metadata:        metadata,
	}
	if err := s.records.AddDocument(ctx, doc, chunks); err != nil {
		return "", fmt.Errorf("store document: %w", err)
	}

	if err := s.index.InsertDocument(kbID, doc.ID, toEntries(chunks)); err != nil {
		// Keep the store and the index in agreement.
		if _, derr := s.records.DeleteDocument(context.WithoutCancel(ctx), doc.ID); derr != nil {
			s.logger.Error("roll back document", zap.String("doc_id", doc.ID), zap.Error(derr))
		}
		return "", fmt.Errorf("index document: %w", err)
	}

	s.logger.Info("document added",
		zap.String("kb_id", kbID),
		zap.String("doc_id", doc.ID),
		zap.Int("chunks", len(chunks)))
	return doc.ID, nil
}

// DeleteDocument removes a document and all of its chunks. It returns the
// number of chunks removed.
func (s *Service) DeleteDocument(ctx context.Context, docID string) (int, error) {
	n, err := s.records.DeleteDocument(ctx, docID)
	if err != nil {
		return 0, err
	}
	if _, err := s.index.DeleteDocument(docID); err != nil {
		s.logger.Warn("document missing from index", zap.String("doc_id", docID), zap.Error(err))
	}
	s.logger.Info("document deleted", zap.String("doc_id", docID), zap.Int("chunks", n))
	return n, nil
}

func (s *Service) GetDocument(ctx context.Context, docID string) (*model.Document, error) {
	return s.records.GetDocument(ctx, docID)
}

// ListDocuments returns the documents of a knowledge base without their text.
func (s *Service) ListDocuments(ctx context.Context, kbID string) ([]model.Document, error) {
	if _, err := s.records.GetKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}
	return s.records.ListDocuments(ctx, kbID)
}

// QueryKnowledge returns the topK snippets most similar to query. topK <= 0
// uses the retrieval default.
func (s *Service) QueryKnowledge(ctx context.Context, kbID, query string, topK int) ([]retrieval.Snippet, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.New(apperr.InvalidInput, "query is empty")
	}
	if topK <= 0 {
		topK = s.retriever.TopK()
	}
	return s.retriever.Retrieve(ctx, kbID, query, topK)
}

// SearchText finds chunks containing query verbatim.
func (s *Service) SearchText(ctx context.Context, kbID, query string, limit int) ([]model.Chunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.New(apperr.InvalidInput, "query is empty")
	}
	return s.records.SearchChunks(ctx, store.SearchParams{KnowledgeBaseID: kbID, Query: query, Limit: limit})
}

// Restore loads every persisted chunk into the index. Chunks whose vector
// dimension differs from the index are skipped and counted.
func (s *Service) Restore(ctx context.Context) (restored, skipped int, err error) {
	chunks, err := s.records.LoadChunks(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load chunks: %w", err)
	}

	dims := s.index.Dims()
	if dims == 0 && s.embedder != nil {
		dims = s.embedder.Dims()
	}
	entries := make([]index.Entry, 0, len(chunks))
	for _, c := range chunks {
		if dims != 0 && len(c.Vector) != dims {
			skipped++
			continue
		}
		entries = append(entries, toEntry(c))
	}
	if err := s.index.Restore(entries); err != nil {
		return 0, 0, fmt.Errorf("restore index: %w", err)
	}
	if skipped > 0 {
		s.logger.Warn("chunks skipped on restore", zap.Int("skipped", skipped), zap.Int("dims", dims))
	}
	return len(entries), skipped, nil
}

func toEntries(chunks []model.Chunk) []index.Entry {
	entries := make([]index.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = toEntry(c)
	}
	return entries
}

func toEntry(c model.Chunk) index.Entry {
	return index.Entry{
		KnowledgeBaseID: c.KnowledgeBaseID,
		DocumentID:      c.DocumentID,
		ChunkID:         c.ID,
		Text:            c.Text,
		Offset:          c.Offset,
		Vector:          c.Vector,
		Metadata:        index.Metadata(c.Metadata),
	}
}
