package knowledge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/voicekb/internal/apperr"
)

// Bundle is the portable form of a knowledge base. It carries document text
// only; importing re-chunks and re-embeds it.
type Bundle struct {
	Version     int              `json:"version"`
	ExportedAt  time.Time        `json:"exported_at"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Documents   []BundleDocument `json:"documents"`
}

type BundleDocument struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

const bundleVersion = 1

// Export returns a knowledge base as a Bundle.
func (s *Service) Export(ctx context.Context, kbID string) (*Bundle, error) {
	kb, err := s.records.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}
	docs, err := s.records.ExportDocuments(ctx, kbID)
	if err != nil {
		return nil, fmt.Errorf("export documents: %w", err)
	}
	b := &Bundle{
		Version:     bundleVersion,
		ExportedAt:  time.Now().UTC(),
		Name:        kb.Name,
		Description: kb.Description,
		Documents:   make([]BundleDocument, len(docs)),
	}
	for i, d := range docs {
		b.Documents[i] = BundleDocument{Text: d.Text, Metadata: d.Metadata}
	}
	return b, nil
}

// ImportResult reports what an Import created.
type ImportResult struct {
	KnowledgeBaseID string   `json:"kb_id"`
	DocumentIDs     []string `json:"doc_ids"`
	Failed          int      `json:"failed"`
}

// Import creates a new knowledge base owned by ownerUserID from b. Documents
// that fail to ingest are counted and skipped.
func (s *Service) Import(ctx context.Context, ownerUserID string, b *Bundle) (*ImportResult, error) {
	if b == nil || b.Version != bundleVersion {
		return nil, apperr.New(apperr.InvalidInput, "unsupported bundle version")
	}
	kb, err := s.CreateKnowledgeBase(ctx, ownerUserID, b.Name, b.Description)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{KnowledgeBaseID: kb.ID}
	for i, d := range b.Documents {
		id, err := s.AddDocument(ctx, kb.ID, d.Text, d.Metadata)
		if err != nil {
			if ctx.Err() != nil {
				return res, err
			}
			s.logger.Warn("import document", zap.Int("index", i), zap.Error(err))
			res.Failed++
			continue
		}
		res.DocumentIDs = append(res.DocumentIDs, id)
	}
	return res, nil
}
