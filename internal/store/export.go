package store

import (
	"context"

	"github.com/rcliao/voicekb/internal/model"
)

// ExportDocuments returns every document of a knowledge base with its text,
// oldest first. Chunks and vectors are not exported; an import re-ingests the
// text so it is embedded with the importing side's provider.
func (s *SQLiteStore) ExportDocuments(ctx context.Context, kbID string) ([]model.Document, error) {
	if _, err := s.GetKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kb_id, text, metadata, chunk_count, created_at
		 FROM documents WHERE kb_id = ? ORDER BY created_at, id`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows, true)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
