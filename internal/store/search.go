package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/voicekb/internal/model"
)

// SearchChunks finds chunks whose text contains the query substring. It is a
// keyword fallback for operators; conversational retrieval goes through the
// embedding index.
func (s *SQLiteStore) SearchChunks(ctx context.Context, p SearchParams) ([]model.Chunk, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"c.text LIKE ?"}
	args := []interface{}{"%" + p.Query + "%"}

	if p.KnowledgeBaseID != "" {
		where = append(where, "c.kb_id = ?")
		args = append(args, p.KnowledgeBaseID)
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.kb_id, c.seq, c.text, c.byte_offset, NULL, c.metadata
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE %s
		ORDER BY d.created_at DESC, c.seq
		LIMIT ?`, strings.Join(where, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}
