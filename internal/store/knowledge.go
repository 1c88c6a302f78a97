package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/embedding"
	"github.com/rcliao/voicekb/internal/model"
)

func (s *SQLiteStore) CreateKnowledgeBase(ctx context.Context, p CreateKBParams) (*model.KnowledgeBase, error) {
	if p.OwnerUserID == "" || p.Name == "" {
		return nil, apperr.New(apperr.InvalidInput, "knowledge base needs an owner and a name")
	}
	kb := &model.KnowledgeBase{
		ID:          newID(),
		OwnerUserID: p.OwnerUserID,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_bases (id, owner_user_id, name, description, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		kb.ID, kb.OwnerUserID, kb.Name, nullable(kb.Description), formatTime(kb.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert knowledge base: %w", err)
	}
	return kb, nil
}

func (s *SQLiteStore) GetKnowledgeBase(ctx context.Context, id string) (*model.KnowledgeBase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_user_id, name, description, created_at FROM knowledge_bases WHERE id = ?`, id)
	kb, err := scanKnowledgeBase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KnowledgeBaseNotFound, "knowledge base %q not found", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE kb_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return nil, err
		}
		kb.DocumentIDs = append(kb.DocumentIDs, docID)
	}
	return &kb, rows.Err()
}

func (s *SQLiteStore) ListKnowledgeBases(ctx context.Context, ownerUserID string) ([]model.KnowledgeBase, error) {
	query := `SELECT id, owner_user_id, name, description, created_at FROM knowledge_bases`
	var args []interface{}
	if ownerUserID != "" {
		query += ` WHERE owner_user_id = ?`
		args = append(args, ownerUserID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var kbs []model.KnowledgeBase
	for rows.Next() {
		kb, err := scanKnowledgeBase(rows)
		if err != nil {
			return nil, err
		}
		kbs = append(kbs, kb)
	}
	return kbs, rows.Err()
}

func (s *SQLiteStore) DeleteKnowledgeBase(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete knowledge base: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KnowledgeBaseNotFound, "knowledge base %q not found", id)
	}
	return nil
}

func (s *SQLiteStore) AddDocument(ctx context.Context, doc *model.Document, chunks []model.Chunk) error {
	if doc.ID == "" {
		doc.ID = newID()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	doc.ChunkCount = len(chunks)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM knowledge_bases WHERE id = ?`, doc.KnowledgeBaseID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KnowledgeBaseNotFound, "knowledge base %q not found", doc.KnowledgeBaseID)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (id, kb_id, text, metadata, chunk_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			doc.ID, doc.KnowledgeBaseID, doc.Text, encodeMeta(doc.Metadata), doc.ChunkCount, formatTime(doc.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}

		for i := range chunks {
			c := &chunks[i]
			if c.ID == "" {
				c.ID = newID()
			}
			c.DocumentID = doc.ID
			c.KnowledgeBaseID = doc.KnowledgeBaseID
			_, err = tx.ExecContext(ctx,
				`INSERT INTO chunks (id, document_id, kb_id, seq, text, byte_offset, vector, metadata)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.DocumentID, c.KnowledgeBaseID, c.Seq, c.Text, c.Offset,
				embedding.Encode(c.Vector), encodeMeta(c.Metadata))
			if err != nil {
				return fmt.Errorf("insert chunk: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kb_id, text, metadata, chunk_count, created_at FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.DocumentNotFound, "document %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, kbID string) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kb_id, '', metadata, chunk_count, created_at
		 FROM documents WHERE kb_id = ? ORDER BY created_at, id`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows, false)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) (int, error) {
	var removed int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE document_id = ?`, id).Scan(&removed); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.DocumentNotFound, "document %q not found", id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *SQLiteStore) LoadChunks(ctx context.Context) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.document_id, c.kb_id, c.seq, c.text, c.byte_offset, c.vector, c.metadata
		 FROM chunks c JOIN documents d ON d.id = c.document_id
		 ORDER BY d.created_at, d.id, c.seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func scanKnowledgeBase(row scanner) (model.KnowledgeBase, error) {
	var kb model.KnowledgeBase
	var desc sql.NullString
	var createdAt string
	if err := row.Scan(&kb.ID, &kb.OwnerUserID, &kb.Name, &desc, &createdAt); err != nil {
		return kb, err
	}
	kb.Description = desc.String
	kb.CreatedAt = parseTime(createdAt)
	return kb, nil
}

func scanDocument(row scanner, withText bool) (model.Document, error) {
	var d model.Document
	var text string
	var meta sql.NullString
	var createdAt string
	if err := row.Scan(&d.ID, &d.KnowledgeBaseID, &text, &meta, &d.ChunkCount, &createdAt); err != nil {
		return d, err
	}
	if withText {
		d.Text = text
	}
	d.Metadata = decodeMeta(meta)
	d.CreatedAt = parseTime(createdAt)
	return d, nil
}

func scanChunk(row scanner) (model.Chunk, error) {
	var c model.Chunk
	var vec []byte
	var meta sql.NullString
	if err := row.Scan(&c.ID, &c.DocumentID, &c.KnowledgeBaseID, &c.Seq, &c.Text, &c.Offset, &vec, &meta); err != nil {
		return c, err
	}
	if len(vec) > 0 {
		c.Vector = embedding.Decode(vec)
	}
	c.Metadata = decodeMeta(meta)
	return c, nil
}
