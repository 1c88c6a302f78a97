package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath         string              `json:"db_path"`
	DBSizeBytes    int64               `json:"db_size_bytes"`
	KnowledgeBases int                 `json:"knowledge_bases"`
	Documents      int                 `json:"documents"`
	Chunks         int                 `json:"chunks"`
	Messages       int                 `json:"messages"`
	Sessions       []SessionStateCount `json:"sessions"`
	Largest        []KnowledgeBaseSize `json:"largest_knowledge_bases"`
}

// SessionStateCount holds the number of calls in one state.
type SessionStateCount struct {
	State string `json:"state"`
	Count int    `json:"count"`
}

// KnowledgeBaseSize holds per-knowledge-base counts.
type KnowledgeBaseSize struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	// DB file size
	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_bases`).Scan(&st.KnowledgeBases)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&st.Documents)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&st.Chunks)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&st.Messages)

	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) AS cnt FROM call_sessions
		GROUP BY state ORDER BY cnt DESC`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var sc SessionStateCount
		rows.Scan(&sc.State, &sc.Count)
		st.Sessions = append(st.Sessions, sc)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT kb.id, kb.name,
		       (SELECT COUNT(*) FROM documents d WHERE d.kb_id = kb.id),
		       (SELECT COUNT(*) FROM chunks c WHERE c.kb_id = kb.id) AS chunk_count
		FROM knowledge_bases kb
		ORDER BY chunk_count DESC LIMIT 10`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var kb KnowledgeBaseSize
		rows.Scan(&kb.ID, &kb.Name, &kb.Documents, &kb.Chunks)
		st.Largest = append(st.Largest, kb)
	}

	return st, nil
}
