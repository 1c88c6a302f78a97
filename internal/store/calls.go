package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/model"
)

// SaveSession inserts or updates a call session row.
func (s *SQLiteStore) SaveSession(ctx context.Context, cs *model.CallSession) error {
	var endedAt *string
	if cs.EndedAt != nil {
		v := formatTime(*cs.EndedAt)
		endedAt = &v
	}
	retryable := 0
	if cs.Retryable {
		retryable = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_sessions (call_sid, user_id, kb_id, from_number, to_number, state,
		                            created_at, last_activity_at, ended_at, error_kind, retryable)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_sid) DO UPDATE SET
			state = excluded.state,
			kb_id = excluded.kb_id,
			last_activity_at = excluded.last_activity_at,
			ended_at = excluded.ended_at,
			error_kind = excluded.error_kind,
			retryable = excluded.retryable`,
		cs.CallSID, cs.UserID, nullable(cs.KnowledgeBaseID), nullable(cs.From), nullable(cs.To),
		string(cs.State), formatTime(cs.CreatedAt), formatTime(cs.LastActivityAt),
		endedAt, nullable(cs.ErrorKind), retryable)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

const sessionColumns = `call_sid, user_id, kb_id, from_number, to_number, state,
	created_at, last_activity_at, ended_at, error_kind, retryable`

func (s *SQLiteStore) GetSession(ctx context.Context, callSID string) (*model.CallSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE call_sid = ?`, callSID)
	cs, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.SessionNotFound, "call %q not found", callSID)
	}
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, p ListSessionsParams) ([]model.CallSession, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	where := []string{"1 = 1"}
	var args []interface{}
	if p.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, p.UserID)
	}
	if p.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(p.State))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CallSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, callSID string, role model.Role, content string) (model.Message, error) {
	if !model.ValidRoles[role] {
		return model.Message{}, apperr.New(apperr.InvalidInput, "invalid role %q", role)
	}
	msg := model.Message{
		CallSID:   callSID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE call_sid = ?`, callSID).Scan(&msg.Seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (call_sid, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			callSID, msg.Seq, string(role), content, formatTime(msg.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, callSID string, n int) ([]model.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_sid, seq, role, content, created_at FROM (
			SELECT * FROM messages WHERE call_sid = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`, callSID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) MessageRange(ctx context.Context, callSID string, fromSeq, toSeq int) ([]model.Message, error) {
	query := `SELECT call_sid, seq, role, content, created_at FROM messages WHERE call_sid = ? AND seq >= ?`
	args := []interface{}{callSID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	var out []model.Message
	for rows.Next() {
		var m model.Message
		var role, createdAt string
		if err := rows.Scan(&m.CallSID, &m.Seq, &role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		m.Role = model.Role(role)
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSession(row scanner) (model.CallSession, error) {
	var cs model.CallSession
	var kbID, from, to, endedAt, errorKind sql.NullString
	var state, createdAt, lastActivity string
	var retryable int
	err := row.Scan(&cs.CallSID, &cs.UserID, &kbID, &from, &to, &state,
		&createdAt, &lastActivity, &endedAt, &errorKind, &retryable)
	if err != nil {
		return cs, err
	}
	cs.KnowledgeBaseID = kbID.String
	cs.From = from.String
	cs.To = to.String
	cs.State = model.CallState(state)
	cs.CreatedAt = parseTime(createdAt)
	cs.LastActivityAt = parseTime(lastActivity)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		cs.EndedAt = &t
	}
	cs.ErrorKind = errorKind.String
	cs.Retryable = retryable == 1
	return cs, nil
}
