// Package history defines the transcript store used by call sessions and an
// in-memory implementation of it.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/model"
)

// Store is an append-only per-call transcript. Sequence numbers start at 1
// and have no gaps within a call, whatever the interleaving of callers.
type Store interface {
	AppendMessage(ctx context.Context, callSID string, role model.Role, content string) (model.Message, error)
	RecentMessages(ctx context.Context, callSID string, n int) ([]model.Message, error)
	MessageRange(ctx context.Context, callSID string, fromSeq, toSeq int) ([]model.Message, error)
}

// Memory keeps transcripts in process memory.
type Memory struct {
	mu    sync.RWMutex
	calls map[string][]model.Message
	now   func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		calls: make(map[string][]model.Message),
		now:   time.Now,
	}
}

func (m *Memory) AppendMessage(_ context.Context, callSID string, role model.Role, content string) (model.Message, error) {
	if !model.ValidRoles[role] {
		return model.Message{}, apperr.New(apperr.InvalidInput, "invalid role %q", role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := model.Message{
		CallSID:   callSID,
		Role:      role,
		Content:   content,
		Seq:       len(m.calls[callSID]) + 1,
		CreatedAt: m.now().UTC(),
	}
	m.calls[callSID] = append(m.calls[callSID], msg)
	return msg, nil
}

func (m *Memory) RecentMessages(_ context.Context, callSID string, n int) ([]model.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.calls[callSID]
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]model.Message(nil), msgs...), nil
}

func (m *Memory) MessageRange(_ context.Context, callSID string, fromSeq, toSeq int) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.calls[callSID]
	if fromSeq < 1 {
		fromSeq = 1
	}
	if toSeq <= 0 || toSeq > len(msgs) {
		toSeq = len(msgs)
	}
	if fromSeq > toSeq {
		return nil, nil
	}
	return append([]model.Message(nil), msgs[fromSeq-1:toSeq]...), nil
}
