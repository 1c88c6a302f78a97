// Package store provides the record storage interface and SQLite implementation
// for knowledge bases, documents, chunks, call sessions and transcripts.
package store

import (
	"context"

	"github.com/rcliao/voicekb/internal/model"
)

// CreateKBParams holds parameters for creating a knowledge base.
type CreateKBParams struct {
	OwnerUserID string
	Name        string
	Description string
}

// ListSessionsParams filters call sessions.
type ListSessionsParams struct {
	UserID string
	State  model.CallState
	Limit  int
}

// SearchParams holds parameters for keyword search over chunk text.
type SearchParams struct {
	KnowledgeBaseID string
	Query           string
	Limit           int
}

// Store defines the record storage interface.
type Store interface {
	CreateKnowledgeBase(ctx context.Context, p CreateKBParams) (*model.KnowledgeBase, error)
	GetKnowledgeBase(ctx context.Context, id string) (*model.KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context, ownerUserID string) ([]model.KnowledgeBase, error)
	DeleteKnowledgeBase(ctx context.Context, id string) error

	// AddDocument persists doc and its chunks in one transaction. Empty IDs
	// are assigned in place.
	AddDocument(ctx context.Context, doc *model.Document, chunks []model.Chunk) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListDocuments(ctx context.Context, kbID string) ([]model.Document, error)
	// DeleteDocument removes a document and its chunks, returning the chunk count.
	DeleteDocument(ctx context.Context, id string) (int, error)
	// LoadChunks returns every persisted chunk with its vector.
	LoadChunks(ctx context.Context) ([]model.Chunk, error)
	SearchChunks(ctx context.Context, p SearchParams) ([]model.Chunk, error)

	SaveSession(ctx context.Context, cs *model.CallSession) error
	GetSession(ctx context.Context, callSID string) (*model.CallSession, error)
	ListSessions(ctx context.Context, p ListSessionsParams) ([]model.CallSession, error)

	// AppendMessage assigns the next sequence number for the call and stores
	// the message.
	AppendMessage(ctx context.Context, callSID string, role model.Role, content string) (model.Message, error)
	// RecentMessages returns the last n messages, oldest first.
	RecentMessages(ctx context.Context, callSID string, n int) ([]model.Message, error)
	// MessageRange returns messages with fromSeq <= seq <= toSeq. toSeq <= 0
	// means no upper bound.
	MessageRange(ctx context.Context, callSID string, fromSeq, toSeq int) ([]model.Message, error)

	Close() error
}
