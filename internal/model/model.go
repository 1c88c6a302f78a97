// Package model defines the core call, transcript and knowledge data types.
package model

import "time"

// CallState is the lifecycle state of a call session.
type CallState string

const (
	StateInitiated     CallState = "INITIATED"
	StateAwaitingInput CallState = "AWAITING_INPUT"
	StateProcessing    CallState = "PROCESSING"
	StateEnded         CallState = "ENDED"
	StateError         CallState = "ERROR"
)

// transitions lists the allowed moves out of each non-terminal state.
var transitions = map[CallState]map[CallState]bool{
	StateInitiated: {
		StateAwaitingInput: true,
		StateEnded:         true,
		StateError:         true,
	},
	StateAwaitingInput: {
		StateProcessing: true,
		StateEnded:      true,
		StateError:      true,
	},
	StateProcessing: {
		StateAwaitingInput: true,
		StateEnded:         true,
		StateError:         true,
	},
}

// CanTransition reports whether from -> to is an edge of the call graph.
func CanTransition(from, to CallState) bool {
	return transitions[from][to]
}

// Terminal reports whether no transition leaves s.
func (s CallState) Terminal() bool {
	return s == StateEnded || s == StateError
}

// Valid reports whether s is a known state.
func (s CallState) Valid() bool {
	switch s {
	case StateInitiated, StateAwaitingInput, StateProcessing, StateEnded, StateError:
		return true
	}
	return false
}

// CallSession is one voice interaction identified by CallSID.
type CallSession struct {
	CallSID         string     `json:"call_sid"`
	UserID          string     `json:"user_id"`
	KnowledgeBaseID string     `json:"knowledge_base_id,omitempty"`
	From            string     `json:"from,omitempty"`
	To              string     `json:"to,omitempty"`
	State           CallState  `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	Retryable       bool       `json:"retryable,omitempty"`
}

// Role is the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ValidRoles are the allowed message roles.
var ValidRoles = map[Role]bool{
	RoleUser:      true,
	RoleAssistant: true,
	RoleSystem:    true,
}

// Message is an immutable transcript entry. Seq starts at 1 and has no gaps
// within a call.
type Message struct {
	CallSID   string    `json:"call_sid"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// KnowledgeBase is an isolated collection of documents owned by a user.
type KnowledgeBase struct {
	ID          string    `json:"id"`
	OwnerUserID string    `json:"owner_user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	DocumentIDs []string  `json:"document_ids,omitempty"`
}

// Document is ingested plain text. Re-ingesting the same text creates a new
// Document.
type Document struct {
	ID              string            `json:"id"`
	KnowledgeBaseID string            `json:"knowledge_base_id"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Text            string            `json:"-"`
	CreatedAt       time.Time         `json:"created_at"`
	ChunkCount      int               `json:"chunks"`
}

// Chunk is a window of a document and the unit of retrieval.
type Chunk struct {
	ID              string            `json:"id"`
	DocumentID      string            `json:"doc_id"`
	KnowledgeBaseID string            `json:"kb_id"`
	Seq             int               `json:"seq"`
	Text            string            `json:"text"`
	Offset          int               `json:"offset"`
	Vector          []float32         `json:"-"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}
