package models

import (
	"time"
)

// DocumentChunk is a bounded slice of a source document, the unit of retrieval.
// Chunks are immutable once indexed.
type DocumentChunk struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata"`
	Embedding []float32         `json:"embedding,omitempty"`
}

// Well-known metadata keys attached during ingestion.
const (
	MetaSource   = "source"
	MetaFilename = "filename"
	MetaFileType = "file_type"
)

// Source returns the chunk's source path, if recorded.
func (c DocumentChunk) Source() string { return c.Metadata[MetaSource] }

// Filename returns the chunk's originating file name, if recorded.
func (c DocumentChunk) Filename() string { return c.Metadata[MetaFilename] }

// ScoredChunk pairs a retrieved chunk with its similarity score.
type ScoredChunk struct {
	Chunk DocumentChunk `json:"chunk"`
	Score float64       `json:"score"`
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single message within a conversation session.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState is the cache-persisted form of a session's memory.
type ConversationState struct {
	SessionID string    `json:"session_id"`
	Summary   string    `json:"summary"`
	Turns     []Turn    `json:"turns"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserData is the cached snapshot of learner profile information injected
// into prompts. It is produced by the account layer and consumed opaquely.
type UserData struct {
	UserID      string            `json:"user_id"`
	DisplayName string            `json:"display_name"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// AgentInsight is a derived, moderately stable observation one tutoring
// agent keeps about a learner.
type AgentInsight struct {
	UserID    string    `json:"user_id"`
	AgentRole string    `json:"agent_role"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}
