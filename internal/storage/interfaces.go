// Package storage defines the narrow persistence contract the core
// consumes. Implementers may back it with any store; the reference
// implementations here are an in-memory store used by tests and a
// pure-Go sqlite store.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/sentinel-labs/sentinel/pkg/models"
)

var (
	// ErrPersistence is the single failure kind surfaced by every
	// operation. The core logs it and never inspects the cause.
	ErrPersistence = errors.New("persistence failure")

	// ErrNotFound marks lookup misses. Always wrapped in ErrPersistence.
	ErrNotFound = errors.New("not found")
)

// failf wraps a cause into the single persistence error kind.
func failf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPersistence, fmt.Sprintf(format, args...))
}

// ConversationStore persists conversations and their aggregate counters.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, limit, offset int, includeArchived bool) ([]*models.Conversation, error)
	CountConversations(ctx context.Context, includeArchived bool) (int, error)
	UpdateConversation(ctx context.Context, conv *models.Conversation) error
	// DeleteConversation removes the conversation and cascades to its
	// messages. Run state rows are not removed.
	DeleteConversation(ctx context.Context, id string) error
	UpdateConversationTitle(ctx context.Context, id, title string) error
	SetConversationArchived(ctx context.Context, id string, archived bool) error
}

// MessageStore persists messages. Mutations that change message counts
// update the owning conversation's aggregate counters in the same
// transaction.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	// UpsertMessage appends or replaces by id. Counter increments apply
	// only on insert; both paths refresh the conversation rollup
	// atomically.
	UpsertMessage(ctx context.Context, msg *models.Message) error
	GetMessagesByConversation(ctx context.Context, conversationID string) ([]*models.Message, error)
	// DeleteMessage decrements counters, clamped at zero.
	DeleteMessage(ctx context.Context, id string) error
	// DeleteMessagesAfter removes the message and everything later in
	// the conversation (tail delete).
	DeleteMessagesAfter(ctx context.Context, conversationID, messageID string) error
	// DeleteMessagesByConversation removes all messages and resets the
	// conversation counters.
	DeleteMessagesByConversation(ctx context.Context, conversationID string) error
}

// RunStateStore persists per-execution checkpoint blobs.
type RunStateStore interface {
	EnsureRunStateSchema(ctx context.Context) error
	GetRunState(ctx context.Context, executionID string) (*models.RunState, error)
	PutRunState(ctx context.Context, executionID string, state []byte) error
	DeleteRunState(ctx context.Context, executionID string) error
}

// ConfigStore persists (category, key) → value settings with
// upsert-on-conflict semantics.
type ConfigStore interface {
	GetConfig(ctx context.Context, category, key string) (string, error)
	SetConfig(ctx context.Context, category, key, value string) error
}

// RuleStore persists notification rules.
type RuleStore interface {
	CreateNotificationRule(ctx context.Context, rule *models.NotificationRule) error
	GetNotificationRule(ctx context.Context, id string) (*models.NotificationRule, error)
	UpdateNotificationRule(ctx context.Context, rule *models.NotificationRule) error
	DeleteNotificationRule(ctx context.Context, id string) error
	SearchNotificationRules(ctx context.Context, query string, limit, offset int) ([]*models.NotificationRule, int, error)
}

// RAGStore persists retrieval collections and serves vector search.
type RAGStore interface {
	CreateCollection(ctx context.Context, c *models.Collection) error
	ListCollections(ctx context.Context, activeOnly bool) ([]*models.Collection, error)
	DeleteCollection(ctx context.Context, id string) error

	CreateDocument(ctx context.Context, d *models.Document) error
	DeleteDocument(ctx context.Context, id string) error

	CreateChunk(ctx context.Context, c *models.Chunk) error

	// VectorSearch returns chunks from the given collections whose cosine
	// similarity to the query embedding meets the threshold, best first,
	// truncated to limit. Only chunks embedded with the same model and
	// dimension are considered.
	VectorSearch(ctx context.Context, collectionIDs []string, embedding []float32, model string, dimension int, threshold float64, limit int) ([]models.ScoredChunk, error)
}

// MCPConfigStore persists MCP server configurations.
type MCPConfigStore interface {
	ListMCPServers(ctx context.Context) ([]*models.MCPServerConfig, error)
	UpsertMCPServer(ctx context.Context, cfg *models.MCPServerConfig) error
	SetMCPServerEnabled(ctx context.Context, name string, enabled bool) error
	SetMCPServerAutoConnect(ctx context.Context, name string, autoConnect bool) error
	DeleteMCPServer(ctx context.Context, name string) error
}

// Gateway aggregates every persistence concern the core touches.
type Gateway interface {
	ConversationStore
	MessageStore
	RunStateStore
	ConfigStore
	RuleStore
	RAGStore
	MCPConfigStore

	Close() error
}
