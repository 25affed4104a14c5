package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-labs/sentinel/pkg/models"
)

func openTestSQLite(t *testing.T) *SQLiteGateway {
	t.Helper()
	g, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestSQLiteMessageTransactionality(t *testing.T) {
	g := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, g.CreateConversation(ctx, &models.Conversation{ID: "c1", Title: "t"}))

	msg := &models.Message{
		ID: "m1", ConversationID: "c1", Role: models.RoleUser,
		Content: "hello", TokenCount: 7, Cost: 0.02,
		Metadata: &models.MessageMetadata{ToolCallID: "call-1", ToolName: "calc"},
	}
	require.NoError(t, g.AppendMessage(ctx, msg))

	conv, err := g.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.TotalMessages)
	assert.Equal(t, 7, conv.TotalTokens)

	msgs, err := g.GetMessagesByConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Metadata)
	assert.Equal(t, "call-1", msgs[0].Metadata.ToolCallID)

	// Appending to a missing conversation rolls back the whole write.
	err = g.AppendMessage(ctx, &models.Message{ID: "m2", ConversationID: "ghost", Role: models.RoleUser})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestSQLiteUpsertMessageCounterDelta(t *testing.T) {
	g := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, g.CreateConversation(ctx, &models.Conversation{ID: "c1"}))

	msg := &models.Message{ID: "m1", ConversationID: "c1", Role: models.RoleAssistant, TokenCount: 10}
	require.NoError(t, g.UpsertMessage(ctx, msg))
	msg.TokenCount = 25
	require.NoError(t, g.UpsertMessage(ctx, msg))

	conv, err := g.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.TotalMessages)
	assert.Equal(t, 25, conv.TotalTokens)
}

func TestSQLiteDeleteMessagesAfter(t *testing.T) {
	g := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, g.CreateConversation(ctx, &models.Conversation{ID: "c1"}))
	base := time.Now()
	ids := []string{"m0", "m1", "m2", "m3"}
	for i, id := range ids {
		require.NoError(t, g.AppendMessage(ctx, &models.Message{
			ID: id, ConversationID: "c1", Role: models.RoleUser,
			TokenCount: 1, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	require.NoError(t, g.DeleteMessagesAfter(ctx, "c1", "m2"))

	msgs, err := g.GetMessagesByConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m0", msgs[0].ID)

	conv, err := g.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, conv.TotalMessages)
	assert.Equal(t, 2, conv.TotalTokens)
}

func TestSQLiteRunStateAndConfig(t *testing.T) {
	g := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, g.PutRunState(ctx, "exec-1", []byte("a")))
	require.NoError(t, g.PutRunState(ctx, "exec-1", []byte("b")))
	state, err := g.GetRunState(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), state.State)

	require.NoError(t, g.SetConfig(ctx, "proxy", "port", "4201"))
	require.NoError(t, g.SetConfig(ctx, "proxy", "port", "4202"))
	value, err := g.GetConfig(ctx, "proxy", "port")
	require.NoError(t, err)
	assert.Equal(t, "4202", value)
}

func TestSQLiteVectorSearch(t *testing.T) {
	g := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, g.CreateCollection(ctx, &models.Collection{ID: "col1", Name: "docs", Active: true}))
	require.NoError(t, g.CreateDocument(ctx, &models.Document{ID: "d1", CollectionID: "col1"}))
	require.NoError(t, g.CreateChunk(ctx, &models.Chunk{
		ID: "ch1", DocumentID: "d1", Content: "alpha",
		Embedding: []float32{1, 0}, Model: "m", Dimension: 2,
	}))
	require.NoError(t, g.CreateChunk(ctx, &models.Chunk{
		ID: "ch2", DocumentID: "d1", Content: "beta",
		Embedding: []float32{0, 1}, Model: "m", Dimension: 2,
	}))

	hits, err := g.VectorSearch(ctx, []string{"col1"}, []float32{1, 0}, "m", 2, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "ch1", hits[0].Chunk.ID)
}

func TestSQLiteMCPServerUpsert(t *testing.T) {
	g := openTestSQLite(t)
	ctx := context.Background()

	cfg := &models.MCPServerConfig{
		Name: "files", ConnectionType: models.MCPConnectionStdio,
		Command: "mcp-files", Args: `["--root", "/tmp"]`,
		Enabled: true, AutoConnect: true,
		Timeout: 30 * time.Second, RetryCount: 3,
	}
	require.NoError(t, g.UpsertMCPServer(ctx, cfg))
	cfg.Command = "mcp-files-v2"
	require.NoError(t, g.UpsertMCPServer(ctx, cfg))

	servers, err := g.ListMCPServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "mcp-files-v2", servers[0].Command)
	assert.Equal(t, 30*time.Second, servers[0].Timeout)
	assert.Equal(t, []string{"--root", "/tmp"}, servers[0].ParseArgs())
}
