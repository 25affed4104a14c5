package rag

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-labs/sentinel/internal/provider"
	"github.com/sentinel-labs/sentinel/internal/storage"
	"github.com/sentinel-labs/sentinel/pkg/models"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}
func (f *fakeEmbedder) Model() string  { return "embed-v1" }
func (f *fakeEmbedder) Dimension() int { return 2 }

type fakeRewriter struct {
	reply string
	err   error
	calls int
}

func (f *fakeRewriter) StreamChat(ctx context.Context, req *provider.ChatRequest, onChunk provider.OnChunk) (string, error) {
	f.calls++
	return f.reply, f.err
}
func (f *fakeRewriter) Name() string { return "fake" }

func seedStore(t *testing.T) *storage.MemoryGateway {
	t.Helper()
	g := storage.NewMemoryGateway()
	ctx := context.Background()
	require.NoError(t, g.CreateCollection(ctx, &models.Collection{ID: "col1", Name: "docs", Active: true}))
	require.NoError(t, g.CreateDocument(ctx, &models.Document{ID: "d1", CollectionID: "col1"}))
	require.NoError(t, g.CreateChunk(ctx, &models.Chunk{
		ID: "ch1", DocumentID: "d1", Content: "the proxy listens on port 4201",
		Embedding: []float32{1, 0}, Model: "embed-v1", Dimension: 2,
	}))
	require.NoError(t, g.CreateChunk(ctx, &models.Chunk{
		ID: "ch2", DocumentID: "d1", Content: "certificates are minted per host",
		Embedding: []float32{0.95, 0.05}, Model: "embed-v1", Dimension: 2,
	}))
	return g
}

func TestAugmentComposesPromptWithCitations(t *testing.T) {
	g := seedStore(t)
	a := NewAugmenter(g, &fakeEmbedder{vec: []float32{1, 0}}, nil, nil)

	result := a.Augment(context.Background(), "You are helpful.", "what port?", nil, DefaultOptions())

	assert.True(t, result.Applied)
	assert.Contains(t, result.SystemPrompt, "You are helpful.")
	assert.Contains(t, result.SystemPrompt, "[SOURCE 1]")
	assert.Contains(t, result.SystemPrompt, "port 4201")
	require.NotEmpty(t, result.Citations)
	assert.Equal(t, 1, result.Citations[0].Index)
	assert.Equal(t, "d1", result.Citations[0].DocumentID)
}

func TestAugmentPassthroughOnEmbedFailure(t *testing.T) {
	g := seedStore(t)
	a := NewAugmenter(g, &fakeEmbedder{err: errors.New("model offline")}, nil, nil)

	result := a.Augment(context.Background(), "system", "query", nil, DefaultOptions())
	assert.False(t, result.Applied)
	assert.Equal(t, "system", result.SystemPrompt)
}

func TestAugmentPassthroughWithoutCollections(t *testing.T) {
	g := storage.NewMemoryGateway()
	a := NewAugmenter(g, &fakeEmbedder{vec: []float32{1, 0}}, nil, nil)

	result := a.Augment(context.Background(), "system", "query", nil, DefaultOptions())
	assert.False(t, result.Applied)
}

func TestRewriteUsesHistoryAndFallsBack(t *testing.T) {
	g := seedStore(t)
	history := []provider.ChatMessage{
		{Role: models.RoleUser, Content: "tell me about the proxy"},
		{Role: models.RoleAssistant, Content: "it intercepts traffic"},
	}

	rewriter := &fakeRewriter{reply: "what port does the proxy listen on?"}
	a := NewAugmenter(g, &fakeEmbedder{vec: []float32{1, 0}}, rewriter, nil)
	result := a.Augment(context.Background(), "", "what port?", history, DefaultOptions())
	assert.Equal(t, "what port does the proxy listen on?", result.Query)
	assert.Equal(t, 1, rewriter.calls)

	// Rewrite failure falls back to the original query.
	failing := &fakeRewriter{err: errors.New("rewrite down")}
	a = NewAugmenter(g, &fakeEmbedder{vec: []float32{1, 0}}, failing, nil)
	result = a.Augment(context.Background(), "", "what port?", history, DefaultOptions())
	assert.Equal(t, "what port?", result.Query)
}

func TestRewriteSkippedWithoutHistory(t *testing.T) {
	g := seedStore(t)
	rewriter := &fakeRewriter{reply: "unused"}
	a := NewAugmenter(g, &fakeEmbedder{vec: []float32{1, 0}}, rewriter, nil)

	a.Augment(context.Background(), "", "standalone question", nil, DefaultOptions())
	assert.Equal(t, 0, rewriter.calls)
}

func TestDiversifyPrefersDistinctChunks(t *testing.T) {
	hits := []models.ScoredChunk{
		{Chunk: models.Chunk{ID: "a", Embedding: []float32{1, 0}}, Score: 0.99},
		{Chunk: models.Chunk{ID: "a2", Embedding: []float32{0.99, 0.01}}, Score: 0.98},
		{Chunk: models.Chunk{ID: "b", Embedding: []float32{0, 1}}, Score: 0.60},
	}

	picked := diversify(hits, 0.5, 2)
	require.Len(t, picked, 2)
	assert.Equal(t, "a", picked[0].Chunk.ID)
	assert.Equal(t, "b", picked[1].Chunk.ID, "near-duplicate is skipped for a distinct chunk")
}
