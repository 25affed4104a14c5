// Package rag augments agent prompts with retrieved evidence: query
// rewrite over recent history, multi-collection vector retrieval, and
// system-prompt composition with citation markers.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/sentinel-labs/sentinel/internal/provider"
	"github.com/sentinel-labs/sentinel/internal/storage"
	"github.com/sentinel-labs/sentinel/pkg/models"
)

const (
	retrievalDeadline = 5 * time.Second
	rewriteHistoryMax = 6
)

// Embedder produces query embeddings. Embedding model choice is a
// collaborator concern.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimension() int
}

// Options tunes one augmentation pass.
type Options struct {
	TopK      int
	Threshold float64

	// MMRLambda < 1 enables maximal-marginal-relevance diversification.
	MMRLambda float64

	// Rerank re-scores hits by lexical overlap with the query after
	// vector retrieval.
	Rerank bool
}

// DefaultOptions are applied for zero-valued fields.
func DefaultOptions() Options {
	return Options{TopK: 5, Threshold: 0.35, MMRLambda: 1.0}
}

// Result is the outcome of an augmentation pass.
type Result struct {
	SystemPrompt string
	Query        string
	Citations    []models.Citation
	Applied      bool
}

// Augmenter composes retrieval-augmented prompts.
type Augmenter struct {
	store    storage.RAGStore
	embedder Embedder
	rewriter provider.StreamingClient
	logger   *slog.Logger
}

// NewAugmenter creates an augmenter. rewriter may be nil to disable
// query rewrite.
func NewAugmenter(store storage.RAGStore, embedder Embedder, rewriter provider.StreamingClient, logger *slog.Logger) *Augmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Augmenter{
		store:    store,
		embedder: embedder,
		rewriter: rewriter,
		logger:   logger.With("component", "rag"),
	}
}

// Augment runs the full pipeline: rewrite, collection selection,
// retrieval, prompt composition. The retrieval stage is bounded by a 5 s
// deadline; on any failure the original system prompt passes through
// unchanged with Applied=false.
func (a *Augmenter) Augment(ctx context.Context, systemPrompt, query string, historyTurns []provider.ChatMessage, opts Options) Result {
	passthrough := Result{SystemPrompt: systemPrompt, Query: query}
	if a.store == nil || a.embedder == nil {
		return passthrough
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultOptions().Threshold
	}
	if opts.MMRLambda <= 0 {
		opts.MMRLambda = 1.0
	}

	retrieveCtx, cancel := context.WithTimeout(ctx, retrievalDeadline)
	defer cancel()

	effective := a.rewriteQuery(retrieveCtx, query, historyTurns)

	collections, err := a.store.ListCollections(retrieveCtx, true)
	if err != nil || len(collections) == 0 {
		if err != nil {
			a.logger.Warn("collection listing failed", "error", err)
		}
		return passthrough
	}
	collectionIDs := make([]string, len(collections))
	names := make(map[string]string, len(collections))
	for i, c := range collections {
		collectionIDs[i] = c.ID
		names[c.ID] = c.Name
	}

	embedding, err := a.embedder.Embed(retrieveCtx, effective)
	if err != nil {
		a.logger.Warn("query embedding failed", "error", err)
		return passthrough
	}

	// Over-fetch when diversifying so MMR has candidates to choose from.
	fetchK := opts.TopK
	if opts.MMRLambda < 1 {
		fetchK = opts.TopK * 3
	}
	hits, err := a.store.VectorSearch(retrieveCtx, collectionIDs, embedding,
		a.embedder.Model(), a.embedder.Dimension(), opts.Threshold, fetchK)
	if err != nil {
		a.logger.Warn("vector search failed", "error", err)
		return passthrough
	}
	if len(hits) == 0 {
		return passthrough
	}

	if opts.MMRLambda < 1 {
		hits = diversify(hits, opts.MMRLambda, opts.TopK)
	} else if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}
	if opts.Rerank {
		rerank(hits, effective)
	}

	return a.compose(systemPrompt, effective, hits)
}

// rewriteQuery asks the default model to make the query self-contained
// using the last few history turns. Any failure falls back to the
// original query.
func (a *Augmenter) rewriteQuery(ctx context.Context, query string, historyTurns []provider.ChatMessage) string {
	if a.rewriter == nil || len(historyTurns) == 0 {
		return query
	}

	turns := historyTurns
	if len(turns) > rewriteHistoryMax {
		turns = turns[len(turns)-rewriteHistoryMax:]
	}
	var transcript strings.Builder
	for _, turn := range turns {
		if turn.Content == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", turn.Role, turn.Content)
	}

	rewritten, err := a.rewriter.StreamChat(ctx, &provider.ChatRequest{
		System: "Rewrite the user's question so it is self-contained given the conversation. Reply with the rewritten question only.",
		Messages: []provider.ChatMessage{{
			Role:    models.RoleUser,
			Content: fmt.Sprintf("Conversation:\n%sQuestion: %s", transcript.String(), query),
		}},
		MaxTokens: 200,
	}, nil)
	if err != nil || strings.TrimSpace(rewritten) == "" {
		if err != nil {
			a.logger.Debug("query rewrite failed, using original", "error", err)
		}
		return query
	}
	return strings.TrimSpace(rewritten)
}

// compose injects the evidence policy and retrieved context into the
// system prompt.
func (a *Augmenter) compose(systemPrompt, query string, hits []models.ScoredChunk) Result {
	var evidence strings.Builder
	citations := make([]models.Citation, 0, len(hits))
	for i, hit := range hits {
		fmt.Fprintf(&evidence, "[SOURCE %d]\n%s\n\n", i+1, hit.Chunk.Content)
		snippet := hit.Chunk.Content
		if len(snippet) > 160 {
			snippet = snippet[:160]
		}
		citations = append(citations, models.Citation{
			Index:      i + 1,
			DocumentID: hit.Chunk.DocumentID,
			Snippet:    snippet,
			Score:      hit.Score,
		})
	}

	prompt := systemPrompt
	if prompt != "" {
		prompt += "\n\n"
	}
	prompt += "Answer strictly based on the evidence below. Cite supporting passages as [SOURCE n].\n\n" + evidence.String()

	return Result{
		SystemPrompt: prompt,
		Query:        query,
		Citations:    citations,
		Applied:      true,
	}
}

// diversify applies maximal marginal relevance: each pick balances query
// similarity against similarity to already-picked chunks.
func diversify(hits []models.ScoredChunk, lambda float64, k int) []models.ScoredChunk {
	if len(hits) <= 1 {
		return hits
	}
	remaining := append([]models.ScoredChunk(nil), hits...)
	picked := make([]models.ScoredChunk, 0, k)

	for len(picked) < k && len(remaining) > 0 {
		bestIdx := 0
		bestScore := -1.0
		for i, candidate := range remaining {
			redundancy := 0.0
			for _, p := range picked {
				if sim := chunkSimilarity(candidate.Chunk, p.Chunk); sim > redundancy {
					redundancy = sim
				}
			}
			score := lambda*candidate.Score - (1-lambda)*redundancy
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		picked = append(picked, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return picked
}

func chunkSimilarity(a, b models.Chunk) float64 {
	if len(a.Embedding) != len(b.Embedding) || len(a.Embedding) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a.Embedding {
		dot += float64(a.Embedding[i]) * float64(b.Embedding[i])
		normA += float64(a.Embedding[i]) * float64(a.Embedding[i])
		normB += float64(b.Embedding[i]) * float64(b.Embedding[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rerank re-orders hits by lexical overlap between the query terms and
// the chunk content, breaking ties by vector score.
func rerank(hits []models.ScoredChunk, query string) {
	terms := strings.Fields(strings.ToLower(query))
	overlap := func(content string) int {
		lc := strings.ToLower(content)
		n := 0
		for _, term := range terms {
			if strings.Contains(lc, term) {
				n++
			}
		}
		return n
	}
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0; j-- {
			a, b := overlap(hits[j].Chunk.Content), overlap(hits[j-1].Chunk.Content)
			if a > b || (a == b && hits[j].Score > hits[j-1].Score) {
				hits[j], hits[j-1] = hits[j-1], hits[j]
			} else {
				break
			}
		}
	}
}
