package models

import "time"

// Collection is a named set of documents available for retrieval.
type Collection struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is one ingested source inside a collection.
type Document struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	Title        string    `json:"title"`
	Source       string    `json:"source,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Chunk is an embedded slice of a document.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`

	// Model and Dimension identify the embedding space; searches only
	// match chunks embedded with the same model and dimension.
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
}

// ScoredChunk is a retrieval hit with its cosine similarity score.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}
