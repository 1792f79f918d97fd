// Package rag defines the retrieval-augmented generation contracts:
// chunked documents, embedding, vector storage, and similarity retrieval.
// Concrete backends (Qdrant, in-memory) satisfy these interfaces so the
// orchestrator never depends on a specific store.
package rag

import (
	"context"
)

// Chunk is a bounded passage of source text plus its embedding — the unit
// of retrieval. Chunks are immutable once indexed; the ID is derived from
// (source, position) so re-ingesting an unchanged document produces the
// same IDs and upserts are idempotent.
type Chunk struct {
	// ID uniquely identifies this chunk within the index.
	ID string

	// Text is the raw passage text.
	Text string

	// Source is the origin of the chunk (file path or document identifier).
	Source string

	// Position is the zero-based chunk index within its source document.
	// Used as the deterministic tie-breaker when scores are equal.
	Position int

	// Embedding is the dense vector for this chunk. Populated during
	// ingestion; the index is the sole owner afterwards.
	Embedding []float32
}

// Scored is one element of a retrieval result: a chunk and the similarity
// score the index assigned to it for the current query.
type Scored struct {
	Chunk

	// Score is the cosine similarity in [0, 1], higher is more relevant.
	Score float32
}

// Embedder converts text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore persists chunk embeddings and answers nearest-neighbour
// queries. The similarity metric is cosine for every implementation —
// mixing metrics between ingestion and retrieval is an invariant violation.
// Implementations must be safe to call from multiple goroutines.
type VectorStore interface {
	// Upsert stores or updates a batch of chunks keyed by Chunk.ID.
	// Each chunk must carry its pre-computed embedding.
	Upsert(ctx context.Context, chunks []Chunk) error

	// Search returns the k nearest chunks to the query vector, ranked by
	// descending similarity. No threshold is applied at this layer.
	Search(ctx context.Context, queryEmbedding []float32, k int) ([]Scored, error)

	// Count reports the number of chunks currently indexed.
	Count(ctx context.Context) (int, error)

	// Reset removes every chunk from the index.
	Reset(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Retriever is the high-level interface the orchestrator uses to fetch
// relevant context for a question. An empty result is a normal outcome
// meaning "no relevant context", not an error.
type Retriever interface {
	// Retrieve returns at most k chunks relevant to query, ranked by
	// descending score with every score at or above the relevance threshold.
	Retrieve(ctx context.Context, query string, k int) ([]Scored, error)
}
