package rag

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// DefaultRetriever implements Retriever by combining an Embedder and a
// VectorStore. It embeds the query at retrieval time, delegates similarity
// search to the store, and applies the relevance threshold so that callers
// only ever see usable context.
type DefaultRetriever struct {
	// embedder converts the query text to a dense vector.
	embedder Embedder

	// store performs the vector similarity search.
	store VectorStore

	// threshold is the minimum similarity score a chunk must reach to be
	// returned. Chunks below it are discarded, and an empty result is a
	// normal outcome.
	threshold float32

	// defaultTopK is the result count used when the caller passes k<=0.
	defaultTopK int

	// embedTimeout bounds the embedding gateway call per retrieval.
	embedTimeout time.Duration
}

// RetrieverConfig holds the construction parameters for DefaultRetriever.
type RetrieverConfig struct {
	// Threshold is the minimum similarity score for a chunk to count as
	// relevant context. Must be in [0, 1).
	Threshold float32

	// DefaultTopK is the fallback result count when Retrieve is called
	// with k=0. Defaults to 4 if zero.
	DefaultTopK int

	// EmbedTimeout bounds the embedding call. Defaults to 30s if zero.
	EmbedTimeout time.Duration
}

// NewRetriever constructs a DefaultRetriever from the given Embedder and
// VectorStore. Configuration errors (negative threshold, threshold >= 1)
// are misconfiguration and fail construction, never a request.
func NewRetriever(embedder Embedder, store VectorStore, cfg *RetrieverConfig) (*DefaultRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	if cfg == nil {
		cfg = &RetrieverConfig{}
	}
	if cfg.Threshold < 0 || cfg.Threshold >= 1 {
		return nil, fmt.Errorf("rag: relevance threshold %v out of range [0, 1)", cfg.Threshold)
	}
	topK := cfg.DefaultTopK
	if topK <= 0 {
		topK = 4
	}
	timeout := cfg.EmbedTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DefaultRetriever{
		embedder:     embedder,
		store:        store,
		threshold:    cfg.Threshold,
		defaultTopK:  topK,
		embedTimeout: timeout,
	}, nil
}

// Retrieve embeds the query and returns at most k chunks whose similarity
// score is at or above the threshold, ranked by descending score. Equal
// scores are broken by chunk position ascending so an unchanged index
// always yields the same ordering. A nil/empty result with a nil error
// means "no relevant context".
func (r *DefaultRetriever) Retrieve(ctx context.Context, query string, k int) ([]Scored, error) {
	if k <= 0 {
		k = r.defaultTopK
	}

	embedCtx, cancel := context.WithTimeout(ctx, r.embedTimeout)
	defer cancel()

	embeddings, err := r.embedder.Embed(embedCtx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query: %w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("rag: embedding query: %w: empty result", ErrEmbeddingUnavailable)
	}

	hits, err := r.store.Search(ctx, embeddings[0], k)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search: %w: %v", ErrIndexUnavailable, err)
	}

	relevant := hits[:0:0]
	for _, h := range hits {
		if h.Score >= r.threshold {
			relevant = append(relevant, h)
		}
	}

	sort.SliceStable(relevant, func(i, j int) bool {
		if relevant[i].Score != relevant[j].Score {
			return relevant[i].Score > relevant[j].Score
		}
		return relevant[i].Position < relevant[j].Position
	})

	return relevant, nil
}
