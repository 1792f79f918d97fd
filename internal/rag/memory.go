package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-memory VectorStore using brute-force cosine
// similarity. It backs local single-process deployments and tests, where
// running a Qdrant instance would be overkill. Upserts are idempotent by
// chunk ID, matching the semantics of the Qdrant store.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]Chunk
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string]Chunk)}
}

// Upsert stores or replaces chunks keyed by ID. Chunks without an
// embedding are rejected — the store never computes embeddings itself.
func (s *MemoryStore) Upsert(_ context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("memory store: chunk %q has no embedding", c.ID)
		}
		s.chunks[c.ID] = c
	}
	return nil
}

// Search computes cosine similarity against every stored chunk and returns
// the top k, ranked descending. Ties are broken by (position, id) so the
// result is deterministic regardless of map iteration order.
func (s *MemoryStore) Search(_ context.Context, queryEmbedding []float32, k int) ([]Scored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		return nil, fmt.Errorf("memory store: k must be positive, got %d", k)
	}

	results := make([]Scored, 0, len(s.chunks))
	for _, c := range s.chunks {
		results = append(results, Scored{Chunk: c, Score: cosineSimilarity(queryEmbedding, c.Embedding)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Position != results[j].Position {
			return results[i].Position < results[j].Position
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Count reports the number of chunks currently stored.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

// Reset removes every chunk.
func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = make(map[string]Chunk)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// cosineSimilarity returns the cosine of the angle between a and b,
// or 0 when either vector has zero magnitude or the lengths differ.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
