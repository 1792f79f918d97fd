package rag

import "errors"

// Sentinel errors for the two upstream dependencies of retrieval. Callers
// use errors.Is to distinguish "the embedding gateway is down" from "the
// vector index is down"; both abort the current request without touching
// conversation state.
var (
	// ErrEmbeddingUnavailable indicates the embedding gateway errored or
	// timed out while embedding the query or a chunk batch.
	ErrEmbeddingUnavailable = errors.New("embedding gateway unavailable")

	// ErrIndexUnavailable indicates the vector index could not be reached
	// or rejected the operation.
	ErrIndexUnavailable = errors.New("vector index unavailable")
)
