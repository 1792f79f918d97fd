// Package ingestion implements the document ingestion pipeline.
// It loads text documents from files or directories, chunks the content,
// embeds each chunk, and upserts the results into the vector store.
// This pipeline is invoked by the `docchat ingest` CLI command.
package ingestion

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/54b3r/docchat-go/internal/rag"
)

// Document is a single loaded source document ready for chunking.
type Document struct {
	// Source is the label stored with every chunk (the cleaned file path).
	Source string

	// Text is the full document content.
	Text string
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the maximum number of runes per document chunk.
	// Defaults to 1000 if zero.
	ChunkSize int

	// ChunkOverlap is the number of runes shared between consecutive chunks.
	// Defaults to 200 if zero or negative.
	ChunkOverlap int

	// EmbedBatchSize is the maximum number of chunks sent to the embedder in
	// one call. Defaults to 64 if zero.
	EmbedBatchSize int
}

// DocumentError records a per-document ingestion failure. Failures do not
// abort the run — the remaining documents are still processed.
type DocumentError struct {
	// Source is the document the failure applies to.
	Source string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *DocumentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

// Unwrap returns the underlying cause for errors.Is / errors.As.
func (e *DocumentError) Unwrap() error { return e.Err }

// Report summarises an ingestion run: how many documents and chunks were
// indexed, and which documents failed.
type Report struct {
	// Documents is the number of documents successfully indexed.
	Documents int
	// Chunks is the total number of chunks upserted.
	Chunks int
	// Skipped is the number of files skipped (unsupported extension or
	// non-text content).
	Skipped int
	// Failures lists per-document errors. A non-empty list does not mean the
	// run failed — successfully processed documents are already indexed.
	Failures []*DocumentError
}

// Pipeline orchestrates the load → chunk → embed → upsert flow for a set of
// document paths.
type Pipeline struct {
	// embedder converts text chunks into dense vector embeddings.
	embedder rag.Embedder

	// store persists the embedded chunks.
	store rag.VectorStore

	// cfg holds the resolved pipeline configuration.
	cfg *Config
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(embedder rag.Embedder, store rag.VectorStore, cfg *Config) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = 200
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("ingestion: chunk overlap %d must be smaller than chunk size %d", cfg.ChunkOverlap, cfg.ChunkSize)
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 64
	}

	return &Pipeline{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
	}, nil
}

// IngestPaths loads every supported file under the given paths (files or
// directories, walked recursively), chunks, embeds, and stores them.
// Documents are processed independently: a failure in one is recorded in the
// report and the rest continue. A non-nil error is returned only when the run
// as a whole cannot proceed (e.g. a path does not exist or the context is
// cancelled). Progress is reported via the optional progress callback.
func (p *Pipeline) IngestPaths(ctx context.Context, paths []string, progress func(msg string)) (*Report, error) {
	if progress == nil {
		progress = func(string) {}
	}

	report := &Report{}

	docs, skipped, failures, err := p.load(paths)
	if err != nil {
		return nil, err
	}
	report.Skipped = skipped
	report.Failures = failures
	for _, f := range failures {
		progress(fmt.Sprintf("failed %s: %v", f.Source, f.Err))
	}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("ingestion: cancelled: %w", err)
		}

		n, err := p.ingestDocument(ctx, doc, progress)
		if err != nil {
			report.Failures = append(report.Failures, &DocumentError{Source: doc.Source, Err: err})
			progress(fmt.Sprintf("failed %s: %v", doc.Source, err))
			continue
		}
		report.Documents++
		report.Chunks += n
		progress(fmt.Sprintf("indexed %d chunks from %s", n, doc.Source))
	}

	return report, nil
}

// ingestDocument chunks, embeds, and upserts a single document, returning the
// number of chunks stored.
func (p *Pipeline) ingestDocument(ctx context.Context, doc Document, progress func(msg string)) (int, error) {
	texts := ChunkText(doc.Text, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	if len(texts) == 0 {
		return 0, fmt.Errorf("document is empty")
	}
	progress(fmt.Sprintf("chunked %s into %d chunks", doc.Source, len(texts)))

	chunks := make([]rag.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = rag.Chunk{
			ID:       ChunkID(doc.Source, i),
			Text:     text,
			Source:   doc.Source,
			Position: i,
		}
	}

	for start := 0; start < len(chunks); start += p.cfg.EmbedBatchSize {
		end := start + p.cfg.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		batchTexts := make([]string, len(batch))
		for i := range batch {
			batchTexts[i] = batch[i].Text
		}

		embeddings, err := p.embedder.Embed(ctx, batchTexts)
		if err != nil {
			return 0, fmt.Errorf("embedding failed: %w", err)
		}
		if len(embeddings) != len(batch) {
			return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(embeddings), len(batch))
		}
		for i := range batch {
			batch[i].Embedding = embeddings[i]
		}

		if err := p.store.Upsert(ctx, batch); err != nil {
			return 0, fmt.Errorf("upsert failed: %w", err)
		}
	}

	return len(chunks), nil
}

// load expands the given paths into documents, walking directories
// recursively. Unsupported and non-text files are counted as skipped, and
// files that cannot be read are recorded as failures; neither aborts the
// load. Only a top-level path that cannot be stat'd is a hard error.
func (p *Pipeline) load(paths []string) ([]Document, int, []*DocumentError, error) {
	var docs []Document
	var failures []*DocumentError
	skipped := 0

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("ingestion: stat %s: %w", path, err)
		}

		if !info.IsDir() {
			doc, ok, err := loadFile(path)
			if err != nil {
				failures = append(failures, &DocumentError{Source: filepath.ToSlash(filepath.Clean(path)), Err: err})
				continue
			}
			if !ok {
				skipped++
				continue
			}
			docs = append(docs, doc)
			continue
		}

		err = filepath.WalkDir(path, func(sub string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				// Skip hidden directories like .git.
				if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
					return filepath.SkipDir
				}
				return nil
			}
			doc, ok, err := loadFile(sub)
			if err != nil {
				failures = append(failures, &DocumentError{Source: filepath.ToSlash(filepath.Clean(sub)), Err: err})
				return nil
			}
			if !ok {
				skipped++
				return nil
			}
			docs = append(docs, doc)
			return nil
		})
		if err != nil {
			return nil, 0, nil, fmt.Errorf("ingestion: walk %s: %w", path, err)
		}
	}

	return docs, skipped, failures, nil
}

// loadFile reads a single file, returning ok=false when the file should be
// skipped (unsupported extension or non-text content).
func loadFile(path string) (Document, bool, error) {
	if !IsSupported(path) {
		return Document{}, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, false, fmt.Errorf("read: %w", err)
	}
	if !ValidText(data) {
		return Document{}, false, nil
	}

	return Document{
		Source: filepath.ToSlash(filepath.Clean(path)),
		Text:   string(data),
	}, true, nil
}

// ChunkText splits text into overlapping chunks of at most size runes, with
// overlap runes shared between consecutive chunks. Splitting is rune-based so
// multi-byte characters are never cut in half. The result is deterministic
// for a given input.
func ChunkText(text string, size, overlap int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}

	return chunks
}

// ChunkID generates a deterministic ID for a document chunk based on its
// source and position. Re-ingesting the same document produces the same IDs,
// so upserts overwrite stale chunks instead of duplicating them.
func ChunkID(source string, position int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", source, position)))
	return fmt.Sprintf("%x", h[:16])
}
