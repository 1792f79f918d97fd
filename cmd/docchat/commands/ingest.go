package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/docchat-go/internal/embedder"
	"github.com/54b3r/docchat-go/internal/ingestion"
	"github.com/54b3r/docchat-go/internal/logging"
)

// NewIngestCmd constructs the `docchat ingest` command, which runs the
// document ingestion pipeline to populate the vector index.
func NewIngestCmd() *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Index documents into the vector store",
		Long: `Load, chunk, embed, and index plain-text documents so they can be
retrieved as context for questions.

Each --path may name a single file or a directory; directories are walked
recursively and supported text files (.md, .txt, .rst, and friends) are
indexed. Re-ingesting the same file is idempotent — unchanged chunks
overwrite themselves. Documents that cannot be read or embedded are reported
and skipped; the rest of the batch still completes.

Required environment variables:
  INDEX_BACKEND        Vector index: qdrant (default) or memory
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: docchat-docs)
  MODEL_PROVIDER       Embedding backend: ollama, openai, azure, gemini (default: ollama)
  EMBEDDING_*          Provider-specific overrides (model, host, dimensions)

Examples:
  docchat ingest --path ./docs
  docchat ingest --path README.md --path ./handbook
  CHUNK_SIZE=500 CHUNK_OVERLAP=100 docchat ingest --path ./notes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if len(paths) == 0 {
				return fmt.Errorf("ingest: at least one --path is required")
			}

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			emb, err := embedder.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ingest: failed to initialise embedder: %w", err)
			}
			log.Info("embedder initialised",
				slog.String("provider", getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))))

			vs, err := buildVectorStore(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer vs.Close()

			pipeline, err := ingestion.NewPipeline(emb, vs, &ingestion.Config{
				ChunkSize:    getEnvInt("CHUNK_SIZE", 1000),
				ChunkOverlap: getEnvInt("CHUNK_OVERLAP", 200),
			})
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			log.Info("starting ingestion", slog.Int("paths", len(paths)))

			report, err := pipeline.IngestPaths(ctx, paths, func(msg string) {
				log.Info(msg)
			})
			if err != nil {
				return fmt.Errorf("ingest: pipeline failed: %w", err)
			}

			for _, f := range report.Failures {
				log.Warn("document failed",
					slog.String("source", f.Source), slog.Any("error", f.Err))
			}

			log.Info("ingestion complete",
				slog.Int("documents", report.Documents),
				slog.Int("chunks", report.Chunks),
				slog.Int("skipped", report.Skipped),
				slog.Int("failures", len(report.Failures)),
			)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&paths, "path", "p", nil, "File or directory to ingest (repeatable)")

	return cmd
}
