package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/docchat-go/internal/budget"
	"github.com/54b3r/docchat-go/internal/embedder"
	"github.com/54b3r/docchat-go/internal/orchestrator"
	"github.com/54b3r/docchat-go/internal/prompt"
	"github.com/54b3r/docchat-go/internal/rag"
	"github.com/54b3r/docchat-go/internal/server"
	"github.com/54b3r/docchat-go/internal/session"
	"github.com/54b3r/docchat-go/internal/store"
)

// buildVectorStore constructs the vector index selected by INDEX_BACKEND:
// "qdrant" (default) or "memory" for dependency-free local runs.
func buildVectorStore(ctx context.Context, log *slog.Logger) (rag.VectorStore, error) {
	backend := getEnvOrDefault("INDEX_BACKEND", "qdrant")

	switch backend {
	case "memory":
		log.Info("index: in-memory store selected — chunks are lost on exit")
		return rag.NewMemoryStore(), nil

	case "qdrant":
		embBackend := getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))
		host := getEnvOrDefault("QDRANT_HOST", "localhost")
		port := getEnvInt("QDRANT_PORT", 6334)
		collection := getEnvOrDefault("QDRANT_COLLECTION", "docchat-docs")

		vs, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
			Host:       host,
			Port:       port,
			Collection: collection,
			VectorSize: uint64(embedder.DefaultDimensions(embBackend)), //nolint:gosec // dimensions are bounded
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
		}
		log.Info("index: qdrant store ready",
			slog.String("host", host), slog.Int("port", port), slog.String("collection", collection))
		return vs, nil

	default:
		return nil, fmt.Errorf("unknown INDEX_BACKEND %q — valid values: qdrant, memory", backend)
	}
}

// buildRetriever wires embedder + vector store + retriever from the
// environment. The returned store is exposed so callers can register pingers
// and health stats; callers own closing it.
func buildRetriever(ctx context.Context, log *slog.Logger) (rag.Retriever, rag.Embedder, rag.VectorStore, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, nil, nil, err
	}

	emb, err := embedder.NewFromEnv(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}

	vs, err := buildVectorStore(ctx, log)
	if err != nil {
		return nil, nil, nil, err
	}

	retriever, err := rag.NewRetriever(emb, vs, &rag.RetrieverConfig{
		Threshold:   getEnvFloat32("RETRIEVAL_THRESHOLD", 0.30),
		DefaultTopK: getEnvInt("RETRIEVAL_TOP_K", 4),
	})
	if err != nil {
		vs.Close()
		return nil, nil, nil, err
	}

	return retriever, emb, vs, nil
}

// buildHistoryStore opens the persistent conversation store. DOCCHAT_HISTORY_DB
// overrides the default path (~/.docchat/history.db); "disabled" turns
// persistence off. Failures degrade to in-memory-only history with a warning.
func buildHistoryStore(log *slog.Logger) (store.TurnStore, func()) {
	dbPath := os.Getenv("DOCCHAT_HISTORY_DB")
	if dbPath == "disabled" {
		log.Info("history: disabled via DOCCHAT_HISTORY_DB=disabled")
		return nil, func() {}
	}

	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return nil, func() {}
		}
	}

	hs, err := store.Open(dbPath)
	if err != nil {
		log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return nil, func() {}
	}

	log.Info("history: store opened", slog.String("path", dbPath))
	return hs, func() { _ = hs.Close() }
}

// buildOrchestrator assembles the full ask pipeline from its parts, reading
// tuning knobs from the environment.
func buildOrchestrator(chatModel model.BaseChatModel, retriever rag.Retriever, history store.TurnStore) (*orchestrator.Orchestrator, *session.Manager, error) {
	sessions, err := session.NewManager(getEnvInt("HISTORY_TURNS", 6))
	if err != nil {
		return nil, nil, err
	}

	assembler, err := prompt.NewAssembler(&prompt.Config{
		System:    os.Getenv("SYSTEM_PROMPT"),
		MaxTokens: getEnvInt("PROMPT_BUDGET", budget.DefaultMaxContextTokens),
	})
	if err != nil {
		return nil, nil, err
	}

	orc, err := orchestrator.New(&orchestrator.Config{
		ChatModel:         chatModel,
		Retriever:         retriever,
		Sessions:          sessions,
		Assembler:         assembler,
		History:           history,
		TopK:              getEnvInt("RETRIEVAL_TOP_K", 4),
		NoContextPolicy:   orchestrator.NoContextPolicy(getEnvOrDefault("NO_CONTEXT_POLICY", "fallback")),
		FallbackAnswer:    os.Getenv("FALLBACK_ANSWER"),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 2*time.Minute),
		GenerationRate:    getEnvFloat64("GENERATION_RATE", 1),
		GenerationBurst:   getEnvInt("GENERATION_BURST", 3),
	})
	if err != nil {
		return nil, nil, err
	}

	return orc, sessions, nil
}

// buildPingers assembles the dependency probes for GET /api/ready: the chat
// model backend, the embedding backend, and the vector index when it can
// report its own health (the Qdrant store can, the memory store cannot).
func buildPingers(chatModel model.BaseChatModel, emb rag.Embedder, vs rag.VectorStore) []server.Pinger {
	backend := getEnvOrDefault("MODEL_PROVIDER", "ollama")

	pingers := []server.Pinger{
		server.NewLLMPinger(chatModel, backend),
		server.NewEmbedderPinger(emb, "embedder"),
	}
	if p, ok := vs.(server.Pinger); ok {
		pingers = append(pingers, p)
	}
	return pingers
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback when unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the named environment variable parsed as an int, or
// fallback when unset or unparseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvFloat32 returns the named environment variable parsed as a float32,
// or fallback when unset or unparseable.
func getEnvFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}

// getEnvFloat64 returns the named environment variable parsed as a float64,
// or fallback when unset or unparseable.
func getEnvFloat64(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration returns the named environment variable parsed as a
// time.Duration (e.g. "90s", "2m"), or fallback when unset or unparseable.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
