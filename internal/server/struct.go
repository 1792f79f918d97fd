package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/docchat-go/internal/orchestrator"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// AskTimeout bounds one full /api/ask request, including generation.
	AskTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on /api/ask and /api/reset.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives all server metric registrations. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
	// IndexCount reports the number of indexed chunks for GET /api/health.
	// Optional; omitted from the payload when nil or failing.
	IndexCount func(ctx context.Context) (int, error)
	// SessionTurns reports the total conversation turns held in memory for
	// GET /api/health. Optional.
	SessionTurns func() int
}

// asker is the interface handleAsk and handleReset call into the pipeline.
// *orchestrator.Orchestrator satisfies it; tests inject a fake.
type asker interface {
	// Ask processes one question for the session, streaming answer fragments
	// to onDelta as they arrive.
	Ask(ctx context.Context, sessionID, question string, onDelta func(delta string)) (*orchestrator.Result, error)

	// Reset clears the session's conversation state.
	Reset(ctx context.Context, sessionID string) error
}

// Server is the HTTP server that exposes the question pipeline.
type Server struct {
	// asker is the pipeline entry point; the orchestrator in production,
	// a fake in tests.
	asker asker
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// askRequest is the JSON body for POST /api/ask.
type askRequest struct {
	// SessionID selects the conversation. Empty means the default session.
	SessionID string `json:"sessionId"`
	// Question is the user's natural language question.
	Question string `json:"question"`
}

// askMeta is the JSON payload of the SSE "meta" event sent after the answer
// stream completes.
type askMeta struct {
	// NoContext is true when the answer was produced without retrieved passages.
	NoContext bool `json:"noContext"`
	// Sources lists the distinct sources of the passages used, ranked order.
	Sources []string `json:"sources"`
	// Turns is the session window length after the turn was committed.
	Turns int `json:"turns"`
}

// resetRequest is the JSON body for POST /api/reset.
type resetRequest struct {
	// SessionID selects the conversation to clear. Empty means the default
	// session.
	SessionID string `json:"sessionId"`
}
