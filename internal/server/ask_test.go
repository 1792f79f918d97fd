package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/docchat-go/internal/orchestrator"
	"github.com/54b3r/docchat-go/internal/session"
)

// ---------------------------------------------------------------------------
// Fake asker for handler tests
// ---------------------------------------------------------------------------

// fakeAsker implements the asker interface for tests. It streams the answer
// in fixed fragments and returns configurable values.
type fakeAsker struct {
	// answer is streamed to onDelta and returned in the result.
	answer string
	// noContext is reported in the result.
	noContext bool
	// sources is reported in the result.
	sources []string
	// err aborts Ask when non-nil.
	err error
	// resetErr is returned by Reset.
	resetErr error
	// resetSessions records the session IDs Reset was called with.
	resetSessions []string
}

func (f *fakeAsker) Ask(_ context.Context, _, question string, onDelta func(string)) (*orchestrator.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if onDelta != nil {
		for _, frag := range strings.SplitAfter(f.answer, " ") {
			onDelta(frag)
		}
	}
	return &orchestrator.Result{
		Answer:    f.answer,
		History:   []session.Turn{{Question: question, Answer: f.answer}},
		NoContext: f.noContext,
		Sources:   f.sources,
	}, nil
}

func (f *fakeAsker) Reset(_ context.Context, sessionID string) error {
	f.resetSessions = append(f.resetSessions, sessionID)
	return f.resetErr
}

// newTestServer builds a *Server wired with the given asker fake and a fresh
// metrics registry so tests stay hermetic.
func newTestServer(a asker) *Server {
	reg := prometheus.NewRegistry()
	return &Server{
		asker:   a,
		cfg:     &Config{AskTimeout: time.Minute, MetricsRegistry: reg, MetricsGatherer: reg},
		log:     slog.Default(),
		metrics: newServerMetrics(reg),
	}
}

// ---------------------------------------------------------------------------
// POST /api/ask — validation error paths
// ---------------------------------------------------------------------------

func TestHandleAsk_MissingQuestion(t *testing.T) {
	t.Parallel()

	s := newTestServer(nil)
	req := httptest.NewRequest(http.MethodPost, "/api/ask",
		strings.NewReader(`{"sessionId":"s1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleAsk_InvalidJSON(t *testing.T) {
	t.Parallel()

	s := newTestServer(nil)
	req := httptest.NewRequest(http.MethodPost, "/api/ask",
		strings.NewReader(`not-json`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /api/ask — SSE streaming
// ---------------------------------------------------------------------------

// TestHandleAsk_Success verifies that a valid request produces an SSE stream
// carrying the answer fragments, a meta event, and a "done" sentinel.
// httptest.ResponseRecorder implements http.Flusher so the handler's flusher
// check passes without a real connection.
func TestHandleAsk_Success(t *testing.T) {
	t.Parallel()

	a := &fakeAsker{answer: "The deadline is March 3rd", sources: []string{"policy.md"}}
	s := newTestServer(a)

	req := httptest.NewRequest(http.MethodPost, "/api/ask",
		strings.NewReader(`{"question":"when is the deadline?"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	body := w.Body.String()

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}
	if !strings.Contains(body, "data: The deadline is March 3rd") &&
		!strings.Contains(body, "March 3rd") {
		t.Errorf("expected answer fragments in body, got: %s", body)
	}
	if !strings.Contains(body, "event: meta") {
		t.Errorf("expected SSE meta event in body, got: %s", body)
	}
	if !strings.Contains(body, `"sources":["policy.md"]`) {
		t.Errorf("expected sources in meta event, got: %s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("expected SSE done event in body, got: %s", body)
	}
	if !strings.Contains(body, "[DONE]") {
		t.Errorf("expected [DONE] sentinel in body, got: %s", body)
	}
}

// TestHandleAsk_NoContext verifies the meta event reports noContext:true when
// the pipeline answered without retrieved passages.
func TestHandleAsk_NoContext(t *testing.T) {
	t.Parallel()

	a := &fakeAsker{answer: orchestrator.DefaultFallbackAnswer, noContext: true}
	s := newTestServer(a)

	req := httptest.NewRequest(http.MethodPost, "/api/ask",
		strings.NewReader(`{"question":"anything"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	if !strings.Contains(w.Body.String(), `"noContext":true`) {
		t.Errorf("expected noContext:true in meta event, got: %s", w.Body.String())
	}
}

// TestHandleAsk_PipelineError verifies that when the asker returns an error,
// the SSE stream includes an "error" event and the response is still 200
// (SSE errors are delivered in-band, not via HTTP status).
func TestHandleAsk_PipelineError(t *testing.T) {
	t.Parallel()

	a := &fakeAsker{err: fmt.Errorf("%w: connection refused", orchestrator.ErrGenerationUnavailable)}
	s := newTestServer(a)

	req := httptest.NewRequest(http.MethodPost, "/api/ask",
		strings.NewReader(`{"question":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Errorf("expected error event in body, got: %s", body)
	}
	if !strings.Contains(body, "connection refused") {
		t.Errorf("expected error message in body, got: %s", body)
	}
	if strings.Contains(body, "event: done") {
		t.Errorf("done event must not follow an error, got: %s", body)
	}
}

// ---------------------------------------------------------------------------
// POST /api/reset
// ---------------------------------------------------------------------------

func TestHandleReset_ClearsNamedSession(t *testing.T) {
	t.Parallel()

	a := &fakeAsker{}
	s := newTestServer(a)

	req := httptest.NewRequest(http.MethodPost, "/api/reset",
		strings.NewReader(`{"sessionId":"s1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleReset(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d — body: %s", w.Code, w.Body.String())
	}
	if len(a.resetSessions) != 1 || a.resetSessions[0] != "s1" {
		t.Errorf("expected reset of session s1, got %v", a.resetSessions)
	}
}

func TestHandleReset_EmptyBodyMeansDefaultSession(t *testing.T) {
	t.Parallel()

	a := &fakeAsker{}
	s := newTestServer(a)

	req := httptest.NewRequest(http.MethodPost, "/api/reset", strings.NewReader(""))
	w := httptest.NewRecorder()

	s.handleReset(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for empty body, got %d", w.Code)
	}
	if len(a.resetSessions) != 1 || a.resetSessions[0] != "" {
		t.Errorf("expected reset of default session, got %v", a.resetSessions)
	}
}

func TestHandleReset_AskerFailure(t *testing.T) {
	t.Parallel()

	a := &fakeAsker{resetErr: fmt.Errorf("db locked")}
	s := newTestServer(a)

	req := httptest.NewRequest(http.MethodPost, "/api/reset",
		strings.NewReader(`{"sessionId":"s1"}`))
	w := httptest.NewRecorder()

	s.handleReset(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}
