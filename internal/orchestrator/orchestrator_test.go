package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/docchat-go/internal/prompt"
	"github.com/54b3r/docchat-go/internal/rag"
	"github.com/54b3r/docchat-go/internal/session"
	"github.com/54b3r/docchat-go/internal/store"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// echoModel answers with the content of the context block (the second system
// message), so tests can verify retrieved passages reach the model.
type echoModel struct{}

func (echoModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage("Answer based on: "+in[1].Content, nil), nil
}

func (echoModel) Stream(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage("Answer based on: ", nil),
		schema.AssistantMessage(in[1].Content, nil),
	}), nil
}

// timeoutModel blocks until the generation deadline fires.
type timeoutModel struct{}

func (timeoutModel) Generate(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (timeoutModel) Stream(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stallingModel streams one fragment and then holds the stream open until
// the caller's context is cancelled.
type stallingModel struct{}

func (stallingModel) Generate(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stallingModel) Stream(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()
		sw.Send(schema.AssistantMessage("partial ", nil), nil)
		<-ctx.Done()
		sw.Send(nil, ctx.Err())
	}()
	return sr, nil
}

// brokenModel fails every call.
type brokenModel struct{}

func (brokenModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return nil, fmt.Errorf("connection refused")
}

func (brokenModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("connection refused")
}

// emptyModel streams nothing.
type emptyModel struct{}

func (emptyModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage("", nil), nil
}

func (emptyModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return schema.StreamReaderFromArray([]*schema.Message{}), nil
}

// stubRetriever returns a fixed result or error.
type stubRetriever struct {
	result []rag.Scored
	err    error
}

func (s *stubRetriever) Retrieve(context.Context, string, int) ([]rag.Scored, error) {
	return s.result, s.err
}

func passage(id, text, source string, score float32) rag.Scored {
	return rag.Scored{Chunk: rag.Chunk{ID: id, Text: text, Source: source}, Score: score}
}

// testConfig returns a Config with fast test-friendly defaults.
func testConfig(t *testing.T, m model.BaseChatModel, r rag.Retriever, historyTurns int) *Config {
	t.Helper()
	sessions, err := session.NewManager(historyTurns)
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	assembler, err := prompt.NewAssembler(&prompt.Config{MaxTokens: 6000})
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	return &Config{
		ChatModel:         m,
		Retriever:         r,
		Sessions:          sessions,
		Assembler:         assembler,
		GenerationTimeout: 5 * time.Second,
		GenerationRate:    1000,
		GenerationBurst:   1000,
	}
}

func newTestOrchestrator(t *testing.T, cfg *Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

// ---------------------------------------------------------------------------
// NoContext branch
// ---------------------------------------------------------------------------

func TestAsk_EmptyIndexFallsBackAndCommitsTurn(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, echoModel{}, &stubRetriever{}, 6)
	o := newTestOrchestrator(t, cfg)

	res, err := o.Ask(context.Background(), "s1", "What is the policy deadline?", nil)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if res.Answer != DefaultFallbackAnswer {
		t.Errorf("want fallback answer, got %q", res.Answer)
	}
	if !res.NoContext {
		t.Error("want NoContext=true")
	}
	if len(res.History) != 1 {
		t.Fatalf("want exactly one committed turn, got %d", len(res.History))
	}
	if res.History[0].Answer != DefaultFallbackAnswer {
		t.Errorf("committed turn must carry the fallback answer, got %q", res.History[0].Answer)
	}
}

func TestAsk_GeneratePolicyCallsModelWithMarker(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, echoModel{}, &stubRetriever{}, 6)
	cfg.NoContextPolicy = PolicyGenerate
	o := newTestOrchestrator(t, cfg)

	res, err := o.Ask(context.Background(), "s1", "anything?", nil)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !strings.Contains(res.Answer, "No relevant passages") {
		t.Errorf("model should have seen the no-context marker, got %q", res.Answer)
	}
	if !res.NoContext {
		t.Error("want NoContext=true")
	}
	if len(res.History) != 1 {
		t.Errorf("best-effort answer must still be committed, got %d turns", len(res.History))
	}
}

// ---------------------------------------------------------------------------
// Happy path
// ---------------------------------------------------------------------------

func TestAsk_RetrievedContextReachesAnswer(t *testing.T) {
	t.Parallel()

	r := &stubRetriever{result: []rag.Scored{
		passage("c1", "Deadline: March 3rd", "policy.txt", 0.9),
		passage("c2", "Contact: ops@example.com", "policy.txt", 0.4),
	}}
	o := newTestOrchestrator(t, testConfig(t, echoModel{}, r, 6))

	res, err := o.Ask(context.Background(), "s1", "When is the deadline?", nil)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if !strings.Contains(res.Answer, "March 3rd") {
		t.Errorf("answer must contain the top passage, got %q", res.Answer)
	}
	if res.NoContext {
		t.Error("NoContext must be false when passages were used")
	}
	if len(res.Sources) != 1 || res.Sources[0] != "policy.txt" {
		t.Errorf("want sources [policy.txt], got %v", res.Sources)
	}
}

func TestAsk_StreamsDeltasMatchingAnswer(t *testing.T) {
	t.Parallel()

	r := &stubRetriever{result: []rag.Scored{passage("c1", "fact", "a.md", 0.9)}}
	o := newTestOrchestrator(t, testConfig(t, echoModel{}, r, 6))

	var streamed strings.Builder
	res, err := o.Ask(context.Background(), "s1", "q", func(delta string) {
		streamed.WriteString(delta)
	})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if strings.TrimSpace(streamed.String()) != res.Answer {
		t.Errorf("streamed deltas %q do not concatenate to the answer %q", streamed.String(), res.Answer)
	}
}

func TestAsk_HistoryBoundKeepsMostRecentTurns(t *testing.T) {
	t.Parallel()

	r := &stubRetriever{result: []rag.Scored{passage("c1", "fact", "a.md", 0.9)}}
	o := newTestOrchestrator(t, testConfig(t, echoModel{}, r, 2))

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := o.Ask(ctx, "s1", fmt.Sprintf("question %d", i), nil); err != nil {
			t.Fatalf("ask %d: %v", i, err)
		}
	}

	res, err := o.Ask(ctx, "s1", "question 4", nil)
	if err != nil {
		t.Fatalf("ask 4: %v", err)
	}
	if len(res.History) != 2 {
		t.Fatalf("want window of 2 turns, got %d", len(res.History))
	}
	if res.History[0].Question != "question 3" || res.History[1].Question != "question 4" {
		t.Errorf("want [question 3, question 4], got [%q, %q]",
			res.History[0].Question, res.History[1].Question)
	}
}

// ---------------------------------------------------------------------------
// Failure paths: no commit
// ---------------------------------------------------------------------------

func TestAsk_TimeoutIsFailedWithNoCommit(t *testing.T) {
	t.Parallel()

	r := &stubRetriever{result: []rag.Scored{passage("c1", "fact", "a.md", 0.9)}}
	cfg := testConfig(t, timeoutModel{}, r, 6)
	cfg.GenerationTimeout = 20 * time.Millisecond
	o := newTestOrchestrator(t, cfg)

	_, err := o.Ask(context.Background(), "s1", "q", nil)
	if !errors.Is(err, ErrGenerationTimeout) {
		t.Fatalf("want ErrGenerationTimeout, got %v", err)
	}

	if got := cfg.Sessions.Get("s1").Len(); got != 0 {
		t.Errorf("failed ask must not commit a turn, window has %d", got)
	}
}

func TestAsk_CancelMidStreamDoesNotCommit(t *testing.T) {
	t.Parallel()

	r := &stubRetriever{result: []rag.Scored{passage("c1", "fact", "a.md", 0.9)}}
	cfg := testConfig(t, stallingModel{}, r, 6)
	o := newTestOrchestrator(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel as soon as the first fragment arrives, mid-stream.
	_, err := o.Ask(ctx, "s1", "q", func(string) { cancel() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrGenerationTimeout) {
		t.Errorf("caller cancellation must not be reported as a timeout: %v", err)
	}

	if got := cfg.Sessions.Get("s1").Len(); got != 0 {
		t.Errorf("cancelled ask must not commit a turn, window has %d", got)
	}
}

func TestAsk_ModelFailureIsGenerationUnavailable(t *testing.T) {
	t.Parallel()

	r := &stubRetriever{result: []rag.Scored{passage("c1", "fact", "a.md", 0.9)}}
	cfg := testConfig(t, brokenModel{}, r, 6)
	o := newTestOrchestrator(t, cfg)

	_, err := o.Ask(context.Background(), "s1", "q", nil)
	if !errors.Is(err, ErrGenerationUnavailable) {
		t.Fatalf("want ErrGenerationUnavailable, got %v", err)
	}
	if got := cfg.Sessions.Get("s1").Len(); got != 0 {
		t.Errorf("failed ask must not commit a turn, window has %d", got)
	}
}

func TestAsk_EmptyModelResponseIsGenerationUnavailable(t *testing.T) {
	t.Parallel()

	r := &stubRetriever{result: []rag.Scored{passage("c1", "fact", "a.md", 0.9)}}
	cfg := testConfig(t, emptyModel{}, r, 6)
	o := newTestOrchestrator(t, cfg)

	_, err := o.Ask(context.Background(), "s1", "q", nil)
	if !errors.Is(err, ErrGenerationUnavailable) {
		t.Fatalf("want ErrGenerationUnavailable for empty response, got %v", err)
	}
}

func TestAsk_RetrievalFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	r := &stubRetriever{err: fmt.Errorf("embed: %w", rag.ErrEmbeddingUnavailable)}
	cfg := testConfig(t, echoModel{}, r, 6)
	o := newTestOrchestrator(t, cfg)

	_, err := o.Ask(context.Background(), "s1", "q", nil)
	if !errors.Is(err, rag.ErrEmbeddingUnavailable) {
		t.Fatalf("want wrapped ErrEmbeddingUnavailable, got %v", err)
	}
	if got := cfg.Sessions.Get("s1").Len(); got != 0 {
		t.Errorf("failed ask must not commit a turn, window has %d", got)
	}
}

func TestAsk_RejectsBlankQuestion(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, testConfig(t, echoModel{}, &stubRetriever{}, 6))
	if _, err := o.Ask(context.Background(), "s1", "   ", nil); err == nil {
		t.Fatal("want error for blank question, got nil")
	}
}

// ---------------------------------------------------------------------------
// Persistence: mirror, hydration, reset
// ---------------------------------------------------------------------------

func openTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAsk_CommittedTurnsAreMirroredToStore(t *testing.T) {
	t.Parallel()

	r := &stubRetriever{result: []rag.Scored{passage("c1", "fact", "a.md", 0.9)}}
	cfg := testConfig(t, echoModel{}, r, 6)
	cfg.History = openTestStore(t)
	o := newTestOrchestrator(t, cfg)

	ctx := context.Background()
	if _, err := o.Ask(ctx, "s1", "persist me", nil); err != nil {
		t.Fatalf("ask: %v", err)
	}

	turns, err := cfg.History.Recent(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 1 || turns[0].Question != "persist me" {
		t.Errorf("want mirrored turn, got %v", turns)
	}
}

func TestAsk_HydratesWindowFromStoreOnFirstUse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openTestStore(t)
	if err := st.Append(ctx, "s1", "old question", "old answer"); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	r := &stubRetriever{result: []rag.Scored{passage("c1", "fact", "a.md", 0.9)}}
	cfg := testConfig(t, echoModel{}, r, 6)
	cfg.History = st
	o := newTestOrchestrator(t, cfg)

	res, err := o.Ask(ctx, "s1", "new question", nil)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if len(res.History) != 2 {
		t.Fatalf("want hydrated turn + new turn, got %d", len(res.History))
	}
	if res.History[0].Question != "old question" {
		t.Errorf("hydrated turn must come first, got %q", res.History[0].Question)
	}
}

func TestReset_ClearsWindowAndStore(t *testing.T) {
	t.Parallel()

	r := &stubRetriever{result: []rag.Scored{passage("c1", "fact", "a.md", 0.9)}}
	cfg := testConfig(t, echoModel{}, r, 6)
	cfg.History = openTestStore(t)
	o := newTestOrchestrator(t, cfg)

	ctx := context.Background()
	if _, err := o.Ask(ctx, "s1", "q", nil); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if err := o.Reset(ctx, "s1"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if got := cfg.Sessions.Get("s1").Len(); got != 0 {
		t.Errorf("window not cleared: %d turns", got)
	}
	turns, err := cfg.History.Recent(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("store not cleared: %d turns", len(turns))
	}

	// A fresh ask after reset starts from an empty window.
	res, err := o.Ask(ctx, "s1", "fresh", nil)
	if err != nil {
		t.Fatalf("ask after reset: %v", err)
	}
	if len(res.History) != 1 {
		t.Errorf("want exactly the fresh turn, got %d", len(res.History))
	}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_RejectsMissingDependencies(t *testing.T) {
	t.Parallel()

	base := testConfig(t, echoModel{}, &stubRetriever{}, 6)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"nil chat model", func(c *Config) { c.ChatModel = nil }},
		{"nil retriever", func(c *Config) { c.Retriever = nil }},
		{"nil sessions", func(c *Config) { c.Sessions = nil }},
		{"nil assembler", func(c *Config) { c.Assembler = nil }},
		{"bad policy", func(c *Config) { c.NoContextPolicy = "coin-flip" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := *base
			tc.mutate(&cfg)
			if _, err := New(&cfg); err == nil {
				t.Error("want construction error, got nil")
			}
		})
	}
}
