package prompt

import (
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/docchat-go/internal/budget"
	"github.com/54b3r/docchat-go/internal/rag"
	"github.com/54b3r/docchat-go/internal/session"
)

func newTestAssembler(t *testing.T, maxTokens int) *Assembler {
	t.Helper()
	a, err := NewAssembler(&Config{MaxTokens: maxTokens})
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	return a
}

func scored(id, text, source string, score float32) rag.Scored {
	return rag.Scored{
		Chunk: rag.Chunk{ID: id, Text: text, Source: source},
		Score: score,
	}
}

func TestNewAssembler_RejectsNonPositiveBudget(t *testing.T) {
	t.Parallel()

	for _, maxTokens := range []int{0, -10} {
		if _, err := NewAssembler(&Config{MaxTokens: maxTokens}); err == nil {
			t.Errorf("budget %d: want construction error, got nil", maxTokens)
		}
	}
}

func TestAssemble_FixedSectionOrder(t *testing.T) {
	t.Parallel()

	a := newTestAssembler(t, 6000)
	p := a.Assemble(
		"when is the deadline?",
		[]rag.Scored{scored("c1", "Deadline: March 3rd", "policy.txt", 0.9)},
		[]session.Turn{{Question: "earlier question", Answer: "earlier answer"}},
	)

	msgs := p.Messages()
	if len(msgs) != 5 {
		t.Fatalf("want 5 messages (system, context, user, assistant, question), got %d", len(msgs))
	}
	if msgs[0].Role != schema.System {
		t.Errorf("msg[0] should be system instructions, got role %s", msgs[0].Role)
	}
	if msgs[1].Role != schema.System || !strings.Contains(msgs[1].Content, "Deadline: March 3rd") {
		t.Errorf("msg[1] should be the context block, got %s %q", msgs[1].Role, msgs[1].Content)
	}
	if !strings.Contains(msgs[1].Content, "policy.txt") {
		t.Error("context passage should be labeled with its source")
	}
	if msgs[2].Content != "earlier question" || msgs[3].Content != "earlier answer" {
		t.Errorf("history pair misplaced: %q / %q", msgs[2].Content, msgs[3].Content)
	}
	if msgs[4].Role != schema.User || msgs[4].Content != "when is the deadline?" {
		t.Errorf("question must be last: %s %q", msgs[4].Role, msgs[4].Content)
	}
}

func TestAssemble_ContextAheadOfHistory(t *testing.T) {
	t.Parallel()

	a := newTestAssembler(t, 6000)
	p := a.Assemble(
		"When is the deadline?",
		[]rag.Scored{
			scored("c1", "Deadline: March 3rd", "policy.txt", 0.92),
			scored("c2", "Contact: ops@example.com", "policy.txt", 0.41),
		},
		[]session.Turn{{Question: "hello", Answer: "hi"}},
	)

	msgs := p.Messages()
	ctxIdx, histIdx := -1, -1
	for i, m := range msgs {
		if strings.Contains(m.Content, "March 3rd") {
			ctxIdx = i
		}
		if m.Content == "hello" {
			histIdx = i
		}
	}
	if ctxIdx == -1 || histIdx == -1 {
		t.Fatal("context or history missing from rendered prompt")
	}
	if ctxIdx > histIdx {
		t.Errorf("context block at %d must precede history at %d", ctxIdx, histIdx)
	}
	// Ranked order inside the block: top passage first.
	block := msgs[ctxIdx].Content
	if strings.Index(block, "March 3rd") > strings.Index(block, "ops@example.com") {
		t.Error("top-scored passage must appear first in the context block")
	}
}

func TestAssemble_TrimsOldestHistoryFirst(t *testing.T) {
	t.Parallel()

	// A tight budget that fits the fixed sections plus roughly one turn.
	a := newTestAssembler(t, 180)

	long := strings.Repeat("w ", 60) // ~30 tokens per answer
	history := []session.Turn{
		{Question: "first", Answer: long},
		{Question: "second", Answer: long},
		{Question: "third", Answer: long},
	}
	p := a.Assemble("q", nil, history)

	if len(p.History) >= 3 {
		t.Fatalf("want history trimmed, got %d turns", len(p.History))
	}
	if len(p.History) > 0 && p.History[len(p.History)-1].Question != "third" {
		t.Errorf("newest turn must survive trimming, got %q", p.History[len(p.History)-1].Question)
	}
}

func TestAssemble_DropsLowestScoredPassagesAfterHistory(t *testing.T) {
	t.Parallel()

	a := newTestAssembler(t, 220)

	big := strings.Repeat("x", 200) // ~50 tokens per passage
	retrieved := []rag.Scored{
		scored("best", big, "a.md", 0.9),
		scored("mid", big, "b.md", 0.5),
		scored("worst", big, "c.md", 0.2),
	}
	history := []session.Turn{{Question: "old", Answer: strings.Repeat("y", 400)}}

	p := a.Assemble("q", retrieved, history)

	if len(p.History) != 0 {
		t.Errorf("history must be dropped before context, got %d turns", len(p.History))
	}
	if len(p.Context) == 0 || len(p.Context) == 3 {
		t.Fatalf("want partial context trim, got %d passages", len(p.Context))
	}
	if p.Context[0].ChunkID != "best" {
		t.Errorf("highest-scored passage must survive, got %q", p.Context[0].ChunkID)
	}
	if got := budget.EstimateMessages(p.Messages()); got > 220 {
		t.Errorf("rendered prompt exceeds budget: %d tokens", got)
	}
}

func TestAssemble_EmptyContextGetsMarker(t *testing.T) {
	t.Parallel()

	a := newTestAssembler(t, 6000)
	p := a.Assemble("anything indexed?", nil, nil)

	msgs := p.Messages()
	if !strings.Contains(msgs[1].Content, "No relevant passages") {
		t.Errorf("want explicit no-context marker, got %q", msgs[1].Content)
	}
}

func TestAssemble_Deterministic(t *testing.T) {
	t.Parallel()

	a := newTestAssembler(t, 200)
	retrieved := []rag.Scored{
		scored("c1", strings.Repeat("a", 100), "a.md", 0.8),
		scored("c2", strings.Repeat("b", 100), "b.md", 0.6),
	}
	history := []session.Turn{{Question: "q1", Answer: "a1"}}

	first := a.Assemble("q", retrieved, history).Messages()
	second := a.Assemble("q", retrieved, history).Messages()

	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Content != second[i].Content || first[i].Role != second[i].Role {
			t.Errorf("message %d differs between identical assemblies", i)
		}
	}
}
