// Package prompt assembles the generation prompt from retrieved context,
// conversation history, and the user's question. Assembly is a pure function
// over typed inputs: fixed section order, deterministic trimming under a
// token budget. History is dropped oldest-first before any context passage is
// dropped — recency of answerable facts beats deep conversational memory.
package prompt

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/docchat-go/internal/budget"
	"github.com/54b3r/docchat-go/internal/rag"
	"github.com/54b3r/docchat-go/internal/session"
)

// DefaultSystem is the system instruction used when no override is configured.
const DefaultSystem = `You are a documentation assistant. Answer the user's question using ONLY the provided context passages. Quote specific details (dates, names, values) from the context when they answer the question. If the context does not contain the answer, say so plainly instead of guessing.`

// noContextMarker is injected in place of the context block when retrieval
// found nothing usable and the best-effort generation policy is active.
const noContextMarker = "No relevant passages were found in the indexed documents for this question. Answer from general knowledge only if you are confident, and say explicitly that the indexed documents do not cover it."

// Passage is one retrieved context passage included in a prompt.
type Passage struct {
	// ChunkID identifies the underlying chunk.
	ChunkID string
	// Text is the passage content.
	Text string
	// Source labels where the passage came from.
	Source string
	// Score is the retrieval similarity score.
	Score float32
}

// Prompt is the fully assembled, transient input for one generation call.
// It is never persisted.
type Prompt struct {
	// System is the system instruction block.
	System string
	// Context holds the retained passages, ranked descending by score.
	Context []Passage
	// History holds the retained prior turns, oldest first.
	History []session.Turn
	// Question is the user's current question.
	Question string
}

// Config holds the settings for constructing an Assembler.
type Config struct {
	// System overrides the default system instructions when non-empty.
	System string
	// MaxTokens is the estimated token budget for the whole prompt.
	// Must be positive.
	MaxTokens int
}

// Assembler packs prompts under a fixed token budget.
type Assembler struct {
	system    string
	maxTokens int
}

// NewAssembler constructs an Assembler. A non-positive budget is a
// configuration error — there is no prompt small enough to be useful.
func NewAssembler(cfg *Config) (*Assembler, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("prompt: token budget must be positive, got %d", cfg.MaxTokens)
	}
	system := cfg.System
	if system == "" {
		system = DefaultSystem
	}
	return &Assembler{system: system, maxTokens: cfg.MaxTokens}, nil
}

// Assemble builds a Prompt from the question, retrieved passages (ranked
// descending by score), and conversation history (oldest first). When the
// rendered prompt would exceed the budget, history turns are dropped
// oldest-first; if that is not enough, context passages are dropped from the
// lowest score upward. The system block and the question are never trimmed.
func (a *Assembler) Assemble(question string, retrieved []rag.Scored, history []session.Turn) Prompt {
	p := Prompt{
		System:   a.system,
		Question: question,
	}

	p.Context = make([]Passage, len(retrieved))
	for i, s := range retrieved {
		p.Context[i] = Passage{
			ChunkID: s.ID,
			Text:    s.Text,
			Source:  s.Source,
			Score:   s.Score,
		}
	}

	// Drop oldest history turns first. TrimHistory works on individual
	// messages; a turn is two messages, so round the drop count up to whole
	// turns rather than splitting a question from its answer.
	histMsgs := historyMessages(history)
	trimmed := budget.TrimHistory(p.fixedMessages(), histMsgs, a.maxTokens)
	dropped := (len(histMsgs) - len(trimmed) + 1) / 2
	p.History = append([]session.Turn(nil), history[dropped:]...)

	// Then drop context passages, lowest score upward. Passages arrive
	// ranked descending, so trimming from the tail removes the weakest.
	for len(p.Context) > 0 && budget.EstimateMessages(p.Messages()) > a.maxTokens {
		p.Context = p.Context[:len(p.Context)-1]
	}

	return p
}

// Messages renders the prompt to the chat model message sequence:
// system instructions, context block, history pairs, question.
func (p Prompt) Messages() []*schema.Message {
	msgs := make([]*schema.Message, 0, 2+2*len(p.History)+1)
	msgs = append(msgs, schema.SystemMessage(p.System))
	msgs = append(msgs, schema.SystemMessage(p.contextBlock()))
	for _, t := range p.History {
		msgs = append(msgs, schema.UserMessage(t.Question))
		msgs = append(msgs, schema.AssistantMessage(t.Answer, nil))
	}
	msgs = append(msgs, schema.UserMessage(p.Question))
	return msgs
}

// fixedMessages renders the untrimmable sections: system instructions,
// context block, and the question.
func (p Prompt) fixedMessages() []*schema.Message {
	return []*schema.Message{
		schema.SystemMessage(p.System),
		schema.SystemMessage(p.contextBlock()),
		schema.UserMessage(p.Question),
	}
}

// contextBlock renders the retained passages, each labeled with its source.
func (p Prompt) contextBlock() string {
	if len(p.Context) == 0 {
		return noContextMarker
	}

	var b strings.Builder
	b.WriteString("Context passages from the indexed documents:\n")
	for i, passage := range p.Context {
		fmt.Fprintf(&b, "\n[%d] Source: %s\n%s\n", i+1, passage.Source, passage.Text)
	}
	return b.String()
}

// historyMessages renders turns as alternating user/assistant messages.
func historyMessages(history []session.Turn) []*schema.Message {
	msgs := make([]*schema.Message, 0, 2*len(history))
	for _, t := range history {
		msgs = append(msgs, schema.UserMessage(t.Question))
		msgs = append(msgs, schema.AssistantMessage(t.Answer, nil))
	}
	return msgs
}
