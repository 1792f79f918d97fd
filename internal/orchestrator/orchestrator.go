// Package orchestrator sequences one question through the full pipeline:
// retrieve context, assemble the prompt, generate the answer, commit the
// turn. Each question runs the state sequence
// retrieving → assembling → generating → committing, with a no-context
// branch after retrieval and a failed terminal that leaves conversation
// state untouched — a turn is committed whole or not at all.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"golang.org/x/time/rate"

	"github.com/54b3r/docchat-go/internal/logging"
	"github.com/54b3r/docchat-go/internal/prompt"
	"github.com/54b3r/docchat-go/internal/rag"
	"github.com/54b3r/docchat-go/internal/session"
	"github.com/54b3r/docchat-go/internal/store"
)

// DefaultFallbackAnswer is the canned reply used by the fallback no-context
// policy when retrieval finds nothing usable.
const DefaultFallbackAnswer = "I don't have enough information in the indexed documents to answer that."

// NoContextPolicy selects the branch taken when retrieval returns empty.
type NoContextPolicy string

const (
	// PolicyFallback answers with the configured fallback string without
	// calling the model.
	PolicyFallback NoContextPolicy = "fallback"
	// PolicyGenerate asks the model anyway; the prompt carries an explicit
	// no-context marker.
	PolicyGenerate NoContextPolicy = "generate"
)

// Pipeline states, used in logs so a request can be traced through its run.
const (
	stateRetrieving = "retrieving"
	stateAssembling = "assembling"
	stateGenerating = "generating"
	stateCommitting = "committing"
	stateNoContext  = "no_context"
	stateFailed     = "failed"
)

// Config holds the dependencies and tuning for constructing an Orchestrator.
type Config struct {
	// ChatModel is the generation backend constructed by the provider factory.
	ChatModel model.BaseChatModel

	// Retriever supplies ranked context passages for each question.
	Retriever rag.Retriever

	// Sessions owns the per-session conversation windows.
	Sessions *session.Manager

	// Assembler packs prompts under the token budget.
	Assembler *prompt.Assembler

	// History is the optional persistent mirror of committed turns. When set,
	// a session's window is re-hydrated from it on first use after startup.
	History store.TurnStore

	// TopK is the number of chunks requested per retrieval. Defaults to 4.
	TopK int

	// NoContextPolicy selects the empty-retrieval branch. Defaults to
	// PolicyFallback.
	NoContextPolicy NoContextPolicy

	// FallbackAnswer overrides DefaultFallbackAnswer when non-empty.
	FallbackAnswer string

	// GenerationTimeout bounds a single generation call. Defaults to 2m.
	GenerationTimeout time.Duration

	// GenerationRate is the sustained model call rate in requests/second.
	// Defaults to 1.
	GenerationRate float64

	// GenerationBurst is the model call burst size. Defaults to 3.
	GenerationBurst int
}

// Result is the outcome of a successfully processed question.
type Result struct {
	// Answer is the full answer text.
	Answer string
	// History is the session window after the turn was committed,
	// oldest-first.
	History []session.Turn
	// NoContext is true when the answer was produced without any retrieved
	// passages.
	NoContext bool
	// Sources lists the distinct sources of the passages used, ranked order.
	Sources []string
}

// Orchestrator processes questions for all sessions. It is safe for
// concurrent use; questions within one session are serialized, independent
// sessions run in parallel.
type Orchestrator struct {
	chatModel model.BaseChatModel
	retriever rag.Retriever
	sessions  *session.Manager
	assembler *prompt.Assembler
	history   store.TurnStore

	topK            int
	noContextPolicy NoContextPolicy
	fallbackAnswer  string
	genTimeout      time.Duration

	// limiter gates model calls so a burst of questions cannot flood the
	// generation backend.
	limiter *rate.Limiter

	// hydrated tracks which sessions have replayed persisted history.
	hydrated sync.Map
}

// New constructs an Orchestrator. Missing dependencies and invalid policies
// are configuration errors surfaced at startup.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("orchestrator: config must not be nil")
	}
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("orchestrator: ChatModel must not be nil")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("orchestrator: Retriever must not be nil")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("orchestrator: Sessions must not be nil")
	}
	if cfg.Assembler == nil {
		return nil, fmt.Errorf("orchestrator: Assembler must not be nil")
	}

	policy := cfg.NoContextPolicy
	if policy == "" {
		policy = PolicyFallback
	}
	if policy != PolicyFallback && policy != PolicyGenerate {
		return nil, fmt.Errorf("orchestrator: unknown no-context policy %q — valid values: fallback, generate", policy)
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = 4
	}
	fallback := cfg.FallbackAnswer
	if fallback == "" {
		fallback = DefaultFallbackAnswer
	}
	genTimeout := cfg.GenerationTimeout
	if genTimeout <= 0 {
		genTimeout = 2 * time.Minute
	}
	genRate := cfg.GenerationRate
	if genRate <= 0 {
		genRate = 1
	}
	genBurst := cfg.GenerationBurst
	if genBurst <= 0 {
		genBurst = 3
	}

	return &Orchestrator{
		chatModel:       cfg.ChatModel,
		retriever:       cfg.Retriever,
		sessions:        cfg.Sessions,
		assembler:       cfg.Assembler,
		history:         cfg.History,
		topK:            topK,
		noContextPolicy: policy,
		fallbackAnswer:  fallback,
		genTimeout:      genTimeout,
		limiter:         rate.NewLimiter(rate.Limit(genRate), genBurst),
	}, nil
}

// Ask processes one question for the given session and returns the answer
// plus the updated history. onDelta, when non-nil, receives answer fragments
// as they arrive so callers can stream. On any error the session window is
// left exactly as it was — no partial turn is ever committed.
func (o *Orchestrator) Ask(ctx context.Context, sessionID, question string, onDelta func(delta string)) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("orchestrator: question must not be empty")
	}

	log := logging.FromContext(ctx).With(slog.String("session", sessionID))

	sess := o.sessions.Get(sessionID)
	sess.Acquire()
	defer sess.Release()

	o.hydrate(ctx, sess, log)

	// Retrieving.
	log.Debug("ask: state change", slog.String("state", stateRetrieving))
	retrieved, err := o.retriever.Retrieve(ctx, question, o.topK)
	if err != nil {
		log.Error("ask: retrieval failed",
			slog.String("state", stateFailed), slog.Any("error", err))
		return nil, fmt.Errorf("orchestrator: retrieve: %w", err)
	}

	// NoContext branch: with the fallback policy the model is never called.
	if len(retrieved) == 0 && o.noContextPolicy == PolicyFallback {
		log.Info("ask: no usable context, using fallback answer",
			slog.String("state", stateNoContext))
		if onDelta != nil {
			onDelta(o.fallbackAnswer)
		}
		return o.commit(ctx, sess, question, o.fallbackAnswer, true, nil, log)
	}

	// Assembling. Pure given valid construction; cannot fail per-request.
	log.Debug("ask: state change", slog.String("state", stateAssembling),
		slog.Int("passages", len(retrieved)))
	p := o.assembler.Assemble(question, retrieved, sess.Window())

	// Generating.
	log.Debug("ask: state change", slog.String("state", stateGenerating))
	answer, err := o.generate(ctx, p, onDelta)
	if err != nil {
		log.Error("ask: generation failed",
			slog.String("state", stateFailed), slog.Any("error", err))
		return nil, err
	}

	return o.commit(ctx, sess, question, answer, len(retrieved) == 0, sources(p.Context), log)
}

// generate invokes the chat model with the assembled prompt, streaming
// fragments to onDelta, and returns the accumulated answer.
func (o *Orchestrator) generate(ctx context.Context, p prompt.Prompt, onDelta func(string)) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("orchestrator: %w: rate limiter: %v", ErrGenerationUnavailable, err)
	}

	genCtx, cancel := context.WithTimeout(ctx, o.genTimeout)
	defer cancel()

	sr, err := o.chatModel.Stream(genCtx, p.Messages())
	if err != nil {
		return "", o.classifyGenError(ctx, genCtx, err)
	}
	defer sr.Close()

	var buf strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", o.classifyGenError(ctx, genCtx, err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		buf.WriteString(msg.Content)
		if onDelta != nil {
			onDelta(msg.Content)
		}
	}

	answer := strings.TrimSpace(buf.String())
	if answer == "" {
		return "", fmt.Errorf("orchestrator: %w: model returned an empty response", ErrGenerationUnavailable)
	}
	return answer, nil
}

// classifyGenError maps a streaming failure onto the generation error
// taxonomy: the caller cancelling is surfaced as-is, the generation deadline
// becomes ErrGenerationTimeout, anything else ErrGenerationUnavailable.
func (o *Orchestrator) classifyGenError(ctx, genCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("orchestrator: generation cancelled: %w", ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || genCtx.Err() != nil {
		return fmt.Errorf("orchestrator: %w after %s", ErrGenerationTimeout, o.genTimeout)
	}
	return fmt.Errorf("orchestrator: %w: %v", ErrGenerationUnavailable, err)
}

// commit appends the finished turn to the session window, mirrors it to the
// persistent store, and builds the caller-facing result.
func (o *Orchestrator) commit(ctx context.Context, sess *session.Session, question, answer string, noContext bool, srcs []string, log *slog.Logger) (*Result, error) {
	log.Debug("ask: state change", slog.String("state", stateCommitting))

	sess.Append(session.Turn{
		Question: question,
		Answer:   answer,
		AskedAt:  time.Now(),
	})

	// The in-memory window is the source of truth; a persistence failure is
	// logged, not surfaced.
	if o.history != nil {
		if err := o.history.Append(ctx, sess.ID(), question, answer); err != nil {
			log.Warn("ask: failed to persist turn", slog.Any("error", err))
		}
	}

	return &Result{
		Answer:    answer,
		History:   sess.Window(),
		NoContext: noContext,
		Sources:   srcs,
	}, nil
}

// hydrate replays persisted turns into a session window once per process
// lifetime, so conversations survive a server restart.
func (o *Orchestrator) hydrate(ctx context.Context, sess *session.Session, log *slog.Logger) {
	if o.history == nil {
		return
	}
	if _, seen := o.hydrated.LoadOrStore(sess.ID(), true); seen {
		return
	}
	if sess.Len() > 0 {
		return
	}

	turns, err := o.history.Recent(ctx, sess.ID(), o.sessionLimitHint())
	if err != nil {
		log.Warn("ask: failed to load persisted history", slog.Any("error", err))
		return
	}
	for _, t := range turns {
		sess.Append(session.Turn{Question: t.Question, Answer: t.Answer, AskedAt: t.CreatedAt})
	}
	if len(turns) > 0 {
		log.Info("ask: re-hydrated session from history store", slog.Int("turns", len(turns)))
	}
}

// sessionLimitHint returns how many persisted turns are worth replaying.
// The window evicts anything beyond its bound anyway, so a generous constant
// is fine.
func (o *Orchestrator) sessionLimitHint() int { return 32 }

// Reset clears the session window and deletes its persisted turns.
func (o *Orchestrator) Reset(ctx context.Context, sessionID string) error {
	sess := o.sessions.Get(sessionID)
	sess.Acquire()
	defer sess.Release()

	sess.Reset()
	// Keep the hydration marker set: the persisted rows are gone too, so
	// there is nothing to replay.
	o.hydrated.Store(sess.ID(), true)

	if o.history != nil {
		if err := o.history.DeleteSession(ctx, sess.ID()); err != nil {
			return fmt.Errorf("orchestrator: reset: %w", err)
		}
	}
	return nil
}

// sources extracts the distinct passage sources in ranked order.
func sources(passages []prompt.Passage) []string {
	var out []string
	seen := make(map[string]bool, len(passages))
	for _, p := range passages {
		if p.Source == "" || seen[p.Source] {
			continue
		}
		seen[p.Source] = true
		out = append(out, p.Source)
	}
	return out
}
