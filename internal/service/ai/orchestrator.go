// Package ai routes a user turn to the right models and turns their output
// into an ordered stream of client events.
package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/edumind/backend/internal/llm"
	"github.com/edumind/backend/internal/model/chat"
	"github.com/edumind/backend/internal/model/event"
	"github.com/edumind/backend/internal/service/knowledge"
)

const (
	defaultReasoningBudget = 6000
	defaultEventBuffer     = 16
	knowledgeSnippets      = 3

	internalErrorMessage = "internal error while generating the answer"
)

// IntentClassifier decides whether a turn needs the reasoning path.
type IntentClassifier interface {
	NeedsReasoning(ctx context.Context, text string) bool
}

// Orchestrator 负责一次对话轮次的完整编排：意图识别、推理/直连路由、失败回退与总结。
type Orchestrator struct {
	classifier IntentClassifier
	reasoner   llm.Adapter
	direct     llm.Adapter

	knowledge       knowledge.Store
	prompts         Prompts
	reasoningBudget int
	eventBuffer     int
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithKnowledge enables knowledge-base context for direct answers.
func WithKnowledge(store knowledge.Store) Option {
	return func(o *Orchestrator) { o.knowledge = store }
}

// WithPrompts overrides the stage instructions.
func WithPrompts(p Prompts) Option {
	return func(o *Orchestrator) { o.prompts = p }
}

// WithReasoningBudget sets the token budget for reasoning history. Zero
// disables trimming.
func WithReasoningBudget(tokens int) Option {
	return func(o *Orchestrator) { o.reasoningBudget = tokens }
}

// WithEventBuffer sets the capacity of the returned event channel.
func WithEventBuffer(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.eventBuffer = n
		}
	}
}

// NewOrchestrator wires the three model roles. direct doubles as the
// summarizer and the fallback model.
func NewOrchestrator(classifier IntentClassifier, reasoner, direct llm.Adapter, opts ...Option) (*Orchestrator, error) {
	if direct == nil {
		return nil, fmt.Errorf("orchestrator: direct adapter is required")
	}
	if reasoner == nil {
		return nil, fmt.Errorf("orchestrator: reasoner adapter is required")
	}

	o := &Orchestrator{
		classifier:      classifier,
		reasoner:        reasoner,
		direct:          direct,
		reasoningBudget: defaultReasoningBudget,
		eventBuffer:     defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// StreamChat answers one user turn. history is the conversation so far; the
// current text may or may not already be its last entry.
//
// The returned channel carries exactly one terminal event (AnswerEnd, or a
// terminal Error if a stage panics) and is then closed. If ctx is cancelled
// the channel is closed without further events.
func (o *Orchestrator) StreamChat(ctx context.Context, text string, history []chat.Turn) <-chan event.StreamEvent {
	out := make(chan event.StreamEvent, o.eventBuffer)

	go func() {
		defer close(out)

		r := &run{ctx: ctx, out: out}
		defer func() {
			if p := recover(); p != nil {
				log.Error().Str("component", "orchestrator").Interface("panic", p).Msg("generation aborted")
				r.finish(event.TerminalError(internalErrorMessage))
			}
		}()

		o.handle(r, text, history)
	}()

	return out
}

func (o *Orchestrator) handle(r *run, text string, history []chat.Turn) {
	if !r.send(event.Status(event.PhaseAnalyzingIntent)) {
		return
	}

	needsReasoning := false
	if o.classifier != nil {
		needsReasoning = o.classifier.NeedsReasoning(r.ctx, text)
	}

	if needsReasoning {
		o.reason(r, text, history)
		return
	}

	if !r.send(event.Status(event.PhaseGenerating)) {
		return
	}
	o.answerDirect(r, text, history, event.ModelDirect)
	r.finish(event.AnswerEnd())
}

func (o *Orchestrator) reason(r *run, text string, history []chat.Turn) {
	if !r.send(event.Status(event.PhaseReasoning)) {
		return
	}

	recent := llm.TrimToBudget(llm.RecentHistory(history, llm.ReasoningHistoryLimit, text), o.reasoningBudget)
	req := llm.Request{SystemPrompt: o.prompts.Reasoner, History: recent, Prompt: text}

	var reasoning, answer strings.Builder
	err := consume(r.ctx, o.reasoner, req, func(d llm.TokenDelta) bool {
		switch d.Kind {
		case llm.KindReasoning:
			reasoning.WriteString(d.Text)
			return r.send(event.ThinkingChunk(d.Text))
		case llm.KindAnswer:
			answer.WriteString(d.Text)
		}
		return true
	})
	if r.cancelled() {
		return
	}

	if err != nil {
		log.Warn().Err(err).Str("component", "orchestrator").Str("adapter", o.reasoner.Name()).Msg("reasoner failed, falling back to direct model")
		if !r.send(event.Status(event.PhaseFallbackGenerating)) {
			return
		}
		o.answerDirect(r, text, history, event.ModelDirectFallback)
		r.finish(event.AnswerEnd())
		return
	}

	if !r.send(event.ThinkingDone()) || !r.send(event.Status(event.PhaseSummarizing)) {
		return
	}

	fullAnswer := answer.String()
	summaryReq := llm.Request{
		SystemPrompt: o.prompts.direct(),
		Prompt:       summaryPrompt(text, reasoning.String(), fullAnswer),
	}

	emitted := 0
	err = consume(r.ctx, o.direct, summaryReq, func(d llm.TokenDelta) bool {
		if d.Kind != llm.KindAnswer {
			return true
		}
		emitted++
		return r.send(event.AnswerChunk(d.Text, event.ModelReasonerCombo))
	})
	if r.cancelled() {
		return
	}

	if err != nil {
		log.Warn().Err(err).Str("component", "orchestrator").Str("adapter", o.direct.Name()).Int("emitted", emitted).Msg("summarizer failed")
		if emitted == 0 && fullAnswer != "" {
			if !r.send(event.AnswerChunk(fullAnswer, event.ModelReasonerCombo)) {
				return
			}
		}
	}
	r.finish(event.AnswerEnd())
}

// answerDirect streams the direct model's answer. A failure stops the stream
// and is otherwise swallowed; the caller still closes the run.
func (o *Orchestrator) answerDirect(r *run, text string, history []chat.Turn, modelID string) {
	req := llm.Request{
		SystemPrompt: withKnowledge(o.prompts.direct(), o.lookup(r.ctx, text)),
		History:      llm.RecentHistory(history, llm.DirectHistoryLimit, text),
		Prompt:       text,
	}

	err := consume(r.ctx, o.direct, req, func(d llm.TokenDelta) bool {
		if d.Kind != llm.KindAnswer {
			return true
		}
		return r.send(event.AnswerChunk(d.Text, modelID))
	})
	if err != nil && !r.cancelled() {
		log.Warn().Err(err).Str("component", "orchestrator").Str("adapter", o.direct.Name()).Str("model", modelID).Msg("direct stream failed")
	}
}

func (o *Orchestrator) lookup(ctx context.Context, text string) []knowledge.Snippet {
	if o.knowledge == nil {
		return nil
	}
	snippets, err := o.knowledge.Search(ctx, text, knowledgeSnippets)
	if err != nil {
		log.Warn().Err(err).Str("component", "orchestrator").Msg("knowledge search failed")
		return nil
	}
	return snippets
}

// consume drains one adapter stream, handing each delta to fn until fn
// returns false. It returns the stream failure, if any.
func consume(ctx context.Context, adapter llm.Adapter, req llm.Request, fn func(llm.TokenDelta) bool) error {
	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for chunk := range adapter.Stream(stageCtx, req) {
		if chunk.Err != nil {
			return chunk.Err
		}
		if !fn(chunk.Delta) {
			return ctx.Err()
		}
	}
	return nil
}

// run is the output side of one StreamChat call.
type run struct {
	ctx   context.Context
	out   chan<- event.StreamEvent
	ended bool
}

func (r *run) cancelled() bool {
	return r.ctx.Err() != nil
}

func (r *run) send(ev event.StreamEvent) bool {
	if r.ended || r.cancelled() {
		return false
	}
	select {
	case r.out <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// finish emits the terminal event once.
func (r *run) finish(ev event.StreamEvent) {
	if r.send(ev) {
		r.ended = true
	}
}
