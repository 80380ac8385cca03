package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/edumind/backend/internal/model/chat"
	"github.com/edumind/backend/internal/model/event"
)

// ErrGenerationFailed is returned by Collect when the run ended with a
// terminal error event.
var ErrGenerationFailed = errors.New("ai: generation failed")

// Reply is the folded result of one run.
type Reply struct {
	Role     chat.Role `json:"role"`
	Content  string    `json:"content"`
	Model    string    `json:"model"`
	Thinking string    `json:"thinking,omitempty"`
}

// Accumulator folds a run's events into a Reply.
type Accumulator struct {
	content  strings.Builder
	thinking strings.Builder
	model    string
	failure  string
	done     bool
}

// Add folds one event. It reports whether ev was terminal.
func (a *Accumulator) Add(ev event.StreamEvent) bool {
	switch ev.Type {
	case event.TypeAnswerChunk:
		a.content.WriteString(ev.Content)
		a.model = ev.Model
	case event.TypeThinkingChunk:
		a.thinking.WriteString(ev.Content)
	case event.TypeError:
		if ev.Terminal() {
			a.failure = ev.Content
		}
	}
	if ev.Terminal() {
		a.done = true
	}
	return ev.Terminal()
}

// Done reports whether a terminal event has been folded.
func (a *Accumulator) Done() bool { return a.done }

func (a *Accumulator) Reply() Reply {
	model := a.model
	if model == "" {
		model = event.ModelDirect
	}
	return Reply{
		Role:     chat.RoleAssistant,
		Content:  a.content.String(),
		Model:    model,
		Thinking: a.thinking.String(),
	}
}

// Err returns the terminal failure, if the run ended with one.
func (a *Accumulator) Err() error {
	if a.failure == "" {
		return nil
	}
	return errors.Join(ErrGenerationFailed, errors.New(a.failure))
}

// Collect drives StreamChat to completion and returns the folded reply.
func (o *Orchestrator) Collect(ctx context.Context, text string, history []chat.Turn) (Reply, error) {
	var acc Accumulator
	for ev := range o.StreamChat(ctx, text, history) {
		acc.Add(ev)
	}
	if err := acc.Err(); err != nil {
		return acc.Reply(), err
	}
	if !acc.Done() {
		if err := ctx.Err(); err != nil {
			return acc.Reply(), err
		}
		return acc.Reply(), ErrGenerationFailed
	}
	return acc.Reply(), nil
}
