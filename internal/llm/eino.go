package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/edumind/backend/internal/model/chat"
)

// EinoAdapter drives an eino chat model (Volcengine Ark in production)
// through a template -> model chain.
type EinoAdapter struct {
	name       string
	chain      compose.Runnable[map[string]any, *schema.Message]
	timeout    time.Duration
	bufferSize int
}

// NewEinoAdapter compiles the prompt chain around chatModel.
func NewEinoAdapter(ctx context.Context, name string, chatModel model.ChatModel, opts ...Option) (*EinoAdapter, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("eino adapter %s: chat model is nil", name)
	}
	o := applyOptions(opts)

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("eino adapter %s: compile chain: %w", name, err)
	}

	return &EinoAdapter{
		name:       name,
		chain:      runnable,
		timeout:    o.timeout,
		bufferSize: o.bufferSize,
	}, nil
}

func (a *EinoAdapter) Name() string { return a.name }

func (a *EinoAdapter) Stream(ctx context.Context, req Request) <-chan Chunk {
	out := make(chan Chunk, a.bufferSize)

	go func() {
		defer close(out)

		callCtx, cancel := withTimeout(ctx, a.timeout)
		defer cancel()

		em := emitter{consumer: ctx, call: callCtx, name: a.name, out: out}
		em.finish(a.stream(callCtx, req, em))
	}()

	return out
}

func (a *EinoAdapter) stream(ctx context.Context, req Request, em emitter) error {
	stream, err := a.chain.Stream(ctx, buildChainInput(req))
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		msg, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			return nil
		}
		if recvErr != nil {
			log.Warn().Err(recvErr).Str("component", "llm").Str("adapter", a.name).Msg("stream recv failed")
			return recvErr
		}
		if msg == nil {
			continue
		}
		if !em.delta(KindReasoning, msg.ReasoningContent) || !em.delta(KindAnswer, msg.Content) {
			return nil
		}
	}
}

func (a *EinoAdapter) Complete(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	msg, err := a.chain.Invoke(callCtx, buildChainInput(req))
	if err != nil {
		return "", fmt.Errorf("llm %s: invoke: %w", a.name, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", ErrEmptyResponse
	}
	return msg.Content, nil
}

func buildChainInput(req Request) map[string]any {
	return map[string]any{
		"system":  req.SystemPrompt,
		"history": toSchemaHistory(req.History),
		"query":   req.Prompt,
	}
}

func toSchemaHistory(turns []chat.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Text))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Text, nil))
		}
	}
	return history
}
