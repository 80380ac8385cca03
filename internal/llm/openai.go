package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/rs/zerolog/log"

	"github.com/edumind/backend/internal/model/chat"
)

// OpenAIAdapter talks to any OpenAI compatible chat-completions endpoint
// (Moonshot, DeepSeek, ...). DeepSeek style reasoning arrives in the
// non-standard reasoning_content delta field.
type OpenAIAdapter struct {
	name        string
	client      *openai.Client
	model       string
	timeout     time.Duration
	bufferSize  int
	temperature *float64
	topP        *float64
	maxTokens   *int
	extraFields map[string]any
}

// OpenAIConfig carries the connection settings of one endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIAdapter builds an adapter bound to one model of one endpoint.
func NewOpenAIAdapter(name string, cfg OpenAIConfig, opts ...Option) (*OpenAIAdapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai adapter %s: api key is required", name)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("openai adapter %s: model is required", name)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(reqOpts...)

	return newOpenAIAdapter(name, &client, cfg.Model, opts...), nil
}

func newOpenAIAdapter(name string, client *openai.Client, model string, opts ...Option) *OpenAIAdapter {
	o := applyOptions(opts)
	return &OpenAIAdapter{
		name:        name,
		client:      client,
		model:       model,
		timeout:     o.timeout,
		bufferSize:  o.bufferSize,
		temperature: o.temperature,
		topP:        o.topP,
		maxTokens:   o.maxTokens,
		extraFields: o.extraFields,
	}
}

func (a *OpenAIAdapter) Name() string { return a.name }

func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) <-chan Chunk {
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

func (a *OpenAIAdapter) stream(ctx context.Context, req Request, em emitter) error {
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.params(req))
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if !em.delta(KindReasoning, reasoningContent(delta.RawJSON())) || !em.delta(KindAnswer, delta.Content) {
			return nil
		}
	}

	if err := stream.Err(); err != nil {
		log.Warn().Err(err).Str("component", "llm").Str("adapter", a.name).Msg("stream failed")
		return err
	}
	return nil
}

func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.Chat.Completions.New(callCtx, a.params(req))
	if err != nil {
		return "", fmt.Errorf("llm %s: completion: %w", a.name, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func (a *OpenAIAdapter) params(req Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages: toOpenAIMessages(req),
		Model:    a.model,
	}
	if a.temperature != nil {
		params.Temperature = param.NewOpt(*a.temperature)
	}
	if a.topP != nil {
		params.TopP = param.NewOpt(*a.topP)
	}
	// Moonshot 与 DeepSeek 仍只认 max_tokens
	if a.maxTokens != nil {
		params.MaxTokens = param.NewOpt(int64(*a.maxTokens))
	}
	if len(a.extraFields) > 0 {
		params.SetExtraFields(a.extraFields)
	}
	return params
}

func toOpenAIMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, turn := range req.History {
		switch turn.Role {
		case chat.RoleUser:
			msgs = append(msgs, openai.UserMessage(turn.Text))
		case chat.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(turn.Text))
		}
	}
	return append(msgs, openai.UserMessage(req.Prompt))
}

// reasoningContent extracts the reasoning_content extension from a raw delta.
func reasoningContent(raw string) string {
	if raw == "" || !strings.Contains(raw, "reasoning_content") {
		return ""
	}
	var ext struct {
		ReasoningContent string `json:"reasoning_content"`
	}
	if err := json.Unmarshal([]byte(raw), &ext); err != nil {
		return ""
	}
	return ext.ReasoningContent
}
