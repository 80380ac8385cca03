package intent

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/edumind/backend/internal/llm"
)

// Classifier 判断用户输入是否需要深度推理。失败时总是回退到 false，走更便宜的直连路径。
type Classifier struct {
	adapter      llm.Adapter
	systemPrompt string
}

// Option customises a Classifier.
type Option func(*Classifier)

// WithSystemPrompt replaces the default classification instructions.
func WithSystemPrompt(prompt string) Option {
	return func(c *Classifier) {
		if strings.TrimSpace(prompt) != "" {
			c.systemPrompt = prompt
		}
	}
}

// NewClassifier creates a classifier on top of a non-streaming adapter call.
// A nil adapter yields a classifier that always answers false.
func NewClassifier(adapter llm.Adapter, opts ...Option) *Classifier {
	c := &Classifier{adapter: adapter, systemPrompt: classifierSystemPrompt}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NeedsReasoning classifies one turn. The result is never cached and a
// failed call is not retried.
func (c *Classifier) NeedsReasoning(ctx context.Context, text string) bool {
	if c == nil || c.adapter == nil {
		return false
	}

	reply, err := c.adapter.Complete(ctx, llm.Request{
		SystemPrompt: c.systemPrompt,
		Prompt:       text,
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "intent").Msg("classifier call failed, routing to direct model")
		return false
	}

	result := parseDecision(reply)
	log.Debug().Str("component", "intent").Str("reply", strings.TrimSpace(reply)).Bool("reasoning", result).Msg("intent classified")
	return result
}

func parseDecision(reply string) bool {
	return strings.Contains(strings.ToUpper(strings.TrimSpace(reply)), "TRUE")
}

const classifierSystemPrompt = "你是一个意图分类助手。请判断用户的输入是否属于'复杂逻辑推理'、'数学解题'、'物理推导'或'代码算法'类问题。" +
	"如果是，请返回 TRUE；如果是普通闲聊、简单知识问答或不需要深度思考的问题，请返回 FALSE。" +
	"只返回 TRUE 或 FALSE，不要有其他内容。"
