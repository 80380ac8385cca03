package ai

import (
	"fmt"
	"strings"

	"github.com/edumind/backend/internal/service/knowledge"
)

const (
	defaultDirectSystemPrompt = "你是 EduMind 智能助教，擅长通过循循善诱的方式教学。"

	summaryInstruction = "请作为一名优秀的老师，基于上述推理过程和答案，用通俗易懂、循序渐进的方式向学生讲解这道题的解题思路和最终答案。" +
		"不要照搬推理过程，重点突出关键步骤和思考方法。"
)

// Prompts holds the instructions sent with each stage. Empty fields fall back
// to the built-in defaults.
type Prompts struct {
	Direct   string
	Reasoner string
}

func (p Prompts) direct() string {
	if strings.TrimSpace(p.Direct) == "" {
		return defaultDirectSystemPrompt
	}
	return p.Direct
}

// withKnowledge appends retrieved material to a system prompt.
func withKnowledge(base string, snippets []knowledge.Snippet) string {
	if len(snippets) == 0 {
		return base
	}

	var builder strings.Builder
	builder.WriteString(base)
	builder.WriteString("\n\n以下是知识库中与学生问题相关的资料，回答时可以参考：")
	for i, s := range snippets {
		title := s.Title
		if title == "" {
			title = "资料"
		}
		builder.WriteString(fmt.Sprintf("\n[%d] %s：%s", i+1, title, strings.TrimSpace(s.Text)))
	}
	return builder.String()
}

// summaryPrompt asks the summarizer to restate a reasoner result for a student.
func summaryPrompt(question, reasoning, answer string) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("用户的问题是：'%s'\n\n", question))
	builder.WriteString("DeepSeek 的推理过程如下：\n")
	builder.WriteString(reasoning)
	builder.WriteString("\n\nDeepSeek 的最终答案：\n")
	builder.WriteString(answer)
	builder.WriteString("\n\n")
	builder.WriteString(summaryInstruction)
	return builder.String()
}
