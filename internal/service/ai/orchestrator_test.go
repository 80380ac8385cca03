package ai

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/edumind/backend/internal/llm"
	"github.com/edumind/backend/internal/llm/llmtest"
	"github.com/edumind/backend/internal/model/chat"
	"github.com/edumind/backend/internal/model/event"
	"github.com/edumind/backend/internal/service/knowledge"
)

type stubClassifier bool

func (s stubClassifier) NeedsReasoning(context.Context, string) bool { return bool(s) }

// panicAdapter blows up when a stream is requested.
type panicAdapter struct{}

func (panicAdapter) Name() string { return "panic" }
func (panicAdapter) Stream(context.Context, llm.Request) <-chan llm.Chunk {
	panic("boom")
}
func (panicAdapter) Complete(context.Context, llm.Request) (string, error) { return "", nil }

// blockingAdapter emits one answer delta and then waits for cancellation.
type blockingAdapter struct{}

func (blockingAdapter) Name() string { return "blocking" }
func (blockingAdapter) Stream(ctx context.Context, _ llm.Request) <-chan llm.Chunk {
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		select {
		case out <- llm.Chunk{Delta: llmtest.Answer("partial")}:
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return out
}
func (blockingAdapter) Complete(context.Context, llm.Request) (string, error) { return "", nil }

func newOrchestrator(t *testing.T, reasoning bool, reasoner, direct llm.Adapter, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(stubClassifier(reasoning), reasoner, direct, opts...)
	require.NoError(t, err)
	return o
}

func drain(t *testing.T, ch <-chan event.StreamEvent) []event.StreamEvent {
	t.Helper()
	var events []event.StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not close, got %d events", len(events))
		}
	}
}

func describe(events []event.StreamEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		switch ev.Type {
		case event.TypeStatus:
			out = append(out, "status:"+ev.Content)
		case event.TypeAnswerChunk:
			out = append(out, fmt.Sprintf("chunk:%s:%s", ev.Model, ev.Content))
		case event.TypeThinkingChunk:
			out = append(out, "thinking:"+ev.Content)
		default:
			out = append(out, string(ev.Type))
		}
	}
	return out
}

func terminalCount(events []event.StreamEvent) int {
	n := 0
	for _, ev := range events {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

func TestStreamChatSimplePath(t *testing.T) {
	direct := llmtest.New("kimi", llmtest.Answer("Hello"), llmtest.Answer(" there"))
	o := newOrchestrator(t, false, llmtest.New("deepseek"), direct)

	events := drain(t, o.StreamChat(context.Background(), "hi", nil))

	require.Equal(t, []string{
		"status:analyzing_intent",
		"status:generating",
		"chunk:direct:Hello",
		"chunk:direct: there",
		"llm_end",
	}, describe(events))
	require.Equal(t, 1, event.Status(event.PhaseAnalyzingIntent).Step)
	require.Equal(t, 10, events[0].Progress)
	require.Equal(t, 30, events[1].Progress)
	require.True(t, events[len(events)-1].Terminal())
}

func TestStreamChatReasoningPath(t *testing.T) {
	reasoner := llmtest.New("deepseek", llmtest.Reasoning("think1"), llmtest.Answer("42"))
	summarizer := llmtest.New("kimi", llmtest.Answer("Sum"))
	o := newOrchestrator(t, true, reasoner, summarizer)

	events := drain(t, o.StreamChat(context.Background(), "solve x", nil))

	require.Equal(t, []string{
		"status:analyzing_intent",
		"status:reasoning",
		"thinking:think1",
		"thinking_done",
		"status:summarizing",
		"chunk:reasoner-combo:Sum",
		"llm_end",
	}, describe(events))

	reqs := summarizer.Requests()
	require.Len(t, reqs, 1)
	require.Contains(t, reqs[0].Prompt, "solve x")
	require.Contains(t, reqs[0].Prompt, "think1")
	require.Contains(t, reqs[0].Prompt, "42")
	require.Empty(t, reqs[0].History)
}

func TestStreamChatReasonerFailureFallsBack(t *testing.T) {
	reasoner := llmtest.New("deepseek", llmtest.Reasoning("a"), llmtest.Reasoning("b"))
	reasoner.FailAfter = 1
	direct := llmtest.New("kimi", llmtest.Answer("X"))
	o := newOrchestrator(t, true, reasoner, direct)

	events := drain(t, o.StreamChat(context.Background(), "prove it", nil))

	require.Equal(t, []string{
		"status:analyzing_intent",
		"status:reasoning",
		"thinking:a",
		"status:fallback_generating",
		"chunk:direct-fallback:X",
		"llm_end",
	}, describe(events))

	reqs := direct.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "prove it", reqs[0].Prompt)
}

func TestStreamChatReasonerTimeoutFallsBack(t *testing.T) {
	stalling := &llmtest.StallingModel{Chunks: []*schema.Message{{Role: schema.Assistant, ReasoningContent: "a"}}}
	reasoner, err := llm.NewEinoAdapter(context.Background(), "deepseek", stalling, llm.WithTimeout(10*time.Millisecond))
	require.NoError(t, err)
	direct := llmtest.New("kimi", llmtest.Answer("X"))
	o := newOrchestrator(t, true, reasoner, direct)

	events := drain(t, o.StreamChat(context.Background(), "prove it", nil))

	require.Equal(t, []string{
		"status:analyzing_intent",
		"status:reasoning",
		"thinking:a",
		"status:fallback_generating",
		"chunk:direct-fallback:X",
		"llm_end",
	}, describe(events))
}

func TestStreamChatSummarizerTimeoutUsesReasonerAnswer(t *testing.T) {
	reasoner := llmtest.New("deepseek", llmtest.Reasoning("r"), llmtest.Answer("final"))
	stalling := &llmtest.StallingModel{}
	summarizer, err := llm.NewEinoAdapter(context.Background(), "kimi", stalling, llm.WithTimeout(10*time.Millisecond))
	require.NoError(t, err)
	o := newOrchestrator(t, true, reasoner, summarizer)

	events := drain(t, o.StreamChat(context.Background(), "q", nil))

	require.Equal(t, []string{
		"status:analyzing_intent",
		"status:reasoning",
		"thinking:r",
		"thinking_done",
		"status:summarizing",
		"chunk:reasoner-combo:final",
		"llm_end",
	}, describe(events))
}

func TestStreamChatScenarios(t *testing.T) {
	cases := []struct {
		name      string
		text      string
		reasoning bool
		reasoner  *llmtest.Adapter
		direct    *llmtest.Adapter
		want      []string
		answer    string
	}{
		{
			name:   "greeting answered directly",
			text:   "你好",
			direct: llmtest.New("kimi", llmtest.Answer("你好，"), llmtest.Answer("有什么可以帮你？")),
			want: []string{
				"status:analyzing_intent",
				"status:generating",
				"chunk:direct:你好，",
				"chunk:direct:有什么可以帮你？",
				"llm_end",
			},
			answer: "你好，有什么可以帮你？",
		},
		{
			name:      "derivation reasons then summarizes",
			text:      "推导牛顿第二定律",
			reasoning: true,
			reasoner:  llmtest.New("deepseek", llmtest.Reasoning("动量"), llmtest.Reasoning("求导"), llmtest.Answer("F=ma")),
			direct:    llmtest.New("kimi", llmtest.Answer("F=ma 的推导如下")),
			want: []string{
				"status:analyzing_intent",
				"status:reasoning",
				"thinking:动量",
				"thinking:求导",
				"thinking_done",
				"status:summarizing",
				"chunk:reasoner-combo:F=ma 的推导如下",
				"llm_end",
			},
			answer: "F=ma 的推导如下",
		},
		{
			name:      "derivation falls back after reasoner failure",
			text:      "推导牛顿第二定律",
			reasoning: true,
			reasoner: func() *llmtest.Adapter {
				a := llmtest.New("deepseek", llmtest.Reasoning("动量"), llmtest.Reasoning("求导"), llmtest.Answer("F=ma"))
				a.FailAfter = 1
				return a
			}(),
			direct: llmtest.New("kimi", llmtest.Answer("F=ma")),
			want: []string{
				"status:analyzing_intent",
				"status:reasoning",
				"thinking:动量",
				"status:fallback_generating",
				"chunk:direct-fallback:F=ma",
				"llm_end",
			},
			answer: "F=ma",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reasoner := tc.reasoner
			if reasoner == nil {
				reasoner = llmtest.New("deepseek")
			}
			o := newOrchestrator(t, tc.reasoning, reasoner, tc.direct)

			events := drain(t, o.StreamChat(context.Background(), tc.text, nil))
			require.Equal(t, tc.want, describe(events))
			require.Equal(t, 1, terminalCount(events))

			var answer strings.Builder
			for _, ev := range events {
				if ev.Type == event.TypeAnswerChunk {
					answer.WriteString(ev.Content)
				}
			}
			require.Equal(t, tc.answer, answer.String())
		})
	}
}

func TestStreamChatDirectFailureStillEnds(t *testing.T) {
	direct := llmtest.New("kimi", llmtest.Answer("one"), llmtest.Answer("two"))
	direct.FailAfter = 1
	o := newOrchestrator(t, false, llmtest.New("deepseek"), direct)

	events := drain(t, o.StreamChat(context.Background(), "hi", nil))

	require.Equal(t, []string{
		"status:analyzing_intent",
		"status:generating",
		"chunk:direct:one",
		"llm_end",
	}, describe(events))
}

func TestStreamChatSummarizerFailureUsesReasonerAnswer(t *testing.T) {
	reasoner := llmtest.New("deepseek", llmtest.Reasoning("r"), llmtest.Answer("final"))
	summarizer := llmtest.New("kimi", llmtest.Answer("never"))
	summarizer.FailAfter = 0
	o := newOrchestrator(t, true, reasoner, summarizer)

	events := drain(t, o.StreamChat(context.Background(), "q", nil))

	require.Equal(t, []string{
		"status:analyzing_intent",
		"status:reasoning",
		"thinking:r",
		"thinking_done",
		"status:summarizing",
		"chunk:reasoner-combo:final",
		"llm_end",
	}, describe(events))
}

func TestStreamChatSummarizerFailureAfterChunks(t *testing.T) {
	reasoner := llmtest.New("deepseek", llmtest.Answer("final"))
	summarizer := llmtest.New("kimi", llmtest.Answer("S1"), llmtest.Answer("S2"))
	summarizer.FailAfter = 1
	o := newOrchestrator(t, true, reasoner, summarizer)

	events := drain(t, o.StreamChat(context.Background(), "q", nil))

	require.Equal(t, []string{
		"status:analyzing_intent",
		"status:reasoning",
		"thinking_done",
		"status:summarizing",
		"chunk:reasoner-combo:S1",
		"llm_end",
	}, describe(events))
}

func TestStreamChatIsDeterministic(t *testing.T) {
	build := func() *Orchestrator {
		reasoner := llmtest.New("deepseek", llmtest.Reasoning("a"), llmtest.Reasoning("b"), llmtest.Answer("c"))
		return newOrchestrator(t, true, reasoner, llmtest.New("kimi", llmtest.Answer("d"), llmtest.Answer("e")))
	}

	first := drain(t, build().StreamChat(context.Background(), "q", nil))
	second := drain(t, build().StreamChat(context.Background(), "q", nil))
	require.Equal(t, first, second)
}

func TestStreamChatPanicEmitsTerminalError(t *testing.T) {
	o := newOrchestrator(t, false, llmtest.New("deepseek"), panicAdapter{})

	events := drain(t, o.StreamChat(context.Background(), "hi", nil))

	require.Equal(t, 1, terminalCount(events))
	last := events[len(events)-1]
	require.Equal(t, event.TypeError, last.Type)
	require.True(t, last.Terminal())
}

func TestStreamChatExactlyOneTerminal(t *testing.T) {
	failing := func(id string, deltas ...llm.TokenDelta) *llmtest.Adapter {
		a := llmtest.New(id, deltas...)
		a.FailAfter = 0
		return a
	}

	cases := map[string]*Orchestrator{
		"direct ok":           newOrchestrator(t, false, llmtest.New("r"), llmtest.New("d", llmtest.Answer("x"))),
		"direct fails":        newOrchestrator(t, false, llmtest.New("r"), failing("d")),
		"reasoner fails":      newOrchestrator(t, true, failing("r"), llmtest.New("d", llmtest.Answer("x"))),
		"both fail":           newOrchestrator(t, true, failing("r"), failing("d")),
		"summarizer fails":    newOrchestrator(t, true, llmtest.New("r", llmtest.Answer("y")), failing("d")),
		"empty reasoner":      newOrchestrator(t, true, llmtest.New("r"), llmtest.New("d", llmtest.Answer("x"))),
		"panicking summarize": newOrchestrator(t, true, llmtest.New("r"), panicAdapter{}),
	}

	for name, o := range cases {
		t.Run(name, func(t *testing.T) {
			events := drain(t, o.StreamChat(context.Background(), "q", nil))
			require.Equal(t, 1, terminalCount(events))
			require.True(t, events[len(events)-1].Terminal())
		})
	}
}

func TestStreamChatCancellationStopsWithoutTerminal(t *testing.T) {
	o := newOrchestrator(t, false, llmtest.New("deepseek"), blockingAdapter{}, WithEventBuffer(0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := o.StreamChat(ctx, "hi", nil)
	var seen []event.StreamEvent
	for ev := range ch {
		seen = append(seen, ev)
		if ev.Type == event.TypeAnswerChunk {
			cancel()
			break
		}
	}
	seen = append(seen, drain(t, ch)...)

	require.Equal(t, 0, terminalCount(seen))
	require.Equal(t, "chunk:direct:partial", describe(seen)[len(seen)-1])
}

func TestStreamChatHistoryWindows(t *testing.T) {
	var history []chat.Turn
	for i := 0; i < 30; i++ {
		history = append(history, chat.UserTurn("c1", fmt.Sprintf("turn %d", i)))
	}
	history = append(history, chat.UserTurn("c1", "current"))

	direct := llmtest.New("kimi", llmtest.Answer("ok"))
	drain(t, newOrchestrator(t, false, llmtest.New("deepseek"), direct).StreamChat(context.Background(), "current", history))
	reqs := direct.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].History, llm.DirectHistoryLimit)
	require.Equal(t, "turn 29", reqs[0].History[len(reqs[0].History)-1].Text)

	reasoner := llmtest.New("deepseek", llmtest.Answer("a"))
	o := newOrchestrator(t, true, reasoner, llmtest.New("kimi", llmtest.Answer("s")), WithReasoningBudget(0))
	drain(t, o.StreamChat(context.Background(), "current", history))
	rreqs := reasoner.Requests()
	require.Len(t, rreqs, 1)
	require.Len(t, rreqs[0].History, llm.ReasoningHistoryLimit)
}

func TestStreamChatKnowledgeContext(t *testing.T) {
	store := knowledge.NewMemoryStore()
	_, err := store.Add(context.Background(), knowledge.Document{Title: "牛顿定律讲义", Content: "牛顿第二定律 F=ma"})
	require.NoError(t, err)

	direct := llmtest.New("kimi", llmtest.Answer("ok"))
	o := newOrchestrator(t, false, llmtest.New("deepseek"), direct, WithKnowledge(store))
	drain(t, o.StreamChat(context.Background(), "牛顿定律是什么", nil))

	reqs := direct.Requests()
	require.Len(t, reqs, 1)
	require.True(t, strings.HasPrefix(reqs[0].SystemPrompt, defaultDirectSystemPrompt))
	require.Contains(t, reqs[0].SystemPrompt, "牛顿定律讲义")
}

func TestNewOrchestratorRequiresAdapters(t *testing.T) {
	_, err := NewOrchestrator(nil, nil, llmtest.New("d"))
	require.Error(t, err)
	_, err = NewOrchestrator(nil, llmtest.New("r"), nil)
	require.Error(t, err)
}
