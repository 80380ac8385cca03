// Package event defines the events streamed to clients for one connection.
package event

// Type is the wire discriminator of a StreamEvent.
type Type string

const (
	TypeStatus        Type = "status"
	TypeThinkingChunk Type = "thinking_chunk"
	TypeThinkingDone  Type = "thinking_done"
	TypeAnswerChunk   Type = "llm_chunk"
	TypeAnswerEnd     Type = "llm_end"
	TypeError         Type = "error"
	TypeAsrPartial    Type = "asr_partial"
	TypeAsrFinal      Type = "asr_final"
	TypeAsrStopped    Type = "asr_stopped"
	TypeChatInfo      Type = "chat_info"
)

// Phase is the orchestrator stage reported by Status events.
type Phase string

const (
	PhaseAnalyzingIntent    Phase = "analyzing_intent"
	PhaseGenerating         Phase = "generating"
	PhaseReasoning          Phase = "reasoning"
	PhaseFallbackGenerating Phase = "fallback_generating"
	PhaseSummarizing        Phase = "summarizing"
)

// Model ids carried by AnswerChunk events.
const (
	ModelDirect         = "direct"
	ModelDirectFallback = "direct-fallback"
	ModelReasonerCombo  = "reasoner-combo"
)

type phaseInfo struct {
	step     int
	progress int
}

var phases = map[Phase]phaseInfo{
	PhaseAnalyzingIntent:    {step: 1, progress: 10},
	PhaseGenerating:         {step: 2, progress: 30},
	PhaseReasoning:          {step: 2, progress: 30},
	PhaseFallbackGenerating: {step: 3, progress: 50},
	PhaseSummarizing:        {step: 3, progress: 70},
}

// StreamEvent is a tagged union; only the fields of its Type are populated.
type StreamEvent struct {
	Type     Type   `json:"type"`
	Content  string `json:"content"`
	Step     int    `json:"step,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Model    string `json:"model,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	Title    string `json:"title,omitempty"`

	// terminal marks an Error event that closes an orchestrator run.
	terminal bool
}

func Status(phase Phase) StreamEvent {
	info := phases[phase]
	return StreamEvent{Type: TypeStatus, Content: string(phase), Step: info.step, Progress: info.progress}
}

func ThinkingChunk(text string) StreamEvent {
	return StreamEvent{Type: TypeThinkingChunk, Content: text}
}

func ThinkingDone() StreamEvent {
	return StreamEvent{Type: TypeThinkingDone}
}

func AnswerChunk(text, modelID string) StreamEvent {
	return StreamEvent{Type: TypeAnswerChunk, Content: text, Model: modelID}
}

func AnswerEnd() StreamEvent {
	return StreamEvent{Type: TypeAnswerEnd}
}

// Error reports a recoverable failure; the stream continues afterwards.
func Error(message string) StreamEvent {
	return StreamEvent{Type: TypeError, Content: message}
}

// TerminalError closes an orchestrator run in place of AnswerEnd.
func TerminalError(message string) StreamEvent {
	return StreamEvent{Type: TypeError, Content: message, terminal: true}
}

func AsrPartial(text string) StreamEvent {
	return StreamEvent{Type: TypeAsrPartial, Content: text}
}

func AsrFinal(text string) StreamEvent {
	return StreamEvent{Type: TypeAsrFinal, Content: text}
}

func AsrStopped(text string) StreamEvent {
	return StreamEvent{Type: TypeAsrStopped, Content: text}
}

func ChatInfo(conversationID, title string) StreamEvent {
	return StreamEvent{Type: TypeChatInfo, ChatID: conversationID, Title: title}
}

// Terminal reports whether the event closes an orchestrator run.
func (e StreamEvent) Terminal() bool {
	return e.Type == TypeAnswerEnd || (e.Type == TypeError && e.terminal)
}

// Phase returns the status phase, or "" for non-status events.
func (e StreamEvent) Phase() Phase {
	if e.Type != TypeStatus {
		return ""
	}
	return Phase(e.Content)
}
