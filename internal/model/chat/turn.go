package chat

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn 是会话中的一条不可变记录，由编排器通过 TranscriptSink 追加。
type Turn struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	Role            Role      `json:"role"`
	Text            string    `json:"content"`
	ModelID         string    `json:"model,omitempty"`
	HiddenReasoning string    `json:"thinking,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// UserTurn builds an unsaved user turn.
func UserTurn(conversationID, text string) Turn {
	return Turn{ConversationID: conversationID, Role: RoleUser, Text: text}
}

// AssistantTurn builds an unsaved assistant turn.
func AssistantTurn(conversationID, text, modelID, reasoning string) Turn {
	return Turn{
		ConversationID:  conversationID,
		Role:            RoleAssistant,
		Text:            text,
		ModelID:         modelID,
		HiddenReasoning: reasoning,
	}
}
