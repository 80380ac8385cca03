package chat

import (
	"strings"
	"time"
)

const titleRunes = 20

// Conversation groups the ordered turns of one chat.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// TitleFrom derives a conversation title from the first user message.
func TitleFrom(text string) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) <= titleRunes {
		return trimmed
	}
	return string(runes[:titleRunes]) + "..."
}
