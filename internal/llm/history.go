package llm

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/weaviate/tiktoken-go"

	"github.com/edumind/backend/internal/model/chat"
)

const (
	// DirectHistoryLimit bounds the history sent to the direct model.
	DirectHistoryLimit = 10
	// ReasoningHistoryLimit bounds the raw history considered for reasoning
	// context before token trimming.
	ReasoningHistoryLimit = 20

	tokenEncoding = "cl100k_base"
)

// RecentHistory returns the last n turns. If the newest turn repeats the
// current prompt it is the unresolved turn being answered and is dropped.
func RecentHistory(turns []chat.Turn, n int, current string) []chat.Turn {
	if len(turns) == 0 || n <= 0 {
		return nil
	}

	last := turns[len(turns)-1]
	if last.Role == chat.RoleUser && strings.TrimSpace(last.Text) == strings.TrimSpace(current) {
		turns = turns[:len(turns)-1]
	}

	start := 0
	if len(turns) > n {
		start = len(turns) - n
	}

	out := make([]chat.Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens estimates the token length of text with the cl100k_base
// encoding, falling back to the rune count if the encoding is unavailable.
func CountTokens(text string) int {
	encOnce.Do(func() {
		var err error
		enc, err = tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			log.Warn().Err(err).Str("component", "llm").Msg("tokenizer unavailable, counting runes")
		}
	})
	if enc == nil {
		return len([]rune(text))
	}
	return len(enc.Encode(text, nil, nil))
}

// TrimToBudget drops the oldest turns until the remaining ones fit in budget
// tokens. A non-positive budget disables trimming.
func TrimToBudget(turns []chat.Turn, budget int) []chat.Turn {
	if budget <= 0 || len(turns) == 0 {
		return turns
	}

	total := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := CountTokens(turns[i].Text)
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}
	return turns[start:]
}
