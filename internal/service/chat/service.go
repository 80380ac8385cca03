package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edumind/backend/internal/model/chat"
)

var (
	ErrConversationRequired = errors.New("conversation id is required")
	ErrConversationNotFound = errors.New("conversation not found")
)

// TranscriptSink persists conversations and their turns. Implementations must
// be safe for concurrent use.
type TranscriptSink interface {
	CreateConversation(ctx context.Context, title string) (chat.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (chat.Conversation, error)
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	// Append stores turn under conversationID and returns it with ID and
	// CreatedAt filled in.
	Append(ctx context.Context, conversationID string, turn chat.Turn) (chat.Turn, error)
	// History returns the last limit turns in order; limit <= 0 returns all.
	History(ctx context.Context, conversationID string, limit int) ([]chat.Turn, error)
}

// Service is the in-memory TranscriptSink.
type Service struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	turns         map[string][]chat.Turn
}

// NewService bootstraps the in-memory store used when no database is configured.
func NewService() *Service {
	return &Service{
		conversations: make(map[string]chat.Conversation),
		turns:         make(map[string][]chat.Turn),
	}
}

var _ TranscriptSink = (*Service)(nil)

func (s *Service) CreateConversation(_ context.Context, title string) (chat.Conversation, error) {
	conv := chat.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.turns[conv.ID] = make([]chat.Turn, 0, 16)
	s.mu.Unlock()

	return conv, nil
}

func (s *Service) GetConversation(_ context.Context, conversationID string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// ListConversations returns conversations newest first.
func (s *Service) ListConversations(_ context.Context) ([]chat.Conversation, error) {
	s.mu.RLock()
	out := make([]chat.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Service) Append(_ context.Context, conversationID string, turn chat.Turn) (chat.Turn, error) {
	if conversationID == "" {
		return chat.Turn{}, ErrConversationRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return chat.Turn{}, ErrConversationNotFound
	}

	turn.ID = uuid.NewString()
	turn.ConversationID = conversationID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	s.turns[conversationID] = append(s.turns[conversationID], turn)
	return turn, nil
}

func (s *Service) History(_ context.Context, conversationID string, limit int) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, ok := s.turns[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	start := 0
	if limit > 0 && len(turns) > limit {
		start = len(turns) - limit
	}
	copied := make([]chat.Turn, len(turns)-start)
	copy(copied, turns[start:])
	return copied, nil
}
