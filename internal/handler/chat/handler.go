package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/edumind/backend/internal/model/chat"
	"github.com/edumind/backend/internal/service/ai"
	chatService "github.com/edumind/backend/internal/service/chat"
	"github.com/edumind/backend/pkg/utils"
)

// FallbackReply is returned when generation fails outright.
const FallbackReply = "抱歉，服务器暂时遇到问题，请稍后再试。"

// Collector runs a full turn and returns the folded reply.
type Collector interface {
	Collect(ctx context.Context, text string, history []chat.Turn) (ai.Reply, error)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	collector   Collector
	transcripts chatService.TranscriptSink
}

// New 创建聊天处理器
func New(collector Collector, transcripts chatService.TranscriptSink) *Handler {
	return &Handler{
		collector:   collector,
		transcripts: transcripts,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/chats", h.handleListChats)
	r.Get("/chats/{chatID}/messages", h.handleMessages)
}

// HistoryItem is one prior turn supplied by the client.
type HistoryItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body of POST /chat and POST /chat/stream.
type Request struct {
	Content string        `json:"content"`
	History []HistoryItem `json:"history"`
	ChatID  string        `json:"chat_id,omitempty"`
}

// Turns converts the client history into transcript turns.
func (r Request) Turns() []chat.Turn {
	turns := make([]chat.Turn, 0, len(r.History))
	for _, item := range r.History {
		role := chat.Role(strings.ToLower(item.Role))
		if role != chat.RoleUser && role != chat.RoleAssistant {
			continue
		}
		turns = append(turns, chat.Turn{ConversationID: r.ChatID, Role: role, Text: item.Content})
	}
	return turns
}

// DecodeRequest reads and validates a chat request body.
func DecodeRequest(r *http.Request) (Request, error) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return Request{}, errors.New("invalid request body")
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return Request{}, errors.New("content is required")
	}
	return req, nil
}

// handleChat 一次性返回完整回复
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := DecodeRequest(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger := log.With().Str("component", "chat").Logger()
	logger.Info().Int("history", len(req.History)).Msg("rest chat request received")

	reply, err := h.collector.Collect(r.Context(), req.Content, req.Turns())
	if err == nil && strings.TrimSpace(reply.Content) == "" {
		err = errors.New("empty answer")
	}
	if err != nil {
		logger.Error().Err(err).Msg("rest chat failed")
		utils.RespondJSON(w, http.StatusOK, ai.Reply{Role: chat.RoleAssistant, Content: FallbackReply, Model: reply.Model})
		return
	}

	h.record(r.Context(), req, reply)
	logger.Info().Str("model", reply.Model).Msg("rest chat response generated")
	utils.RespondJSON(w, http.StatusOK, reply)
}

// record appends the exchange when the request names a known conversation.
func (h *Handler) record(ctx context.Context, req Request, reply ai.Reply) {
	if req.ChatID == "" || h.transcripts == nil {
		return
	}
	if _, err := h.transcripts.Append(ctx, req.ChatID, chat.UserTurn(req.ChatID, req.Content)); err != nil {
		log.Warn().Err(err).Str("chat_id", req.ChatID).Msg("save user turn failed")
		return
	}
	assistant := chat.AssistantTurn(req.ChatID, reply.Content, reply.Model, reply.Thinking)
	if _, err := h.transcripts.Append(ctx, req.ChatID, assistant); err != nil {
		log.Warn().Err(err).Str("chat_id", req.ChatID).Msg("save assistant turn failed")
	}
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	convs, err := h.transcripts.ListConversations(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	utils.RespondJSON(w, http.StatusOK, convs)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	turns, err := h.transcripts.History(r.Context(), chatID, 0)
	if errors.Is(err, chatService.ErrConversationNotFound) {
		utils.RespondError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	utils.RespondJSON(w, http.StatusOK, turns)
}
