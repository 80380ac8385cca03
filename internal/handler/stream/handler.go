package stream

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	chathandler "github.com/edumind/backend/internal/handler/chat"
	"github.com/edumind/backend/internal/model/chat"
	"github.com/edumind/backend/internal/model/event"
	"github.com/edumind/backend/internal/service/ai"
	chatService "github.com/edumind/backend/internal/service/chat"
	"github.com/edumind/backend/pkg/utils"
)

// Streamer starts one generation run.
type Streamer interface {
	StreamChat(ctx context.Context, text string, history []chat.Turn) <-chan event.StreamEvent
}

// Handler manages streaming AI responses via Server-Sent Events
type Handler struct {
	streamer    Streamer
	transcripts chatService.TranscriptSink
}

// New creates a new stream handler
func New(streamer Streamer, transcripts chatService.TranscriptSink) *Handler {
	return &Handler{streamer: streamer, transcripts: transcripts}
}

// RegisterRoutes 注册流式聊天路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/stream", h.handleStream)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := chathandler.DecodeRequest(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := log.With().Str("component", "sse").Str("chat_id", req.ChatID).Logger()
	logger.Info().Msg("opening answer stream")

	var acc ai.Accumulator
	for ev := range h.streamer.StreamChat(ctx, req.Content, req.Turns()) {
		acc.Add(ev)
		if err := utils.SendSSEChunk(w, flusher, ev); err != nil {
			// 客户端断开后不再继续生成
			logger.Debug().Err(err).Msg("client went away")
			cancel()
			return
		}
	}

	if acc.Done() && acc.Err() == nil {
		h.record(ctx, req, acc.Reply())
	}
	logger.Info().Bool("completed", acc.Done()).Msg("answer stream closed")
}

func (h *Handler) record(ctx context.Context, req chathandler.Request, reply ai.Reply) {
	if req.ChatID == "" || h.transcripts == nil || reply.Content == "" {
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
