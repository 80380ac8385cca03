package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/edumind/backend/internal/session"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// Handler WebSocket连接处理器，每条连接对应一个 session
type Handler struct {
	deps     session.Dependencies
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(deps session.Dependencies) *Handler {
	return &Handler{
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// 连接的生命周期独立于 HTTP 请求的超时设置
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go pingLoop(ctx, conn)

	sess := session.New(ctx, &transport{Conn: conn}, h.deps)
	if err := sess.Run(); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID()).Msg("websocket session ended with error")
	}
}

// transport extends the read deadline whenever the client sends anything.
type transport struct {
	*websocket.Conn
}

func (t *transport) ReadMessage() (int, []byte, error) {
	msgType, data, err := t.Conn.ReadMessage()
	if err == nil {
		_ = t.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	return msgType, data, err
}

// pingLoop 定期发送ping消息。WriteControl 可与会话的写协程并发调用。
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
