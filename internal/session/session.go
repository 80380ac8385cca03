// Package session runs one client connection: it reads control messages and
// audio frames, drives recognition and generation, and delivers every
// outbound event through a single ordered writer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/edumind/backend/internal/model/chat"
	"github.com/edumind/backend/internal/model/event"
	"github.com/edumind/backend/internal/service/ai"
	chatservice "github.com/edumind/backend/internal/service/chat"
	"github.com/edumind/backend/internal/service/speech"
)

const (
	defaultQueueSize    = 64
	defaultPendingTurns = 4
	historyLimit        = 20
	stopTimeout         = 10 * time.Second
)

// Control message types sent by clients.
const (
	MessageStartRecording = "start_recording"
	MessageStopRecording  = "stop_recording"
	MessageText           = "text_message"
)

// State is derived from what the session is doing.
type State int

const (
	Idle State = iota
	Recording
	Generating
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	case Generating:
		return "generating"
	default:
		return "idle"
	}
}

// Transport is the client connection. *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Streamer produces the events of one generation run.
type Streamer interface {
	StreamChat(ctx context.Context, text string, history []chat.Turn) <-chan event.StreamEvent
}

// Dependencies are shared by every session.
type Dependencies struct {
	Orchestrator Streamer
	Transcripts  chatservice.TranscriptSink
	// Recognizers is nil when speech recognition is not configured.
	Recognizers speech.Factory
	// QueueSize bounds the outbound event queue.
	QueueSize int
}

// Inbound is a client control message.
type Inbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
}

type textTurn struct {
	text   string
	chatID string
}

// Session 对应一条客户端连接。所有出站事件经由同一个有界队列，由唯一的写协程按序发送。
type Session struct {
	id        string
	deps      Dependencies
	transport Transport
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan event.StreamEvent
	turns    chan textTurn
	pending  atomic.Int32

	mu         sync.Mutex
	recognizer speech.Recognizer
	bridge     *asrBridge
}

// New creates a session bound to transport. Call Run to start it.
func New(ctx context.Context, transport Transport, deps Dependencies) *Session {
	if deps.Transcripts == nil {
		deps.Transcripts = chatservice.NewService()
	}
	queueSize := deps.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	id := uuid.NewString()
	sessCtx, cancel := context.WithCancel(ctx)
	return &Session{
		id:        id,
		deps:      deps,
		transport: transport,
		logger:    log.With().Str("component", "session").Str("session_id", id).Logger(),
		ctx:       sessCtx,
		cancel:    cancel,
		outbound:  make(chan event.StreamEvent, queueSize),
		turns:     make(chan textTurn, defaultPendingTurns),
	}
}

func (s *Session) ID() string { return s.id }

// State reports the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	recording := s.recognizer != nil
	s.mu.Unlock()

	switch {
	case recording:
		return Recording
	case s.pending.Load() > 0:
		return Generating
	default:
		return Idle
	}
}

// Run reads from the transport until the client goes away, the transport
// fails or Close is called. The reader, writer and generation worker share
// one lifetime.
func (s *Session) Run() error {
	s.logger.Info().Msg("session opened")

	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.writeLoop(ctx) })
	g.Go(func() error { return s.generateLoop(ctx) })
	g.Go(func() error { return s.readLoop() })
	go func() {
		<-ctx.Done()
		s.cancel()
		_ = s.transport.Close()
	}()

	err := g.Wait()
	s.cancel()
	s.finalizeRecognizer()
	s.logger.Info().Err(err).Msg("session closed")
	return err
}

// Close abandons any in-flight work. It never blocks.
func (s *Session) Close() {
	s.cancel()
}

func (s *Session) readLoop() error {
	defer s.cancel()

	for {
		msgType, data, err := s.transport.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("read failed")
			}
			return nil
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.handleAudio(data)
		case websocket.TextMessage:
			var msg Inbound
			if err := json.Unmarshal(data, &msg); err != nil {
				s.emit(event.Error("invalid message"))
				continue
			}
			s.handleControl(msg)
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.outbound:
			if err := s.transport.WriteJSON(ev); err != nil {
				s.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("send failed, aborting session")
				s.cancel()
				return fmt.Errorf("session %s: send: %w", s.id, err)
			}
		}
	}
}

// emit queues ev for the writer. It blocks while the queue is full and gives
// up once the session is closed.
func (s *Session) emit(ev event.StreamEvent) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.outbound <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) handleControl(msg Inbound) {
	switch msg.Type {
	case MessageStartRecording:
		s.startRecording()
	case MessageStopRecording:
		s.stopRecording()
	case MessageText:
		s.submitText(msg)
	default:
		s.emit(event.Error("unsupported message type: " + msg.Type))
	}
}

func (s *Session) handleAudio(frame []byte) {
	s.mu.Lock()
	rec := s.recognizer
	s.mu.Unlock()

	if rec == nil {
		return
	}
	if err := rec.SendFrame(frame); err != nil {
		s.logger.Warn().Err(err).Int("bytes", len(frame)).Msg("forward audio failed")
	}
}

func (s *Session) startRecording() {
	if s.deps.Recognizers == nil {
		s.emit(event.Error("ASR not configured"))
		return
	}

	s.mu.Lock()
	if s.recognizer != nil {
		s.mu.Unlock()
		s.emit(event.Error("recording already in progress"))
		return
	}
	rec := s.deps.Recognizers()
	bridge := newASRBridge(s.emit)
	s.recognizer = rec
	s.bridge = bridge
	s.mu.Unlock()

	if err := rec.Start(s.ctx, bridge); err != nil {
		s.mu.Lock()
		s.recognizer = nil
		s.bridge = nil
		s.mu.Unlock()
		bridge.detach()

		s.logger.Warn().Err(err).Msg("start recognizer failed")
		s.emit(event.Error("failed to start ASR: " + err.Error()))
		return
	}
	s.logger.Debug().Msg("recording started")
}

func (s *Session) stopRecording() {
	s.mu.Lock()
	rec, bridge := s.recognizer, s.bridge
	s.recognizer = nil
	s.bridge = nil
	s.mu.Unlock()

	if rec == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, stopTimeout)
	defer cancel()
	if _, err := rec.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("stop recognizer failed")
	}

	bridge.detach()
	s.emit(event.AsrStopped(bridge.transcript()))
}

// finalizeRecognizer stops a recognizer left running by a closed session
// without blocking the caller.
func (s *Session) finalizeRecognizer() {
	s.mu.Lock()
	rec, bridge := s.recognizer, s.bridge
	s.recognizer = nil
	s.bridge = nil
	s.mu.Unlock()

	if rec == nil {
		return
	}
	bridge.detach()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if _, err := rec.Stop(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("recognizer finalized with error")
		}
	}()
}

func (s *Session) submitText(msg Inbound) {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		s.emit(event.Error("content is required"))
		return
	}

	s.pending.Add(1)
	select {
	case s.turns <- textTurn{text: text, chatID: msg.ChatID}:
	default:
		s.pending.Add(-1)
		s.emit(event.Error("too many pending messages"))
	}
}

func (s *Session) generateLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case turn := <-s.turns:
			s.generate(ctx, turn)
			s.pending.Add(-1)
		}
	}
}

// generate answers one text turn and records it in the transcript.
func (s *Session) generate(ctx context.Context, turn textTurn) {
	conv, err := s.resolveConversation(ctx, turn)
	if err != nil {
		s.logger.Warn().Err(err).Msg("resolve conversation failed")
		s.emit(event.Error("failed to open conversation"))
		return
	}

	if _, err := s.deps.Transcripts.Append(ctx, conv.ID, chat.UserTurn(conv.ID, turn.text)); err != nil {
		s.logger.Warn().Err(err).Str("chat_id", conv.ID).Msg("save user turn failed")
	}

	history, err := s.deps.Transcripts.History(ctx, conv.ID, historyLimit)
	if err != nil {
		s.logger.Warn().Err(err).Str("chat_id", conv.ID).Msg("load history failed")
		history = nil
	}

	var acc ai.Accumulator
	for ev := range s.deps.Orchestrator.StreamChat(ctx, turn.text, history) {
		acc.Add(ev)
		s.emit(ev)
	}

	if ctx.Err() != nil || !acc.Done() || acc.Err() != nil {
		return
	}
	reply := acc.Reply()
	if reply.Content == "" {
		return
	}
	assistant := chat.AssistantTurn(conv.ID, reply.Content, reply.Model, reply.Thinking)
	if _, err := s.deps.Transcripts.Append(ctx, conv.ID, assistant); err != nil {
		s.logger.Warn().Err(err).Str("chat_id", conv.ID).Msg("save assistant turn failed")
	}
}

// resolveConversation returns the conversation named by the turn, creating
// a new one (and announcing it) when none is given or it is unknown.
func (s *Session) resolveConversation(ctx context.Context, turn textTurn) (chat.Conversation, error) {
	if turn.chatID != "" {
		conv, err := s.deps.Transcripts.GetConversation(ctx, turn.chatID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, chatservice.ErrConversationNotFound) {
			return chat.Conversation{}, err
		}
		s.logger.Info().Str("chat_id", turn.chatID).Msg("unknown conversation, starting a new one")
	}

	conv, err := s.deps.Transcripts.CreateConversation(ctx, chat.TitleFrom(turn.text))
	if err != nil {
		return chat.Conversation{}, err
	}
	s.emit(event.ChatInfo(conv.ID, conv.Title))
	return conv, nil
}
