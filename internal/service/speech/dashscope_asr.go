package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	speechmodel "github.com/edumind/backend/internal/model/speech"
)

const (
	defaultDashScopeURL   = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	defaultDashScopeModel = "paraformer-realtime-v1"
	defaultStopTimeout    = 10 * time.Second

	dashScopeTaskStarted     = "task-started"
	dashScopeResultGenerated = "result-generated"
	dashScopeTaskFinished    = "task-finished"
	dashScopeTaskFailed      = "task-failed"
)

// DashScopeRecognizer 阿里云百炼 paraformer 实时语音识别，基于 run-task / finish-task 双工协议。
type DashScopeRecognizer struct {
	cfg    speechmodel.Config
	dialer *websocket.Dialer

	taskID  string
	conn    *websocket.Conn
	writeMu sync.Mutex

	started   chan struct{}
	startOnce sync.Once
	finished  chan struct{}
	active    atomic.Bool
	stopping  atomic.Bool

	mu         sync.Mutex
	readErr    error
	transcript strings.Builder
}

type dashScopeHeader struct {
	Action       string `json:"action,omitempty"`
	TaskID       string `json:"task_id"`
	Streaming    string `json:"streaming,omitempty"`
	Event        string `json:"event,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type dashScopeCommand struct {
	Header  dashScopeHeader `json:"header"`
	Payload any             `json:"payload"`
}

type dashScopeRunPayload struct {
	TaskGroup  string         `json:"task_group"`
	Task       string         `json:"task"`
	Function   string         `json:"function"`
	Model      string         `json:"model"`
	Parameters map[string]any `json:"parameters"`
	Input      struct{}       `json:"input"`
}

type dashScopeEvent struct {
	Header  dashScopeHeader `json:"header"`
	Payload struct {
		Output struct {
			Sentence struct {
				Text        string `json:"text"`
				BeginTime   int64  `json:"begin_time"`
				EndTime     *int64 `json:"end_time"`
				SentenceEnd bool   `json:"sentence_end"`
			} `json:"sentence"`
		} `json:"output"`
	} `json:"payload"`
}

func NewDashScopeRecognizer(cfg speechmodel.Config) *DashScopeRecognizer {
	return &DashScopeRecognizer{
		cfg:      withDefaults(cfg),
		dialer:   &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start opens the duplex connection and waits until the task is accepted.
func (r *DashScopeRecognizer) Start(ctx context.Context, cb Callback) error {
	if !r.active.CompareAndSwap(false, true) {
		return fmt.Errorf("dashscope asr: already started")
	}

	header := http.Header{}
	header.Set("Authorization", "bearer "+r.cfg.DashScope.APIKey)
	header.Set("X-DashScope-DataInspection", "enable")

	conn, _, err := r.dialer.DialContext(ctx, r.cfg.DashScope.URL, header)
	if err != nil {
		return fmt.Errorf("dashscope asr: connect: %w", err)
	}
	r.conn = conn
	r.taskID = strings.ReplaceAll(uuid.NewString(), "-", "")

	run := dashScopeCommand{
		Header: dashScopeHeader{Action: "run-task", TaskID: r.taskID, Streaming: "duplex"},
		Payload: dashScopeRunPayload{
			TaskGroup: "audio",
			Task:      "asr",
			Function:  "recognition",
			Model:     r.cfg.DashScope.Model,
			Parameters: map[string]any{
				"format":      r.cfg.Format,
				"sample_rate": r.cfg.SampleRate,
			},
		},
	}
	if err := r.writeJSON(run); err != nil {
		conn.Close()
		return fmt.Errorf("dashscope asr: send run-task: %w", err)
	}

	go r.readLoop(cb)

	select {
	case <-r.started:
		log.Debug().Str("component", "asr").Str("provider", "dashscope").Str("task_id", r.taskID).Msg("task started")
		return nil
	case <-r.finished:
		if err := r.err(); err != nil {
			return err
		}
		return fmt.Errorf("dashscope asr: connection closed before task-started")
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
}

func (r *DashScopeRecognizer) SendFrame(frame []byte) error {
	if r.conn == nil {
		return ErrNotStarted
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Stop sends finish-task and waits for task-finished, bounded by ctx and the
// configured stop timeout.
func (r *DashScopeRecognizer) Stop(ctx context.Context) (string, error) {
	if r.conn == nil {
		return "", ErrNotStarted
	}
	if !r.stopping.CompareAndSwap(false, true) {
		<-r.finished
		return r.text(), nil
	}

	finish := dashScopeCommand{
		Header:  dashScopeHeader{Action: "finish-task", TaskID: r.taskID, Streaming: "duplex"},
		Payload: map[string]any{"input": struct{}{}},
	}
	if err := r.writeJSON(finish); err != nil {
		log.Warn().Err(err).Str("component", "asr").Str("provider", "dashscope").Msg("send finish-task failed")
	}

	timer := time.NewTimer(r.cfg.StopTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-r.finished:
		err = r.err()
	case <-timer.C:
		err = fmt.Errorf("dashscope asr: timed out waiting for task-finished")
	case <-ctx.Done():
		err = ctx.Err()
	}
	r.conn.Close()
	return r.text(), err
}

func (r *DashScopeRecognizer) readLoop(cb Callback) {
	defer func() {
		close(r.finished)
		r.conn.Close()
		cb.OnClose()
	}()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if !r.stopping.Load() {
				r.fail(cb, fmt.Errorf("dashscope asr: read: %w", err))
			}
			return
		}

		var ev dashScopeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Str("component", "asr").Str("provider", "dashscope").Msg("unparseable event")
			continue
		}

		switch ev.Header.Event {
		case dashScopeTaskStarted:
			r.startOnce.Do(func() { close(r.started) })
		case dashScopeResultGenerated:
			sentence := ev.Payload.Output.Sentence
			end := sentence.SentenceEnd || sentence.EndTime != nil
			if end {
				r.mu.Lock()
				r.transcript.WriteString(sentence.Text)
				r.mu.Unlock()
			}
			cb.OnEvent(sentence.Text, end)
		case dashScopeTaskFinished:
			return
		case dashScopeTaskFailed:
			r.fail(cb, fmt.Errorf("dashscope asr: %s: %s", ev.Header.ErrorCode, ev.Header.ErrorMessage))
			return
		}
	}
}

// fail records err and reports it through cb once the task was accepted.
// Failures before task-started are returned by Start instead.
func (r *DashScopeRecognizer) fail(cb Callback, err error) {
	r.mu.Lock()
	r.readErr = err
	r.mu.Unlock()

	select {
	case <-r.started:
		cb.OnError(err)
	default:
	}
}

func (r *DashScopeRecognizer) writeJSON(v any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(v)
}

func (r *DashScopeRecognizer) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readErr
}

func (r *DashScopeRecognizer) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.String()
}
