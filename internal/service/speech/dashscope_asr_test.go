package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	speechmodel "github.com/edumind/backend/internal/model/speech"
)

type fakeDashScope struct {
	t        *testing.T
	frames   chan []byte
	authSeen chan string
	failRun  bool
}

func (f *fakeDashScope) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.authSeen <- r.Header.Get("Authorization")
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var run dashScopeEvent
	if err := conn.ReadJSON(&run); err != nil {
		return
	}
	taskID := run.Header.TaskID
	send := func(event string, text string, end bool) {
		msg := map[string]any{
			"header": map[string]any{"task_id": taskID, "event": event},
			"payload": map[string]any{
				"output": map[string]any{
					"sentence": map[string]any{"text": text, "sentence_end": end},
				},
			},
		}
		_ = conn.WriteJSON(msg)
	}

	if f.failRun {
		_ = conn.WriteJSON(map[string]any{
			"header": map[string]any{"task_id": taskID, "event": "task-failed", "error_code": "InvalidParameter", "error_message": "bad model"},
		})
		return
	}
	send(dashScopeTaskStarted, "", false)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			f.frames <- data
			send(dashScopeResultGenerated, "你好", false)
			send(dashScopeResultGenerated, "你好。", true)
			continue
		}
		var cmd dashScopeEvent
		require.NoError(f.t, json.Unmarshal(data, &cmd))
		if cmd.Header.Action == "finish-task" {
			send(dashScopeTaskFinished, "", false)
			return
		}
	}
}

func newDashScope(t *testing.T, srv *httptest.Server) *DashScopeRecognizer {
	return NewDashScopeRecognizer(speechmodel.Config{
		Provider:  speechmodel.ProviderDashScope,
		DashScope: speechmodel.DashScopeConfig{APIKey: "sk-test", URL: wsURL(srv)},
	})
}

func TestDashScopeRecognizerStreamsSentences(t *testing.T) {
	fake := &fakeDashScope{t: t, frames: make(chan []byte, 4), authSeen: make(chan string, 1)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	rec := newDashScope(t, srv)
	cb := newRecordingCallback()

	require.NoError(t, rec.Start(context.Background(), cb))
	require.Equal(t, "bearer sk-test", <-fake.authSeen)

	require.NoError(t, rec.SendFrame([]byte{0x01, 0x02}))
	require.Equal(t, []byte{0x01, 0x02}, <-fake.frames)

	text, err := rec.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "你好。", text)
	cb.waitClosed(t)

	events, errs := cb.snapshot()
	require.Empty(t, errs)
	require.Equal(t, []recordedEvent{{text: "你好"}, {text: "你好。", sentenceEnd: true}}, events)
}

func TestDashScopeRecognizerTaskFailedBeforeStart(t *testing.T) {
	fake := &fakeDashScope{t: t, frames: make(chan []byte, 1), authSeen: make(chan string, 1), failRun: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cb := newRecordingCallback()
	err := newDashScope(t, srv).Start(context.Background(), cb)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad model")

	cb.waitClosed(t)
	_, errs := cb.snapshot()
	require.Empty(t, errs)
}

func TestDashScopeRecognizerNotStarted(t *testing.T) {
	rec := NewDashScopeRecognizer(speechmodel.Config{})
	require.ErrorIs(t, rec.SendFrame([]byte{1}), ErrNotStarted)
	_, err := rec.Stop(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)
}
