package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/edumind/backend/internal/llm/llmtest"
	"github.com/edumind/backend/internal/model/chat"
	"github.com/edumind/backend/internal/model/event"
	"github.com/edumind/backend/internal/service/ai"
	chatservice "github.com/edumind/backend/internal/service/chat"
	"github.com/edumind/backend/internal/service/speech"
)

var errWriteFailed = errors.New("write failed")

type frame struct {
	kind int
	data []byte
}

type fakeTransport struct {
	in        chan frame
	written   chan event.StreamEvent
	failAfter int

	mu        sync.Mutex
	writes    int
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:        make(chan frame, 16),
		written:   make(chan event.StreamEvent, 256),
		failAfter: -1,
		closed:    make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case fr, ok := <-f.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return fr.kind, fr.data, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeTransport) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter >= 0 && f.writes >= f.failAfter {
		return errWriteFailed
	}
	f.writes++
	f.written <- v.(event.StreamEvent)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) control(t *testing.T, msg Inbound) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	f.in <- frame{kind: websocket.TextMessage, data: data}
}

func (f *fakeTransport) audio(data []byte) {
	f.in <- frame{kind: websocket.BinaryMessage, data: data}
}

// next returns the next written event.
func (f *fakeTransport) next(t *testing.T) event.StreamEvent {
	t.Helper()
	select {
	case ev := <-f.written:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event written")
		return event.StreamEvent{}
	}
}

// until collects events up to and including the first one matching stop.
func (f *fakeTransport) until(t *testing.T, stop func(event.StreamEvent) bool) []event.StreamEvent {
	t.Helper()
	var events []event.StreamEvent
	for {
		ev := f.next(t)
		events = append(events, ev)
		if stop(ev) {
			return events
		}
	}
}

type scriptedResult struct {
	text string
	end  bool
}

type fakeRecognizer struct {
	script   []scriptedResult
	startErr error

	mu      sync.Mutex
	cb      speech.Callback
	frames  [][]byte
	stopped chan struct{}
}

func (r *fakeRecognizer) Start(_ context.Context, cb speech.Callback) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.mu.Lock()
	r.cb = cb
	r.mu.Unlock()
	return nil
}

func (r *fakeRecognizer) SendFrame(data []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, data)
	var next *scriptedResult
	if len(r.script) > 0 {
		next = &r.script[0]
		r.script = r.script[1:]
	}
	cb := r.cb
	r.mu.Unlock()

	if next != nil {
		cb.OnEvent(next.text, next.end)
	}
	return nil
}

func (r *fakeRecognizer) Stop(context.Context) (string, error) {
	r.mu.Lock()
	cb := r.cb
	r.mu.Unlock()
	cb.OnClose()
	close(r.stopped)
	return "", nil
}

func (r *fakeRecognizer) receivedFrames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

type stubClassifier bool

func (s stubClassifier) NeedsReasoning(context.Context, string) bool { return bool(s) }

func newOrchestrator(t *testing.T, direct *llmtest.Adapter) *ai.Orchestrator {
	t.Helper()
	o, err := ai.NewOrchestrator(stubClassifier(false), llmtest.New("deepseek"), direct)
	require.NoError(t, err)
	return o
}

func start(t *testing.T, tr *fakeTransport, deps Dependencies) (*Session, <-chan error) {
	t.Helper()
	sess := New(context.Background(), tr, deps)
	done := make(chan error, 1)
	go func() { done <- sess.Run() }()
	t.Cleanup(sess.Close)
	return sess, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func isType(typ event.Type) func(event.StreamEvent) bool {
	return func(ev event.StreamEvent) bool { return ev.Type == typ }
}

func TestSessionRecordingScenario(t *testing.T) {
	rec := &fakeRecognizer{
		script:  []scriptedResult{{text: "hel"}, {text: "hello", end: true}},
		stopped: make(chan struct{}),
	}
	direct := llmtest.New("kimi", llmtest.Answer("unused"))
	tr := newFakeTransport()
	sess, _ := start(t, tr, Dependencies{
		Orchestrator: newOrchestrator(t, direct),
		Recognizers:  func() speech.Recognizer { return rec },
	})

	tr.control(t, Inbound{Type: MessageStartRecording})
	tr.audio([]byte{0x01})
	tr.audio([]byte{0x02})
	tr.control(t, Inbound{Type: MessageStopRecording})

	events := tr.until(t, isType(event.TypeAsrStopped))
	require.Equal(t, []event.StreamEvent{
		event.AsrPartial("hel"),
		event.AsrFinal("hello"),
		event.AsrStopped("hello"),
	}, events)

	require.Equal(t, [][]byte{{0x01}, {0x02}}, rec.receivedFrames())
	require.Empty(t, direct.Requests())
	require.Equal(t, Idle, sess.State())
}

// 三帧音频，两句 final，停止后回到 Idle。
func TestSessionRecordingConcatenatesFinals(t *testing.T) {
	rec := &fakeRecognizer{
		script: []scriptedResult{
			{text: "今天", end: false},
			{text: "今天天气", end: true},
			{text: "不错", end: true},
		},
		stopped: make(chan struct{}),
	}
	tr := newFakeTransport()
	sess, _ := start(t, tr, Dependencies{
		Orchestrator: newOrchestrator(t, llmtest.New("kimi")),
		Recognizers:  func() speech.Recognizer { return rec },
	})

	tr.control(t, Inbound{Type: MessageStartRecording})
	tr.audio([]byte{0x01})
	tr.audio([]byte{0x02})
	tr.audio([]byte{0x03})
	tr.control(t, Inbound{Type: MessageStopRecording})

	events := tr.until(t, isType(event.TypeAsrStopped))
	require.Equal(t, []event.StreamEvent{
		event.AsrPartial("今天"),
		event.AsrFinal("今天天气"),
		event.AsrFinal("不错"),
		event.AsrStopped("今天天气不错"),
	}, events)

	require.Len(t, rec.receivedFrames(), 3)
	require.Equal(t, Idle, sess.State())
}

func TestSessionDropsAudioWhenNotRecording(t *testing.T) {
	rec := &fakeRecognizer{stopped: make(chan struct{})}
	tr := newFakeTransport()
	sess, _ := start(t, tr, Dependencies{
		Orchestrator: newOrchestrator(t, llmtest.New("kimi")),
		Recognizers:  func() speech.Recognizer { return rec },
	})

	tr.audio([]byte{0xAA})
	tr.control(t, Inbound{Type: MessageStartRecording})
	tr.audio([]byte{0xBB})
	tr.control(t, Inbound{Type: MessageStopRecording})

	require.Equal(t, event.AsrStopped(""), tr.next(t))
	require.Equal(t, [][]byte{{0xBB}}, rec.receivedFrames())
	require.Equal(t, Idle, sess.State())
}

func TestSessionRecordingErrors(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		tr := newFakeTransport()
		start(t, tr, Dependencies{Orchestrator: newOrchestrator(t, llmtest.New("kimi"))})

		tr.control(t, Inbound{Type: MessageStartRecording})
		require.Equal(t, event.Error("ASR not configured"), tr.next(t))
	})

	t.Run("already recording", func(t *testing.T) {
		rec := &fakeRecognizer{stopped: make(chan struct{})}
		tr := newFakeTransport()
		sess, _ := start(t, tr, Dependencies{
			Orchestrator: newOrchestrator(t, llmtest.New("kimi")),
			Recognizers:  func() speech.Recognizer { return rec },
		})

		tr.control(t, Inbound{Type: MessageStartRecording})
		tr.control(t, Inbound{Type: MessageStartRecording})
		require.Equal(t, event.Error("recording already in progress"), tr.next(t))
		require.Equal(t, Recording, sess.State())
	})

	t.Run("start fails", func(t *testing.T) {
		rec := &fakeRecognizer{startErr: errors.New("dial refused"), stopped: make(chan struct{})}
		tr := newFakeTransport()
		sess, _ := start(t, tr, Dependencies{
			Orchestrator: newOrchestrator(t, llmtest.New("kimi")),
			Recognizers:  func() speech.Recognizer { return rec },
		})

		tr.control(t, Inbound{Type: MessageStartRecording})
		ev := tr.next(t)
		require.Equal(t, event.TypeError, ev.Type)
		require.Contains(t, ev.Content, "dial refused")
		require.Equal(t, Idle, sess.State())
	})
}

func TestSessionStopWithoutRecordingIsIgnored(t *testing.T) {
	tr := newFakeTransport()
	start(t, tr, Dependencies{Orchestrator: newOrchestrator(t, llmtest.New("kimi"))})

	tr.control(t, Inbound{Type: MessageStopRecording})
	tr.control(t, Inbound{Type: MessageText, Content: "   "})
	require.Equal(t, event.Error("content is required"), tr.next(t))

	tr.control(t, Inbound{Type: "dance"})
	require.Equal(t, event.Error("unsupported message type: dance"), tr.next(t))

	tr.in <- frame{kind: websocket.TextMessage, data: []byte("{")}
	require.Equal(t, event.Error("invalid message"), tr.next(t))
}

func TestSessionTextMessageFlow(t *testing.T) {
	direct := llmtest.New("kimi", llmtest.Answer("Hello"), llmtest.Answer(" there"))
	transcripts := chatservice.NewService()
	tr := newFakeTransport()
	start(t, tr, Dependencies{
		Orchestrator: newOrchestrator(t, direct),
		Transcripts:  transcripts,
	})

	tr.control(t, Inbound{Type: MessageText, Content: "hi"})
	events := tr.until(t, event.StreamEvent.Terminal)

	require.Equal(t, event.TypeChatInfo, events[0].Type)
	require.Equal(t, "hi", events[0].Title)
	chatID := events[0].ChatID
	require.Equal(t, []event.StreamEvent{
		event.Status(event.PhaseAnalyzingIntent),
		event.Status(event.PhaseGenerating),
		event.AnswerChunk("Hello", event.ModelDirect),
		event.AnswerChunk(" there", event.ModelDirect),
		event.AnswerEnd(),
	}, events[1:])

	require.Eventually(t, func() bool {
		turns, err := transcripts.History(context.Background(), chatID, 0)
		return err == nil && len(turns) == 2
	}, time.Second, 10*time.Millisecond)

	turns, err := transcripts.History(context.Background(), chatID, 0)
	require.NoError(t, err)
	require.Equal(t, chat.RoleUser, turns[0].Role)
	require.Equal(t, "Hello there", turns[1].Text)
	require.Equal(t, event.ModelDirect, turns[1].ModelID)

	tr.control(t, Inbound{Type: MessageText, Content: "again", ChatID: chatID})
	second := tr.until(t, event.StreamEvent.Terminal)
	require.Equal(t, event.Status(event.PhaseAnalyzingIntent), second[0])

	reqs := direct.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].History, 2)
	require.Equal(t, "hi", reqs[1].History[0].Text)
}

func TestSessionUnknownChatIDStartsNewConversation(t *testing.T) {
	tr := newFakeTransport()
	start(t, tr, Dependencies{Orchestrator: newOrchestrator(t, llmtest.New("kimi", llmtest.Answer("x")))})

	tr.control(t, Inbound{Type: MessageText, Content: "hi", ChatID: "missing"})
	ev := tr.next(t)
	require.Equal(t, event.TypeChatInfo, ev.Type)
	require.NotEqual(t, "missing", ev.ChatID)
}

// blockingStreamer emits one status event and then waits for cancellation.
type blockingStreamer struct {
	cancelled chan struct{}
}

func (b *blockingStreamer) StreamChat(ctx context.Context, _ string, _ []chat.Turn) <-chan event.StreamEvent {
	out := make(chan event.StreamEvent)
	go func() {
		defer close(out)
		select {
		case out <- event.Status(event.PhaseAnalyzingIntent):
		case <-ctx.Done():
		}
		<-ctx.Done()
		close(b.cancelled)
	}()
	return out
}

func TestSessionTransportFailureAbortsGeneration(t *testing.T) {
	streamer := &blockingStreamer{cancelled: make(chan struct{})}
	tr := newFakeTransport()
	tr.failAfter = 0
	_, done := start(t, tr, Dependencies{Orchestrator: streamer})

	tr.control(t, Inbound{Type: MessageText, Content: "hi"})

	require.ErrorIs(t, waitDone(t, done), errWriteFailed)
	select {
	case <-streamer.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("generation was not aborted")
	}
}

func TestSessionCloseDuringWork(t *testing.T) {
	rec := &fakeRecognizer{stopped: make(chan struct{})}
	streamer := &blockingStreamer{cancelled: make(chan struct{})}
	tr := newFakeTransport()
	sess, done := start(t, tr, Dependencies{
		Orchestrator: streamer,
		Recognizers:  func() speech.Recognizer { return rec },
	})

	tr.control(t, Inbound{Type: MessageText, Content: "hi"})
	tr.until(t, isType(event.TypeStatus))
	require.Equal(t, Generating, sess.State())

	tr.control(t, Inbound{Type: MessageStartRecording})
	require.Eventually(t, func() bool { return sess.State() == Recording }, time.Second, 10*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		sess.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked")
	}

	require.NoError(t, waitDone(t, done))
	for _, ch := range []chan struct{}{streamer.cancelled, rec.stopped} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("work was not finalized")
		}
	}
}

func TestSessionClientDisconnect(t *testing.T) {
	tr := newFakeTransport()
	_, done := start(t, tr, Dependencies{Orchestrator: newOrchestrator(t, llmtest.New("kimi"))})

	close(tr.in)
	require.NoError(t, waitDone(t, done))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "recording", Recording.String())
	require.Equal(t, "generating", Generating.String())
}
