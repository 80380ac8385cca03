package speech

import (
	"bytes"
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

const defaultVolcengineURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"

// VolcengineRecognizer 火山引擎大模型流式语音识别（双向流式模式）
type VolcengineRecognizer struct {
	cfg    speechmodel.Config
	dialer *websocket.Dialer

	conn     *websocket.Conn
	writeMu  sync.Mutex
	sequence int32

	finished chan struct{}
	active   atomic.Bool
	stopping atomic.Bool

	mu         sync.Mutex
	readErr    error
	finalized  int
	partial    string
	transcript strings.Builder
}

type volcengineRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type volcengineUtterance struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Definite  bool   `json:"definite"`
}

type volcengineResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Text       string                `json:"text"`
		Utterances []volcengineUtterance `json:"utterances,omitempty"`
	} `json:"result"`
}

func NewVolcengineRecognizer(cfg speechmodel.Config) *VolcengineRecognizer {
	return &VolcengineRecognizer{
		cfg:      withDefaults(cfg),
		dialer:   &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		finished: make(chan struct{}),
		// FullClientRequest 占用序号1，音频从2开始
		sequence: 2,
	}
}

func (r *VolcengineRecognizer) Start(ctx context.Context, cb Callback) error {
	if !r.active.CompareAndSwap(false, true) {
		return fmt.Errorf("volcengine asr: already started")
	}

	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", strings.TrimSpace(r.cfg.Volcengine.AppID))
	header.Set("X-Api-Access-Key", strings.TrimSpace(r.cfg.Volcengine.AccessToken))
	resourceID := "volc.bigasr.sauc.duration" // 小时版
	if r.cfg.Volcengine.ConcurrentMode {
		resourceID = "volc.bigasr.sauc.concurrent" // 并发版
	}
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := r.dialer.DialContext(ctx, r.cfg.Volcengine.URL, header)
	if err != nil {
		return fmt.Errorf("volcengine asr: connect: %w", err)
	}
	r.conn = conn
	if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
		log.Debug().Str("component", "asr").Str("provider", "volcengine").Str("logid", logid).Msg("connected")
	}

	payload, err := json.Marshal(r.buildRequest(connectID))
	if err != nil {
		conn.Close()
		return fmt.Errorf("volcengine asr: marshal request: %w", err)
	}
	compressed, err := gzipPayload(payload)
	if err != nil {
		conn.Close()
		return fmt.Errorf("volcengine asr: compress request: %w", err)
	}
	if err := r.write(NewFullClientRequest(compressed)); err != nil {
		conn.Close()
		return fmt.Errorf("volcengine asr: send request: %w", err)
	}

	go r.readLoop(cb)
	return nil
}

func (r *VolcengineRecognizer) buildRequest(uid string) volcengineRequest {
	var req volcengineRequest
	req.User.UID = uid
	req.Audio.Format = r.cfg.Format
	req.Audio.Language = r.cfg.Language
	req.Audio.Codec = "raw"
	req.Audio.Rate = r.cfg.SampleRate
	req.Audio.Bits = 16
	req.Audio.Channel = 1
	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

func (r *VolcengineRecognizer) SendFrame(frame []byte) error {
	if r.conn == nil {
		return ErrNotStarted
	}
	compressed, err := gzipPayload(frame)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	msg := NewAudioOnlyRequest(compressed, r.sequence, false)
	r.sequence++
	return r.conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(msg))
}

// Stop sends the last (empty) audio packet and waits for the server's final
// response.
func (r *VolcengineRecognizer) Stop(ctx context.Context) (string, error) {
	if r.conn == nil {
		return "", ErrNotStarted
	}
	if !r.stopping.CompareAndSwap(false, true) {
		<-r.finished
		return r.text(), nil
	}

	if err := r.sendLast(); err != nil {
		log.Warn().Err(err).Str("component", "asr").Str("provider", "volcengine").Msg("send last packet failed")
	}

	timer := time.NewTimer(r.cfg.StopTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-r.finished:
		err = r.err()
	case <-timer.C:
		err = fmt.Errorf("volcengine asr: timed out waiting for final result")
	case <-ctx.Done():
		err = ctx.Err()
	}
	r.conn.Close()
	return r.text(), err
}

func (r *VolcengineRecognizer) sendLast() error {
	compressed, err := gzipPayload(nil)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	msg := NewAudioOnlyRequest(compressed, r.sequence, true)
	return r.conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(msg))
}

func (r *VolcengineRecognizer) write(msg *Message) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(msg))
}

func (r *VolcengineRecognizer) readLoop(cb Callback) {
	defer func() {
		close(r.finished)
		r.conn.Close()
		cb.OnClose()
	}()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if !r.stopping.Load() {
				r.fail(cb, fmt.Errorf("volcengine asr: read: %w", err))
			}
			return
		}

		msg, err := DecodeMessage(bytes.NewReader(data))
		if err != nil {
			r.fail(cb, fmt.Errorf("volcengine asr: decode: %w", err))
			return
		}

		payload, err := decodePayload(msg)
		if err != nil {
			r.fail(cb, fmt.Errorf("volcengine asr: payload: %w", err))
			return
		}

		switch msg.Header.MessageType {
		case ErrorMessage:
			r.fail(cb, fmt.Errorf("volcengine asr: error %d: %s", msg.ErrorCode, string(payload)))
			return
		case FullServerResponse:
			var resp volcengineResponse
			if err := json.Unmarshal(payload, &resp); err != nil {
				log.Warn().Err(err).Str("component", "asr").Str("provider", "volcengine").Msg("unparseable response")
				continue
			}
			if resp.Code != 0 && resp.Code != 20000000 {
				r.fail(cb, fmt.Errorf("volcengine asr: api error %d: %s", resp.Code, resp.Message))
				return
			}
			r.dispatch(cb, resp.Result.Utterances)
			if msg.IsLastPacket() {
				return
			}
		}
	}
}

// dispatch reports utterances that became definite since the last response,
// then the current partial hypothesis if it changed.
func (r *VolcengineRecognizer) dispatch(cb Callback, utterances []volcengineUtterance) {
	r.mu.Lock()
	var finals []string
	partial := ""
	for i, u := range utterances {
		if u.Definite {
			if i >= r.finalized {
				finals = append(finals, u.Text)
				r.transcript.WriteString(u.Text)
				r.finalized = i + 1
			}
			continue
		}
		partial = u.Text
	}
	emitPartial := partial != "" && partial != r.partial
	r.partial = partial
	r.mu.Unlock()

	for _, text := range finals {
		cb.OnEvent(text, true)
	}
	if emitPartial {
		cb.OnEvent(partial, false)
	}
}

func (r *VolcengineRecognizer) fail(cb Callback, err error) {
	r.mu.Lock()
	r.readErr = err
	r.mu.Unlock()
	cb.OnError(err)
}

func (r *VolcengineRecognizer) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readErr
}

func (r *VolcengineRecognizer) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.String()
}
