package session

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/edumind/backend/internal/model/event"
)

// asrBridge turns recognizer callbacks into session events. It never writes
// to the transport itself.
type asrBridge struct {
	emit func(event.StreamEvent) bool

	mu       sync.Mutex
	finals   strings.Builder
	detached bool
}

func newASRBridge(emit func(event.StreamEvent) bool) *asrBridge {
	return &asrBridge{emit: emit}
}

func (b *asrBridge) OnEvent(text string, sentenceEnd bool) {
	if text == "" {
		return
	}

	b.mu.Lock()
	if b.detached {
		b.mu.Unlock()
		return
	}
	if sentenceEnd {
		b.finals.WriteString(text)
	}
	b.mu.Unlock()

	if sentenceEnd {
		b.emit(event.AsrFinal(text))
		return
	}
	b.emit(event.AsrPartial(text))
}

func (b *asrBridge) OnError(err error) {
	if b.isDetached() {
		return
	}
	b.emit(event.Error("ASR error: " + err.Error()))
}

func (b *asrBridge) OnClose() {
	log.Debug().Str("component", "asr").Msg("recognizer closed")
}

// transcript returns the concatenated final sentences.
func (b *asrBridge) transcript() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finals.String()
}

// detach drops any callbacks that arrive after the recording ended.
func (b *asrBridge) detach() {
	b.mu.Lock()
	b.detached = true
	b.mu.Unlock()
}

func (b *asrBridge) isDetached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detached
}
