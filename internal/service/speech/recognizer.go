// Package speech streams microphone audio to a realtime speech recognizer.
package speech

import (
	"context"
	"errors"
	"fmt"

	speechmodel "github.com/edumind/backend/internal/model/speech"
)

var (
	ErrNotConfigured = errors.New("speech: recognizer not configured")
	ErrNotStarted    = errors.New("speech: recognizer not started")
)

// Callback receives recognizer output. Methods are called from the
// recognizer's read goroutine, one at a time.
type Callback interface {
	// OnEvent delivers recognized text. sentenceEnd marks a finished sentence;
	// otherwise text is a partial hypothesis for the current sentence.
	OnEvent(text string, sentenceEnd bool)
	OnError(err error)
	// OnClose is called once after the recognizer has stopped reading.
	OnClose()
}

// Recognizer is one realtime recognition task.
type Recognizer interface {
	Start(ctx context.Context, cb Callback) error
	// SendFrame forwards one chunk of PCM audio verbatim.
	SendFrame(frame []byte) error
	// Stop flushes pending audio, waits for the final result and returns the
	// full transcript.
	Stop(ctx context.Context) (string, error)
}

// Factory creates a fresh Recognizer for each recording.
type Factory func() Recognizer

// NewFactory returns a factory for the configured provider.
func NewFactory(cfg speechmodel.Config) (Factory, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}
	cfg = withDefaults(cfg)

	switch cfg.Provider {
	case speechmodel.ProviderDashScope:
		return func() Recognizer { return NewDashScopeRecognizer(cfg) }, nil
	case speechmodel.ProviderVolcengine:
		return func() Recognizer { return NewVolcengineRecognizer(cfg) }, nil
	default:
		return nil, fmt.Errorf("speech: unknown provider %q", cfg.Provider)
	}
}

func withDefaults(cfg speechmodel.Config) speechmodel.Config {
	if cfg.Format == "" {
		cfg.Format = "pcm"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Language == "" {
		cfg.Language = "zh-CN"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.DashScope.URL == "" {
		cfg.DashScope.URL = defaultDashScopeURL
	}
	if cfg.DashScope.Model == "" {
		cfg.DashScope.Model = defaultDashScopeModel
	}
	if cfg.Volcengine.URL == "" {
		cfg.Volcengine.URL = defaultVolcengineURL
	}
	return cfg
}
