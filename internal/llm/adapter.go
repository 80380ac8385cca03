// Package llm wraps streaming chat-completion providers behind one capability:
// submit a prompt with history and receive token deltas tagged as reasoning or
// answer content.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/edumind/backend/internal/model/chat"
)

// Kind tags a delta as intermediate reasoning or final answer text.
type Kind string

const (
	KindReasoning Kind = "reasoning"
	KindAnswer    Kind = "answer"
)

// TokenDelta is one incremental fragment of model output.
type TokenDelta struct {
	Kind Kind
	Text string
}

// Chunk is one step of a stream. A chunk with a non-nil Err is the last one
// the stream produces.
type Chunk struct {
	Delta TokenDelta
	Err   error
}

// Request is the input of a single model call.
type Request struct {
	SystemPrompt string
	History      []chat.Turn
	Prompt       string
}

// Adapter is implemented by every provider binding. Adapters are stateless
// after construction and safe for concurrent use.
type Adapter interface {
	Name() string
	// Stream starts a call and returns its deltas. The channel is closed after
	// end-of-stream or after a Chunk carrying a *StreamFailure.
	Stream(ctx context.Context, req Request) <-chan Chunk
	// Complete runs a non-streaming call and returns the final text.
	Complete(ctx context.Context, req Request) (string, error)
}

// ErrEmptyResponse is returned by Complete when the provider replied with no text.
var ErrEmptyResponse = errors.New("llm: empty response")

// StreamFailure reports a transport or provider failure in the middle of a
// stream. Adapters never retry.
type StreamFailure struct {
	Adapter string
	Err     error
}

func (f *StreamFailure) Error() string {
	return fmt.Sprintf("llm %s: stream failed: %v", f.Adapter, f.Err)
}

func (f *StreamFailure) Unwrap() error { return f.Err }

// IsStreamFailure reports whether err carries a *StreamFailure.
func IsStreamFailure(err error) bool {
	var sf *StreamFailure
	return errors.As(err, &sf)
}

// emitter pushes chunks into a stage's output channel. Sends give up only
// when the consumer's context ends; the per-call deadline lives on call and is
// reported as a failure by finish.
type emitter struct {
	consumer context.Context
	call     context.Context
	name     string
	out      chan<- Chunk
}

func (e emitter) delta(kind Kind, text string) bool {
	if text == "" {
		return true
	}
	select {
	case e.out <- Chunk{Delta: TokenDelta{Kind: kind, Text: text}}:
		return true
	case <-e.consumer.Done():
		return false
	}
}

// finish closes out a stage. err is the provider error, if any. A call that
// hit its deadline always ends with a failure, even when the provider
// reported a clean end of stream. Nothing is sent once the consumer is gone.
func (e emitter) finish(err error) {
	if e.consumer.Err() != nil {
		return
	}
	if errors.Is(e.call.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		if err == nil {
			err = context.DeadlineExceeded
		} else {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
	}
	if err == nil {
		return
	}
	select {
	case e.out <- Chunk{Err: &StreamFailure{Adapter: e.name, Err: err}}:
	case <-e.consumer.Done():
	}
}
