// Package llmtest provides deterministic adapters for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/edumind/backend/internal/llm"
)

// ErrScripted is the failure injected by Adapter.FailAfter.
var ErrScripted = errors.New("llmtest: scripted failure")

// Adapter replays a fixed script of deltas.
type Adapter struct {
	ID string

	// Deltas are emitted in order by Stream.
	Deltas []llm.TokenDelta
	// FailAfter, when >= 0, fails the stream after that many deltas.
	FailAfter int
	// Reply is returned by Complete unless CompleteErr is set.
	Reply       string
	CompleteErr error

	mu       sync.Mutex
	requests []llm.Request
}

// New returns an adapter that streams deltas and never fails.
func New(id string, deltas ...llm.TokenDelta) *Adapter {
	return &Adapter{ID: id, Deltas: deltas, FailAfter: -1}
}

// Answer is shorthand for an answer delta.
func Answer(text string) llm.TokenDelta {
	return llm.TokenDelta{Kind: llm.KindAnswer, Text: text}
}

// Reasoning is shorthand for a reasoning delta.
func Reasoning(text string) llm.TokenDelta {
	return llm.TokenDelta{Kind: llm.KindReasoning, Text: text}
}

func (a *Adapter) Name() string { return a.ID }

func (a *Adapter) Stream(ctx context.Context, req llm.Request) <-chan llm.Chunk {
	a.record(req)
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for i, d := range a.Deltas {
			if a.FailAfter >= 0 && i == a.FailAfter {
				break
			}
			select {
			case out <- llm.Chunk{Delta: d}:
			case <-ctx.Done():
				return
			}
		}
		if a.FailAfter >= 0 {
			select {
			case out <- llm.Chunk{Err: &llm.StreamFailure{Adapter: a.ID, Err: ErrScripted}}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

func (a *Adapter) Complete(_ context.Context, req llm.Request) (string, error) {
	a.record(req)
	if a.CompleteErr != nil {
		return "", a.CompleteErr
	}
	return a.Reply, nil
}

// Requests returns the requests received so far.
func (a *Adapter) Requests() []llm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]llm.Request, len(a.requests))
	copy(out, a.requests)
	return out
}

func (a *Adapter) record(req llm.Request) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
}
