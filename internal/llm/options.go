package llm

import (
	"context"
	"time"
)

const defaultBufferSize = 16

type options struct {
	timeout     time.Duration
	bufferSize  int
	temperature *float64
	topP        *float64
	maxTokens   *int
	extraFields map[string]any
}

// Option tunes an adapter.
type Option func(*options)

// WithTimeout bounds every call made by the adapter. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithBufferSize sets the capacity of the delta channel between the provider
// stage and its consumer.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithTemperature overrides the sampling temperature where the provider allows it.
func WithTemperature(t float64) Option {
	return func(o *options) { o.temperature = &t }
}

// WithTopP overrides nucleus sampling where the provider allows it.
func WithTopP(p float64) Option {
	return func(o *options) { o.topP = &p }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTokens = &n
		}
	}
}

// WithExtraFields adds provider specific request body fields.
func WithExtraFields(fields map[string]any) Option {
	return func(o *options) { o.extraFields = fields }
}

func applyOptions(opts []Option) options {
	o := options{bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
