// Package mock provides a scriptable fake Upstream for tests: configurable
// replies, latency, and forced errors, without any network traffic.
package mock

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/freerouter-dev/freerouter"
)

// Upstream is a fake freerouter.Upstream driven entirely by its Option
// configuration.
type Upstream struct {
	latency      time.Duration
	failAfter    int64
	staticErr    error
	usage        freerouter.Usage
	responseFunc func(freerouter.UpstreamRequest) (freerouter.ChatResponse, error)
	streamFunc   func(freerouter.UpstreamRequest) ([]freerouter.ChatCompletionChunk, error)
	streamTail   error
	callCount    atomic.Int64
}

// Option configures an Upstream.
type Option func(*Upstream)

// New creates a mock upstream that, by default, returns a canned successful
// response with zero latency.
func New(opts ...Option) *Upstream {
	u := &Upstream{
		usage: freerouter.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// WithLatency adds a fixed delay before every response.
func WithLatency(d time.Duration) Option {
	return func(u *Upstream) { u.latency = d }
}

// WithFailAfter makes the Nth call onward (1-indexed) return staticErr (or
// ErrProviderUnavailable if none was set), simulating a flaky upstream.
func WithFailAfter(n int64) Option {
	return func(u *Upstream) { u.failAfter = n }
}

// WithError makes every call fail with err.
func WithError(err error) Option {
	return func(u *Upstream) {
		u.staticErr = err
		u.failAfter = 1
	}
}

// WithUsage overrides the usage reported by the canned response.
func WithUsage(usage freerouter.Usage) Option {
	return func(u *Upstream) { u.usage = usage }
}

// WithResponseFunc overrides the non-streaming response entirely.
func WithResponseFunc(f func(freerouter.UpstreamRequest) (freerouter.ChatResponse, error)) Option {
	return func(u *Upstream) { u.responseFunc = f }
}

// WithStreamChunks scripts the exact chunk sequence a streaming call
// returns.
func WithStreamChunks(f func(freerouter.UpstreamRequest) ([]freerouter.ChatCompletionChunk, error)) Option {
	return func(u *Upstream) { u.streamFunc = f }
}

// WithStreamTailError makes every stream end with err after its scripted
// chunks instead of a clean io.EOF, simulating a mid-stream upstream
// failure after bytes have already reached the client.
func WithStreamTailError(err error) Option {
	return func(u *Upstream) { u.streamTail = err }
}

// CallCount returns the number of ChatCompletion/ChatCompletionStream calls
// made so far.
func (u *Upstream) CallCount() int64 { return u.callCount.Load() }

func (u *Upstream) shouldFail(n int64) error {
	if u.failAfter > 0 && n >= u.failAfter {
		if u.staticErr != nil {
			return u.staticErr
		}
		return freerouter.ErrProviderUnavailable
	}
	return nil
}

func (u *Upstream) ChatCompletion(ctx context.Context, req freerouter.UpstreamRequest) (freerouter.ChatResponse, error) {
	n := u.callCount.Add(1)
	if u.latency > 0 {
		select {
		case <-time.After(u.latency):
		case <-ctx.Done():
			return freerouter.ChatResponse{}, ctx.Err()
		}
	}
	if err := u.shouldFail(n); err != nil {
		return freerouter.ChatResponse{}, err
	}
	if u.responseFunc != nil {
		return u.responseFunc(req)
	}
	return freerouter.ChatResponse{
		ID:     "mock-chatcmpl",
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []freerouter.Choice{{
			Index:        0,
			Message:      freerouter.Message{Role: "assistant", Content: freerouter.MessageContent{Text: "mock reply"}},
			FinishReason: "stop",
		}},
		Usage: u.usage,
	}, nil
}

func (u *Upstream) ChatCompletionStream(ctx context.Context, req freerouter.UpstreamRequest) (freerouter.UpstreamStream, error) {
	n := u.callCount.Add(1)
	if u.latency > 0 {
		select {
		case <-time.After(u.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := u.shouldFail(n); err != nil {
		return nil, err
	}

	var chunks []freerouter.ChatCompletionChunk
	if u.streamFunc != nil {
		var err error
		chunks, err = u.streamFunc(req)
		if err != nil {
			return nil, err
		}
	} else {
		chunks = []freerouter.ChatCompletionChunk{
			{
				ID: "mock-chatcmpl", Object: "chat.completion.chunk", Model: req.Model,
				Choices: []freerouter.StreamChoice{{Index: 0, Delta: freerouter.Delta{Role: "assistant", Content: "mock "}}},
			},
			{
				ID: "mock-chatcmpl", Object: "chat.completion.chunk", Model: req.Model,
				Choices: []freerouter.StreamChoice{{Index: 0, Delta: freerouter.Delta{Content: "reply"}, FinishReason: freerouter.StrPtr("stop")}},
			},
		}
	}
	return &stream{chunks: chunks, tail: u.streamTail}, nil
}

// stream replays a pre-scripted chunk sequence.
type stream struct {
	chunks []freerouter.ChatCompletionChunk
	tail   error
	idx    int
}

func (s *stream) Next() (freerouter.ChatCompletionChunk, error) {
	if s.idx >= len(s.chunks) {
		if s.tail != nil {
			return freerouter.ChatCompletionChunk{}, s.tail
		}
		return freerouter.ChatCompletionChunk{}, io.EOF
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, nil
}

func (s *stream) Close() error { return nil }
