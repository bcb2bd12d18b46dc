package freerouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxBodyBytes bounds the size of an incoming chat completion body before
// decoding untrusted JSON.
const maxBodyBytes = 20 << 20

// reasoningHeaderChars is the truncation length for X-FreeRouter-Reasoning.
const reasoningHeaderChars = 200

// Lifecycle drives a single request from body read through classification,
// chain building, and fallback to completion or error. It holds no
// per-request state itself; everything it needs travels through the method
// arguments of each call.
type Lifecycle struct {
	Router *Router
}

// NewLifecycle creates a Lifecycle over router.
func NewLifecycle(router *Router) *Lifecycle {
	return &Lifecycle{Router: router}
}

// ServeChatCompletion is the handler for POST /v1/chat/completions and
// POST /chat/completions.
func (l *Lifecycle) ServeChatCompletion(w http.ResponseWriter, r *http.Request) {
	req, ferr := l.readAndValidate(r)
	if ferr != nil {
		writeFrontError(w, ferr)
		return
	}

	decision, _, effective, err := l.Router.Route(req)
	if err != nil {
		writeFrontError(w, BadRequest("unable to classify or route request", err))
		return
	}
	// Counted once per request here: the deadlined dispatch helpers below
	// may be re-entered during first-chunk fallback.
	l.Router.StatsTracker().RecordRequest(decision.Tier)

	cfg := l.Router.Snapshot()
	perAttempt := cfg.Timeouts.ForTier(decision.Tier)

	if effective.Stream {
		l.serveStream(w, r, decision, effective, cfg.Timeouts, perAttempt)
		return
	}
	l.serveNonStream(w, r, decision, effective, perAttempt)
}

// readAndValidate reads and decodes the request body: model and a
// non-empty messages array are required.
func (l *Lifecycle) readAndValidate(r *http.Request) (ChatRequest, *FrontError) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return ChatRequest{}, BadRequest("failed to read request body", err)
	}

	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ChatRequest{}, BadRequest("invalid JSON body", err)
	}
	if strings.TrimSpace(req.Model) == "" {
		return ChatRequest{}, BadRequest("model is required", ErrMissingModel)
	}
	if len(req.Messages) == 0 {
		return ChatRequest{}, BadRequest("messages must be non-empty", ErrEmptyMessages)
	}
	return req, nil
}

// tierHeaderValue renders the X-FreeRouter-Tier header, which reports
// "EXPLICIT" rather than the (meaningless, TierUnknown) tier when the
// caller named a model directly.
func tierHeaderValue(decision RoutingDecision) string {
	if decision.Method == MethodExplicit {
		return "EXPLICIT"
	}
	return decision.Tier.String()
}

func setRoutingHeaders(h http.Header, model ModelId, decision RoutingDecision) {
	h.Set("X-FreeRouter-Model", string(model))
	h.Set("X-FreeRouter-Tier", tierHeaderValue(decision))
	h.Set("X-FreeRouter-Reasoning", truncateRunes(decision.Reasoning, reasoningHeaderChars))
}

// serveNonStream implements the non-streaming half of the lifecycle. Every
// failure here is necessarily pre-headers — nothing reaches the client
// until the full response is assembled — so DispatchChatDeadlined's
// internal walk of the whole fallback chain is sufficient; no stage of
// this function itself needs to retry.
func (l *Lifecycle) serveNonStream(w http.ResponseWriter, r *http.Request, decision RoutingDecision, effective ChatRequest, perAttempt time.Duration) {
	resp, model, err := l.Router.DispatchChatDeadlined(r.Context(), decision, effective, perAttempt)
	if err != nil {
		writeFrontError(w, toFrontError(err, decision))
		return
	}

	setRoutingHeaders(w.Header(), model, decision)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// serveStream implements the streaming half of the lifecycle: it opens a
// stream against the fallback chain, validates the FIRST chunk before
// writing anything to the client (so a dead-on-arrival candidate can still
// fall back), then switches to the post-headers regime: any later failure
// tails the response with an SSE error event and [DONE] instead of
// retrying a different model, and a stall with no upstream bytes aborts
// the read the same way.
func (l *Lifecycle) serveStream(w http.ResponseWriter, r *http.Request, decision RoutingDecision, effective ChatRequest, timeouts Timeouts, perAttempt time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFrontError(w, NewFrontError(KindInternal, "streaming unsupported by response writer", nil))
		return
	}

	ctx := r.Context()
	remaining := decision
	var stream UpstreamStream
	var model ModelId
	var first ChatCompletionChunk

	for {
		s, m, err := l.Router.OpenStreamDeadlined(ctx, remaining, effective, perAttempt)
		if err != nil {
			writeFrontError(w, toFrontError(err, decision))
			return
		}
		chunk, rerr := readWithStall(s, timeouts.Stall.Std())
		if rerr != nil {
			s.Close()
			l.recordFailure(rerr)
			rest := RemainingChain(remaining, m)
			if len(rest) == 0 {
				writeFrontError(w, toFrontError(rerr, decision))
				return
			}
			remaining.Chain = rest
			continue
		}
		stream, model, first = s, m, chunk
		break
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	setRoutingHeaders(w.Header(), model, decision)
	w.WriteHeader(http.StatusOK)

	writeSSEChunk(w, first)
	flusher.Flush()
	if isFinalChunk(first) {
		writeSSEDone(w)
		flusher.Flush()
		return
	}

	for {
		chunk, err := readWithStall(stream, timeouts.Stall.Std())
		if err != nil {
			if errors.Is(err, io.EOF) {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			l.recordFailure(err)
			writeSSEErrorTail(w, err)
			flusher.Flush()
			return
		}
		writeSSEChunk(w, chunk)
		flusher.Flush()
		if isFinalChunk(chunk) {
			writeSSEDone(w)
			flusher.Flush()
			return
		}
	}
}

// recordFailure counts a mid-stream failure: the router's dispatch loop only
// accounts for failures it sees itself, so post-headers stalls and read
// errors are counted here.
func (l *Lifecycle) recordFailure(err error) {
	if IsTimeout(err) {
		l.Router.StatsTracker().RecordTimeout()
		return
	}
	l.Router.StatsTracker().RecordError()
}

func isFinalChunk(c ChatCompletionChunk) bool {
	for _, choice := range c.Choices {
		if choice.FinishReason != nil {
			return true
		}
	}
	return false
}

// readWithStall calls stream.Next() but aborts with ErrStreamStalled if no
// result arrives within stall. A stall of zero disables the check. The read goroutine is abandoned on stall; the
// caller is expected to Close the stream, which unblocks it by severing the
// underlying connection.
func readWithStall(stream UpstreamStream, stall time.Duration) (ChatCompletionChunk, error) {
	if stall <= 0 {
		return stream.Next()
	}
	type result struct {
		chunk ChatCompletionChunk
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := stream.Next()
		ch <- result{c, err}
	}()
	select {
	case res := <-ch:
		return res.chunk, res.err
	case <-time.After(stall):
		return ChatCompletionChunk{}, ErrStreamStalled
	}
}

func writeSSEChunk(w http.ResponseWriter, chunk ChatCompletionChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeSSEDone(w http.ResponseWriter) {
	fmt.Fprint(w, "data: [DONE]\n\n")
}

// writeSSEErrorTail writes the final SSE error event and [DONE] sentinel
// emitted when a stream fails after headers have already been sent to the
// client; fallback is no longer possible at this point.
func writeSSEErrorTail(w http.ResponseWriter, err error) {
	ferr := toFrontError(err, RoutingDecision{})
	payload, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": ferr.Message},
	})
	fmt.Fprintf(w, "data: %s\n\n", payload)
	writeSSEDone(w)
}

// writeFrontError writes the standard {error:{message,type,code}} JSON body
// for a pre-headers failure.
func writeFrontError(w http.ResponseWriter, ferr *FrontError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ferr.Kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": ferr.Message,
			"type":    string(ferr.Kind),
			"code":    ferr.Kind.HTTPStatus(),
		},
	})
}

// toFrontError classifies an error surfaced from the router's dispatch
// loop: a *RouterError wrapping a timeout becomes UpstreamTimeout, any
// other *RouterError becomes UpstreamError, and anything already a
// *FrontError (e.g. from classification) passes through unchanged.
func toFrontError(err error, _ RoutingDecision) *FrontError {
	var fe *FrontError
	if errors.As(err, &fe) {
		return fe
	}
	var re *RouterError
	if errors.As(err, &re) {
		if IsTimeout(re.Err) || IsTimeout(err) {
			return NewFrontError(KindUpstreamTimeout,
				fmt.Sprintf("tier %s timed out after %d attempt(s)", re.Tier, re.Attempts), re)
		}
		return NewFrontError(KindUpstreamError,
			fmt.Sprintf("tier %s: all %d attempt(s) failed: %v", re.Tier, re.Attempts, re.Err), re)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFrontError(KindUpstreamTimeout, "request deadline exceeded", err)
	}
	return NewFrontError(KindInternal, "internal error", err)
}
