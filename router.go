package freerouter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// defaultMaxOutputTokens is used to size the cost estimate when a request
// does not set max_tokens.
const defaultMaxOutputTokens = 1024

// contextWindowSlack is the safety margin applied when filtering a fallback
// chain by context window: a model is dropped only if its window is smaller
// than totalTokens scaled by this factor.
const contextWindowSlack = 1.1

// autoModelSentinels are the front-side model values that mean "let the
// classifier choose" rather than naming an explicit upstream model.
var autoModelSentinels = map[string]bool{
	"":                true,
	"auto":            true,
	"freerouter/auto": true,
}

// Router classifies, routes, and dispatches chat completion requests across
// the configured tier table. Configuration is held as an atomically swapped
// snapshot so a reload never blocks or races an in-flight request.
type Router struct {
	cfg atomic.Pointer[Config]

	upstreams map[string]Upstream // keyed by provider name
	prices    PriceTable
	meter     Meter
	stats     *Stats
}

// Option configures a Router.
type Option func(*Router)

// WithMeter sets the meter used to observe routing and result events.
func WithMeter(m Meter) Option {
	return func(r *Router) { r.meter = m }
}

// WithStats sets the Stats tracker. A fresh one is created if not supplied.
func WithStats(s *Stats) Option {
	return func(r *Router) { r.stats = s }
}

// WithPrices sets the price catalog used for cost/savings accounting.
// Callers wire in their own catalog; Router never fetches prices on its
// own.
func WithPrices(p PriceTable) Option {
	return func(r *Router) { r.prices = p }
}

// NewRouter creates a Router over the given config and upstream adapters,
// keyed by provider name (matching Config.Providers' keys).
func NewRouter(cfg Config, upstreams map[string]Upstream, opts ...Option) (*Router, error) {
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("freerouter: at least one upstream is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Router{upstreams: upstreams}
	r.cfg.Store(&cfg)

	for _, opt := range opts {
		opt(r)
	}

	if r.meter == nil {
		r.meter = &noopMeter{}
	}
	if r.stats == nil {
		r.stats = NewStats()
	}

	return r, nil
}

// noopMeter is defined locally (rather than imported from the meter
// package) to avoid an import cycle with package meter, which itself
// imports freerouter.
type noopMeter struct{}

func (m *noopMeter) OnRoute(RouteEvent)   {}
func (m *noopMeter) OnResult(ResultEvent) {}

// Snapshot returns the currently active configuration.
func (r *Router) Snapshot() Config {
	return *r.cfg.Load()
}

// Reload validates cfg and, if valid, atomically swaps it in as the active
// configuration. In-flight requests keep using the snapshot they already
// loaded.
func (r *Router) Reload(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.cfg.Store(&cfg)
	return nil
}

// Meter returns the router's configured Meter.
func (r *Router) Meter() Meter { return r.meter }

// StatsTracker returns the router's Stats tracker.
func (r *Router) StatsTracker() *Stats { return r.stats }

// Upstream resolves the upstream adapter registered for a provider name.
func (r *Router) Upstream(provider string) (Upstream, bool) {
	u, ok := r.upstreams[provider]
	return u, ok
}

// Route classifies req and produces its RoutingDecision, the extracted
// system/conversation context, and an effective copy of req with any mode
// override directive stripped from its final user message. It performs no
// I/O and is safe for concurrent use.
func (r *Router) Route(req ChatRequest) (RoutingDecision, ExtractedContext, ChatRequest, error) {
	cfg := r.Snapshot()

	extracted, err := ExtractContext(req.Messages)
	if err != nil {
		return RoutingDecision{}, ExtractedContext{}, req, err
	}
	effective := req

	if !autoModelSentinels[req.Model] {
		decision := r.decide(cfg, ModelId(req.Model), TierUnknown, 0, MethodExplicit,
			"explicit model requested", extracted, effective)
		return decision, extracted, effective, r.checkChainResolvable(cfg, decision.Chain)
	}

	if ov, ok := ParseModeOverride(extracted.LastUserMessage); ok {
		effective.Messages = replaceLastUserText(effective.Messages, ov.StrippedText)
		extracted.LastUserMessage = ov.StrippedText
		route, ok := activeTable(cfg, cfg.Agentic)[ov.Tier]
		if !ok {
			return RoutingDecision{}, ExtractedContext{}, req, fmt.Errorf("freerouter: no tier route configured for %s", ov.Tier)
		}
		decision := r.decide(cfg, route.Primary, ov.Tier, 1.0, MethodOverride,
			"user-mode: "+strings.ToLower(ov.Tier.String()), extracted, effective)
		decision.Chain = buildChain(cfg, route, decision.Model, EstimateTokens(extracted.SystemPrompt)+EstimateMessagesTokens(effective.Messages))
		return decision, extracted, effective, r.checkChainResolvable(cfg, decision.Chain)
	}

	result := Classify(extracted.ClassificationInput, extracted.SystemPrompt, cfg.Scoring)
	tier := result.Tier
	confidence := result.Confidence
	if !result.HasTier {
		tier = cfg.Scoring.AmbiguousDefaultTier
		confidence = 0.5
	}

	agentic := cfg.Agentic || result.AgenticScore >= cfg.Scoring.AgenticThreshold
	table := activeTable(cfg, agentic)
	route, ok := table[tier]
	if !ok {
		return RoutingDecision{}, ExtractedContext{}, req, fmt.Errorf("freerouter: no tier route configured for %s", tier)
	}

	reasoning := fmt.Sprintf("classifier score=%.3f confidence=%.3f agentic=%.3f", result.Score, result.Confidence, result.AgenticScore)
	decision := r.decide(cfg, route.Primary, tier, confidence, MethodRules, reasoning, extracted, effective)
	decision.Chain = buildChain(cfg, route, decision.Model, EstimateTokens(extracted.SystemPrompt)+EstimateMessagesTokens(effective.Messages))
	return decision, extracted, effective, r.checkChainResolvable(cfg, decision.Chain)
}

// activeTable selects between the base and agentic tier tables. The branch
// exists even when the two tables are identical so operators can diverge
// them via config alone.
func activeTable(cfg Config, agentic bool) TierTable {
	if agentic && len(cfg.AgenticTiers) > 0 {
		return cfg.AgenticTiers
	}
	return cfg.Tiers
}

// checkChainResolvable enforces the registry invariant: every chain entry
// must key-resolve to a configured provider before any upstream call is
// made. The HTTP lifecycle surfaces a failure here as a BadRequest.
func (r *Router) checkChainResolvable(cfg Config, chain []ModelId) error {
	for _, m := range chain {
		if _, ok := cfg.Providers[m.Provider()]; !ok {
			return fmt.Errorf("%w: model %q references unknown provider %q", ErrModelNotFound, m, m.Provider())
		}
	}
	return nil
}

func (r *Router) decide(cfg Config, model ModelId, tier Tier, confidence float64, method RoutingMethod, reasoning string, extracted ExtractedContext, effective ChatRequest) RoutingDecision {
	inputTokens := EstimateTokens(extracted.SystemPrompt) + EstimateMessagesTokens(effective.Messages)
	maxOut := int64(defaultMaxOutputTokens)
	if effective.MaxTokens != nil {
		maxOut = int64(*effective.MaxTokens)
	}

	price := lookupPrice(r.prices, model)
	cost := estimateCost(price, inputTokens, maxOut)
	baseline := baselineCost(r.prices, inputTokens, maxOut)

	decision := RoutingDecision{
		Model:        model,
		Tier:         tier,
		Confidence:   confidence,
		Method:       method,
		Reasoning:    reasoning,
		CostEstimate: cost,
		BaselineCost: baseline,
		Savings:      savingsOf(cost, baseline),
		Chain:        []ModelId{model},
	}
	return decision
}

// buildChain assembles [primary, ...fallback], dropping any model whose
// configured provider advertises a context window smaller than
// totalTokens*contextWindowSlack. If filtering would empty the chain, the
// unfiltered chain is returned instead.
func buildChain(cfg Config, route TierRoute, primary ModelId, totalTokens int64) []ModelId {
	full := make([]ModelId, 0, 1+len(route.Fallback))
	full = append(full, primary)
	full = append(full, route.Fallback...)

	need := float64(totalTokens) * contextWindowSlack
	filtered := make([]ModelId, 0, len(full))
	for _, m := range full {
		desc, ok := cfg.Providers[m.Provider()]
		if !ok || desc.ContextWindow == 0 || float64(desc.ContextWindow) >= need {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == 0 {
		return full
	}
	return filtered
}

func replaceLastUserText(messages []Message, text string) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == "user" {
			out[i].Content = MessageContent{Text: text}
			break
		}
	}
	return out
}

// ChatCompletion performs a synchronous chat completion, classifying req and
// walking its fallback chain until one upstream attempt succeeds or every
// candidate has failed fatally or exhaustively.
func (r *Router) ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, RoutingDecision, error) {
	decision, _, effective, err := r.Route(req)
	if err != nil {
		return ChatResponse{}, RoutingDecision{}, err
	}
	resp, err := r.DispatchChat(ctx, decision, effective)
	return resp, decision, err
}

// DispatchChat walks decision.Chain, attempting each candidate model in
// turn until one upstream call succeeds or every candidate has failed. It
// performs no classification of its own, so callers that already hold a
// RoutingDecision avoid re-routing. The HTTP request lifecycle uses the
// per-attempt-deadlined variant, DispatchChatDeadlined.
func (r *Router) DispatchChat(ctx context.Context, decision RoutingDecision, effective ChatRequest) (ChatResponse, error) {
	cfg := r.Snapshot()
	r.stats.RecordRequest(decision.Tier)

	var lastErr error
	for attempt, model := range decision.Chain {
		desc, ok := cfg.Providers[model.Provider()]
		if !ok {
			lastErr = fmt.Errorf("%w: provider %q", ErrProviderUnavailable, model.Provider())
			continue
		}
		upstream, ok := r.upstreams[desc.Name]
		if !ok {
			lastErr = fmt.Errorf("%w: no upstream registered for %q", ErrProviderUnavailable, desc.Name)
			continue
		}

		r.meter.OnRoute(RouteEvent{
			Tier:        decision.Tier,
			Model:       model,
			Method:      decision.Method,
			Confidence:  decision.Confidence,
			AttemptNum:  attempt + 1,
			EstimatedIn: EstimateMessagesTokens(effective.Messages),
		})
		r.stats.RecordAttempt(model)

		start := time.Now()
		resp, err := upstream.ChatCompletion(ctx, UpstreamRequest{
			Descriptor: desc,
			Model:      model.Model(),
			Tier:       decision.Tier,
			Front:      effective,
		})
		duration := time.Since(start)

		if err != nil {
			timeout := IsTimeout(err)
			if timeout {
				r.stats.RecordTimeout()
			} else {
				r.stats.RecordError()
			}
			r.meter.OnResult(ResultEvent{
				Tier: decision.Tier, Model: model, Success: false,
				Timeout: timeout, Duration: duration, Error: err,
			})
			if IsFatal(err) {
				return ChatResponse{}, &RouterError{Err: err, Tier: decision.Tier, Model: model, Attempts: attempt + 1}
			}
			lastErr = err
			continue
		}

		r.meter.OnResult(ResultEvent{
			Tier: decision.Tier, Model: model, Success: true,
			Duration: duration, Usage: resp.Usage,
		})
		return resp, nil
	}

	return ChatResponse{}, &RouterError{Err: fmt.Errorf("%w: %v", ErrAllFallbacksFailed, lastErr), Tier: decision.Tier, Attempts: len(decision.Chain)}
}

// ChatCompletionStream performs a streaming chat completion. It walks the
// fallback chain to find an upstream that accepts the request and opens a
// stream; once a stream is returned, further fallback (only while no bytes
// have reached the client yet) is the HTTP lifecycle's responsibility, since
// only it knows how much of the response has already been flushed.
func (r *Router) ChatCompletionStream(ctx context.Context, req ChatRequest) (UpstreamStream, RoutingDecision, error) {
	decision, _, effective, err := r.Route(req)
	if err != nil {
		return nil, RoutingDecision{}, err
	}
	cfg := r.Snapshot()
	r.stats.RecordRequest(decision.Tier)

	var lastErr error
	for attempt, model := range decision.Chain {
		desc, ok := cfg.Providers[model.Provider()]
		if !ok {
			lastErr = fmt.Errorf("%w: provider %q", ErrProviderUnavailable, model.Provider())
			continue
		}
		upstream, ok := r.upstreams[desc.Name]
		if !ok {
			lastErr = fmt.Errorf("%w: no upstream registered for %q", ErrProviderUnavailable, desc.Name)
			continue
		}

		r.meter.OnRoute(RouteEvent{
			Tier:        decision.Tier,
			Model:       model,
			Method:      decision.Method,
			Confidence:  decision.Confidence,
			AttemptNum:  attempt + 1,
			EstimatedIn: EstimateMessagesTokens(effective.Messages),
		})
		r.stats.RecordAttempt(model)

		stream, err := upstream.ChatCompletionStream(ctx, UpstreamRequest{
			Descriptor: desc,
			Model:      model.Model(),
			Tier:       decision.Tier,
			Front:      effective,
		})
		if err != nil {
			timeout := IsTimeout(err)
			if timeout {
				r.stats.RecordTimeout()
			} else {
				r.stats.RecordError()
			}
			r.meter.OnResult(ResultEvent{Tier: decision.Tier, Model: model, Success: false, Timeout: timeout, Error: err})
			if IsFatal(err) {
				return nil, decision, &RouterError{Err: err, Tier: decision.Tier, Model: model, Attempts: attempt + 1}
			}
			lastErr = err
			continue
		}

		return stream, decision, nil
	}

	return nil, decision, &RouterError{Err: fmt.Errorf("%w: %v", ErrAllFallbacksFailed, lastErr), Tier: decision.Tier, Attempts: len(decision.Chain)}
}

// RemainingChain returns the candidates in decision.Chain after model,
// used by the HTTP lifecycle to continue a pre-headers fallback once an
// opened stream's first read fails.
func RemainingChain(decision RoutingDecision, model ModelId) []ModelId {
	for i, m := range decision.Chain {
		if m == model {
			return decision.Chain[i+1:]
		}
	}
	return nil
}

// resolveUpstream looks up the provider descriptor and registered Upstream
// adapter for model under cfg, used by every chain-walking entry point.
func (r *Router) resolveUpstream(cfg Config, model ModelId) (ProviderDescriptor, Upstream, error) {
	desc, ok := cfg.Providers[model.Provider()]
	if !ok {
		return ProviderDescriptor{}, nil, fmt.Errorf("%w: provider %q", ErrProviderUnavailable, model.Provider())
	}
	upstream, ok := r.upstreams[desc.Name]
	if !ok {
		return ProviderDescriptor{}, nil, fmt.Errorf("%w: no upstream registered for %q", ErrProviderUnavailable, desc.Name)
	}
	return desc, upstream, nil
}

// DispatchChatDeadlined walks decision.Chain like DispatchChat, but bounds
// every individual attempt by its own perAttempt timeout rather than one
// deadline shared across the whole chain. Since context.WithTimeout always
// resolves to the earlier of the parent's deadline and perAttempt, any
// caller-supplied deadline on ctx still bounds every attempt even though
// each gets a fresh perAttempt budget. A perAttempt of zero disables the
// per-attempt timeout (ctx's own deadline, if any, still applies). The
// HTTP request lifecycle uses this instead of DispatchChat so a stalled
// primary doesn't starve the fallback's budget.
func (r *Router) DispatchChatDeadlined(ctx context.Context, decision RoutingDecision, effective ChatRequest, perAttempt time.Duration) (ChatResponse, ModelId, error) {
	cfg := r.Snapshot()

	var lastErr error
	for attempt, model := range decision.Chain {
		desc, upstream, err := r.resolveUpstream(cfg, model)
		if err != nil {
			lastErr = err
			continue
		}

		r.meter.OnRoute(RouteEvent{
			Tier: decision.Tier, Model: model, Method: decision.Method,
			Confidence: decision.Confidence, AttemptNum: attempt + 1,
			EstimatedIn: EstimateMessagesTokens(effective.Messages),
		})
		r.stats.RecordAttempt(model)

		attemptCtx := ctx
		var cancel context.CancelFunc = func() {}
		if perAttempt > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, perAttempt)
		}
		start := time.Now()
		resp, err := upstream.ChatCompletion(attemptCtx, UpstreamRequest{
			Descriptor: desc, Model: model.Model(), Tier: decision.Tier, Front: effective,
		})
		duration := time.Since(start)
		if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = ErrUpstreamTimeout
		}
		cancel()

		if err != nil {
			timeout := IsTimeout(err)
			if timeout {
				r.stats.RecordTimeout()
			} else {
				r.stats.RecordError()
			}
			r.meter.OnResult(ResultEvent{Tier: decision.Tier, Model: model, Success: false, Timeout: timeout, Duration: duration, Error: err})
			if IsFatal(err) {
				return ChatResponse{}, model, &RouterError{Err: err, Tier: decision.Tier, Model: model, Attempts: attempt + 1}
			}
			lastErr = err
			continue
		}

		r.meter.OnResult(ResultEvent{Tier: decision.Tier, Model: model, Success: true, Duration: duration, Usage: resp.Usage})
		return resp, model, nil
	}

	return ChatResponse{}, "", &RouterError{Err: fmt.Errorf("%w: %v", ErrAllFallbacksFailed, lastErr), Tier: decision.Tier, Attempts: len(decision.Chain)}
}

// OpenStreamDeadlined walks decision.Chain attempting to open a stream
// against each candidate in turn, each bounded by its own perAttempt
// timeout (see DispatchChatDeadlined). It returns on the first candidate
// that successfully opens a stream; the caller (the HTTP lifecycle) is
// responsible for the stall-timeout and post-headers failure handling of
// the returned stream, since only it knows whether client bytes have
// already been written.
func (r *Router) OpenStreamDeadlined(ctx context.Context, decision RoutingDecision, effective ChatRequest, perAttempt time.Duration) (UpstreamStream, ModelId, error) {
	cfg := r.Snapshot()

	var lastErr error
	for attempt, model := range decision.Chain {
		desc, upstream, err := r.resolveUpstream(cfg, model)
		if err != nil {
			lastErr = err
			continue
		}

		r.meter.OnRoute(RouteEvent{
			Tier: decision.Tier, Model: model, Method: decision.Method,
			Confidence: decision.Confidence, AttemptNum: attempt + 1,
			EstimatedIn: EstimateMessagesTokens(effective.Messages),
		})
		r.stats.RecordAttempt(model)

		attemptCtx := ctx
		var cancel context.CancelFunc = func() {}
		if perAttempt > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, perAttempt)
		}
		stream, err := upstream.ChatCompletionStream(attemptCtx, UpstreamRequest{
			Descriptor: desc, Model: model.Model(), Tier: decision.Tier, Front: effective,
		})
		if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = ErrUpstreamTimeout
		}
		if err != nil {
			cancel()
			timeout := IsTimeout(err)
			if timeout {
				r.stats.RecordTimeout()
			} else {
				r.stats.RecordError()
			}
			r.meter.OnResult(ResultEvent{Tier: decision.Tier, Model: model, Success: false, Timeout: timeout, Error: err})
			if IsFatal(err) {
				return nil, model, &RouterError{Err: err, Tier: decision.Tier, Model: model, Attempts: attempt + 1}
			}
			lastErr = err
			continue
		}

		return &deadlineBoundStream{inner: stream, cancel: cancel}, model, nil
	}

	return nil, "", &RouterError{Err: fmt.Errorf("%w: %v", ErrAllFallbacksFailed, lastErr), Tier: decision.Tier, Attempts: len(decision.Chain)}
}

// deadlineBoundStream keeps the per-attempt context alive for the stream's
// whole lifetime — the tier deadline bounds the entire attempt, connect
// through final chunk, not just the initial connect — and releases its
// cancel func on Close so the context is never leaked.
type deadlineBoundStream struct {
	inner  UpstreamStream
	cancel context.CancelFunc
}

func (s *deadlineBoundStream) Next() (ChatCompletionChunk, error) { return s.inner.Next() }
func (s *deadlineBoundStream) Close() error {
	err := s.inner.Close()
	s.cancel()
	return err
}

// AttemptModel resolves and opens a stream against a single named model
// from a chain, counting it as one attempt for that model. It applies no
// per-attempt timeout and emits no meter events.
func (r *Router) AttemptModel(ctx context.Context, model ModelId, decision RoutingDecision, effective ChatRequest) (UpstreamStream, error) {
	cfg := r.Snapshot()
	desc, ok := cfg.Providers[model.Provider()]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", ErrProviderUnavailable, model.Provider())
	}
	upstream, ok := r.upstreams[desc.Name]
	if !ok {
		return nil, fmt.Errorf("%w: no upstream registered for %q", ErrProviderUnavailable, desc.Name)
	}
	r.stats.RecordAttempt(model)
	return upstream.ChatCompletionStream(ctx, UpstreamRequest{
		Descriptor: desc,
		Model:      model.Model(),
		Tier:       decision.Tier,
		Front:      effective,
	})
}
