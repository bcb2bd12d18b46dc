package freerouter_test

import (
	"context"
	"testing"
	"time"

	fr "github.com/freerouter-dev/freerouter"
	"github.com/freerouter-dev/freerouter/upstream/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() fr.Config {
	cfg := fr.DefaultConfig()
	cfg.Providers = map[string]fr.ProviderDescriptor{
		"anthropic": {Name: "anthropic", BaseURL: "http://unused", API: "anthropic", ContextWindow: 200_000},
		"openai":    {Name: "openai", BaseURL: "http://unused", API: "openai", ContextWindow: 128_000},
	}
	cfg.Tiers = fr.TierTable{
		fr.TierSimple:    {Primary: "anthropic/small", Fallback: []fr.ModelId{"openai/mini"}},
		fr.TierMedium:    {Primary: "anthropic/mid", Fallback: []fr.ModelId{"anthropic/small"}},
		fr.TierComplex:   {Primary: "anthropic/big", Fallback: []fr.ModelId{"anthropic/mid"}},
		fr.TierReasoning: {Primary: "anthropic/big", Fallback: []fr.ModelId{"anthropic/mid", "anthropic/small"}},
	}
	cfg.AgenticTiers = nil
	return cfg
}

func mockUpstreams() map[string]fr.Upstream {
	m := mock.New()
	return map[string]fr.Upstream{"anthropic": m, "openai": m}
}

func newTestRouter(t *testing.T, cfg fr.Config, upstreams map[string]fr.Upstream, opts ...fr.Option) *fr.Router {
	t.Helper()
	if upstreams == nil {
		upstreams = mockUpstreams()
	}
	r, err := fr.NewRouter(cfg, upstreams, opts...)
	require.NoError(t, err)
	return r
}

func autoReq(prompt string) fr.ChatRequest {
	return fr.ChatRequest{
		Model:    "auto",
		Messages: []fr.Message{{Role: "user", Content: fr.MessageContent{Text: prompt}}},
	}
}

func TestRoute_ExplicitModelSkipsClassification(t *testing.T) {
	r := newTestRouter(t, testConfig(), nil)

	req := autoReq("hi")
	req.Model = "anthropic/big"
	decision, _, _, err := r.Route(req)
	require.NoError(t, err)

	assert.Equal(t, fr.MethodExplicit, decision.Method)
	assert.Equal(t, fr.ModelId("anthropic/big"), decision.Model)
	assert.Equal(t, []fr.ModelId{"anthropic/big"}, decision.Chain)
}

func TestRoute_ExplicitModelWithUnknownProviderFailsBeforeDispatch(t *testing.T) {
	r := newTestRouter(t, testConfig(), nil)

	req := autoReq("hi")
	req.Model = "nosuch/model"
	_, _, _, err := r.Route(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, fr.ErrModelNotFound)
}

func TestRoute_ModeOverrideStripsPrefixAndForcesTier(t *testing.T) {
	r := newTestRouter(t, testConfig(), nil)

	decision, _, effective, err := r.Route(autoReq("/max analyze this distributed system"))
	require.NoError(t, err)

	assert.Equal(t, fr.MethodOverride, decision.Method)
	assert.Equal(t, fr.TierReasoning, decision.Tier)
	assert.Contains(t, decision.Reasoning, "user-mode: reasoning")
	assert.Equal(t, fr.ModelId("anthropic/big"), decision.Model)

	// The upstream must never see the directive prefix.
	last := effective.Messages[len(effective.Messages)-1]
	assert.Equal(t, "analyze this distributed system", last.Content.Flatten())
}

func TestRoute_SimpleGreetingRoutesToSimpleTier(t *testing.T) {
	r := newTestRouter(t, testConfig(), nil)

	decision, _, _, err := r.Route(autoReq("hi"))
	require.NoError(t, err)

	assert.Equal(t, fr.MethodRules, decision.Method)
	assert.Equal(t, fr.TierSimple, decision.Tier)
	assert.Equal(t, fr.ModelId("anthropic/small"), decision.Model)
	assert.Equal(t, []fr.ModelId{"anthropic/small", "openai/mini"}, decision.Chain)
}

func TestRoute_AmbiguousDefaultsToConfiguredTier(t *testing.T) {
	cfg := testConfig()
	cfg.Scoring.ConfidenceThreshold = 1.1 // unreachable: every prompt is ambiguous
	r := newTestRouter(t, cfg, nil)

	decision, _, _, err := r.Route(autoReq("tell me about routers"))
	require.NoError(t, err)

	assert.Equal(t, cfg.Scoring.AmbiguousDefaultTier, decision.Tier)
	assert.InDelta(t, 0.5, decision.Confidence, 1e-9)
}

func TestRoute_SavingsAlwaysWithinUnitInterval(t *testing.T) {
	prices := fr.PriceTable{
		"anthropic/small": {InputPerMillion: 1, OutputPerMillion: 5},
		"anthropic/big":   {InputPerMillion: 15, OutputPerMillion: 75},
	}
	r := newTestRouter(t, testConfig(), nil, fr.WithPrices(prices))

	for _, prompt := range []string{"hi", "/max analyze this deeply", "implement a function that parses json"} {
		decision, _, _, err := r.Route(autoReq(prompt))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, decision.Savings, 0.0, "prompt %q", prompt)
		assert.LessOrEqual(t, decision.Savings, 1.0, "prompt %q", prompt)
	}
}

func TestRoute_AgenticPromptSelectsAgenticTable(t *testing.T) {
	cfg := testConfig()
	cfg.AgenticTiers = fr.TierTable{
		fr.TierSimple:    {Primary: "anthropic/agent-small"},
		fr.TierMedium:    {Primary: "anthropic/agent-mid"},
		fr.TierComplex:   {Primary: "anthropic/agent-big"},
		fr.TierReasoning: {Primary: "anthropic/agent-big"},
	}
	r := newTestRouter(t, cfg, nil)

	decision, _, _, err := r.Route(autoReq("use the tool to search the web for recent papers"))
	require.NoError(t, err)
	assert.Contains(t, string(decision.Model), "agent-")
}

func TestRoute_AgenticConfigFlagForcesAgenticTable(t *testing.T) {
	cfg := testConfig()
	cfg.Agentic = true
	cfg.AgenticTiers = fr.TierTable{
		fr.TierSimple:    {Primary: "anthropic/agent-small"},
		fr.TierMedium:    {Primary: "anthropic/agent-mid"},
		fr.TierComplex:   {Primary: "anthropic/agent-big"},
		fr.TierReasoning: {Primary: "anthropic/agent-big"},
	}
	r := newTestRouter(t, cfg, nil)

	decision, _, _, err := r.Route(autoReq("hi"))
	require.NoError(t, err)
	assert.Equal(t, fr.ModelId("anthropic/agent-small"), decision.Model)
}

func TestRoute_ContextWindowFilterDropsTooSmallModels(t *testing.T) {
	cfg := testConfig()
	cfg.Providers["openai"] = fr.ProviderDescriptor{
		Name: "openai", BaseURL: "http://unused", API: "openai", ContextWindow: 10,
	}
	r := newTestRouter(t, cfg, nil)

	// A SIMPLE greeting still estimates more than 10*1.1 tokens once the
	// conversation carries some context, so the openai fallback is dropped.
	req := fr.ChatRequest{
		Model: "auto",
		Messages: []fr.Message{
			{Role: "user", Content: fr.MessageContent{Text: "here is some earlier context that makes the request larger than a tiny window"}},
			{Role: "assistant", Content: fr.MessageContent{Text: "understood"}},
			{Role: "user", Content: fr.MessageContent{Text: "hi"}},
		},
	}
	decision, _, _, err := r.Route(req)
	require.NoError(t, err)
	assert.NotContains(t, decision.Chain, fr.ModelId("openai/mini"))
}

func TestRoute_ContextWindowFilterRestoresChainWhenAllDropped(t *testing.T) {
	cfg := testConfig()
	for name, p := range cfg.Providers {
		p.ContextWindow = 1
		cfg.Providers[name] = p
	}
	r := newTestRouter(t, cfg, nil)

	decision, _, _, err := r.Route(autoReq("hello there, this prompt is long enough to exceed a one-token window"))
	require.NoError(t, err)
	assert.NotEmpty(t, decision.Chain)
}

func TestDispatch_FallsBackToNextModelOnUpstreamError(t *testing.T) {
	failing := mock.New(mock.WithError(fr.ErrProviderUnavailable))
	working := mock.New()
	r := newTestRouter(t, testConfig(), map[string]fr.Upstream{
		"anthropic": failing,
		"openai":    working,
	})

	decision, _, effective, err := r.Route(autoReq("hi"))
	require.NoError(t, err)

	resp, model, err := r.DispatchChatDeadlined(context.Background(), decision, effective, time.Second)
	require.NoError(t, err)
	assert.Equal(t, fr.ModelId("openai/mini"), model)
	assert.Equal(t, "mock reply", resp.Choices[0].Message.Content.Flatten())
	assert.Equal(t, int64(1), failing.CallCount())
	assert.Equal(t, int64(1), working.CallCount())

	snap := r.StatsTracker().Snapshot()
	assert.Equal(t, int64(1), snap.TotalErrors)
}

func TestDispatch_ExhaustedChainSurfacesLastError(t *testing.T) {
	failing := mock.New(mock.WithError(fr.ErrProviderUnavailable))
	r := newTestRouter(t, testConfig(), map[string]fr.Upstream{
		"anthropic": failing,
		"openai":    failing,
	})

	decision, _, effective, err := r.Route(autoReq("hi"))
	require.NoError(t, err)

	_, _, err = r.DispatchChatDeadlined(context.Background(), decision, effective, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, fr.ErrAllFallbacksFailed)
}

func TestDispatch_PerAttemptTimeoutCountsAsTimeoutAndFallsBack(t *testing.T) {
	slow := mock.New(mock.WithLatency(200 * time.Millisecond))
	fast := mock.New()
	r := newTestRouter(t, testConfig(), map[string]fr.Upstream{
		"anthropic": slow,
		"openai":    fast,
	})

	decision, _, effective, err := r.Route(autoReq("hi"))
	require.NoError(t, err)

	_, model, err := r.DispatchChatDeadlined(context.Background(), decision, effective, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, fr.ModelId("openai/mini"), model)

	snap := r.StatsTracker().Snapshot()
	assert.Equal(t, int64(1), snap.TotalTimeouts)
}

func TestReload_InvalidConfigKeepsOldSnapshot(t *testing.T) {
	cfg := testConfig()
	r := newTestRouter(t, cfg, nil)

	bad := cfg
	bad.Tiers = fr.TierTable{fr.TierSimple: {Primary: "anthropic/small"}} // missing tiers
	require.Error(t, r.Reload(bad))

	// The active snapshot still routes.
	_, _, _, err := r.Route(autoReq("hi"))
	assert.NoError(t, err)
}

func TestReload_ValidConfigSwapsAtomically(t *testing.T) {
	cfg := testConfig()
	r := newTestRouter(t, cfg, nil)

	fresh := testConfig()
	fresh.Tiers[fr.TierSimple] = fr.TierRoute{Primary: "anthropic/new-small"}
	require.NoError(t, r.Reload(fresh))

	decision, _, _, err := r.Route(autoReq("hi"))
	require.NoError(t, err)
	assert.Equal(t, fr.ModelId("anthropic/new-small"), decision.Model)
}
