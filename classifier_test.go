package freerouter_test

import (
	"testing"

	fr "github.com/freerouter-dev/freerouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_SimpleGreeting(t *testing.T) {
	cfg := fr.DefaultScoringConfig()
	result := fr.Classify("hi there, thanks", "", cfg)
	assert.True(t, result.HasTier)
	assert.Equal(t, fr.TierSimple, result.Tier)
}

func TestClassify_CodeRequestScoresHigherThanGreeting(t *testing.T) {
	cfg := fr.DefaultScoringConfig()
	greeting := fr.Classify("hi", "", cfg)
	code := fr.Classify("please implement a recursive algorithm and refactor this function, explain the reasoning why it works", "", cfg)
	assert.Greater(t, code.Score, greeting.Score)
}

func TestClassify_ContextWindowGuardForcesComplex(t *testing.T) {
	cfg := fr.DefaultScoringConfig()
	huge := make([]byte, 0, (cfg.MaxTokensForceComplex+1)*4)
	for i := int64(0); i < (cfg.MaxTokensForceComplex+1)*4; i++ {
		huge = append(huge, 'a')
	}
	result := fr.Classify(string(huge), "", cfg)
	require.True(t, result.HasTier)
	assert.Equal(t, fr.TierComplex, result.Tier)
	assert.InDelta(t, 0.95, result.Confidence, 1e-9)
}

func TestClassify_StructuredOutputUpgradesButNeverFromSystemPrompt(t *testing.T) {
	cfg := fr.DefaultScoringConfig()

	// A plain greeting in the user prompt, but "json" only in the system
	// prompt: must not trigger the structured-output floor.
	viaSystem := fr.Classify("hi", "respond only in json", cfg)
	assert.Equal(t, fr.TierSimple, viaSystem.Tier)

	// The same word in the user prompt does trigger it.
	viaUser := fr.Classify("hi, respond in json please", "", cfg)
	assert.True(t, viaUser.Tier >= cfg.StructuredOutputMinTier)
}

func TestClassify_AgenticScoreIndependentOfMainTier(t *testing.T) {
	cfg := fr.DefaultScoringConfig()
	result := fr.Classify("use the tool to search the web and then call the function to execute the command", "", cfg)
	assert.Greater(t, result.AgenticScore, 0.0)
}

func TestClassify_LowConfidenceLeavesTierUnset(t *testing.T) {
	cfg := fr.DefaultScoringConfig()
	cfg.ConfidenceThreshold = 1.1 // impossible to reach, forces HasTier=false
	result := fr.Classify("tell me about something moderately complex", "", cfg)
	assert.False(t, result.HasTier)
	assert.Equal(t, fr.TierUnknown, result.Tier)
}

func TestClassify_SimpleBandBoundaryNeverExceedsMedium(t *testing.T) {
	cfg := fr.DefaultScoringConfig()
	// Exactly simpleBand tokens (20 chars / 4) of plain question.
	prompt := "what time is it now."
	require.Equal(t, cfg.TokenBands.Simple, fr.EstimateTokens(prompt))

	result := fr.Classify(prompt, "", cfg)
	assert.LessOrEqual(t, result.Tier, fr.TierMedium)
}

func TestClassify_MultilingualKeywordsContribute(t *testing.T) {
	cfg := fr.DefaultScoringConfig()
	greeting := fr.Classify("你好", "", cfg)
	code := fr.Classify("请帮我调试这段代码的算法，分析为什么它会失败", "", cfg)
	assert.Greater(t, code.Score, greeting.Score)
}

func TestClassify_LongSystemPromptDoesNotInflateComplexity(t *testing.T) {
	cfg := fr.DefaultScoringConfig()
	soul := make([]byte, 40_000)
	for i := range soul {
		soul[i] = 'a'
	}
	result := fr.Classify("hello", string(soul), cfg)
	require.True(t, result.HasTier)
	assert.Equal(t, fr.TierSimple, result.Tier)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), fr.EstimateTokens(""))
	assert.Greater(t, fr.EstimateTokens("hello world, how are you today?"), int64(0))
}
