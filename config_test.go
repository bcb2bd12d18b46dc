package freerouter_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	fr "github.com/freerouter-dev/freerouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_EnvVarPathTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 9999}`), 0o644))
	t.Setenv("FREEROUTER_CONFIG", path)

	cfg, err := fr.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	// Untouched fields keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Host)
}

func TestLoadConfigBytes_DeepMergePreservesDefaults(t *testing.T) {
	cfg, err := fr.LoadConfigBytes([]byte(`{
		"tiers": {
			"SIMPLE": {"primary": "anthropic/claude-haiku-4-5", "fallback": []}
		},
		"scoring": {"confidenceThreshold": 0.75}
	}`))
	require.NoError(t, err)

	// The SIMPLE entry was replaced (fallback array replaced, not merged)...
	assert.Empty(t, cfg.Tiers[fr.TierSimple].Fallback)
	// ...while unmentioned tiers keep their defaults.
	assert.NotEmpty(t, cfg.Tiers[fr.TierComplex].Primary)
	// Scalar override landed; sibling scoring fields keep defaults.
	assert.InDelta(t, 0.75, cfg.Scoring.ConfidenceThreshold, 1e-9)
	assert.InDelta(t, 8.0, cfg.Scoring.ConfidenceSteepness, 1e-9)
}

func TestLoadConfigBytes_EnvSubstitutionInStrings(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_KEY", "sk-from-env")
	cfg, err := fr.LoadConfigBytes([]byte(`{
		"auth": {"anthropic": {"api_key": "$TEST_UPSTREAM_KEY"}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Providers["anthropic"].Auth.APIKey)
}

func TestLoadConfigBytes_TierBoundariesFlowIntoScoring(t *testing.T) {
	cfg, err := fr.LoadConfigBytes([]byte(`{
		"tierBoundaries": {"simpleMedium": 0.01, "mediumComplex": 0.05, "complexReasoning": 0.2}
	}`))
	require.NoError(t, err)
	assert.InDelta(t, 0.01, cfg.Scoring.Boundaries.B1, 1e-9)
	assert.InDelta(t, 0.05, cfg.Scoring.Boundaries.B2, 1e-9)
	assert.InDelta(t, 0.2, cfg.Scoring.Boundaries.B3, 1e-9)
}

func TestLoadConfigBytes_TimeoutsAcceptSecondsAndDurationStrings(t *testing.T) {
	cfg, err := fr.LoadConfigBytes([]byte(`{
		"timeouts": {"simple": 15, "medium": "45s"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.ForTier(fr.TierSimple))
	assert.Equal(t, 45*time.Second, cfg.Timeouts.ForTier(fr.TierMedium))
	// Unmentioned tiers keep their defaults.
	assert.Equal(t, 120*time.Second, cfg.Timeouts.ForTier(fr.TierComplex))
}

func TestLoadConfigBytes_InvalidJSONFails(t *testing.T) {
	_, err := fr.LoadConfigBytes([]byte(`{not json`))
	assert.Error(t, err)
}

func TestLoadConfigBytes_UnknownProviderReferenceFailsValidation(t *testing.T) {
	_, err := fr.LoadConfigBytes([]byte(`{
		"tiers": {"SIMPLE": {"primary": "nosuch/model"}}
	}`))
	assert.Error(t, err)
}

func TestValidate_RejectsInvalidAPIKind(t *testing.T) {
	cfg := fr.DefaultConfig()
	p := cfg.Providers["anthropic"]
	p.API = "grpc"
	cfg.Providers["anthropic"] = p
	assert.Error(t, cfg.Validate())
}

func TestRedacted_ClearsAllCredentials(t *testing.T) {
	cfg := fr.DefaultConfig()
	p := cfg.Providers["anthropic"]
	p.Auth = fr.Auth{APIKey: "sk-secret"}
	cfg.Providers["anthropic"] = p

	red := cfg.Redacted()
	assert.Equal(t, "***", red.Providers["anthropic"].Auth.APIKey)
	// The original is untouched.
	assert.Equal(t, "sk-secret", cfg.Providers["anthropic"].Auth.APIKey)
}

func TestAuth_OAuthDetectionByPrefix(t *testing.T) {
	assert.True(t, fr.Auth{OAuthToken: "sk-ant-oat-123"}.IsOAuth())
	assert.False(t, fr.Auth{OAuthToken: "sk-ant-api-123"}.IsOAuth())
	assert.False(t, fr.Auth{APIKey: "sk-ant-oat-123"}.IsOAuth())
	assert.False(t, fr.Auth{}.IsOAuth())
}
