package freerouter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TierRoute is one tier's routing table entry: the primary model and an
// ordered list of fallbacks tried if the primary (or an earlier fallback)
// fails.
type TierRoute struct {
	Primary  ModelId   `json:"primary"`
	Fallback []ModelId `json:"fallback,omitempty"`
}

// TierTable maps each tier to its routing entry. A request's agentic score
// selects between a Config's base Tiers table and its optional
// AgenticTiers table.
type TierTable map[Tier]TierRoute

// EnabledThinking configures "enabled" (budget-capped) extended thinking.
// If Models is non-empty, only those bare model names (exact match) get
// enabled-mode thinking at MEDIUM tier; an empty list means every model
// served by the Anthropic adapter qualifies, adaptive-capable ones included.
type EnabledThinking struct {
	Models []string `json:"models,omitempty"`
	Budget int      `json:"budget"`
}

// ThinkingConfig controls which models get adaptive vs. budget-capped
// extended thinking.
type ThinkingConfig struct {
	// Adaptive lists substrings matched against a model's bare name; a
	// match makes the model "adaptive-capable" for COMPLEX/REASONING tiers.
	Adaptive []string        `json:"adaptive,omitempty"`
	Enabled  EnabledThinking `json:"enabled"`
}

// Duration is a time.Duration that serializes as a human-readable string
// ("30s") and accepts either that form or a bare number of seconds in
// config files.
type Duration time.Duration

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
		return nil
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("freerouter: invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("freerouter: invalid duration value %v", v)
	}
}

// Timeouts holds the per-tier request deadline and the streaming stall
// timeout.
type Timeouts struct {
	Simple    Duration `json:"simple"`
	Medium    Duration `json:"medium"`
	Complex   Duration `json:"complex"`
	Reasoning Duration `json:"reasoning"`
	Stall     Duration `json:"stall"`
}

// ForTier returns the configured deadline for a tier.
func (t Timeouts) ForTier(tier Tier) time.Duration {
	switch tier {
	case TierSimple:
		return t.Simple.Std()
	case TierMedium:
		return t.Medium.Std()
	case TierComplex:
		return t.Complex.Std()
	case TierReasoning:
		return t.Reasoning.Std()
	default:
		return t.Medium.Std()
	}
}

// Config is the complete, hot-reloadable router configuration. A Config
// value is treated as immutable once handed to a Router: reloading swaps in
// a new *Config rather than mutating fields in place.
type Config struct {
	Port int    `json:"port"`
	Host string `json:"host"`

	Providers map[string]ProviderDescriptor `json:"providers"`

	Tiers        TierTable      `json:"tiers"`
	AgenticTiers TierTable      `json:"agenticTiers,omitempty"`
	Boundaries   TierBoundaries `json:"tierBoundaries,omitempty"`

	// Agentic forces the agentic tier table for every request, regardless
	// of the classifier's agentic score. Ignored when no AgenticTiers
	// table is configured.
	Agentic bool `json:"agentic,omitempty"`

	Thinking ThinkingConfig `json:"thinking"`

	// Auth maps provider name to static credentials, merged onto the
	// matching Providers[name].Auth after load.
	Auth map[string]Auth `json:"auth,omitempty"`

	Scoring  ScoringConfig `json:"scoring"`
	Timeouts Timeouts      `json:"timeouts"`
}

// resolveProviderNames applies the map key as each ProviderDescriptor's Name and
// merges any Auth override from the auth section.
func (c *Config) resolveProviderNames() {
	for name, desc := range c.Providers {
		desc.Name = name
		if auth, ok := c.Auth[name]; ok {
			if auth.APIKey != "" {
				desc.Auth.APIKey = auth.APIKey
			}
			if auth.OAuthToken != "" {
				desc.Auth.OAuthToken = auth.OAuthToken
			}
		}
		c.Providers[name] = desc
	}
}

// DefaultConfig returns the built-in configuration used when no config file
// is found on the search path.
func DefaultConfig() Config {
	cfg := Config{
		Port: 8080,
		Host: "0.0.0.0",
		Providers: map[string]ProviderDescriptor{
			"anthropic": {
				Name:          "anthropic",
				BaseURL:       "https://api.anthropic.com",
				API:           "anthropic",
				ContextWindow: 200_000,
			},
			"openai": {
				Name:          "openai",
				BaseURL:       "https://api.openai.com/v1",
				API:           "openai",
				ContextWindow: 128_000,
			},
		},
		Tiers: TierTable{
			TierSimple: {
				Primary:  "anthropic/claude-haiku-4-5",
				Fallback: []ModelId{"openai/gpt-4o-mini"},
			},
			TierMedium: {
				Primary:  "anthropic/claude-sonnet-4-5",
				Fallback: []ModelId{"anthropic/claude-haiku-4-5"},
			},
			TierComplex: {
				Primary:  "anthropic/claude-opus-4-6",
				Fallback: []ModelId{"anthropic/claude-sonnet-4-5"},
			},
			TierReasoning: {
				Primary:  "anthropic/claude-opus-4-6",
				Fallback: []ModelId{"anthropic/claude-sonnet-4-5", "anthropic/claude-haiku-4-5"},
			},
		},
		Boundaries: DefaultScoringConfig().Boundaries,
		Thinking: ThinkingConfig{
			Adaptive: []string{"opus-4-6", "opus-4.6"},
			Enabled:  EnabledThinking{Budget: 4096},
		},
		Scoring: DefaultScoringConfig(),
		Timeouts: Timeouts{
			Simple:    Duration(30 * time.Second),
			Medium:    Duration(60 * time.Second),
			Complex:   Duration(120 * time.Second),
			Reasoning: Duration(120 * time.Second),
			Stall:     Duration(30 * time.Second),
		},
	}
	cfg.resolveProviderNames()
	return cfg
}

// configSearchPath returns the ordered list of candidate config file
// paths: an explicit FREEROUTER_CONFIG env var takes precedence, then a
// cwd-local file, then a user config directory file.
func configSearchPath() []string {
	var paths []string
	if explicit := os.Getenv("FREEROUTER_CONFIG"); explicit != "" {
		paths = append(paths, expandHome(explicit))
	}
	paths = append(paths, "freerouter.config.json")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "freerouter", "config.json"))
	}
	return paths
}

func expandHome(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// LoadConfig searches configSearchPath() for the first file that exists,
// deep-merges its contents onto DefaultConfig(), validates the result, and
// returns it. If no config file is found on the path, it returns
// DefaultConfig() unchanged.
func LoadConfig() (Config, error) {
	for _, path := range configSearchPath() {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Config{}, fmt.Errorf("freerouter: read config %s: %w", path, err)
		}
		return LoadConfigBytes(data)
	}
	return DefaultConfig(), nil
}

// LoadConfigBytes parses raw JSON config bytes, expands "$VAR"/"${VAR}"
// environment references within string values, deep-merges the result onto
// DefaultConfig() (arrays and scalars are replaced wholesale, objects are
// merged key-by-key), validates it, and returns the merged Config.
func LoadConfigBytes(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var overlay map[string]any
	if err := json.Unmarshal([]byte(expanded), &overlay); err != nil {
		return Config{}, fmt.Errorf("freerouter: parse config: %w", err)
	}

	defaults := DefaultConfig()
	defaultsJSON, err := json.Marshal(defaults)
	if err != nil {
		return Config{}, fmt.Errorf("freerouter: marshal defaults: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(defaultsJSON, &base); err != nil {
		return Config{}, fmt.Errorf("freerouter: unmarshal defaults: %w", err)
	}

	merged := deepMerge(base, overlay)

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return Config{}, fmt.Errorf("freerouter: marshal merged config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(mergedJSON, &cfg); err != nil {
		return Config{}, fmt.Errorf("freerouter: unmarshal merged config: %w", err)
	}
	cfg.resolveProviderNames()
	// The top-level tierBoundaries field is the documented way to tune the
	// boundaries; the classifier reads them from Scoring, so keep the two in
	// sync after merging.
	cfg.Scoring.Boundaries = cfg.Boundaries

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// deepMerge merges overlay onto base, recursing into nested JSON objects
// and replacing (never concatenating) arrays and scalars. base is not
// mutated; the merged map is returned.
func deepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range overlay {
		bv, exists := out[k]
		if !exists {
			out[k] = ov
			continue
		}
		bMap, bOK := bv.(map[string]any)
		oMap, oOK := ov.(map[string]any)
		if bOK && oOK {
			out[k] = deepMerge(bMap, oMap)
		} else {
			out[k] = ov
		}
	}
	return out
}

// Validate checks that every tier's primary model names a configured
// provider, and that any fallback does too.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("freerouter: config: at least one provider is required")
	}
	for name, p := range c.Providers {
		if p.API != "anthropic" && p.API != "openai" {
			return fmt.Errorf("freerouter: config: provider %q: invalid api kind %q", name, p.API)
		}
	}

	check := func(table TierTable, label string) error {
		for tier := TierSimple; tier <= TierReasoning; tier++ {
			route, ok := table[tier]
			if !ok {
				return fmt.Errorf("freerouter: config: %s table missing tier %s", label, tier)
			}
			if route.Primary == "" {
				return fmt.Errorf("freerouter: config: %s[%s]: primary is required", label, tier)
			}
			if _, ok := c.Providers[route.Primary.Provider()]; !ok {
				return fmt.Errorf("freerouter: config: %s[%s]: primary %q references unknown provider %q", label, tier, route.Primary, route.Primary.Provider())
			}
			for _, fb := range route.Fallback {
				if _, ok := c.Providers[fb.Provider()]; !ok {
					return fmt.Errorf("freerouter: config: %s[%s]: fallback %q references unknown provider %q", label, tier, fb, fb.Provider())
				}
			}
		}
		return nil
	}

	if err := check(c.Tiers, "tiers"); err != nil {
		return err
	}
	if len(c.AgenticTiers) > 0 {
		if err := check(c.AgenticTiers, "agenticTiers"); err != nil {
			return err
		}
	}
	return nil
}

// Redacted returns a copy of the config with every non-empty API key and
// OAuth token replaced by "***", safe to serve from GET /config.
func (c Config) Redacted() Config {
	mask := func(a Auth) Auth {
		if a.APIKey != "" {
			a.APIKey = "***"
		}
		if a.OAuthToken != "" {
			a.OAuthToken = "***"
		}
		return a
	}
	redacted := c
	redacted.Providers = make(map[string]ProviderDescriptor, len(c.Providers))
	for name, p := range c.Providers {
		p.Auth = mask(p.Auth)
		redacted.Providers[name] = p
	}
	if c.Auth != nil {
		redacted.Auth = make(map[string]Auth, len(c.Auth))
		for name, a := range c.Auth {
			redacted.Auth[name] = mask(a)
		}
	}
	return redacted
}
