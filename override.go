package freerouter

import (
	"regexp"
	"strings"
)

// modeWordToTier maps a recognized override word to the tier it forces.
// Unlisted words never produce an override.
var modeWordToTier = map[string]Tier{
	"simple": TierSimple, "basic": TierSimple, "cheap": TierSimple,
	"medium": TierMedium, "balanced": TierMedium,
	"complex": TierComplex, "advanced": TierComplex,
	"max": TierReasoning, "reasoning": TierReasoning, "think": TierReasoning, "deep": TierReasoning,
}

// Recognized only at the start of the string, case-insensitive, tried in
// order: "/word<ws>", "word mode[:,\s]+", "[word]<opt space>".
var (
	overrideSlashRe = regexp.MustCompile(`(?i)^/(\w+)\s+`)
	overrideModeRe  = regexp.MustCompile(`(?i)^(\w+)\s+mode[:,\s]+`)
	overrideBraceRe = regexp.MustCompile(`(?i)^\[(\w+)\]\s?`)
)

// ModeOverride is the result of a successful mode-override match.
type ModeOverride struct {
	Tier         Tier
	StrippedText string
}

// ParseModeOverride recognizes an explicit user mode directive at the start
// of text and, on a match, returns the forced tier and the text with the
// directive prefix stripped. Only consulted when the caller's model is the
// "auto" sentinel; the caller is responsible for that gate.
func ParseModeOverride(text string) (ModeOverride, bool) {
	for _, re := range []*regexp.Regexp{overrideSlashRe, overrideModeRe, overrideBraceRe} {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		word := strings.ToLower(m[1])
		tier, ok := modeWordToTier[word]
		if !ok {
			continue
		}
		stripped := text[len(m[0]):]
		return ModeOverride{Tier: tier, StrippedText: stripped}, true
	}
	return ModeOverride{}, false
}
