package freerouter

import (
	"math"
	"regexp"
	"strings"
)

// ClassifierResult is the pure output of Classify: a tier (or none, when
// confidence is too low), its score and confidence, the per-dimension
// signal breakdown, and the separate agentic-task score.
type ClassifierResult struct {
	Tier         Tier
	HasTier      bool
	Score        float64
	Confidence   float64
	Signals      map[string]float64
	AgenticScore float64
}

var structuredOutputRe = regexp.MustCompile(`(?i)json|structured|schema`)

var codeFenceRe = regexp.MustCompile("```")

// multiStepRe matches enumerations such as "step 1", "1.", "first ... then".
var multiStepRe = regexp.MustCompile(`(?i)step\s+\d+|^\s*\d+[.)]\s|first.*then|firstly|secondly`)

// Classify is a pure function mapping a classification-input prompt (plus
// the excluded-from-scoring system prompt, used only for the context-window
// guard) to a tier, score, confidence, and signal breakdown. Safe for
// concurrent use — it has no shared mutable state.
func Classify(prompt, systemPrompt string, cfg ScoringConfig) ClassifierResult {
	userTokens := EstimateTokens(prompt)
	totalTokens := EstimateTokens(systemPrompt) + userTokens

	signals := make(map[string]float64, 15)
	lowerPrompt := strings.ToLower(prompt)
	words := strings.Fields(lowerPrompt)
	wordCount := len(words)
	if wordCount == 0 {
		wordCount = 1
	}

	signals["tokenCount"] = tokenCountSignal(userTokens, cfg.TokenBands)
	signals["codePresence"] = boolSignal(codeFenceRe.MatchString(prompt) || countHits(lowerPrompt, cfg.Keywords.Code) > 0)
	signals["reasoningMarkers"] = densitySignal(countHits(lowerPrompt, cfg.Keywords.Reasoning), 2)
	signals["technicalTerms"] = densitySignal(countHits(lowerPrompt, cfg.Keywords.Technical), wordCount)
	signals["creativeMarkers"] = densitySignal(countHits(lowerPrompt, cfg.Keywords.Creative), 3)
	signals["simpleIndicators"] = -densitySignal(countHits(lowerPrompt, cfg.Keywords.Simple), 2)
	signals["multiStepPatterns"] = boolSignal(multiStepRe.MatchString(prompt))
	signals["questionComplexity"] = questionComplexitySignal(prompt)
	signals["imperativeVerbs"] = densitySignal(countHits(lowerPrompt, cfg.Keywords.Imperative), 3)
	signals["constraintCount"] = densitySignal(countHits(lowerPrompt, cfg.Keywords.Constraint), wordCount)
	signals["outputFormat"] = boolSignal(countHits(lowerPrompt, cfg.Keywords.OutputFormat) > 0)
	signals["referenceComplexity"] = densitySignal(countHits(lowerPrompt, cfg.Keywords.Reference), 2)
	signals["negationComplexity"] = densitySignal(countHits(lowerPrompt, cfg.Keywords.Negation), 3)
	signals["domainSpecificity"] = densitySignal(countHits(lowerPrompt, cfg.Keywords.DomainSpecific), 1)

	agenticHits := countHits(lowerPrompt, cfg.Keywords.Agentic)
	agenticScore := clamp01(float64(agenticHits) / 2.0)
	signals["agenticTask"] = agenticScore

	score := cfg.Weights.TokenCount*signals["tokenCount"] +
		cfg.Weights.CodePresence*signals["codePresence"] +
		cfg.Weights.ReasoningMarkers*signals["reasoningMarkers"] +
		cfg.Weights.TechnicalTerms*signals["technicalTerms"] +
		cfg.Weights.CreativeMarkers*signals["creativeMarkers"] +
		cfg.Weights.SimpleIndicators*signals["simpleIndicators"] +
		cfg.Weights.MultiStepPatterns*signals["multiStepPatterns"] +
		cfg.Weights.QuestionComplexity*signals["questionComplexity"] +
		cfg.Weights.ImperativeVerbs*signals["imperativeVerbs"] +
		cfg.Weights.ConstraintCount*signals["constraintCount"] +
		cfg.Weights.OutputFormat*signals["outputFormat"] +
		cfg.Weights.ReferenceComplexity*signals["referenceComplexity"] +
		cfg.Weights.NegationComplexity*signals["negationComplexity"] +
		cfg.Weights.DomainSpecificity*signals["domainSpecificity"]

	tier := tierForScore(score, cfg.Boundaries)
	confidence := confidenceFor(score, cfg.Boundaries, cfg.ConfidenceSteepness)
	hasTier := confidence >= cfg.ConfidenceThreshold

	result := ClassifierResult{
		Tier:         tier,
		HasTier:      hasTier,
		Score:        score,
		Confidence:   confidence,
		Signals:      signals,
		AgenticScore: agenticScore,
	}
	if !hasTier {
		result.Tier = TierUnknown
	}

	// Override 1: context-window guard forces COMPLEX outright.
	if totalTokens > cfg.MaxTokensForceComplex {
		result.Tier = TierComplex
		result.HasTier = true
		result.Confidence = 0.95
	}

	// Override 2: structured-output detection, checked against the user
	// prompt only — never the system prompt (it is not part of `prompt`).
	if structuredOutputRe.MatchString(prompt) {
		floor := cfg.StructuredOutputMinTier
		if !result.HasTier || result.Tier < floor {
			result.Tier = floor
			result.HasTier = true
		}
	}

	return result
}

func tierForScore(score float64, b TierBoundaries) Tier {
	switch {
	case score < b.B1:
		return TierSimple
	case score < b.B2:
		return TierMedium
	case score < b.B3:
		return TierComplex
	default:
		return TierReasoning
	}
}

// confidenceFor is a sigmoid of the signed distance from the nearest tier
// boundary: sigma(k * |score - nearestBoundary|).
func confidenceFor(score float64, b TierBoundaries, k float64) float64 {
	dist := math.Abs(score - b.B1)
	if d := math.Abs(score - b.B2); d < dist {
		dist = d
	}
	if d := math.Abs(score - b.B3); d < dist {
		dist = d
	}
	return 1.0 / (1.0 + math.Exp(-k*dist))
}

func tokenCountSignal(userTokens int64, bands TokenBands) float64 {
	switch {
	case userTokens <= bands.Simple:
		return -1.0
	case userTokens >= bands.Complex:
		return 1.0
	default:
		return 0.0
	}
}

func boolSignal(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// densitySignal turns a hit count into a [0,1] magnitude, saturating once
// hits reach saturateAt.
func densitySignal(hits int, saturateAt int) float64 {
	if hits <= 0 {
		return 0.0
	}
	if saturateAt <= 0 {
		saturateAt = 1
	}
	return clamp01(float64(hits) / float64(saturateAt))
}

func questionComplexitySignal(prompt string) float64 {
	qMarks := strings.Count(prompt, "?")
	if qMarks == 0 {
		return 0.0
	}
	conjunctions := 0
	for _, w := range []string{" and ", " or ", " but ", " if ", " when "} {
		conjunctions += strings.Count(strings.ToLower(prompt), w)
	}
	return clamp01(float64(qMarks-1)*0.5 + float64(conjunctions)*0.25)
}

func countHits(lowerText string, keywords []string) int {
	hits := 0
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lowerText, strings.ToLower(kw)) {
			hits++
		}
	}
	return hits
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
