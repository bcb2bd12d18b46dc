package freerouter

import (
	"strings"
)

// contextWindowSize is the number of trailing non-system messages considered
// as conversational context.
const contextWindowSize = 3

// contextTruncateChars is the character budget applied to every context
// message other than the final user turn.
const contextTruncateChars = 500

// ExtractedContext is the result of splitting an incoming message list into
// its system prompt and classification input.
type ExtractedContext struct {
	// SystemPrompt is every system/developer message, in order, joined by
	// newlines. It never contributes to classification complexity scoring.
	SystemPrompt string

	// ClassificationInput is the truncated trailing context followed by the
	// full text of the last user message — the string actually scored by
	// the classifier.
	ClassificationInput string

	// LastUserMessage is the full, untruncated text of the final user turn.
	LastUserMessage string
}

// ExtractContext splits messages into a system prompt and a classification
// input. Returns ErrNoUserMessage if no user message can be found — the
// caller must reject the request with a BadRequest in that case.
func ExtractContext(messages []Message) (ExtractedContext, error) {
	var systemParts []string
	var conversation []Message

	for _, m := range messages {
		switch m.Role {
		case "system", "developer":
			if text := m.Content.Flatten(); text != "" {
				systemParts = append(systemParts, text)
			}
		default:
			conversation = append(conversation, m)
		}
	}

	lastUserIdx := -1
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == "user" {
			lastUserIdx = i
			break
		}
	}
	if lastUserIdx == -1 {
		return ExtractedContext{}, ErrNoUserMessage
	}

	windowStart := len(conversation) - contextWindowSize
	if windowStart < 0 {
		windowStart = 0
	}

	var otherParts []string
	for i := windowStart; i < len(conversation); i++ {
		if i == lastUserIdx {
			continue
		}
		text := conversation[i].Content.Flatten()
		if text == "" {
			continue
		}
		otherParts = append(otherParts, truncateRunes(text, contextTruncateChars))
	}

	lastUserText := conversation[lastUserIdx].Content.Flatten()

	var classificationInput string
	if len(otherParts) > 0 {
		classificationInput = strings.Join(otherParts, "\n") + "\n" + lastUserText
	} else {
		classificationInput = lastUserText
	}

	return ExtractedContext{
		SystemPrompt:        strings.Join(systemParts, "\n"),
		ClassificationInput: classificationInput,
		LastUserMessage:     lastUserText,
	}, nil
}

// truncateRunes truncates s to at most n runes, counting characters rather
// than bytes so multi-byte scripts (Chinese, Japanese, Russian, ...) are not
// cut mid-codepoint.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
