package freerouter_test

import (
	"strings"
	"testing"

	fr "github.com/freerouter-dev/freerouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func text(role, s string) fr.Message {
	return fr.Message{Role: role, Content: fr.MessageContent{Text: s}}
}

func TestExtractContext_JoinsSystemAndDeveloperMessages(t *testing.T) {
	ctx, err := fr.ExtractContext([]fr.Message{
		text("system", "you are helpful"),
		text("developer", "prefer short answers"),
		text("user", "hi"),
	})
	require.NoError(t, err)
	assert.Equal(t, "you are helpful\nprefer short answers", ctx.SystemPrompt)
	assert.Equal(t, "hi", ctx.ClassificationInput)
}

func TestExtractContext_SystemPromptFromPartsForm(t *testing.T) {
	ctx, err := fr.ExtractContext([]fr.Message{
		{Role: "system", Content: fr.MessageContent{Parts: []fr.ContentPart{
			{Type: "text", Text: "part one"},
			{Type: "text", Text: "part two"},
		}}},
		text("user", "hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "part one\npart two", ctx.SystemPrompt)
}

func TestExtractContext_NoUserMessageIsRejected(t *testing.T) {
	_, err := fr.ExtractContext([]fr.Message{
		text("system", "soul"),
		text("assistant", "hello!"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, fr.ErrNoUserMessage)
}

func TestExtractContext_LastThreeWindowTruncatesContextNotFinalTurn(t *testing.T) {
	long := strings.Repeat("x", 800)
	finalUser := strings.Repeat("y", 800)

	ctx, err := fr.ExtractContext([]fr.Message{
		text("user", "ancient history that falls outside the window"),
		text("assistant", "noise"),
		text("user", "older question"),
		text("assistant", long),
		text("user", finalUser),
	})
	require.NoError(t, err)

	// The window holds the last three non-system messages: "older question",
	// the long assistant reply (truncated to 500 chars), and the final user
	// turn (kept whole).
	assert.NotContains(t, ctx.ClassificationInput, "ancient history")
	assert.Contains(t, ctx.ClassificationInput, "older question")
	assert.Contains(t, ctx.ClassificationInput, strings.Repeat("x", 500))
	assert.NotContains(t, ctx.ClassificationInput, strings.Repeat("x", 501))
	assert.True(t, strings.HasSuffix(ctx.ClassificationInput, finalUser))
	assert.Equal(t, finalUser, ctx.LastUserMessage)
}

func TestExtractContext_ShortFollowupInheritsContext(t *testing.T) {
	ctx, err := fr.ExtractContext([]fr.Message{
		text("user", "let's discuss the raft consensus protocol in depth"),
		text("assistant", "raft elects a leader per term and replicates a log"),
		text("user", "check this"),
	})
	require.NoError(t, err)
	assert.Contains(t, ctx.ClassificationInput, "raft")
	assert.True(t, strings.HasSuffix(ctx.ClassificationInput, "check this"))
}

func TestExtractContext_PromptNeverEmptyWithUserMessage(t *testing.T) {
	ctx, err := fr.ExtractContext([]fr.Message{text("user", "x")})
	require.NoError(t, err)
	assert.NotEmpty(t, ctx.ClassificationInput)
}

func TestExtractContext_TruncationCountsRunesNotBytes(t *testing.T) {
	cjk := strings.Repeat("架", 600)
	ctx, err := fr.ExtractContext([]fr.Message{
		text("user", cjk),
		text("assistant", "ok"),
		text("user", "and?"),
	})
	require.NoError(t, err)
	runes := []rune(strings.SplitN(ctx.ClassificationInput, "\n", 2)[0])
	assert.Len(t, runes, 500)
}
