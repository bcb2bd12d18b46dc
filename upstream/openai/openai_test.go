package openai_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	fr "github.com/freerouter-dev/freerouter"
	"github.com/freerouter-dev/freerouter/upstream/openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passReq(model string, stream bool) fr.UpstreamRequest {
	return fr.UpstreamRequest{
		Descriptor: fr.ProviderDescriptor{
			Name: "openai", API: "openai",
			Auth:    fr.Auth{APIKey: "sk-oa"},
			Headers: map[string]string{"X-Custom": "tag"},
		},
		Model: model,
		Front: fr.ChatRequest{
			Model:    "auto",
			Stream:   stream,
			Messages: []fr.Message{{Role: "user", Content: fr.MessageContent{Text: "hi"}}},
		},
	}
}

func TestPassThrough_ForwardsBodyAndRewritesModel(t *testing.T) {
	var gotBody map[string]any
	var gotAuth, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		fmt.Fprint(w, `{
			"id": "chatcmpl-1", "object": "chat.completion", "model": "gpt-test",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hey"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 2, "completion_tokens": 1, "total_tokens": 3}
		}`)
	}))
	defer srv.Close()

	req := passReq("gpt-test", false)
	req.Descriptor.BaseURL = srv.URL

	u := openai.New(srv.Client())
	resp, err := u.ChatCompletion(context.Background(), req)
	require.NoError(t, err)

	// The upstream saw the bare model name and the untouched messages.
	assert.Equal(t, "gpt-test", gotBody["model"])
	assert.Equal(t, "Bearer sk-oa", gotAuth)
	assert.Equal(t, "tag", gotCustom)

	// Only the model field is rewritten on the way back.
	assert.Equal(t, "freerouter/gpt-test", resp.Model)
	assert.Equal(t, "hey", resp.Choices[0].Message.Content.Flatten())
	assert.Equal(t, int64(3), resp.Usage.TotalTokens)
}

func TestPassThrough_StreamingRewritesEveryChunkModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"he\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: not parseable\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"y\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	req := passReq("gpt-test", true)
	req.Descriptor.BaseURL = srv.URL

	u := openai.New(srv.Client())
	stream, err := u.ChatCompletionStream(context.Background(), req)
	require.NoError(t, err)
	defer stream.Close()

	var chunks []fr.ChatCompletionChunk
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.Equal(t, "freerouter/gpt-test", c.Model)
	}
	assert.Equal(t, "he", chunks[0].Choices[0].Delta.Content)
	require.NotNil(t, chunks[1].Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunks[1].Choices[0].FinishReason)
}

func TestPassThrough_UpstreamErrorCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	req := passReq("gpt-test", false)
	req.Descriptor.BaseURL = srv.URL

	u := openai.New(srv.Client())
	_, err := u.ChatCompletion(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}
