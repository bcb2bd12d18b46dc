// Package openai implements the OpenAI pass-through upstream adapter: the
// front request is forwarded almost verbatim, with only the model field
// rewritten on the way back so clients always see a "freerouter/<model>"
// id regardless of which upstream served it.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/freerouter-dev/freerouter"
)

const modelNamespace = "freerouter/"

// Upstream is the OpenAI-compatible chat completions adapter. It works
// against any provider that speaks the same wire format (OpenAI itself, or
// a compatible gateway).
type Upstream struct {
	httpClient *http.Client
}

var _ freerouter.Upstream = (*Upstream)(nil)

// New creates an OpenAI pass-through upstream using the given HTTP client,
// or http.DefaultClient if c is nil.
func New(c *http.Client) *Upstream {
	if c == nil {
		c = http.DefaultClient
	}
	return &Upstream{httpClient: c}
}

func (u *Upstream) ChatCompletion(ctx context.Context, req freerouter.UpstreamRequest) (freerouter.ChatResponse, error) {
	httpResp, err := u.doRequest(ctx, req, false)
	if err != nil {
		return freerouter.ChatResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return freerouter.ChatResponse{}, err
	}

	var resp freerouter.ChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return freerouter.ChatResponse{}, fmt.Errorf("freerouter: openai: decode response: %w", err)
	}
	resp.Model = modelNamespace + resp.Model
	return resp, nil
}

func (u *Upstream) ChatCompletionStream(ctx context.Context, req freerouter.UpstreamRequest) (freerouter.UpstreamStream, error) {
	httpResp, err := u.doRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if err := mapHTTPError(httpResp); err != nil {
		httpResp.Body.Close()
		return nil, err
	}
	return &sseStream{reader: bufio.NewReader(httpResp.Body), body: httpResp.Body}, nil
}

func (u *Upstream) doRequest(ctx context.Context, req freerouter.UpstreamRequest, stream bool) (*http.Response, error) {
	outgoing := req.Front
	outgoing.Model = req.Model
	outgoing.Stream = stream

	jsonBody, err := json.Marshal(outgoing)
	if err != nil {
		return nil, fmt.Errorf("freerouter: openai: marshal request: %w", err)
	}

	url := strings.TrimRight(req.Descriptor.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("freerouter: openai: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Descriptor.Auth.APIKey)
	for k, v := range req.Descriptor.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return nil, freerouter.ErrProviderUnavailable
	}
	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	if resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout {
		return freerouter.ErrUpstreamTimeout
	}
	return freerouter.UpstreamErrorf(resp.StatusCode, string(body))
}

// sseStream parses "chat.completion.chunk" Server-Sent Events from an
// OpenAI-compatible response body, rewriting the model field on every
// chunk into the freerouter/ namespace.
type sseStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
	done   bool
}

func (s *sseStream) Next() (freerouter.ChatCompletionChunk, error) {
	if s.done {
		return freerouter.ChatCompletionChunk{}, io.EOF
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.done = true
			return freerouter.ChatCompletionChunk{}, io.EOF
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.done = true
			return freerouter.ChatCompletionChunk{}, io.EOF
		}

		var chunk freerouter.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}
		chunk.Model = modelNamespace + chunk.Model
		return chunk, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
