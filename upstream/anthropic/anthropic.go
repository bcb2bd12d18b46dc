// Package anthropic implements the bidirectional Anthropic Messages API
// translator: front (OpenAI-shaped) requests are translated to Anthropic's
// wire format and Anthropic's non-streaming and streaming responses are
// translated back.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/freerouter-dev/freerouter"
)

const modelNamespace = "freerouter/"

// oauthIdentityBlock is the system block Anthropic's OAuth-authenticated
// Messages endpoint requires as the first system block.
const oauthIdentityBlock = "You are Claude Code, Anthropic's official CLI for Claude."

// oauthBetaFlags lists the anthropic-beta features an OAuth-authenticated
// request must advertise: Claude Code identity, OAuth itself, interleaved
// thinking, and fine-grained tool streaming.
const oauthBetaFlags = "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"

const cliUserAgent = "freerouter-cli/1.0"
const cliAppID = "freerouter-cli"

// defaultThinkingBudget is used when a request routes to the enabled
// (budget-capped) thinking mode and no config override sets one.
const defaultThinkingBudget = 4096

// Upstream is the Anthropic Messages API adapter.
type Upstream struct {
	httpClient *http.Client
	thinking   freerouter.ThinkingConfig
}

var _ freerouter.Upstream = (*Upstream)(nil)

// New creates an Anthropic upstream adapter. thinking controls which models
// get adaptive vs. budget-capped extended thinking. With the zero value no
// model gets adaptive thinking, and every MEDIUM-tier request still gets
// enabled-mode thinking with defaultThinkingBudget.
func New(c *http.Client, thinking freerouter.ThinkingConfig) *Upstream {
	if c == nil {
		c = http.DefaultClient
	}
	return &Upstream{httpClient: c, thinking: thinking}
}

// --- wire types ---

type wireRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []wireMessage   `json:"messages"`
	System        []wireSystem    `json:"system,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []wireTool      `json:"tools,omitempty"`
	ToolChoice    *wireToolChoice `json:"tool_choice,omitempty"`
	Thinking      *wireThinking   `json:"thinking,omitempty"`
}

type wireSystem struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *wireCacheCtl `json:"cache_control,omitempty"`
}

type wireCacheCtl struct {
	Type string `json:"type"`
}

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *wireImgSource  `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type wireImgSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type wireToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type wireThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type wireResponse struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Role         string            `json:"role"`
	Model        string            `json:"model"`
	Content      []wireContentResp `json:"content"`
	StopReason   string            `json:"stop_reason"`
	StopSequence *string           `json:"stop_sequence"`
	Usage        wireUsage         `json:"usage"`
}

type wireContentResp struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type wireUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// --- request translation ---

func (u *Upstream) buildRequest(req freerouter.UpstreamRequest, stream bool) wireRequest {
	ctx, err := freerouter.ExtractContext(req.Front.Messages)
	if err != nil {
		ctx = freerouter.ExtractedContext{}
	}

	var system []wireSystem
	if req.Descriptor.Auth.IsOAuth() {
		system = append(system, wireSystem{
			Type: "text", Text: oauthIdentityBlock,
			CacheControl: &wireCacheCtl{Type: "ephemeral"},
		})
		if ctx.SystemPrompt != "" {
			system = append(system, wireSystem{
				Type: "text", Text: ctx.SystemPrompt,
				CacheControl: &wireCacheCtl{Type: "ephemeral"},
			})
		}
	} else if ctx.SystemPrompt != "" {
		system = append(system, wireSystem{Type: "text", Text: ctx.SystemPrompt})
	}

	messages := translateMessages(req.Front.Messages)

	maxTokens := 4096
	if req.Front.MaxTokens != nil {
		maxTokens = *req.Front.MaxTokens
	}

	// Temperature is mutually exclusive with extended thinking on this API;
	// an enabled-mode budget is added on top of max_tokens so the caller's
	// output budget survives the thinking spend.
	thinking := u.thinkingFor(req.Model, req.Tier)
	var temperature *float64
	if thinking == nil {
		temperature = req.Front.Temperature
	} else if thinking.BudgetTokens > 0 {
		maxTokens += thinking.BudgetTokens
	}

	wr := wireRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		Messages:      messages,
		System:        system,
		Temperature:   temperature,
		TopP:          req.Front.TopP,
		StopSequences: req.Front.Stop,
		Stream:        stream,
		Tools:         translateTools(req.Front.Tools),
		ToolChoice:    translateToolChoice(req.Front.ToolChoice),
		Thinking:      thinking,
	}
	return wr
}

// thinkingFor decides the thinking mode for a (model, tier) pair: an
// adaptive-capable model at COMPLEX/REASONING lets the model pick its own
// budget; any qualifying model at MEDIUM (adaptive-capable or not) gets
// budget-capped thinking; everything else gets none.
func (u *Upstream) thinkingFor(model string, tier freerouter.Tier) *wireThinking {
	for _, pattern := range u.thinking.Adaptive {
		if pattern != "" && strings.Contains(model, pattern) {
			if tier == freerouter.TierComplex || tier == freerouter.TierReasoning {
				return &wireThinking{Type: "adaptive"}
			}
		}
	}
	if tier != freerouter.TierMedium {
		return nil
	}
	if len(u.thinking.Enabled.Models) > 0 {
		allowed := false
		for _, m := range u.thinking.Enabled.Models {
			if m == model {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil
		}
	}
	budget := u.thinking.Enabled.Budget
	if budget <= 0 {
		budget = defaultThinkingBudget
	}
	return &wireThinking{Type: "enabled", BudgetTokens: budget}
}

// translateMessages converts front messages into Anthropic turns. A run of
// one or more consecutive tool-result messages immediately following an
// assistant tool_use turn is coalesced into a single user turn carrying one
// tool_result block per call, matching Anthropic's requirement that all
// tool results for a turn arrive together.
func translateMessages(messages []freerouter.Message) []wireMessage {
	var out []wireMessage
	i := 0
	for i < len(messages) {
		m := messages[i]
		switch m.Role {
		case "system", "developer":
			i++
			continue
		case "tool":
			var blocks []wireContent
			for i < len(messages) && messages[i].Role == "tool" {
				blocks = append(blocks, wireContent{
					Type:      "tool_result",
					ToolUseID: messages[i].ToolCallID,
					Content:   messages[i].Content.Flatten(),
				})
				i++
			}
			out = append(out, wireMessage{Role: "user", Content: blocks})
		case "assistant":
			var blocks []wireContent
			if text := m.Content.Flatten(); text != "" {
				blocks = append(blocks, wireContent{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, wireContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(orEmptyObject(tc.Function.Arguments)),
				})
			}
			out = append(out, wireMessage{Role: "assistant", Content: blocks})
			i++
		default: // "user"
			out = append(out, wireMessage{Role: "user", Content: contentFromFront(m.Content)})
			i++
		}
	}
	return out
}

// orEmptyObject guards tool_use input: an empty or unparseable arguments
// string becomes an empty object rather than invalid wire JSON.
func orEmptyObject(s string) string {
	if !json.Valid([]byte(s)) {
		return "{}"
	}
	return s
}

func contentFromFront(c freerouter.MessageContent) []wireContent {
	if c.Parts == nil {
		return []wireContent{{Type: "text", Text: c.Text}}
	}
	blocks := make([]wireContent, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, wireContent{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				blocks = append(blocks, wireContent{Type: "image", Source: &wireImgSource{Type: "url", URL: p.ImageURL.URL}})
			}
		}
	}
	return blocks
}

// emptyObjectSchema is the input_schema used when a tool definition omits
// its parameters.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

func translateTools(tools []freerouter.Tool) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, len(tools))
	for i, t := range tools {
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = emptyObjectSchema
		}
		out[i] = wireTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		}
	}
	return out
}

func translateToolChoice(raw json.RawMessage) *wireToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return &wireToolChoice{Type: "auto"}
		case "none":
			return &wireToolChoice{Type: "none"}
		case "required":
			return &wireToolChoice{Type: "any"}
		}
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return &wireToolChoice{Type: "tool", Name: named.Function.Name}
	}
	return nil
}

// --- transport ---

func (u *Upstream) doRequest(ctx context.Context, req freerouter.UpstreamRequest, stream bool) (*http.Response, error) {
	body := u.buildRequest(req, stream)
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("freerouter: anthropic: marshal request: %w", err)
	}

	url := strings.TrimRight(req.Descriptor.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("freerouter: anthropic: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	if req.Descriptor.Auth.IsOAuth() {
		httpReq.Header.Set("Authorization", "Bearer "+req.Descriptor.Auth.OAuthToken)
		httpReq.Header.Set("anthropic-beta", oauthBetaFlags)
		httpReq.Header.Set("user-agent", cliUserAgent)
		httpReq.Header.Set("x-app", cliAppID)
		httpReq.Header.Set("anthropic-dangerous-direct-browser-access", "true")
	} else {
		httpReq.Header.Set("x-api-key", req.Descriptor.Auth.APIKey)
	}
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

// --- non-streaming response translation ---

func (u *Upstream) ChatCompletion(ctx context.Context, req freerouter.UpstreamRequest) (freerouter.ChatResponse, error) {
	httpResp, err := u.doRequest(ctx, req, false)
	if err != nil {
		return freerouter.ChatResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return freerouter.ChatResponse{}, err
	}

	var wr wireResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&wr); err != nil {
		return freerouter.ChatResponse{}, fmt.Errorf("freerouter: anthropic: decode response: %w", err)
	}
	return toChatResponse(wr), nil
}

func toChatResponse(wr wireResponse) freerouter.ChatResponse {
	var text strings.Builder
	var toolCalls []freerouter.ToolCall
	for _, block := range wr.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			id := block.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, freerouter.ToolCall{
				ID: id, Type: "function",
				Function: freerouter.FunctionCall{Name: block.Name, Arguments: args},
			})
			// "thinking" blocks never reach the client.
		}
	}

	msg := freerouter.Message{Role: "assistant", Content: freerouter.MessageContent{Text: text.String()}}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}

	return freerouter.ChatResponse{
		ID:      wr.ID,
		Object:  "chat.completion",
		Model:   modelNamespace + wr.Model,
		Choices: []freerouter.Choice{{Index: 0, Message: msg, FinishReason: finishReason(wr.StopReason)}},
		Usage: freerouter.Usage{
			PromptTokens:     wr.Usage.InputTokens,
			CompletionTokens: wr.Usage.OutputTokens,
			TotalTokens:      wr.Usage.InputTokens + wr.Usage.OutputTokens,
		},
	}
}

// finishReason maps a non-streaming stop_reason: tool_use and end_turn get
// their OpenAI names, a missing stop_reason becomes stop, and anything else
// (max_tokens, stop_sequence, ...) passes through verbatim.
func finishReason(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "end_turn", "":
		return "stop"
	default:
		return stopReason
	}
}

// streamFinishReason maps the last observed stop_reason of a stream. The
// chunk protocol is binary: tool_use becomes tool_calls, everything else
// terminates with stop.
func streamFinishReason(stopReason string) string {
	if stopReason == "tool_use" {
		return "tool_calls"
	}
	return "stop"
}

// --- streaming response translation ---

func (u *Upstream) ChatCompletionStream(ctx context.Context, req freerouter.UpstreamRequest) (freerouter.UpstreamStream, error) {
	httpResp, err := u.doRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if err := mapHTTPError(httpResp); err != nil {
		httpResp.Body.Close()
		return nil, err
	}
	return &sseStream{
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
		model:  modelNamespace + req.Model,
	}, nil
}

type blockState struct {
	kind      string // "text" | "tool_use" | "thinking"
	toolIndex int
}

// sseStream walks Anthropic's event-typed SSE stream, translating it into
// OpenAI-shaped chat.completion.chunk values. Thinking deltas are consumed
// and never surfaced.
type sseStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
	model  string

	id         string
	blocks     map[int]*blockState
	toolCalls  int
	sentRole   bool
	stopReason string
	done       bool
}

func (s *sseStream) Next() (freerouter.ChatCompletionChunk, error) {
	if s.done {
		return freerouter.ChatCompletionChunk{}, io.EOF
	}
	if s.blocks == nil {
		s.blocks = make(map[int]*blockState)
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

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(data), &envelope); err != nil {
			continue // skip unparseable lines
		}

		switch envelope.Type {
		case "message_start":
			var ev struct {
				Message struct {
					ID string `json:"id"`
				} `json:"message"`
			}
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				s.id = ev.Message.ID
			}
			if !s.sentRole {
				s.sentRole = true
				return freerouter.ChatCompletionChunk{
					ID: s.id, Object: "chat.completion.chunk", Model: s.model,
					Choices: []freerouter.StreamChoice{{Index: 0, Delta: freerouter.Delta{Role: "assistant"}}},
				}, nil
			}

		case "content_block_start":
			var ev struct {
				Index        int `json:"index"`
				ContentBlock struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
			}
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if ev.ContentBlock.Type == "tool_use" {
				idx := s.toolCalls
				s.toolCalls++
				s.blocks[ev.Index] = &blockState{kind: "tool_use", toolIndex: idx}
				id := ev.ContentBlock.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				return freerouter.ChatCompletionChunk{
					ID: s.id, Object: "chat.completion.chunk", Model: s.model,
					Choices: []freerouter.StreamChoice{{Index: 0, Delta: freerouter.Delta{
						ToolCalls: []freerouter.ToolCallDelta{{
							Index: idx, ID: id, Type: "function",
							Function: &freerouter.FunctionCallDelta{Name: ev.ContentBlock.Name, Arguments: ""},
						}},
					}}},
				}, nil
			}
			s.blocks[ev.Index] = &blockState{kind: ev.ContentBlock.Type}

		case "content_block_delta":
			var ev struct {
				Index int `json:"index"`
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					PartialJSON string `json:"partial_json"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				// A text delta inside a thinking block must never reach
				// the client.
				if st, ok := s.blocks[ev.Index]; ok && st.kind == "thinking" {
					continue
				}
				if ev.Delta.Text == "" {
					continue
				}
				return freerouter.ChatCompletionChunk{
					ID: s.id, Object: "chat.completion.chunk", Model: s.model,
					Choices: []freerouter.StreamChoice{{Index: 0, Delta: freerouter.Delta{Content: ev.Delta.Text}}},
				}, nil
			case "input_json_delta":
				st, ok := s.blocks[ev.Index]
				if !ok {
					continue
				}
				return freerouter.ChatCompletionChunk{
					ID: s.id, Object: "chat.completion.chunk", Model: s.model,
					Choices: []freerouter.StreamChoice{{Index: 0, Delta: freerouter.Delta{
						ToolCalls: []freerouter.ToolCallDelta{{
							Index:    st.toolIndex,
							Function: &freerouter.FunctionCallDelta{Arguments: ev.Delta.PartialJSON},
						}},
					}}},
				}, nil
			default: // "thinking_delta", "signature_delta": never surfaced
				continue
			}

		case "content_block_stop":
			continue

		case "message_delta":
			var ev struct {
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Delta.StopReason != "" {
				s.stopReason = ev.Delta.StopReason
			}

		case "message_stop":
			s.done = true
			return freerouter.ChatCompletionChunk{
				ID: s.id, Object: "chat.completion.chunk", Model: s.model,
				Choices: []freerouter.StreamChoice{{
					Index: 0, Delta: freerouter.Delta{}, FinishReason: freerouter.StrPtr(streamFinishReason(s.stopReason)),
				}},
			}, nil

		case "error":
			s.done = true
			return freerouter.ChatCompletionChunk{}, fmt.Errorf("freerouter: anthropic: stream error: %s", data)

		case "ping":
			continue

		default:
			continue
		}
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
