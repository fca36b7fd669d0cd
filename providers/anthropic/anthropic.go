// Package anthropic implements the Anthropic messages adapter.
package anthropic

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/rizki96/exllm/internal/streaming"
	"github.com/rizki96/exllm/pipeline"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
)

// ProviderName is the registry tag.
const ProviderName = "anthropic"

const (
	defaultBaseURL = "https://api.anthropic.com"
	defaultModel   = "claude-3-5-haiku-latest"
	apiVersion     = "2023-06-01"
	// Anthropic requires max_tokens; this is the fallback when unset.
	defaultMaxTokens = 4096
)

// Provider is the Anthropic adapter.
type Provider struct{}

// New creates the adapter.
func New() *Provider { return &Provider{} }

func (p *Provider) Name() string           { return ProviderName }
func (p *Provider) DefaultBaseURL() string { return defaultBaseURL }

func (p *Provider) model(req *pipeline.Request) string {
	if req.Options.Model != "" {
		return req.Options.Model
	}
	if req.Config.Model != "" {
		return req.Config.Model
	}
	return defaultModel
}

func (p *Provider) baseURL(req *pipeline.Request) string {
	if req.Config.BaseURL != "" {
		return strings.TrimSuffix(req.Config.BaseURL, "/")
	}
	return defaultBaseURL
}

// BuildRequest assembles the messages call. The system prompt travels in its
// own top-level field, never as a message.
func (p *Provider) BuildRequest(req *pipeline.Request) *pipeline.Request {
	model := p.model(req)
	opts := req.Options

	body := map[string]any{
		"model":    model,
		"messages": wireMessages(req.Messages),
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body["max_tokens"] = maxTokens

	if opts.System != "" {
		body["system"] = opts.System
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if len(opts.Stop) > 0 {
		body["stop_sequences"] = opts.Stop
	}
	if len(opts.Tools) > 0 {
		body["tools"] = opts.Tools
	}
	if len(opts.ToolChoice) > 0 {
		body["tool_choice"] = opts.ToolChoice
	}
	if opts.Stream {
		body["stream"] = true
	}

	req.Assign(pipeline.AssignRequestURL, p.baseURL(req)+"/v1/messages")
	req.Assign(pipeline.AssignRequestBody, body)
	req.Assign(pipeline.AssignRequestHeaders, map[string]string{
		"x-api-key":         req.Config.APIKey,
		"anthropic-version": apiVersion,
	})
	req.Assign(pipeline.AssignModel, model)
	return req
}

func wireMessages(messages []types.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		role := string(m.Role)
		// Anthropic only accepts user and assistant turns; tool results ride
		// as user content.
		if m.Role == types.RoleTool {
			role = string(types.RoleUser)
		}
		entry := map[string]any{"role": role}
		if len(m.Parts) > 0 {
			parts := make([]map[string]any, 0, len(m.Parts))
			for _, part := range m.Parts {
				switch part.Type {
				case types.PartImageURL:
					parts = append(parts, map[string]any{
						"type":   "image",
						"source": map[string]string{"type": "url", "url": part.ImageURL},
					})
				default:
					parts = append(parts, map[string]any{"type": "text", "text": part.Text})
				}
			}
			entry["content"] = parts
		} else {
			entry["content"] = m.Content
		}
		out = append(out, entry)
	}
	return out
}

type messagesResponse struct {
	Model   string `json:"model"`
	Role    string `json:"role"`
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

// ParseResponse maps a messages body to the canonical response. Text blocks
// concatenate; tool_use blocks become tool calls.
func (p *Provider) ParseResponse(req *pipeline.Request, body []byte) (*types.LLMResponse, error) {
	var raw messagesResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, llmerrors.NewProtocol(ProviderName, "cannot parse response: "+err.Error())
	}

	var content strings.Builder
	var toolCalls []types.ToolCall
	for _, block := range raw.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: types.ToolFunction{
					Name:      block.Name,
					Arguments: block.Input,
				},
			})
		}
	}

	model := raw.Model
	if model == "" {
		model = p.model(req)
	}

	return &types.LLMResponse{
		Content: content.String(),
		Model:   model,
		Usage: types.Usage{
			InputTokens:  raw.Usage.InputTokens,
			OutputTokens: raw.Usage.OutputTokens,
			TotalTokens:  raw.Usage.InputTokens + raw.Usage.OutputTokens,
			CachedTokens: raw.Usage.CacheReadInputTokens,
		},
		FinishReason: raw.StopReason,
		ToolCalls:    toolCalls,
		Metadata: types.ResponseMetadata{
			Provider:    ProviderName,
			Role:        types.Role(raw.Role),
			RawResponse: json.RawMessage(body),
		},
	}, nil
}

// StreamDecoder returns a fresh SSE decoder for the Anthropic event format.
func (p *Provider) StreamDecoder(_ *pipeline.Request) streaming.Decoder {
	return streaming.NewSSEDecoder(streaming.ParseAnthropicPayload)
}

// MapError decodes the Anthropic error envelope.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var raw struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err == nil && raw.Error.Message != "" {
		return llmerrors.NewProvider(ProviderName, statusCode, raw.Error.Message)
	}
	return llmerrors.NewHTTP(ProviderName, statusCode, string(body))
}
