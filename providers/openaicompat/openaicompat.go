// Package openaicompat is the shared implementation behind every
// OpenAI-compatible provider (OpenAI, Groq, Mistral, OpenRouter, Perplexity,
// xAI). Each provider parameterizes it with an Info struct instead of
// duplicating the body builder and response parser.
package openaicompat

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/rizki96/exllm/internal/streaming"
	"github.com/rizki96/exllm/pipeline"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
)

const defaultTemperature = 0.7

// Info parameterizes one OpenAI-compatible provider.
type Info struct {
	// Tag is the provider name, e.g. "groq".
	Tag string
	// DefaultBaseURL is used when no base URL is configured.
	DefaultBaseURL string
	// DefaultModel is used when neither options nor config name one.
	DefaultModel string
	// ChatPath defaults to /v1/chat/completions.
	ChatPath string
	// EmbeddingsPath defaults to /v1/embeddings.
	EmbeddingsPath string
	// ModelsPath defaults to /v1/models.
	ModelsPath string
	// ExtraHeaders adds provider-specific headers on top of the bearer auth.
	ExtraHeaders func(req *pipeline.Request) map[string]string
	// ExtraBody mutates the outgoing body for provider passthrough fields.
	ExtraBody func(req *pipeline.Request, body map[string]any)
}

// Provider is one parameterized OpenAI-compatible adapter.
type Provider struct {
	info Info
}

// New creates the adapter for info.
func New(info Info) *Provider {
	if info.ChatPath == "" {
		info.ChatPath = "/v1/chat/completions"
	}
	if info.EmbeddingsPath == "" {
		info.EmbeddingsPath = "/v1/embeddings"
	}
	if info.ModelsPath == "" {
		info.ModelsPath = "/v1/models"
	}
	return &Provider{info: info}
}

func (p *Provider) Name() string           { return p.info.Tag }
func (p *Provider) DefaultBaseURL() string { return p.info.DefaultBaseURL }

// Model resolves the effective model: explicit option, configured default,
// then the provider's built-in default.
func (p *Provider) Model(req *pipeline.Request) string {
	if req.Options.Model != "" {
		return req.Options.Model
	}
	if req.Config.Model != "" {
		return req.Config.Model
	}
	return p.info.DefaultModel
}

func (p *Provider) baseURL(req *pipeline.Request) string {
	if req.Config.BaseURL != "" {
		return strings.TrimSuffix(req.Config.BaseURL, "/")
	}
	return p.info.DefaultBaseURL
}

// BuildRequest assembles the chat completions call.
func (p *Provider) BuildRequest(req *pipeline.Request) *pipeline.Request {
	model := p.Model(req)
	body := p.buildBody(req, model)

	headers := map[string]string{}
	if req.Config.APIKey != "" {
		headers["authorization"] = "Bearer " + req.Config.APIKey
	}
	if p.info.ExtraHeaders != nil {
		for k, v := range p.info.ExtraHeaders(req) {
			if v != "" {
				headers[k] = v
			}
		}
	}

	req.Assign(pipeline.AssignRequestURL, p.baseURL(req)+p.info.ChatPath)
	req.Assign(pipeline.AssignRequestBody, body)
	req.Assign(pipeline.AssignRequestHeaders, headers)
	req.Assign(pipeline.AssignModel, model)
	return req
}

func (p *Provider) buildBody(req *pipeline.Request, model string) map[string]any {
	opts := req.Options
	messages := wireMessages(req.Messages, opts.System)

	body := map[string]any{
		"model":    model,
		"messages": messages,
	}

	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	} else {
		body["temperature"] = defaultTemperature
	}
	if opts.MaxCompletionTokens > 0 {
		body["max_completion_tokens"] = opts.MaxCompletionTokens
	} else if opts.MaxTokens > 0 {
		if usesCompletionTokens(model) {
			body["max_completion_tokens"] = opts.MaxTokens
		} else {
			body["max_tokens"] = opts.MaxTokens
		}
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if opts.FrequencyPenalty != nil {
		body["frequency_penalty"] = *opts.FrequencyPenalty
	}
	if opts.PresencePenalty != nil {
		body["presence_penalty"] = *opts.PresencePenalty
	}
	if len(opts.Stop) > 0 {
		body["stop"] = opts.Stop
	}
	if opts.User != "" {
		body["user"] = opts.User
	}
	if opts.Seed != nil {
		body["seed"] = *opts.Seed
	}
	if opts.N > 0 {
		body["n"] = opts.N
	}
	if opts.Logprobs {
		body["logprobs"] = true
		if opts.TopLogprobs > 0 {
			body["top_logprobs"] = opts.TopLogprobs
		}
	}
	if len(opts.ResponseFormat) > 0 {
		body["response_format"] = opts.ResponseFormat
	}
	if len(opts.Tools) > 0 {
		body["tools"] = opts.Tools
	}
	if len(opts.ToolChoice) > 0 {
		body["tool_choice"] = opts.ToolChoice
	}
	if opts.ParallelToolCalls != nil {
		body["parallel_tool_calls"] = *opts.ParallelToolCalls
	}
	if opts.Stream {
		body["stream"] = true
		if len(opts.StreamOptions) > 0 {
			body["stream_options"] = opts.StreamOptions
		}
	}

	if p.info.ExtraBody != nil {
		p.info.ExtraBody(req, body)
	}
	return body
}

// usesCompletionTokens reports whether the model rejects the legacy
// max_tokens parameter.
func usesCompletionTokens(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// wireMessage is the outbound message shape.
type wireMessage struct {
	Role       string `json:"role"`
	Content    any    `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// wireMessages converts canonical messages to the OpenAI shape, injecting an
// optional system prompt at the front.
func wireMessages(messages []types.Message, system string) []wireMessage {
	out := make([]wireMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, wireMessage{Role: string(types.RoleSystem), Content: system})
	}
	for _, m := range messages {
		wm := wireMessage{Role: string(m.Role), Name: m.Name, ToolCallID: m.ToolCallID}
		if len(m.Parts) > 0 {
			parts := make([]map[string]any, 0, len(m.Parts))
			for _, part := range m.Parts {
				switch part.Type {
				case types.PartImageURL:
					parts = append(parts, map[string]any{
						"type":      "image_url",
						"image_url": map[string]string{"url": part.ImageURL},
					})
				case types.PartAudioInput:
					parts = append(parts, map[string]any{
						"type":        "input_audio",
						"input_audio": map[string]string{"data": part.AudioData, "format": part.AudioFormat},
					})
				default:
					parts = append(parts, map[string]any{"type": "text", "text": part.Text})
				}
			}
			wm.Content = parts
		} else {
			wm.Content = m.Content
		}
		out = append(out, wm)
	}
	return out
}

// chatResponse is the inbound chat completions shape.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role             string           `json:"role"`
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			Refusal          string           `json:"refusal"`
			ToolCalls        []types.ToolCall `json:"tool_calls"`
			FunctionCall     *struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function_call"`
		} `json:"message"`
		FinishReason string          `json:"finish_reason"`
		Logprobs     *types.Logprobs `json:"logprobs"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		TotalTokens         int `json:"total_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
			AudioTokens  int `json:"audio_tokens"`
		} `json:"prompt_tokens_details"`
		CompletionTokensDetails struct {
			ReasoningTokens int `json:"reasoning_tokens"`
			AudioTokens     int `json:"audio_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
}

// ParseResponse maps a chat completions body to the canonical response.
func (p *Provider) ParseResponse(req *pipeline.Request, body []byte) (*types.LLMResponse, error) {
	var raw chatResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, llmerrors.NewProtocol(p.info.Tag, "cannot parse response: "+err.Error())
	}
	if len(raw.Choices) == 0 {
		return nil, llmerrors.NewProvider(p.info.Tag, 0, "response has no choices")
	}
	choice := raw.Choices[0]

	content := choice.Message.Content
	if content == "" && choice.Message.ReasoningContent != "" {
		content = choice.Message.ReasoningContent
	}

	toolCalls := choice.Message.ToolCalls
	if len(toolCalls) == 0 && choice.Message.FunctionCall != nil {
		// Legacy function_call responses are rewritten into tool_calls.
		toolCalls = []types.ToolCall{{
			ID:   "call_" + uuid.NewString(),
			Type: "function",
			Function: types.ToolFunction{
				Name:      choice.Message.FunctionCall.Name,
				Arguments: choice.Message.FunctionCall.Arguments,
			},
		}}
	}

	model := raw.Model
	if model == "" {
		model = p.Model(req)
	}

	return &types.LLMResponse{
		Content: content,
		Model:   model,
		Usage: types.Usage{
			InputTokens:     raw.Usage.PromptTokens,
			OutputTokens:    raw.Usage.CompletionTokens,
			TotalTokens:     raw.Usage.TotalTokens,
			CachedTokens:    raw.Usage.PromptTokensDetails.CachedTokens,
			ReasoningTokens: raw.Usage.CompletionTokensDetails.ReasoningTokens,
			AudioTokens:     raw.Usage.PromptTokensDetails.AudioTokens + raw.Usage.CompletionTokensDetails.AudioTokens,
		},
		FinishReason: choice.FinishReason,
		ToolCalls:    toolCalls,
		Refusal:      choice.Message.Refusal,
		Logprobs:     choice.Logprobs,
		Metadata: types.ResponseMetadata{
			Provider:    p.info.Tag,
			Role:        types.Role(choice.Message.Role),
			RawResponse: json.RawMessage(body),
		},
	}, nil
}

// StreamDecoder returns a fresh SSE decoder for one stream.
func (p *Provider) StreamDecoder(_ *pipeline.Request) streaming.Decoder {
	return streaming.NewSSEDecoder(streaming.ParseOpenAIPayload)
}

// BuildEmbeddingRequest assembles the embeddings call.
func (p *Provider) BuildEmbeddingRequest(req *pipeline.Request, inputs []string) *pipeline.Request {
	model := p.Model(req)
	headers := map[string]string{}
	if req.Config.APIKey != "" {
		headers["authorization"] = "Bearer " + req.Config.APIKey
	}
	req.Assign(pipeline.AssignRequestURL, p.baseURL(req)+p.info.EmbeddingsPath)
	req.Assign(pipeline.AssignRequestBody, map[string]any{"model": model, "input": inputs})
	req.Assign(pipeline.AssignRequestHeaders, headers)
	req.Assign(pipeline.AssignModel, model)
	return req
}

// ParseEmbeddingResponse maps an embeddings body to the canonical shape.
func (p *Provider) ParseEmbeddingResponse(body []byte) (*types.EmbeddingResponse, error) {
	var raw struct {
		Model string `json:"model"`
		Data  []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, llmerrors.NewProtocol(p.info.Tag, "cannot parse embeddings: "+err.Error())
	}
	out := &types.EmbeddingResponse{
		Model: raw.Model,
		Usage: types.Usage{InputTokens: raw.Usage.PromptTokens, TotalTokens: raw.Usage.TotalTokens},
	}
	for _, d := range raw.Data {
		out.Embeddings = append(out.Embeddings, d.Embedding)
	}
	return out, nil
}

// ModelsURL is the dynamic model listing endpoint.
func (p *Provider) ModelsURL(cfg pipeline.RequestConfig) string {
	base := cfg.BaseURL
	if base == "" {
		base = p.info.DefaultBaseURL
	}
	return strings.TrimSuffix(base, "/") + p.info.ModelsPath
}

// ParseModels maps the model listing body.
func (p *Provider) ParseModels(body []byte) ([]types.Model, error) {
	var raw struct {
		Data []struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, llmerrors.NewProtocol(p.info.Tag, "cannot parse models: "+err.Error())
	}
	models := make([]types.Model, 0, len(raw.Data))
	for _, m := range raw.Data {
		models = append(models, types.Model{ID: m.ID, Provider: p.info.Tag, Object: m.Object})
	}
	return models, nil
}

// MapError decodes the provider's error envelope.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var raw struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err == nil && raw.Error.Message != "" {
		return llmerrors.NewProvider(p.info.Tag, statusCode, raw.Error.Message)
	}
	return llmerrors.NewHTTP(p.info.Tag, statusCode, string(body))
}
