// Package ollama implements the native Ollama adapter over /api/chat. Ollama
// streams NDJSON rather than SSE and needs no API key.
package ollama

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/rizki96/exllm/internal/streaming"
	"github.com/rizki96/exllm/pipeline"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
)

// ProviderName is the registry tag.
const ProviderName = "ollama"

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3.2"
)

// Provider is the Ollama adapter.
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

// BuildRequest assembles the /api/chat call. Generation knobs ride in the
// options object; stream defaults to true server-side so it is always sent
// explicitly.
func (p *Provider) BuildRequest(req *pipeline.Request) *pipeline.Request {
	model := p.model(req)
	opts := req.Options

	messages := make([]map[string]any, 0, len(req.Messages)+1)
	if opts.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": opts.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{"role": string(m.Role), "content": m.Content})
	}

	body := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   opts.Stream,
	}

	modelOpts := map[string]any{}
	if opts.Temperature != nil {
		modelOpts["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		modelOpts["num_predict"] = opts.MaxTokens
	}
	if opts.TopP != nil {
		modelOpts["top_p"] = *opts.TopP
	}
	if opts.Seed != nil {
		modelOpts["seed"] = *opts.Seed
	}
	if len(opts.Stop) > 0 {
		modelOpts["stop"] = opts.Stop
	}
	if len(modelOpts) > 0 {
		body["options"] = modelOpts
	}
	if len(opts.Tools) > 0 {
		body["tools"] = opts.Tools
	}
	if opts.ResponseFormat != nil {
		body["format"] = opts.ResponseFormat
	}

	req.Assign(pipeline.AssignRequestURL, p.baseURL(req)+"/api/chat")
	req.Assign(pipeline.AssignRequestBody, body)
	req.Assign(pipeline.AssignRequestHeaders, map[string]string{})
	req.Assign(pipeline.AssignModel, model)
	return req
}

type chatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		ToolCalls []struct {
			Function struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// ParseResponse maps a non-streaming /api/chat body to the canonical
// response. Ollama reports errors in-band with a 200 on some paths, so the
// error field is checked first.
func (p *Provider) ParseResponse(req *pipeline.Request, body []byte) (*types.LLMResponse, error) {
	var raw chatResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, llmerrors.NewProtocol(ProviderName, "cannot parse response: "+err.Error())
	}
	if raw.Error != "" {
		return nil, llmerrors.NewProvider(ProviderName, 0, raw.Error)
	}

	var toolCalls []types.ToolCall
	for _, tc := range raw.Message.ToolCalls {
		toolCalls = append(toolCalls, types.ToolCall{
			Type: "function",
			Function: types.ToolFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	model := raw.Model
	if model == "" {
		model = p.model(req)
	}
	finish := raw.DoneReason
	if finish == "" && raw.Done {
		finish = "stop"
	}

	return &types.LLMResponse{
		Content: raw.Message.Content,
		Model:   model,
		Usage: types.Usage{
			InputTokens:  raw.PromptEvalCount,
			OutputTokens: raw.EvalCount,
			TotalTokens:  raw.PromptEvalCount + raw.EvalCount,
		},
		FinishReason: finish,
		ToolCalls:    toolCalls,
		Metadata: types.ResponseMetadata{
			Provider:    ProviderName,
			Role:        types.Role(raw.Message.Role),
			RawResponse: json.RawMessage(body),
		},
	}, nil
}

// StreamDecoder returns a fresh NDJSON decoder.
func (p *Provider) StreamDecoder(_ *pipeline.Request) streaming.Decoder {
	return streaming.NewNDJSONDecoder()
}

// BuildEmbeddingRequest assembles the /api/embed call.
func (p *Provider) BuildEmbeddingRequest(req *pipeline.Request, inputs []string) *pipeline.Request {
	model := p.model(req)
	req.Assign(pipeline.AssignRequestURL, p.baseURL(req)+"/api/embed")
	req.Assign(pipeline.AssignRequestBody, map[string]any{
		"model": model,
		"input": inputs,
	})
	req.Assign(pipeline.AssignRequestHeaders, map[string]string{})
	req.Assign(pipeline.AssignModel, model)
	return req
}

// ParseEmbeddingResponse maps an /api/embed body.
func (p *Provider) ParseEmbeddingResponse(body []byte) (*types.EmbeddingResponse, error) {
	var raw struct {
		Model           string      `json:"model"`
		Embeddings      [][]float64 `json:"embeddings"`
		PromptEvalCount int         `json:"prompt_eval_count"`
		Error           string      `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, llmerrors.NewProtocol(ProviderName, "cannot parse embeddings: "+err.Error())
	}
	if raw.Error != "" {
		return nil, llmerrors.NewProvider(ProviderName, 0, raw.Error)
	}
	return &types.EmbeddingResponse{
		Model:      raw.Model,
		Embeddings: raw.Embeddings,
		Usage: types.Usage{
			InputTokens: raw.PromptEvalCount,
			TotalTokens: raw.PromptEvalCount,
		},
	}, nil
}

// ModelsURL points at the local tag listing.
func (p *Provider) ModelsURL(cfg pipeline.RequestConfig) string {
	base := defaultBaseURL
	if cfg.BaseURL != "" {
		base = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return base + "/api/tags"
}

// ParseModels maps the /api/tags listing.
func (p *Provider) ParseModels(body []byte) ([]types.Model, error) {
	var raw struct {
		Models []struct {
			Name       string `json:"name"`
			ModifiedAt string `json:"modified_at"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, llmerrors.NewProtocol(ProviderName, "cannot parse models: "+err.Error())
	}
	out := make([]types.Model, 0, len(raw.Models))
	for _, m := range raw.Models {
		out = append(out, types.Model{ID: m.Name, Provider: ProviderName})
	}
	return out, nil
}

// MapError decodes the Ollama error envelope.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var raw struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err == nil && raw.Error != "" {
		return llmerrors.NewProvider(ProviderName, statusCode, raw.Error)
	}
	return llmerrors.NewHTTP(ProviderName, statusCode, string(body))
}
