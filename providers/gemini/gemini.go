// Package gemini implements the Google Gemini adapter over the
// generate-content API.
package gemini

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/rizki96/exllm/internal/streaming"
	"github.com/rizki96/exllm/pipeline"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
)

// ProviderName is the registry tag.
const ProviderName = "gemini"

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-2.0-flash"
)

// Provider is the Gemini adapter.
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

// BuildRequest assembles the generate-content call. The model rides in the
// URL; streaming switches the verb to streamGenerateContent with SSE output.
func (p *Provider) BuildRequest(req *pipeline.Request) *pipeline.Request {
	model := p.model(req)
	opts := req.Options

	body := map[string]any{
		"contents": wireContents(req.Messages),
	}
	if opts.System != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": opts.System}},
		}
	}

	generation := map[string]any{}
	if opts.Temperature != nil {
		generation["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		generation["maxOutputTokens"] = opts.MaxTokens
	}
	if opts.TopP != nil {
		generation["topP"] = *opts.TopP
	}
	if len(opts.Stop) > 0 {
		generation["stopSequences"] = opts.Stop
	}
	if len(generation) > 0 {
		body["generationConfig"] = generation
	}
	if len(opts.Tools) > 0 {
		body["tools"] = opts.Tools
	}

	verb := ":generateContent"
	if opts.Stream {
		verb = ":streamGenerateContent?alt=sse"
	}

	req.Assign(pipeline.AssignRequestURL, p.baseURL(req)+"/v1beta/models/"+model+verb)
	req.Assign(pipeline.AssignRequestBody, body)
	req.Assign(pipeline.AssignRequestHeaders, map[string]string{
		"x-goog-api-key": req.Config.APIKey,
	})
	req.Assign(pipeline.AssignModel, model)
	return req
}

// wireContents converts canonical messages to Gemini contents. Gemini names
// the assistant role "model"; system turns are folded into user turns since
// the system prompt travels in systemInstruction.
func wireContents(messages []types.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == types.RoleAssistant {
			role = "model"
		}

		var parts []map[string]any
		if len(m.Parts) > 0 {
			for _, part := range m.Parts {
				switch part.Type {
				case types.PartImageURL:
					parts = append(parts, map[string]any{
						"fileData": map[string]string{"fileUri": part.ImageURL},
					})
				default:
					parts = append(parts, map[string]any{"text": part.Text})
				}
			}
		} else {
			parts = []map[string]any{{"text": m.Content}}
		}
		out = append(out, map[string]any{"role": role, "parts": parts})
	}
	return out
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
		CachedContentTokens  int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// ParseResponse maps a generate-content body to the canonical response.
func (p *Provider) ParseResponse(req *pipeline.Request, body []byte) (*types.LLMResponse, error) {
	var raw generateResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, llmerrors.NewProtocol(ProviderName, "cannot parse response: "+err.Error())
	}
	if len(raw.Candidates) == 0 {
		return nil, llmerrors.NewProvider(ProviderName, 0, "response has no candidates")
	}
	cand := raw.Candidates[0]

	var content strings.Builder
	for _, part := range cand.Content.Parts {
		content.WriteString(part.Text)
	}

	model := raw.ModelVersion
	if model == "" {
		model = p.model(req)
	}

	return &types.LLMResponse{
		Content: content.String(),
		Model:   model,
		Usage: types.Usage{
			InputTokens:  raw.UsageMetadata.PromptTokenCount,
			OutputTokens: raw.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  raw.UsageMetadata.TotalTokenCount,
			CachedTokens: raw.UsageMetadata.CachedContentTokens,
		},
		FinishReason: strings.ToLower(cand.FinishReason),
		Metadata: types.ResponseMetadata{
			Provider:    ProviderName,
			Role:        types.RoleAssistant,
			RawResponse: json.RawMessage(body),
		},
	}, nil
}

// StreamDecoder returns a fresh SSE decoder for the Gemini payload shape.
func (p *Provider) StreamDecoder(_ *pipeline.Request) streaming.Decoder {
	return streaming.NewSSEDecoder(streaming.ParseGeminiPayload)
}

// MapError decodes the Google error envelope.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var raw struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err == nil && raw.Error.Message != "" {
		return llmerrors.NewProvider(ProviderName, statusCode, raw.Error.Message)
	}
	return llmerrors.NewHTTP(ProviderName, statusCode, string(body))
}
