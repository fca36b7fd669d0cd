// Package bedrock implements the AWS Bedrock adapter. Bedrock is not one
// API: each model family carries its own body shape and finish-reason
// location, selected by the leading dotted segment of the model id. Requests
// are signed with SigV4 against the bedrock-runtime endpoint.
package bedrock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/goccy/go-json"

	"github.com/rizki96/exllm/internal/streaming"
	"github.com/rizki96/exllm/pipeline"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
)

// ProviderName is the registry tag.
const ProviderName = "bedrock"

const (
	defaultRegion = "us-east-1"
	defaultModel  = "anthropic.claude-3-5-sonnet-20241022-v2:0"

	anthropicVersion = "bedrock-2023-05-31"
	signingService   = "bedrock"
)

// Provider is the Bedrock adapter. AWS credentials load lazily on the first
// signed request and are reused afterwards.
type Provider struct {
	mu      sync.Mutex
	awsCfg  *aws.Config
	signer  *v4.Signer
	nowFunc func() time.Time
}

// New creates the adapter.
func New() *Provider {
	return &Provider{
		signer:  v4.NewSigner(),
		nowFunc: time.Now,
	}
}

func (p *Provider) Name() string { return ProviderName }

// DefaultBaseURL returns the runtime endpoint for the default region. The
// real endpoint is derived per request from the resolved region.
func (p *Provider) DefaultBaseURL() string {
	return "https://bedrock-runtime." + defaultRegion + ".amazonaws.com"
}

func (p *Provider) model(req *pipeline.Request) string {
	if req.Options.Model != "" {
		return req.Options.Model
	}
	if req.Config.Model != "" {
		return req.Config.Model
	}
	return defaultModel
}

func (p *Provider) region(req *pipeline.Request) string {
	if req.Options.Region != "" {
		return req.Options.Region
	}
	if req.Config.Region != "" {
		return req.Config.Region
	}
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	return defaultRegion
}

// family returns the sub-provider tag, the leading dotted segment of the
// model id. Cross-region inference profiles prefix the region ("us.", "eu.");
// those are skipped.
func family(model string) string {
	segments := strings.Split(model, ".")
	for _, s := range segments {
		switch s {
		case "us", "eu", "apac", "":
			continue
		}
		return s
	}
	return ""
}

// BuildRequest assembles the invoke call for the model's family.
func (p *Provider) BuildRequest(req *pipeline.Request) *pipeline.Request {
	model := p.model(req)
	region := p.region(req)

	body, err := buildFamilyBody(family(model), req)
	if err != nil {
		req.HaltWithCause("build_request", "unsupported_model", err.Error(), err)
		return req
	}

	verb := "invoke"
	if req.Options.Stream {
		verb = "invoke-with-response-stream"
	}
	base := req.Config.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}
	url := fmt.Sprintf("%s/model/%s/%s", strings.TrimSuffix(base, "/"), model, verb)

	req.Assign(pipeline.AssignRequestURL, url)
	req.Assign(pipeline.AssignRequestBody, body)
	req.Assign(pipeline.AssignRequestHeaders, map[string]string{})
	req.Assign(pipeline.AssignModel, model)
	req.Assign(pipeline.AssignProviderType, family(model))
	req.Assign(pipeline.AssignAWSRegion, region)
	return req
}

func buildFamilyBody(fam string, req *pipeline.Request) (map[string]any, error) {
	switch fam {
	case "anthropic":
		return anthropicBody(req), nil
	case "amazon":
		return titanBody(req), nil
	case "meta":
		return llamaBody(req), nil
	case "cohere":
		return cohereBody(req), nil
	case "ai21":
		return openAIStyleBody(req), nil
	case "mistral":
		return mistralBody(req), nil
	case "writer":
		return openAIStyleBody(req), nil
	case "deepseek":
		return deepseekBody(req), nil
	default:
		return nil, fmt.Errorf("unsupported bedrock model family %q", fam)
	}
}

func anthropicBody(req *pipeline.Request) map[string]any {
	opts := req.Options
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	messages := make([]map[string]any, 0, len(req.Messages))
	system := opts.System
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			if system == "" {
				system = m.Content
			}
			continue
		}
		role := string(m.Role)
		if m.Role == types.RoleTool {
			role = string(types.RoleUser)
		}
		messages = append(messages, map[string]any{"role": role, "content": m.Content})
	}
	body := map[string]any{
		"anthropic_version": anthropicVersion,
		"max_tokens":        maxTokens,
		"messages":          messages,
	}
	if system != "" {
		body["system"] = system
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
	return body
}

func titanBody(req *pipeline.Request) map[string]any {
	opts := req.Options
	cfg := map[string]any{}
	if opts.MaxTokens > 0 {
		cfg["maxTokenCount"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		cfg["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		cfg["topP"] = *opts.TopP
	}
	if len(opts.Stop) > 0 {
		cfg["stopSequences"] = opts.Stop
	}
	body := map[string]any{"inputText": flattenPrompt(req)}
	if len(cfg) > 0 {
		body["textGenerationConfig"] = cfg
	}
	return body
}

func llamaBody(req *pipeline.Request) map[string]any {
	opts := req.Options
	var prompt strings.Builder
	prompt.WriteString("<|begin_of_text|>")
	if opts.System != "" {
		fmt.Fprintf(&prompt, "<|start_header_id|>system<|end_header_id|>\n\n%s<|eot_id|>", opts.System)
	}
	for _, m := range req.Messages {
		fmt.Fprintf(&prompt, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>", m.Role, m.Content)
	}
	prompt.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")

	body := map[string]any{"prompt": prompt.String()}
	if opts.MaxTokens > 0 {
		body["max_gen_len"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	return body
}

func cohereBody(req *pipeline.Request) map[string]any {
	opts := req.Options
	body := map[string]any{"prompt": flattenPrompt(req)}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["p"] = *opts.TopP
	}
	if len(opts.Stop) > 0 {
		body["stop_sequences"] = opts.Stop
	}
	return body
}

// openAIStyleBody covers the families whose Bedrock bodies mirror the OpenAI
// chat shape (ai21 jamba, writer palmyra).
func openAIStyleBody(req *pipeline.Request) map[string]any {
	opts := req.Options
	messages := make([]map[string]any, 0, len(req.Messages)+1)
	if opts.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": opts.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{"role": string(m.Role), "content": m.Content})
	}
	body := map[string]any{"messages": messages}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if len(opts.Stop) > 0 {
		body["stop"] = opts.Stop
	}
	return body
}

func mistralBody(req *pipeline.Request) map[string]any {
	opts := req.Options
	var prompt strings.Builder
	prompt.WriteString("<s>")
	for _, m := range req.Messages {
		if m.Role == types.RoleUser || m.Role == types.RoleSystem {
			fmt.Fprintf(&prompt, "[INST] %s [/INST]", m.Content)
		} else {
			prompt.WriteString(m.Content)
		}
	}
	body := map[string]any{"prompt": prompt.String()}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if len(opts.Stop) > 0 {
		body["stop"] = opts.Stop
	}
	return body
}

func deepseekBody(req *pipeline.Request) map[string]any {
	opts := req.Options
	body := map[string]any{"prompt": flattenPrompt(req)}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	return body
}

// flattenPrompt renders the conversation as a plain transcript for the
// completion-style families.
func flattenPrompt(req *pipeline.Request) string {
	var b strings.Builder
	if req.Options.System != "" {
		b.WriteString(req.Options.System)
		b.WriteString("\n\n")
	}
	for i, m := range req.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String()
}

// SignRequest applies AWS SigV4 to the outbound request. The body hash is
// computed here because the signer needs the exact payload digest.
func (p *Provider) SignRequest(ctx context.Context, httpReq *http.Request, body []byte) error {
	cfg, err := p.loadAWSConfig(ctx, regionFromHost(httpReq.URL.Host))
	if err != nil {
		return llmerrors.NewConfiguration(ProviderName, "load aws config: "+err.Error())
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return llmerrors.NewConfiguration(ProviderName, "retrieve aws credentials: "+err.Error())
	}

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	if err := p.signer.SignHTTP(ctx, creds, httpReq, payloadHash, signingService, cfg.Region, p.nowFunc()); err != nil {
		return llmerrors.NewConfiguration(ProviderName, "sigv4 sign: "+err.Error())
	}
	return nil
}

// regionFromHost extracts the region from a bedrock-runtime host. Falls back
// to the environment region so custom endpoints still sign.
func regionFromHost(host string) string {
	const prefix = "bedrock-runtime."
	if strings.HasPrefix(host, prefix) {
		rest := strings.TrimPrefix(host, prefix)
		if i := strings.Index(rest, "."); i > 0 {
			return rest[:i]
		}
	}
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	return defaultRegion
}

func (p *Provider) loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.awsCfg != nil && p.awsCfg.Region == region {
		return *p.awsCfg, nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	// BEDROCK_ACCESS_KEY / BEDROCK_SECRET_KEY take precedence over the
	// default AWS credential chain when both are set.
	if ak, sk := os.Getenv("BEDROCK_ACCESS_KEY"), os.Getenv("BEDROCK_SECRET_KEY"); ak != "" && sk != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, sk, os.Getenv("BEDROCK_SESSION_TOKEN"))))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, err
	}
	p.awsCfg = &cfg
	return cfg, nil
}

type anthropicInvokeResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseResponse maps an invoke body to the canonical response. The parser is
// selected by the model family recorded during BuildRequest.
func (p *Provider) ParseResponse(req *pipeline.Request, body []byte) (*types.LLMResponse, error) {
	model := p.model(req)
	fam := family(model)
	if v, ok := req.GetAssign(pipeline.AssignProviderType); ok {
		if s, ok := v.(string); ok && s != "" {
			fam = s
		}
	}

	var (
		content      string
		finishReason string
		toolCalls    []types.ToolCall
		usage        types.Usage
		err          error
	)

	switch fam {
	case "anthropic":
		content, finishReason, toolCalls, usage, err = parseAnthropicInvoke(body)
	case "amazon":
		content, finishReason, usage, err = parseTitanInvoke(body)
	case "meta":
		content, finishReason, usage, err = parseLlamaInvoke(body)
	case "cohere":
		content, finishReason, err = parseCohereInvoke(body)
	case "ai21", "writer":
		content, finishReason, usage, err = parseOpenAIStyleInvoke(body)
	case "mistral":
		content, finishReason, err = parseMistralInvoke(body)
	case "deepseek":
		content, finishReason, err = parseDeepseekInvoke(body)
	default:
		err = fmt.Errorf("unsupported bedrock model family %q", fam)
	}
	if err != nil {
		return nil, llmerrors.NewProtocol(ProviderName, err.Error())
	}

	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	return &types.LLMResponse{
		Content:      content,
		Model:        model,
		Usage:        usage,
		FinishReason: finishReason,
		ToolCalls:    toolCalls,
		Metadata: types.ResponseMetadata{
			Provider:    ProviderName,
			Role:        types.RoleAssistant,
			RawResponse: json.RawMessage(body),
		},
	}, nil
}

func parseAnthropicInvoke(body []byte) (string, string, []types.ToolCall, types.Usage, error) {
	var raw anthropicInvokeResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", "", nil, types.Usage{}, err
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
	usage := types.Usage{
		InputTokens:  raw.Usage.InputTokens,
		OutputTokens: raw.Usage.OutputTokens,
	}
	return content.String(), raw.StopReason, toolCalls, usage, nil
}

func parseTitanInvoke(body []byte) (string, string, types.Usage, error) {
	var raw struct {
		InputTextTokenCount int `json:"inputTextTokenCount"`
		Results             []struct {
			OutputText       string `json:"outputText"`
			TokenCount       int    `json:"tokenCount"`
			CompletionReason string `json:"completionReason"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", "", types.Usage{}, err
	}
	if len(raw.Results) == 0 {
		return "", "", types.Usage{}, fmt.Errorf("titan response has no results")
	}
	res := raw.Results[0]
	usage := types.Usage{
		InputTokens:  raw.InputTextTokenCount,
		OutputTokens: res.TokenCount,
	}
	return res.OutputText, strings.ToLower(res.CompletionReason), usage, nil
}

func parseLlamaInvoke(body []byte) (string, string, types.Usage, error) {
	var raw struct {
		Generation           string `json:"generation"`
		StopReason           string `json:"stop_reason"`
		PromptTokenCount     int    `json:"prompt_token_count"`
		GenerationTokenCount int    `json:"generation_token_count"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", "", types.Usage{}, err
	}
	usage := types.Usage{
		InputTokens:  raw.PromptTokenCount,
		OutputTokens: raw.GenerationTokenCount,
	}
	return raw.Generation, raw.StopReason, usage, nil
}

func parseCohereInvoke(body []byte) (string, string, error) {
	var raw struct {
		Generations []struct {
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
		} `json:"generations"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", "", err
	}
	if len(raw.Generations) == 0 {
		return "", "", fmt.Errorf("cohere response has no generations")
	}
	gen := raw.Generations[0]
	return gen.Text, strings.ToLower(gen.FinishReason), nil
}

func parseOpenAIStyleInvoke(body []byte) (string, string, types.Usage, error) {
	var raw struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", "", types.Usage{}, err
	}
	if len(raw.Choices) == 0 {
		return "", "", types.Usage{}, fmt.Errorf("response has no choices")
	}
	usage := types.Usage{
		InputTokens:  raw.Usage.PromptTokens,
		OutputTokens: raw.Usage.CompletionTokens,
		TotalTokens:  raw.Usage.TotalTokens,
	}
	return raw.Choices[0].Message.Content, raw.Choices[0].FinishReason, usage, nil
}

func parseMistralInvoke(body []byte) (string, string, error) {
	var raw struct {
		Outputs []struct {
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", "", err
	}
	if len(raw.Outputs) == 0 {
		return "", "", fmt.Errorf("mistral response has no outputs")
	}
	return raw.Outputs[0].Text, raw.Outputs[0].StopReason, nil
}

func parseDeepseekInvoke(body []byte) (string, string, error) {
	var raw struct {
		Choices []struct {
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", "", err
	}
	if len(raw.Choices) == 0 {
		return "", "", fmt.Errorf("deepseek response has no choices")
	}
	return raw.Choices[0].Text, raw.Choices[0].StopReason, nil
}

// StreamDecoder returns an event-stream decoder whose chunk payloads route to
// the model family's parser.
func (p *Provider) StreamDecoder(req *pipeline.Request) streaming.Decoder {
	return streaming.NewEventStreamDecoder(streaming.BedrockFamilyDecoder(family(p.model(req))))
}

// MapError decodes the Bedrock error envelope.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var raw struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &raw); err == nil && raw.Message != "" {
		return llmerrors.NewProvider(ProviderName, statusCode, raw.Message)
	}
	return llmerrors.NewHTTP(ProviderName, statusCode, string(body))
}
