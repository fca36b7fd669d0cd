package bedrock

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizki96/exllm/pipeline"
	"github.com/rizki96/exllm/pkg/types"
)

func newChatRequest(opts *types.Options) *pipeline.Request {
	req := pipeline.NewRequest(context.Background(), ProviderName, []types.Message{
		{Role: types.RoleUser, Content: "Hello"},
	}, opts)
	req.Config.Region = "us-east-1"
	return req
}

func TestFamily(t *testing.T) {
	cases := map[string]string{
		"anthropic.claude-3-sonnet-v1:0":      "anthropic",
		"amazon.titan-text-express-v1":        "amazon",
		"meta.llama3-70b-instruct-v1:0":       "meta",
		"cohere.command-text-v14":             "cohere",
		"ai21.jamba-1-5-large-v1:0":           "ai21",
		"mistral.mistral-large-2402-v1:0":     "mistral",
		"us.anthropic.claude-3-5-sonnet-v2:0": "anthropic",
		"eu.meta.llama3-2-3b-instruct-v1:0":   "meta",
	}
	for model, want := range cases {
		assert.Equal(t, want, family(model), model)
	}
}

func TestBuildRequestAnthropicFamily(t *testing.T) {
	p := New()
	req := p.BuildRequest(newChatRequest(&types.Options{Model: "anthropic.claude-3-sonnet-v1:0"}))
	require.False(t, req.Halted)

	url, _ := req.GetAssign(pipeline.AssignRequestURL)
	assert.Equal(t,
		"https://bedrock-runtime.us-east-1.amazonaws.com/model/anthropic.claude-3-sonnet-v1:0/invoke",
		url)

	bodyAny, _ := req.GetAssign(pipeline.AssignRequestBody)
	body := bodyAny.(map[string]any)
	assert.Equal(t, "bedrock-2023-05-31", body["anthropic_version"])
	assert.Equal(t, 4096, body["max_tokens"])

	fam, _ := req.GetAssign(pipeline.AssignProviderType)
	assert.Equal(t, "anthropic", fam)
	region, _ := req.GetAssign(pipeline.AssignAWSRegion)
	assert.Equal(t, "us-east-1", region)
}

func TestBuildRequestStreamingVerb(t *testing.T) {
	p := New()
	req := p.BuildRequest(newChatRequest(&types.Options{
		Model:  "anthropic.claude-3-sonnet-v1:0",
		Stream: true,
	}))

	url, _ := req.GetAssign(pipeline.AssignRequestURL)
	assert.Equal(t,
		"https://bedrock-runtime.us-east-1.amazonaws.com/model/anthropic.claude-3-sonnet-v1:0/invoke-with-response-stream",
		url)
}

func TestBuildRequestUnsupportedFamily(t *testing.T) {
	p := New()
	req := p.BuildRequest(newChatRequest(&types.Options{Model: "unknownco.some-model-v1"}))
	assert.True(t, req.Halted)
	assert.Equal(t, pipeline.StateError, req.State)
}

func TestBuildRequestFamilyBodies(t *testing.T) {
	p := New()
	temp := 0.5

	t.Run("titan", func(t *testing.T) {
		req := p.BuildRequest(newChatRequest(&types.Options{
			Model:       "amazon.titan-text-express-v1",
			MaxTokens:   256,
			Temperature: &temp,
		}))
		bodyAny, _ := req.GetAssign(pipeline.AssignRequestBody)
		body := bodyAny.(map[string]any)
		assert.Contains(t, body, "inputText")
		cfg := body["textGenerationConfig"].(map[string]any)
		assert.Equal(t, 256, cfg["maxTokenCount"])
		assert.Equal(t, 0.5, cfg["temperature"])
	})

	t.Run("llama", func(t *testing.T) {
		req := p.BuildRequest(newChatRequest(&types.Options{
			Model:     "meta.llama3-70b-instruct-v1:0",
			MaxTokens: 128,
		}))
		bodyAny, _ := req.GetAssign(pipeline.AssignRequestBody)
		body := bodyAny.(map[string]any)
		prompt := body["prompt"].(string)
		assert.Contains(t, prompt, "<|begin_of_text|>")
		assert.Contains(t, prompt, "Hello")
		assert.Equal(t, 128, body["max_gen_len"])
	})

	t.Run("ai21 uses chat shape", func(t *testing.T) {
		req := p.BuildRequest(newChatRequest(&types.Options{Model: "ai21.jamba-1-5-large-v1:0"}))
		bodyAny, _ := req.GetAssign(pipeline.AssignRequestBody)
		body := bodyAny.(map[string]any)
		assert.Contains(t, body, "messages")
	})
}

func TestSignRequest(t *testing.T) {
	t.Setenv("BEDROCK_ACCESS_KEY", "AKIDEXAMPLE")
	t.Setenv("BEDROCK_SECRET_KEY", "secretexample")

	p := New()
	body := []byte(`{"anthropic_version":"bedrock-2023-05-31"}`)
	httpReq, err := http.NewRequest(http.MethodPost,
		"https://bedrock-runtime.us-east-1.amazonaws.com/model/anthropic.claude-3-sonnet-v1:0/invoke",
		bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set("content-type", "application/json")

	require.NoError(t, p.SignRequest(context.Background(), httpReq, body))

	auth := httpReq.Header.Get("Authorization")
	assert.Contains(t, auth, "AWS4-HMAC-SHA256")
	assert.Contains(t, auth, "Credential=AKIDEXAMPLE")
	assert.Contains(t, auth, "us-east-1/bedrock/aws4_request")
	assert.NotEmpty(t, httpReq.Header.Get("X-Amz-Date"))
}

func TestParseResponseAnthropic(t *testing.T) {
	p := New()
	req := newChatRequest(&types.Options{Model: "anthropic.claude-3-sonnet-v1:0"})
	req = p.BuildRequest(req)

	body := []byte(`{
		"content": [{"type": "text", "text": "Hi"}],
		"usage": {"input_tokens": 7, "output_tokens": 3},
		"stop_reason": "end_turn"
	}`)

	resp, err := p.ParseResponse(req, body)
	require.NoError(t, err)
	assert.Equal(t, "Hi", resp.Content)
	assert.Equal(t, 7, resp.Usage.InputTokens)
	assert.Equal(t, 3, resp.Usage.OutputTokens)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, ProviderName, resp.Metadata.Provider)
}

func TestParseResponseTitan(t *testing.T) {
	p := New()
	req := newChatRequest(&types.Options{Model: "amazon.titan-text-express-v1"})
	req = p.BuildRequest(req)

	body := []byte(`{
		"inputTextTokenCount": 5,
		"results": [{"outputText": "Hello!", "tokenCount": 2, "completionReason": "FINISH"}]
	}`)

	resp, err := p.ParseResponse(req, body)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, "finish", resp.FinishReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestParseResponseLlama(t *testing.T) {
	p := New()
	req := newChatRequest(&types.Options{Model: "meta.llama3-70b-instruct-v1:0"})
	req = p.BuildRequest(req)

	body := []byte(`{
		"generation": "Sure thing.",
		"stop_reason": "stop",
		"prompt_token_count": 9,
		"generation_token_count": 4
	}`)

	resp, err := p.ParseResponse(req, body)
	require.NoError(t, err)
	assert.Equal(t, "Sure thing.", resp.Content)
	assert.Equal(t, 13, resp.Usage.TotalTokens)
}

func TestParseResponseToolUse(t *testing.T) {
	p := New()
	req := newChatRequest(&types.Options{Model: "anthropic.claude-3-sonnet-v1:0"})
	req = p.BuildRequest(req)

	body := []byte(`{
		"content": [{"type": "tool_use", "id": "toolu_02", "name": "lookup", "input": {"q": "go"}}],
		"usage": {"input_tokens": 11, "output_tokens": 8},
		"stop_reason": "tool_use"
	}`)

	resp, err := p.ParseResponse(req, body)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Function.Name)
}

func TestMapError(t *testing.T) {
	p := New()
	err := p.MapError(400, []byte(`{"message":"model identifier is invalid"}`))
	assert.Contains(t, err.Error(), "model identifier is invalid")
}

func TestRegionFromHost(t *testing.T) {
	assert.Equal(t, "eu-west-1", regionFromHost("bedrock-runtime.eu-west-1.amazonaws.com"))
	t.Setenv("AWS_REGION", "ap-southeast-2")
	assert.Equal(t, "ap-southeast-2", regionFromHost("example.com"))
}

func TestBodyRoundTripsThroughJSON(t *testing.T) {
	p := New()
	req := p.BuildRequest(newChatRequest(&types.Options{Model: "anthropic.claude-3-sonnet-v1:0"}))
	bodyAny, _ := req.GetAssign(pipeline.AssignRequestBody)
	raw, err := json.Marshal(bodyAny)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"anthropic_version":"bedrock-2023-05-31"`)
}
