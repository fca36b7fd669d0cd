package anthropic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizki96/exllm/pipeline"
	"github.com/rizki96/exllm/pkg/types"
)

func newChatRequest(opts *types.Options) *pipeline.Request {
	req := pipeline.NewRequest(context.Background(), ProviderName, []types.Message{
		{Role: types.RoleUser, Content: "Hello"},
	}, opts)
	req.Config.APIKey = "sk-ant-test"
	return req
}

func TestBuildRequest(t *testing.T) {
	p := New()
	req := p.BuildRequest(newChatRequest(&types.Options{System: "Be brief."}))

	url, _ := req.GetAssign(pipeline.AssignRequestURL)
	assert.Equal(t, "https://api.anthropic.com/v1/messages", url)

	headers, _ := req.GetAssign(pipeline.AssignRequestHeaders)
	h := headers.(map[string]string)
	assert.Equal(t, "sk-ant-test", h["x-api-key"])
	assert.Equal(t, "2023-06-01", h["anthropic-version"])

	bodyAny, _ := req.GetAssign(pipeline.AssignRequestBody)
	body := bodyAny.(map[string]any)
	assert.Equal(t, defaultMaxTokens, body["max_tokens"])
	assert.Equal(t, "Be brief.", body["system"])

	messages := body["messages"].([]map[string]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0]["role"])
}

func TestBuildRequestToolRoleRidesAsUser(t *testing.T) {
	p := New()
	req := pipeline.NewRequest(context.Background(), ProviderName, []types.Message{
		{Role: types.RoleUser, Content: "What is the weather?"},
		{Role: types.RoleTool, Content: `{"temp": 12}`},
	}, nil)
	req = p.BuildRequest(req)

	bodyAny, _ := req.GetAssign(pipeline.AssignRequestBody)
	messages := bodyAny.(map[string]any)["messages"].([]map[string]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[1]["role"])
}

func TestParseResponse(t *testing.T) {
	p := New()
	body := []byte(`{
		"model": "claude-3-5-haiku-latest",
		"role": "assistant",
		"content": [{"type": "text", "text": "Hello "}, {"type": "text", "text": "world"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 6, "cache_read_input_tokens": 4}
	}`)

	resp, err := p.ParseResponse(newChatRequest(nil), body)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 6, resp.Usage.OutputTokens)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
	assert.Equal(t, 4, resp.Usage.CachedTokens)
	assert.Equal(t, ProviderName, resp.Metadata.Provider)
}

func TestParseResponseToolUse(t *testing.T) {
	p := New()
	body := []byte(`{
		"model": "claude-3-5-sonnet-latest",
		"role": "assistant",
		"content": [
			{"type": "text", "text": "Let me check."},
			{"type": "tool_use", "id": "toolu_01", "name": "get_weather", "input": {"city": "Oslo"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 30, "output_tokens": 20}
	}`)

	resp, err := p.ParseResponse(newChatRequest(nil), body)
	require.NoError(t, err)
	assert.Equal(t, "Let me check.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_01", resp.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", resp.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(resp.ToolCalls[0].Function.Arguments))
}

func TestMapError(t *testing.T) {
	p := New()
	err := p.MapError(400, []byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens is required"}}`))
	assert.Contains(t, err.Error(), "max_tokens is required")
}
