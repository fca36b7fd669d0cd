package types

import "github.com/goccy/go-json"

// Usage contains token accounting for a completed request.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	TotalTokens     int `json:"total_tokens"`
	CachedTokens    int `json:"cached_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
	AudioTokens     int `json:"audio_tokens,omitempty"`
}

// ToolCall is a normalized tool invocation requested by the model.
// Legacy function_call shapes are rewritten into this form by the adapters.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction carries the function name and raw JSON arguments.
type ToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Logprobs holds per-token log probability data when requested.
type Logprobs struct {
	Content []LogprobContent `json:"content,omitempty"`
}

// LogprobContent is the log probability of a single emitted token.
type LogprobContent struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
	Bytes   []int   `json:"bytes,omitempty"`
}

// ResponseMetadata carries provenance information alongside the response.
type ResponseMetadata struct {
	Provider    string          `json:"provider,omitempty"`
	Role        Role            `json:"role,omitempty"`
	FromCache   bool            `json:"from_cache,omitempty"`
	CostDetails map[string]any  `json:"cost_details,omitempty"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
}

// LLMResponse is the canonical non-streaming result of a chat request.
// Every provider response is normalized into this shape.
type LLMResponse struct {
	Content      string           `json:"content"`
	Model        string           `json:"model"`
	Usage        Usage            `json:"usage"`
	Cost         float64          `json:"cost,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	ToolCalls    []ToolCall       `json:"tool_calls,omitempty"`
	Refusal      string           `json:"refusal,omitempty"`
	Logprobs     *Logprobs        `json:"logprobs,omitempty"`
	Metadata     ResponseMetadata `json:"metadata,omitempty"`
}

// StreamChunk is one incremental piece of a streamed response. A stream is a
// finite sequence of chunks with exactly one terminal chunk whose
// FinishReason is non-empty.
type StreamChunk struct {
	Content      string         `json:"content,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Model        string         `json:"model,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether this chunk ends the stream.
func (c *StreamChunk) Terminal() bool {
	return c != nil && c.FinishReason != ""
}

// EmbeddingResponse is the canonical result of an embeddings request.
type EmbeddingResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Model      string      `json:"model"`
	Usage      Usage       `json:"usage"`
}

// Model describes one model offered by a provider.
type Model struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Object   string `json:"object"`
}
