package types

import (
	"time"

	"github.com/goccy/go-json"
)

// ChunkCallback receives streamed chunks as they are delivered.
type ChunkCallback func(*StreamChunk)

// Options is the full set of per-request options the pipeline honors.
// Zero values mean "not set"; pointers distinguish explicit zero from unset.
type Options struct {
	Model               string          `json:"model,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	FrequencyPenalty    *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64        `json:"presence_penalty,omitempty"`
	Stop                []string        `json:"stop,omitempty"`
	User                string          `json:"user,omitempty"`
	Seed                *int            `json:"seed,omitempty"`
	N                   int             `json:"n,omitempty"`
	Logprobs            bool            `json:"logprobs,omitempty"`
	TopLogprobs         int             `json:"top_logprobs,omitempty"`
	ResponseFormat      json.RawMessage `json:"response_format,omitempty"`
	Tools               json.RawMessage `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	ParallelToolCalls   *bool           `json:"parallel_tool_calls,omitempty"`
	System              string          `json:"system,omitempty"`

	Stream  bool          `json:"stream,omitempty"`
	OnChunk ChunkCallback `json:"-"`

	Timeout time.Duration `json:"timeout,omitempty"`

	Cache      bool   `json:"cache,omitempty"`
	RecoveryID string `json:"recovery_id,omitempty"`

	// Region selects the AWS region for Bedrock requests.
	Region string `json:"region,omitempty"`

	// OpenRouter passthrough fields.
	Transforms    []string        `json:"transforms,omitempty"`
	Route         string          `json:"route,omitempty"`
	Models        []string        `json:"models,omitempty"`
	Provider      json.RawMessage `json:"provider,omitempty"`
	StreamOptions json.RawMessage `json:"stream_options,omitempty"`

	// Streaming flow control knobs.
	BufferCapacity        int            `json:"buffer_capacity,omitempty"`
	BackpressureThreshold float64        `json:"backpressure_threshold,omitempty"`
	BatchConfig           *BatchOptions  `json:"batch_config,omitempty"`
	Extra                 map[string]any `json:"-"`
}

// BatchOptions configures stream chunk batching.
type BatchOptions struct {
	BatchSize    int           `json:"batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout"`
}

// Clone returns a shallow copy of the options. Callbacks are shared.
func (o *Options) Clone() *Options {
	if o == nil {
		return &Options{}
	}
	dup := *o
	return &dup
}
