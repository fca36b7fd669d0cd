package cache

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/rizki96/exllm/pkg/types"
)

// cacheKeyPayload is the canonical shape hashed into a cache key. Only
// fields that change the model's output participate; transport and
// streaming options are deliberately absent.
type cacheKeyPayload struct {
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	Messages         []types.Message `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	System           string          `json:"system,omitempty"`
	ResponseFormat   any             `json:"response_format,omitempty"`
	Tools            any             `json:"tools,omitempty"`
	ToolChoice       any             `json:"tool_choice,omitempty"`
	N                int             `json:"n,omitempty"`
}

// Key derives the deterministic cache key for one request: a hex SHA-256
// over the provider, model, messages, and the salient generation options.
func Key(provider, model string, messages []types.Message, opts *types.Options) string {
	payload := cacheKeyPayload{
		Provider: provider,
		Model:    model,
		Messages: messages,
	}
	if opts != nil {
		payload.Temperature = opts.Temperature
		payload.MaxTokens = opts.MaxTokens
		payload.TopP = opts.TopP
		payload.FrequencyPenalty = opts.FrequencyPenalty
		payload.PresencePenalty = opts.PresencePenalty
		payload.Stop = opts.Stop
		payload.Seed = opts.Seed
		payload.System = opts.System
		payload.ResponseFormat = opts.ResponseFormat
		payload.Tools = opts.Tools
		payload.ToolChoice = opts.ToolChoice
		payload.N = opts.N
	}

	data, err := json.Marshal(payload)
	if err != nil {
		// Marshal can fail on exotic option values. A random key keeps the
		// request out of the cache instead of colliding with other unkeyable
		// requests.
		return "unkeyable-" + uuid.NewString()
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint derives the replay-store key for one outbound HTTP request.
func Fingerprint(method, url string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
