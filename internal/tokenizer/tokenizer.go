// Package tokenizer estimates token counts for requests and responses when
// the provider does not report usage.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/rizki96/exllm/pkg/types"
)

// perMessageOverhead approximates the framing tokens each chat message costs
// in OpenAI-style encodings.
const perMessageOverhead = 4

// Counter estimates token counts. Encoders are cached per model; models
// without a known encoding fall back to a bytes/4 heuristic.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// CountText estimates the tokens in a plain string.
func (c *Counter) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return fallbackCount(text)
}

// CountMessages estimates the prompt tokens for a chat request.
func (c *Counter) CountMessages(model string, messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += c.CountText(model, m.Text()) + perMessageOverhead
	}
	return total
}

// EstimateUsage fills in missing usage fields from the request and response
// text. Reported fields are never overwritten.
func (c *Counter) EstimateUsage(model string, messages []types.Message, content string, usage types.Usage) types.Usage {
	if usage.InputTokens == 0 {
		usage.InputTokens = c.CountMessages(model, messages)
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = c.CountText(model, content)
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return usage
}

func (c *Counter) encoder(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown model: try the default chat encoding before giving up.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.encoders[model] = nil
			return nil
		}
	}
	c.encoders[model] = enc
	return enc
}

// fallbackCount is the coarse bytes/4 heuristic used when no encoding is
// available.
func fallbackCount(text string) int {
	n := len(strings.TrimSpace(text))
	if n == 0 {
		return 0
	}
	count := n / 4
	if count == 0 {
		count = 1
	}
	return count
}
