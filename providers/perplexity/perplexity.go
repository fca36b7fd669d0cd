// Package perplexity implements the Perplexity adapter.
package perplexity

import (
	"github.com/rizki96/exllm/providers/openaicompat"
)

// ProviderName is the registry tag.
const ProviderName = "perplexity"

// New creates the Perplexity adapter.
func New() *openaicompat.Provider {
	return openaicompat.New(openaicompat.Info{
		Tag:            ProviderName,
		DefaultBaseURL: "https://api.perplexity.ai",
		DefaultModel:   "sonar",
		ChatPath:       "/chat/completions",
	})
}
