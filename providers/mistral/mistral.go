// Package mistral implements the Mistral AI adapter.
package mistral

import (
	"github.com/rizki96/exllm/providers/openaicompat"
)

// ProviderName is the registry tag.
const ProviderName = "mistral"

// New creates the Mistral adapter.
func New() *openaicompat.Provider {
	return openaicompat.New(openaicompat.Info{
		Tag:            ProviderName,
		DefaultBaseURL: "https://api.mistral.ai",
		DefaultModel:   "mistral-small-latest",
	})
}
