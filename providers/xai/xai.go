// Package xai implements the xAI (Grok) adapter.
package xai

import (
	"github.com/rizki96/exllm/providers/openaicompat"
)

// ProviderName is the registry tag.
const ProviderName = "xai"

// New creates the xAI adapter.
func New() *openaicompat.Provider {
	return openaicompat.New(openaicompat.Info{
		Tag:            ProviderName,
		DefaultBaseURL: "https://api.x.ai",
		DefaultModel:   "grok-3-mini",
	})
}
