// Package openai implements the OpenAI adapter.
package openai

import (
	"os"

	"github.com/rizki96/exllm/pipeline"
	"github.com/rizki96/exllm/providers/openaicompat"
)

// ProviderName is the registry tag.
const ProviderName = "openai"

// New creates the OpenAI adapter.
func New() *openaicompat.Provider {
	return openaicompat.New(openaicompat.Info{
		Tag:            ProviderName,
		DefaultBaseURL: "https://api.openai.com",
		DefaultModel:   "gpt-4o-mini",
		ExtraHeaders: func(_ *pipeline.Request) map[string]string {
			return map[string]string{
				"openai-organization": os.Getenv("OPENAI_ORGANIZATION"),
			}
		},
	})
}
