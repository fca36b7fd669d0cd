// Package groq implements the Groq adapter. Groq serves the OpenAI wire
// format under an /openai prefix.
package groq

import (
	"github.com/rizki96/exllm/providers/openaicompat"
)

// ProviderName is the registry tag.
const ProviderName = "groq"

// New creates the Groq adapter.
func New() *openaicompat.Provider {
	return openaicompat.New(openaicompat.Info{
		Tag:            ProviderName,
		DefaultBaseURL: "https://api.groq.com",
		DefaultModel:   "llama-3.3-70b-versatile",
		ChatPath:       "/openai/v1/chat/completions",
		EmbeddingsPath: "/openai/v1/embeddings",
		ModelsPath:     "/openai/v1/models",
	})
}
