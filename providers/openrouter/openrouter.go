// Package openrouter implements the OpenRouter adapter. On top of the
// OpenAI wire format it forwards routing passthrough fields and the app
// attribution headers OpenRouter uses for rankings.
package openrouter

import (
	"github.com/rizki96/exllm/internal/config"
	"github.com/rizki96/exllm/pipeline"
	"github.com/rizki96/exllm/providers/openaicompat"
)

// ProviderName is the registry tag.
const ProviderName = "openrouter"

// New creates the OpenRouter adapter.
func New() *openaicompat.Provider {
	return openaicompat.New(openaicompat.Info{
		Tag:            ProviderName,
		DefaultBaseURL: "https://openrouter.ai/api",
		DefaultModel:   "openrouter/auto",
		ExtraHeaders: func(_ *pipeline.Request) map[string]string {
			name, url := config.OpenRouterApp()
			return map[string]string{
				"http-referer": url,
				"x-title":      name,
			}
		},
		ExtraBody: func(req *pipeline.Request, body map[string]any) {
			opts := req.Options
			if len(opts.Transforms) > 0 {
				body["transforms"] = opts.Transforms
			}
			if opts.Route != "" {
				body["route"] = opts.Route
			}
			if len(opts.Models) > 0 {
				body["models"] = opts.Models
			}
			if len(opts.Provider) > 0 {
				body["provider"] = opts.Provider
			}
		},
	})
}
