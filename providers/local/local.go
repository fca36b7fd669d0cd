// Package local implements the in-process model runner adapter. Instead of
// calling a remote API, the application registers a Runner that yields tokens
// one at a time; the pipeline drives it through the same streaming machinery
// as the HTTP providers.
package local

import (
	"io"

	"github.com/rizki96/exllm/pipeline"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
	"github.com/rizki96/exllm/providers"
)

// ProviderName is the registry tag.
const ProviderName = "local"

const defaultModel = "local-model"

// Runner generates tokens for a conversation. Implementations wrap whatever
// in-process inference engine the application embeds.
type Runner interface {
	Generate(messages []types.Message, opts *types.Options) (providers.TokenStream, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(messages []types.Message, opts *types.Options) (providers.TokenStream, error)

func (f RunnerFunc) Generate(messages []types.Message, opts *types.Options) (providers.TokenStream, error) {
	return f(messages, opts)
}

// SliceStream is a TokenStream over a fixed token slice, convenient for
// canned runners and tests.
type SliceStream struct {
	tokens []string
	pos    int
}

// NewSliceStream creates a stream that yields the given tokens in order.
func NewSliceStream(tokens []string) *SliceStream {
	return &SliceStream{tokens: tokens}
}

func (s *SliceStream) Next() (string, error) {
	if s.pos >= len(s.tokens) {
		return "", io.EOF
	}
	tok := s.tokens[s.pos]
	s.pos++
	return tok, nil
}

func (s *SliceStream) Close() error { return nil }

// Provider is the local adapter.
type Provider struct {
	runner Runner
}

// New creates the adapter around the application's runner. A nil runner is
// accepted at construction and rejected at call time, so the registry can
// always list the provider.
func New(runner Runner) *Provider { return &Provider{runner: runner} }

func (p *Provider) Name() string           { return ProviderName }
func (p *Provider) DefaultBaseURL() string { return "" }

func (p *Provider) model(req *pipeline.Request) string {
	if req.Options.Model != "" {
		return req.Options.Model
	}
	if req.Config.Model != "" {
		return req.Config.Model
	}
	return defaultModel
}

// BuildRequest records the model. There is no wire request to assemble.
func (p *Provider) BuildRequest(req *pipeline.Request) *pipeline.Request {
	req.Assign(pipeline.AssignModel, p.model(req))
	return req
}

// ParseResponse is unused for local execution; the runner produces the
// response directly.
func (p *Provider) ParseResponse(_ *pipeline.Request, _ []byte) (*types.LLMResponse, error) {
	return nil, llmerrors.NewProtocol(ProviderName, "local provider has no wire response")
}

// Run starts generation and returns the token stream.
func (p *Provider) Run(req *pipeline.Request) (providers.TokenStream, error) {
	if p.runner == nil {
		return nil, llmerrors.NewConfiguration(ProviderName, "no local runner registered")
	}
	stream, err := p.runner.Generate(req.Messages, req.Options)
	if err != nil {
		return nil, llmerrors.NewProvider(ProviderName, 0, "local generation failed: "+err.Error()).WithCause(err)
	}
	return stream, nil
}
