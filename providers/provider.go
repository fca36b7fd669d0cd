// Package providers defines the adapter contract every provider implements
// and a registry the pipeline resolves adapters from.
package providers

import (
	"context"
	"net/http"

	"github.com/rizki96/exllm/internal/streaming"
	"github.com/rizki96/exllm/pipeline"
	"github.com/rizki96/exllm/pkg/types"
)

// Adapter turns canonical requests into provider wire format and back.
//
// BuildRequest reads the request's messages, options, and resolved config,
// and assigns request_url, request_body, request_headers, and model.
// ParseResponse maps a raw success body to the canonical response shape,
// including content fallbacks, tool-call normalization, and usage mapping.
type Adapter interface {
	Name() string
	DefaultBaseURL() string
	BuildRequest(req *pipeline.Request) *pipeline.Request
	ParseResponse(req *pipeline.Request, body []byte) (*types.LLMResponse, error)
}

// ChunkDecoder is the stateful byte-to-chunk transformer used by streaming.
type ChunkDecoder = streaming.Decoder

// Streamer is implemented by adapters that support streaming responses.
// StreamDecoder returns a fresh decoder for one stream.
type Streamer interface {
	StreamDecoder(req *pipeline.Request) ChunkDecoder
}

// RequestSigner is implemented by adapters that must sign outbound requests,
// e.g. AWS SigV4 for Bedrock.
type RequestSigner interface {
	SignRequest(ctx context.Context, httpReq *http.Request, body []byte) error
}

// TokenStream is a pull iterator over generated tokens. Next returns io.EOF
// when generation finishes.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

// LocalRunner is implemented by adapters that generate in process instead of
// over HTTP. The pipeline skips the HTTP stack for these.
type LocalRunner interface {
	Run(req *pipeline.Request) (TokenStream, error)
}

// Embedder is implemented by adapters that support the embeddings endpoint.
type Embedder interface {
	BuildEmbeddingRequest(req *pipeline.Request, inputs []string) *pipeline.Request
	ParseEmbeddingResponse(body []byte) (*types.EmbeddingResponse, error)
}

// ModelLister is implemented by adapters whose provider can enumerate its
// models at run time.
type ModelLister interface {
	ModelsURL(cfg pipeline.RequestConfig) string
	ParseModels(body []byte) ([]types.Model, error)
}

// ErrorMapper lets an adapter turn provider error bodies into richer errors.
type ErrorMapper interface {
	MapError(statusCode int, body []byte) error
}
