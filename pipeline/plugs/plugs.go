// Package plugs implements the standard provider pipeline: validation,
// configuration, streaming preparation, request building, HTTP client
// assembly, execution, and response parsing, all wrapped in a telemetry
// middleware.
package plugs

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rizki96/exllm/internal/cache"
	"github.com/rizki96/exllm/internal/config"
	"github.com/rizki96/exllm/internal/httpclient"
	"github.com/rizki96/exllm/internal/metrics"
	"github.com/rizki96/exllm/internal/resilience"
	"github.com/rizki96/exllm/internal/streaming"
	"github.com/rizki96/exllm/internal/telemetry"
	"github.com/rizki96/exllm/pipeline"
	"github.com/rizki96/exllm/pkg/types"
	"github.com/rizki96/exllm/providers"
)

// assign keys private to the plug chain.
const (
	assignHTTPClient = "http_client"
	assignSpanStart  = "telemetry_span_start"
	assignTraceSpan  = "telemetry_trace_span"
	assignRecoveryID = "recovery_id"
)

// keyless providers authenticate some other way (or not at all); the
// configuration check does not demand an API key for them.
var keyless = map[string]bool{
	"ollama":  true,
	"local":   true,
	"bedrock": true,
}

// Keyless reports whether the provider works without an API key.
func Keyless(provider string) bool { return keyless[provider] }

// Services carries the process-wide components the plugs call into.
type Services struct {
	Registry *providers.Registry
	Config   *config.Manager
	Emitter  *telemetry.Emitter
	Breakers *resilience.Manager
	Metrics  *metrics.Collector
	Recovery *streaming.RecoveryStore
	Replay   *cache.ReplayStore
	TestMode func() bool
	Retry    resilience.RetryConfig
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Debug    bool

	// Transport overrides the HTTP transport, for tests.
	Transport http.RoundTripper
}

func (s *Services) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// adapter resolves the provider adapter for the request.
func (s *Services) adapter(req *pipeline.Request) (providers.Adapter, error) {
	return s.Registry.Get(req.Provider)
}

// isLocal reports whether the request's adapter runs in process.
func (s *Services) isLocal(req *pipeline.Request) bool {
	a, err := s.adapter(req)
	if err != nil {
		return false
	}
	_, ok := a.(providers.LocalRunner)
	return ok
}

// ValidateProvider halts unknown provider tags before any other work.
func ValidateProvider(s *Services) pipeline.Plug {
	return pipeline.Func{
		PlugName: "validate_provider",
		Fn: func(req *pipeline.Request) *pipeline.Request {
			if !s.Registry.Has(req.Provider) {
				return req.HaltWithError("validate_provider", "validation",
					"unknown provider: "+req.Provider)
			}
			return req
		},
	}
}

// ValidateMessages checks that the conversation is non-empty and every turn
// has a known role and some content.
func ValidateMessages() pipeline.Plug {
	return pipeline.Func{
		PlugName: "validate_messages",
		Fn: func(req *pipeline.Request) *pipeline.Request {
			if len(req.Messages) == 0 {
				return req.HaltWithError("validate_messages", "validation", "messages must not be empty")
			}
			for i, m := range req.Messages {
				if !types.KnownRole(m.Role) {
					return req.HaltWithError("validate_messages", "validation",
						"message "+strconv.Itoa(i)+" has unknown role: "+string(m.Role))
				}
				if m.Empty() {
					return req.HaltWithError("validate_messages", "validation",
						"message "+strconv.Itoa(i)+" has no content")
				}
			}
			return req
		},
	}
}

// FetchConfiguration resolves credentials and defaults into req.Config.
// Per-request options win over the static file, the file over the
// environment, the environment over built-in defaults.
func FetchConfiguration(s *Services) pipeline.Plug {
	return pipeline.Func{
		PlugName: "fetch_configuration",
		Fn: func(req *pipeline.Request) *pipeline.Request {
			cfg := s.Config.Current()
			pc := cfg.ResolveProvider(req.Provider)

			req.Config.APIKey = pc.APIKey
			req.Config.BaseURL = pc.BaseURL
			req.Config.Model = pc.DefaultModel
			req.Config.Region = pc.Region
			if req.Options.Region != "" {
				req.Config.Region = req.Options.Region
			}

			timeout := cfg.Timeout
			if req.Options.Timeout > 0 {
				timeout = req.Options.Timeout
			}
			req.Config.Timeout = int(timeout / time.Millisecond)

			if req.Config.APIKey == "" && !keyless[req.Provider] {
				return req.HaltWithError("fetch_configuration", "configuration",
					"missing API key for provider "+req.Provider)
			}
			return req
		},
	}
}

// PrepareStreaming moves the chunk callback out of the options and into the
// config, where the stream parser picks it up. Runs only for streaming
// requests.
func PrepareStreaming() pipeline.Plug {
	return pipeline.Conditional{
		PlugName:  "prepare_streaming",
		Predicate: func(req *pipeline.Request) bool { return req.Options.Stream },
		Then: pipeline.Func{
			PlugName: "prepare_streaming",
			Fn: func(req *pipeline.Request) *pipeline.Request {
				req.Config.StreamCallback = req.Options.OnChunk
				req.Options.OnChunk = nil
				return req
			},
		},
	}
}

// BuildRequest runs the adapter's request builder and marks the request
// executing.
func BuildRequest(s *Services) pipeline.Plug {
	return pipeline.Func{
		PlugName: "build_request",
		Fn: func(req *pipeline.Request) *pipeline.Request {
			a, err := s.adapter(req)
			if err != nil {
				return req.HaltWithCause("build_request", "validation", err.Error(), err)
			}
			req.SetState(pipeline.StateExecuting)
			return a.BuildRequest(req)
		},
	}
}

// BuildHTTPClient assembles the layered HTTP client for the request. Skipped
// for in-process providers.
func BuildHTTPClient(s *Services) pipeline.Plug {
	return pipeline.Conditional{
		PlugName:  "build_http_client",
		Predicate: func(req *pipeline.Request) bool { return !s.isLocal(req) },
		Then: pipeline.Func{
			PlugName: "build_http_client",
			Fn: func(req *pipeline.Request) *pipeline.Request {
				headersAny, _ := req.GetAssign(pipeline.AssignRequestHeaders)
				headers, _ := headersAny.(map[string]string)

				cfg := httpclient.Config{
					Provider:  req.Provider,
					Headers:   headers,
					Timeout:   time.Duration(req.Config.Timeout) * time.Millisecond,
					Debug:     s.Debug,
					Breakers:  s.Breakers,
					Retry:     s.Retry,
					Emitter:   s.Emitter,
					Logger:    s.logger(),
					Replay:    s.Replay,
					TestMode:  s.TestMode,
					Transport: s.Transport,
				}

				a, err := s.adapter(req)
				if err != nil {
					return req.HaltWithCause("build_http_client", "validation", err.Error(), err)
				}
				if signer, ok := a.(providers.RequestSigner); ok {
					cfg.Sign = signer.SignRequest
				}

				req.Assign(assignHTTPClient, httpclient.New(cfg))
				return req
			},
		},
	}
}

// client fetches the HTTP client assembled by BuildHTTPClient.
func client(req *pipeline.Request) (*httpclient.Client, bool) {
	v, ok := req.GetAssign(assignHTTPClient)
	if !ok {
		return nil, false
	}
	c, ok := v.(*httpclient.Client)
	return c, ok
}

// requestURL fetches the URL assigned by the adapter's BuildRequest.
func requestURL(req *pipeline.Request) (string, bool) {
	v, ok := req.GetAssign(pipeline.AssignRequestURL)
	if !ok {
		return "", false
	}
	u, ok := v.(string)
	return u, ok && u != ""
}

// TelemetryMiddleware wraps the chain in a provider.execution span. The stop
// event always fires, even when an inner plug halts. When a tracer is
// configured, an OpenTelemetry span covers the same window.
func TelemetryMiddleware(s *Services, inner *pipeline.Pipeline) pipeline.Plug {
	return pipeline.Middleware{
		PlugName: "telemetry",
		Before: func(req *pipeline.Request) *pipeline.Request {
			start := time.Now()
			req.Assign(assignSpanStart, start)
			if s.Tracer != nil {
				ctx, span := telemetry.StartRequestSpan(req.Context, s.Tracer,
					req.Provider, req.Options.Model, req.Options.Stream)
				req.Context = ctx
				req.Assign(assignTraceSpan, span)
			}
			s.Emitter.Emit(telemetry.EventProviderExecution+".start",
				map[string]any{"system_time": start.UnixNano()},
				map[string]any{"provider": req.Provider, "request_id": req.ID, "stream": req.Options.Stream})
			return req
		},
		Inner: inner,
		After: func(req *pipeline.Request) *pipeline.Request {
			startAny, _ := req.GetAssign(assignSpanStart)
			start, _ := startAny.(time.Time)
			d := time.Since(start)

			metadata := map[string]any{
				"provider":   req.Provider,
				"request_id": req.ID,
				"state":      string(req.State),
			}
			if req.Result != nil {
				metadata["input_tokens"] = req.Result.Usage.InputTokens
				metadata["output_tokens"] = req.Result.Usage.OutputTokens
				metadata["total_tokens"] = req.Result.Usage.TotalTokens
			}
			if err := req.Err(); err != nil {
				metadata["error"] = err.Error()
			}

			if spanAny, ok := req.GetAssign(assignTraceSpan); ok {
				if span, ok := spanAny.(trace.Span); ok {
					if req.Result != nil {
						telemetry.RecordResponse(span,
							req.Result.Usage.InputTokens,
							req.Result.Usage.OutputTokens,
							req.Result.FinishReason)
					}
					if err := req.Err(); err != nil {
						telemetry.RecordError(span, err)
					}
					span.End()
				}
			}

			s.Emitter.Emit(telemetry.EventProviderExecution+".stop",
				map[string]any{"duration": d.Nanoseconds(), "duration_ms": d.Milliseconds()},
				metadata)
			return req
		},
	}
}

// Standard assembles the canonical provider chain in order: validate,
// configure, prepare streaming, build, execute, parse, wrapped in telemetry.
func Standard(s *Services) *pipeline.Pipeline {
	inner := pipeline.New(
		ValidateProvider(s),
		ValidateMessages(),
		FetchConfiguration(s),
		PrepareStreaming(),
		BuildRequest(s),
		BuildHTTPClient(s),
		Execute(s),
		StreamParseResponse(s),
		ParseResponse(s),
	)
	return pipeline.New(TelemetryMiddleware(s, inner))
}
