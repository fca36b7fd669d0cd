package plugs

import (
	"io"

	"github.com/rizki96/exllm/internal/httpclient"
	"github.com/rizki96/exllm/pipeline"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
	"github.com/rizki96/exllm/providers"
)

// Execute selects the execution strategy per request: local runner,
// streaming HTTP, or plain HTTP.
func Execute(s *Services) pipeline.Plug {
	return pipeline.Conditional{
		PlugName:  "execute",
		Predicate: s.isLocal,
		Then:      ExecuteLocal(s),
		Else: pipeline.Conditional{
			PlugName:  "execute_http",
			Predicate: func(req *pipeline.Request) bool { return req.Options.Stream },
			Then:      ExecuteStreamRequest(s),
			Else:      ExecuteRequest(s),
		},
	}
}

// ExecuteRequest performs the non-streaming HTTP exchange. Provider error
// bodies are mapped through the adapter's error mapper when it has one.
func ExecuteRequest(s *Services) pipeline.Plug {
	return pipeline.Func{
		PlugName: "execute_request",
		Fn: func(req *pipeline.Request) *pipeline.Request {
			c, ok := client(req)
			if !ok {
				return req.HaltWithError("execute_request", "exception", "http client was not built")
			}
			url, ok := requestURL(req)
			if !ok {
				return req.HaltWithError("execute_request", "exception", "request url was not assigned")
			}
			bodyAny, _ := req.GetAssign(pipeline.AssignRequestBody)

			resp, err := c.PostJSON(req.Context, url, bodyAny)
			if err != nil {
				if resp != nil {
					if a, aerr := s.adapter(req); aerr == nil {
						if mapper, ok := a.(providers.ErrorMapper); ok {
							mapped := mapper.MapError(resp.StatusCode, resp.Body)
							return req.HaltWithCause("execute_request", "provider_error", mapped.Error(), mapped)
						}
					}
				}
				return req.HaltWithCause("execute_request", reasonFor(err), err.Error(), err)
			}

			req.Assign(pipeline.AssignHTTPResponse, resp)
			return req
		},
	}
}

// ExecuteLocal drives the in-process runner. Streaming requests get the token
// stream attached for the stream parser; non-streaming requests collect every
// token into the final response here.
func ExecuteLocal(s *Services) pipeline.Plug {
	return pipeline.Func{
		PlugName: "execute_local",
		Fn: func(req *pipeline.Request) *pipeline.Request {
			a, err := s.adapter(req)
			if err != nil {
				return req.HaltWithCause("execute_local", "validation", err.Error(), err)
			}
			runner, ok := a.(providers.LocalRunner)
			if !ok {
				return req.HaltWithError("execute_local", "exception", "adapter is not a local runner")
			}

			tokens, err := runner.Run(req)
			if err != nil {
				return req.HaltWithCause("execute_local", reasonFor(err), err.Error(), err)
			}

			if req.Options.Stream {
				req.Assign(pipeline.AssignTokenStream, tokens)
				return req
			}

			defer tokens.Close()
			var content string
			count := 0
			for {
				tok, err := tokens.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					return req.HaltWithCause("execute_local", "provider_error", err.Error(), err)
				}
				content += tok
				count++
			}

			modelAny, _ := req.GetAssign(pipeline.AssignModel)
			model, _ := modelAny.(string)
			req.Result = &types.LLMResponse{
				Content:      content,
				Model:        model,
				Usage:        types.Usage{OutputTokens: count, TotalTokens: count},
				FinishReason: "stop",
				Metadata:     types.ResponseMetadata{Provider: req.Provider, Role: types.RoleAssistant},
			}
			req.SetState(pipeline.StateCompleted)
			return req
		},
	}
}

// ParseResponse maps the HTTP body into the canonical result. Runs only for
// non-streaming requests that have not already produced a result.
func ParseResponse(s *Services) pipeline.Plug {
	return pipeline.Func{
		PlugName: "parse_response",
		Fn: func(req *pipeline.Request) *pipeline.Request {
			if req.Options.Stream || req.Result != nil {
				return req
			}
			respAny, ok := req.GetAssign(pipeline.AssignHTTPResponse)
			if !ok {
				return req.HaltWithError("parse_response", "exception", "no http response to parse")
			}
			resp, ok := respAny.(*httpclient.Response)
			if !ok {
				return req.HaltWithError("parse_response", "exception", "unexpected http response type")
			}

			a, err := s.adapter(req)
			if err != nil {
				return req.HaltWithCause("parse_response", "validation", err.Error(), err)
			}
			result, err := a.ParseResponse(req, resp.Body)
			if err != nil {
				return req.HaltWithCause("parse_response", reasonFor(err), err.Error(), err)
			}
			if resp.FromReplay {
				result.Metadata.FromCache = true
			}

			req.Result = result
			req.Assign(pipeline.AssignLLMResponse, result)
			req.SetState(pipeline.StateCompleted)
			return req
		},
	}
}

// reasonFor maps an error kind to a halt reason.
func reasonFor(err error) string {
	switch llmerrors.KindOf(err) {
	case llmerrors.KindValidation:
		return "validation"
	case llmerrors.KindConfiguration:
		return "configuration"
	case llmerrors.KindTransport:
		return "transport"
	case llmerrors.KindHTTP:
		return "http_error"
	case llmerrors.KindCircuitOpen:
		return "circuit_open"
	case llmerrors.KindProvider:
		return "provider_error"
	case llmerrors.KindProtocol:
		return "protocol"
	case llmerrors.KindCancelled:
		return "cancelled"
	default:
		return "exception"
	}
}
