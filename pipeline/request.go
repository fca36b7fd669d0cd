// Package pipeline implements the plug-chain runtime every request travels
// through: a Request record mutated by an ordered list of plugs, with
// halt-with-error semantics and conditional and middleware composition.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rizki96/exllm/pkg/types"
)

// State is the request lifecycle phase. It moves monotonically:
// pending → executing → (streaming | completed | error).
type State string

const (
	StatePending   State = "pending"
	StateExecuting State = "executing"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// rank orders states for the monotonicity check.
func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateExecuting:
		return 1
	case StateStreaming, StateCompleted, StateError:
		return 2
	default:
		return -1
	}
}

// PlugError is one recorded pipeline failure.
type PlugError struct {
	Plug    string
	Reason  string
	Message string
	Err     error
}

func (e PlugError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Plug, e.Message, e.Reason)
}

// Unwrap exposes the underlying error when one was attached.
func (e PlugError) Unwrap() error { return e.Err }

// Assign keys used by the standard pipeline.
const (
	AssignRequestURL     = "request_url"
	AssignRequestBody    = "request_body"
	AssignRequestHeaders = "request_headers"
	AssignHTTPResponse   = "http_response"
	AssignModel          = "model"
	AssignProviderType   = "provider_type"
	AssignAWSRegion      = "aws_region"
	AssignTokenStream    = "token_stream"
	AssignResponseStream = "response_stream"
	AssignLLMResponse    = "llm_response"
)

// RequestConfig is populated by FetchConfiguration.
type RequestConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Region         string
	Timeout        int // milliseconds
	StreamCallback types.ChunkCallback
}

// Request is the unit of work traversing a pipeline. Plugs mutate it in
// place and return it; only the owning pipeline touches it, so no locking.
type Request struct {
	ID       string
	Context  context.Context
	Provider string
	Messages []types.Message
	Options  *types.Options
	Config   RequestConfig
	Assigns  map[string]any
	State    State
	Errors   []PlugError
	Halted   bool
	Result   *types.LLMResponse
}

// NewRequest creates a pending request.
func NewRequest(ctx context.Context, provider string, messages []types.Message, opts *types.Options) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts == nil {
		opts = &types.Options{}
	}
	return &Request{
		ID:       uuid.NewString(),
		Context:  ctx,
		Provider: provider,
		Messages: messages,
		Options:  opts,
		Assigns:  make(map[string]any),
		State:    StatePending,
	}
}

// Assign stores an intermediate value for later plugs.
func (r *Request) Assign(key string, value any) *Request {
	r.Assigns[key] = value
	return r
}

// GetAssign fetches an intermediate value.
func (r *Request) GetAssign(key string) (any, bool) {
	v, ok := r.Assigns[key]
	return v, ok
}

// SetState advances the lifecycle. Halted requests and backwards moves are
// ignored, keeping the state monotonic.
func (r *Request) SetState(s State) *Request {
	if r.Halted {
		return r
	}
	if s.rank() < r.State.rank() {
		return r
	}
	r.State = s
	return r
}

// HaltWithError records the error, marks the request halted, and moves it to
// the error state. Further plugs are skipped by the runtime.
func (r *Request) HaltWithError(plug, reason, message string) *Request {
	return r.HaltWithCause(plug, reason, message, nil)
}

// HaltWithCause is HaltWithError with an underlying error attached.
func (r *Request) HaltWithCause(plug, reason, message string, cause error) *Request {
	r.Errors = append(r.Errors, PlugError{Plug: plug, Reason: reason, Message: message, Err: cause})
	r.Halted = true
	r.State = StateError
	return r
}

// Err returns the first recorded error, or nil.
func (r *Request) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	if r.Errors[0].Err != nil {
		return r.Errors[0].Err
	}
	return r.Errors[0]
}
