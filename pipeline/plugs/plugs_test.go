package plugs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rizki96/exllm/internal/config"
	"github.com/rizki96/exllm/internal/resilience"
	"github.com/rizki96/exllm/internal/streaming"
	"github.com/rizki96/exllm/internal/telemetry"
	"github.com/rizki96/exllm/pipeline"
	"github.com/rizki96/exllm/pkg/types"
	"github.com/rizki96/exllm/providers"
	"github.com/rizki96/exllm/providers/local"
	"github.com/rizki96/exllm/providers/ollama"
	"github.com/rizki96/exllm/providers/openai"
)

func testServices(t *testing.T) *Services {
	t.Helper()
	mgr, err := config.NewManager("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	registry := providers.NewRegistry()
	registry.Register("openai", func() providers.Adapter { return openai.New() })
	registry.Register("ollama", func() providers.Adapter { return ollama.New() })
	registry.Register("local", func() providers.Adapter {
		return local.New(local.RunnerFunc(func(_ []types.Message, _ *types.Options) (providers.TokenStream, error) {
			return local.NewSliceStream([]string{"Hi", " there"}), nil
		}))
	})

	return &Services{
		Registry: registry,
		Config:   mgr,
		Emitter:  telemetry.NewEmitter(),
		Breakers: resilience.NewManager(resilience.DefaultBreakerConfig()),
		Recovery: streaming.NewRecoveryStore(100, time.Minute),
		Retry:    resilience.RetryConfig{MaxRetries: 0},
	}
}

func userMessage(text string) []types.Message {
	return []types.Message{{Role: types.RoleUser, Content: text}}
}

func TestValidateProvider(t *testing.T) {
	s := testServices(t)
	chain := Standard(s)

	req := chain.Run(pipeline.NewRequest(context.Background(), "nope", userMessage("hi"), nil))
	require.True(t, req.Halted)
	assert.Equal(t, "validate_provider", req.Errors[0].Plug)
	assert.Equal(t, pipeline.StateError, req.State)
}

func TestValidateMessages(t *testing.T) {
	s := testServices(t)
	chain := Standard(s)

	t.Run("empty conversation", func(t *testing.T) {
		req := chain.Run(pipeline.NewRequest(context.Background(), "openai", nil, nil))
		require.True(t, req.Halted)
		assert.Equal(t, "validate_messages", req.Errors[0].Plug)
	})

	t.Run("unknown role", func(t *testing.T) {
		req := chain.Run(pipeline.NewRequest(context.Background(), "openai",
			[]types.Message{{Role: "robot", Content: "beep"}}, nil))
		require.True(t, req.Halted)
		assert.Contains(t, req.Errors[0].Message, "unknown role")
	})

	t.Run("empty content", func(t *testing.T) {
		req := chain.Run(pipeline.NewRequest(context.Background(), "openai",
			[]types.Message{{Role: types.RoleUser}}, nil))
		require.True(t, req.Halted)
		assert.Contains(t, req.Errors[0].Message, "no content")
	})
}

func TestFetchConfigurationMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	s := testServices(t)
	chain := Standard(s)

	req := chain.Run(pipeline.NewRequest(context.Background(), "openai", userMessage("hi"), nil))
	require.True(t, req.Halted)
	assert.Equal(t, "configuration", req.Errors[0].Reason)
}

func TestChatNonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4", body["model"])
		assert.Equal(t, 0.5, body["temperature"])
		assert.Equal(t, float64(100), body["max_tokens"])

		w.Header().Set("content-type", "application/json")
		fmt.Fprint(w, `{
			"model": "gpt-4",
			"choices": [{"message": {"role": "assistant", "content": "Hello there!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer server.Close()

	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", server.URL)

	s := testServices(t)
	chain := Standard(s)

	temp := 0.5
	req := chain.Run(pipeline.NewRequest(context.Background(), "openai", userMessage("Hello"),
		&types.Options{Model: "gpt-4", Temperature: &temp, MaxTokens: 100}))

	require.False(t, req.Halted, "errors: %v", req.Errors)
	assert.Equal(t, pipeline.StateCompleted, req.State)
	require.NotNil(t, req.Result)
	assert.Equal(t, "Hello there!", req.Result.Content)
	assert.Equal(t, 10, req.Result.Usage.InputTokens)
	assert.Equal(t, 5, req.Result.Usage.OutputTokens)
	assert.Equal(t, "gpt-4", req.Result.Model)
	assert.Equal(t, "openai", req.Result.Metadata.Provider)
}

func TestChatProviderErrorMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"invalid model","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", server.URL)

	s := testServices(t)
	req := Standard(s).Run(pipeline.NewRequest(context.Background(), "openai", userMessage("hi"), nil))

	require.True(t, req.Halted)
	assert.Equal(t, "provider_error", req.Errors[0].Reason)
	assert.Contains(t, req.Errors[0].Message, "invalid model")
}

func TestStreamingOllamaNDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("content-type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer server.Close()

	t.Setenv("OLLAMA_BASE_URL", server.URL)

	s := testServices(t)
	var callbackContents []string
	req := Standard(s).Run(pipeline.NewRequest(context.Background(), "ollama", userMessage("Hello"),
		&types.Options{
			Stream: true,
			OnChunk: func(c *types.StreamChunk) {
				callbackContents = append(callbackContents, c.Content)
			},
		}))

	require.False(t, req.Halted, "errors: %v", req.Errors)
	assert.Equal(t, pipeline.StateStreaming, req.State)

	streamAny, ok := req.GetAssign(pipeline.AssignResponseStream)
	require.True(t, ok)
	cs := streamAny.(*ChunkStream)

	var contents []string
	var finish string
	for chunk := range cs.Chunks() {
		if chunk.Terminal() {
			finish = chunk.FinishReason
			break
		}
		contents = append(contents, chunk.Content)
	}

	assert.Equal(t, []string{"Hel", "lo"}, contents)
	assert.Equal(t, "stop", finish)
	assert.Equal(t, []string{"Hel", "lo", ""}, callbackContents)

	t.Run("recovery captured the prefix", func(t *testing.T) {
		require.NotEmpty(t, cs.RecoveryID())
		chunks, err := s.Recovery.GetPartialResponse(cs.RecoveryID())
		require.NoError(t, err)
		assert.Len(t, chunks, 3)
	})
}

func TestStreamingHTTPErrorHalts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"busy"}`)
	}))
	defer server.Close()

	t.Setenv("OLLAMA_BASE_URL", server.URL)

	s := testServices(t)
	req := Standard(s).Run(pipeline.NewRequest(context.Background(), "ollama", userMessage("hi"),
		&types.Options{Stream: true}))

	require.True(t, req.Halted)
	assert.Equal(t, "execute_stream_request", req.Errors[0].Plug)
}

func TestLocalNonStreaming(t *testing.T) {
	s := testServices(t)
	req := Standard(s).Run(pipeline.NewRequest(context.Background(), "local", userMessage("hi"), nil))

	require.False(t, req.Halted, "errors: %v", req.Errors)
	assert.Equal(t, pipeline.StateCompleted, req.State)
	require.NotNil(t, req.Result)
	assert.Equal(t, "Hi there", req.Result.Content)
	assert.Equal(t, 2, req.Result.Usage.OutputTokens)
	assert.Equal(t, "stop", req.Result.FinishReason)
}

func TestLocalStreaming(t *testing.T) {
	s := testServices(t)
	req := Standard(s).Run(pipeline.NewRequest(context.Background(), "local", userMessage("hi"),
		&types.Options{Stream: true}))

	require.False(t, req.Halted, "errors: %v", req.Errors)
	streamAny, ok := req.GetAssign(pipeline.AssignResponseStream)
	require.True(t, ok)
	cs := streamAny.(*ChunkStream)

	var contents []string
	sawStop := false
	for chunk := range cs.Chunks() {
		if chunk.Terminal() {
			sawStop = chunk.FinishReason == "stop"
			continue
		}
		contents = append(contents, chunk.Content)
	}
	assert.Equal(t, []string{"Hi", " there"}, contents)
	assert.True(t, sawStop)
}

func TestTelemetrySpanAlwaysCloses(t *testing.T) {
	s := testServices(t)

	events := make(chan telemetry.Event, 16)
	s.Emitter.Attach("test", func(ev telemetry.Event) { events <- ev })

	Standard(s).Run(pipeline.NewRequest(context.Background(), "nope", userMessage("hi"), nil))

	var names []string
	for len(events) > 0 {
		names = append(names, (<-events).Name)
	}
	assert.Contains(t, names, telemetry.EventProviderExecution+".start")
	assert.Contains(t, names, telemetry.EventProviderExecution+".stop")
}

func TestChunkStreamCancelReleasesProducer(t *testing.T) {
	s := testServices(t)
	tokens := make([]string, 32)
	for i := range tokens {
		tokens[i] = "t"
	}
	s.Registry.Register("local", func() providers.Adapter {
		return local.New(local.RunnerFunc(func(_ []types.Message, _ *types.Options) (providers.TokenStream, error) {
			return local.NewSliceStream(tokens), nil
		}))
	})

	stopped := make(chan struct{}, 1)
	s.Emitter.Attach("stop-watch", func(ev telemetry.Event) {
		if ev.Name == telemetry.EventStreamStop {
			select {
			case stopped <- struct{}{}:
			default:
			}
		}
	})

	req := Standard(s).Run(pipeline.NewRequest(context.Background(), "local", userMessage("hi"),
		&types.Options{Stream: true, BufferCapacity: 1}))
	require.False(t, req.Halted, "errors: %v", req.Errors)

	streamAny, ok := req.GetAssign(pipeline.AssignResponseStream)
	require.True(t, ok)
	cs := streamAny.(*ChunkStream)

	// Take one chunk, then walk away without draining the rest.
	_, ok = cs.Recv()
	require.True(t, ok)
	cs.Cancel()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("producer did not finish after cancel")
	}
}

func TestTraceSpanCoversExecution(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	s := testServices(t)
	s.Tracer = provider.Tracer("test")

	t.Run("successful request", func(t *testing.T) {
		req := Standard(s).Run(pipeline.NewRequest(context.Background(), "local", userMessage("hi"), nil))
		require.False(t, req.Halted, "errors: %v", req.Errors)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		span := spans[0]
		assert.Equal(t, "exllm.provider.execution", span.Name())
		assert.Contains(t, span.Attributes(), attribute.String("gen_ai.system", "local"))
		assert.Contains(t, span.Attributes(), attribute.Int("gen_ai.usage.output_tokens", 2))
		assert.Contains(t, span.Attributes(), attribute.String("gen_ai.response.finish_reason", "stop"))
	})

	t.Run("halted request records the error", func(t *testing.T) {
		Standard(s).Run(pipeline.NewRequest(context.Background(), "nope", userMessage("hi"), nil))

		spans := recorder.Ended()
		require.Len(t, spans, 2)
		assert.Contains(t, spans[1].Attributes(), attribute.Bool("error", true))
	})
}

func TestStandardChainNames(t *testing.T) {
	s := testServices(t)
	names := Standard(s).Names()
	assert.Equal(t, []string{"telemetry"}, names)
}
