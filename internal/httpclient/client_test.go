package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizki96/exllm/internal/cache"
	"github.com/rizki96/exllm/internal/resilience"
	"github.com/rizki96/exllm/internal/telemetry"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestPostJSONSuccess(t *testing.T) {
	var gotAuth, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"model":"gpt-4"}`, string(body))
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := New(Config{
		Provider: "openai",
		BaseURL:  server.URL,
		Headers:  map[string]string{"authorization": "Bearer sk-test"},
	})

	resp, err := c.PostJSON(context.Background(), "/v1/chat/completions", map[string]string{"model": "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
}

func TestPostJSONErrorCarriesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer server.Close()

	c := New(Config{Provider: "openai", BaseURL: server.URL})
	resp, err := c.PostJSON(context.Background(), "/v1/chat/completions", map[string]string{})

	require.Error(t, err)
	assert.Equal(t, llmerrors.KindHTTP, llmerrors.KindOf(err))
	require.NotNil(t, resp)
	assert.Contains(t, string(resp.Body), "bad model")
}

func TestRetryOn5xxThenSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(500)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := New(Config{Provider: "openai", BaseURL: server.URL, Retry: fastRetry()})
	resp, err := c.PostJSON(context.Background(), "/", map[string]string{})

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(404)
	}))
	defer server.Close()

	c := New(Config{Provider: "openai", BaseURL: server.URL, Retry: fastRetry()})
	_, err := c.PostJSON(context.Background(), "/", map[string]string{})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCircuitBreakerOpensAndShortCircuits(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(503)
	}))
	defer server.Close()

	breakers := resilience.NewManager(resilience.BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         time.Minute,
		RetryAfter:       60 * time.Second,
	})
	c := New(Config{Provider: "openai", BaseURL: server.URL, Breakers: breakers})

	for i := 0; i < 5; i++ {
		_, err := c.PostJSON(context.Background(), "/", map[string]string{})
		require.Error(t, err)
	}
	before := calls.Load()

	_, err := c.PostJSON(context.Background(), "/", map[string]string{})
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindCircuitOpen, llmerrors.KindOf(err))
	assert.Equal(t, before, calls.Load(), "open breaker must not issue HTTP")

	var le *llmerrors.LLMError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 60*time.Second, le.RetryAfter)
}

func TestStreamReturnsRawBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		_, _ = w.Write([]byte("data: {\"x\":1}\n\n"))
	}))
	defer server.Close()

	c := New(Config{Provider: "openai", BaseURL: server.URL})
	body, status, err := c.Stream(context.Background(), http.MethodPost, "/", map[string]string{})
	require.NoError(t, err)
	defer body.Close()

	assert.Equal(t, 200, status)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"x\":1}\n\n", string(data))
}

func TestStreamErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		_, _ = w.Write([]byte("rate limit exceeded"))
	}))
	defer server.Close()

	c := New(Config{Provider: "openai", BaseURL: server.URL})
	_, status, err := c.Stream(context.Background(), http.MethodPost, "/", map[string]string{})

	require.Error(t, err)
	assert.Equal(t, 429, status)
	assert.Equal(t, llmerrors.KindHTTP, llmerrors.KindOf(err))
}

func TestReplayRecordsAndReplays(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"content":"recorded"}`))
	}))
	defer server.Close()

	replay, err := cache.NewReplayStore(t.TempDir())
	require.NoError(t, err)

	emitter := telemetry.NewEmitter()
	var hits, misses, saves atomic.Int32
	emitter.Attach("count", func(ev telemetry.Event) {
		switch ev.Name {
		case telemetry.EventTestCacheHit:
			hits.Add(1)
		case telemetry.EventTestCacheMiss:
			misses.Add(1)
		case telemetry.EventTestCacheSave:
			saves.Add(1)
		}
	})

	c := New(Config{
		Provider: "openai",
		BaseURL:  server.URL,
		Replay:   replay,
		TestMode: func() bool { return true },
		Emitter:  emitter,
	})

	first, err := c.PostJSON(context.Background(), "/v1/chat", map[string]string{"q": "hi"})
	require.NoError(t, err)
	assert.False(t, first.FromReplay)

	second, err := c.PostJSON(context.Background(), "/v1/chat", map[string]string{"q": "hi"})
	require.NoError(t, err)
	assert.True(t, second.FromReplay)
	assert.JSONEq(t, string(first.Body), string(second.Body))

	assert.Equal(t, int32(1), calls.Load(), "second request must be served from disk")
	assert.Equal(t, int32(1), misses.Load())
	assert.Equal(t, int32(1), saves.Load())
	assert.Equal(t, int32(1), hits.Load())
}

func TestSignerHookRuns(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AWS4-HMAC-SHA256 test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := New(Config{
		Provider: "bedrock",
		BaseURL:  server.URL,
		Sign: func(_ context.Context, req *http.Request, _ []byte) error {
			req.Header.Set("authorization", "AWS4-HMAC-SHA256 test")
			return nil
		},
	})

	_, err := c.PostJSON(context.Background(), "/model/x/invoke", map[string]string{})
	require.NoError(t, err)
}

func TestTransportErrorMapsToTransportKind(t *testing.T) {
	c := New(Config{Provider: "openai", BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := c.PostJSON(context.Background(), "/", map[string]string{})

	require.Error(t, err)
	assert.Equal(t, llmerrors.KindTransport, llmerrors.KindOf(err))
}
