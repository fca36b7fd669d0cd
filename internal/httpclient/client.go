// Package httpclient is the layered HTTP stack every provider adapter calls
// through. Ordering, outermost first: telemetry, circuit breaker, retry,
// timeout, logging, compression, JSON, headers/base URL. Streaming requests
// skip retry and hand the raw body to the caller undecoded.
package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/rizki96/exllm/internal/cache"
	"github.com/rizki96/exllm/internal/resilience"
	"github.com/rizki96/exllm/internal/telemetry"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
)

// DefaultTimeout is the per-request deadline when none is configured.
const DefaultTimeout = 60 * time.Second

// Signer mutates an outbound request just before transport, e.g. AWS SigV4.
type Signer func(ctx context.Context, req *http.Request, body []byte) error

// Config assembles one provider's HTTP client.
type Config struct {
	Provider string
	BaseURL  string
	// Headers are set on every request (authorization, x-api-key,
	// anthropic-version, x-goog-api-key, http-referer, x-title,
	// openai-organization).
	Headers map[string]string
	Timeout time.Duration
	Debug   bool
	// GzipRequests compresses request bodies.
	GzipRequests bool

	Breakers *resilience.Manager
	Retry    resilience.RetryConfig
	Emitter  *telemetry.Emitter
	Logger   *slog.Logger

	// Replay enables the test-mode cold cache.
	Replay   *cache.ReplayStore
	TestMode func() bool

	Sign      Signer
	Transport http.RoundTripper
}

// Response is a fully-read HTTP exchange result.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromReplay bool
}

// Client executes JSON requests against one provider.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a client from the config.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport, Timeout: cfg.Timeout},
	}
}

// PostJSON sends a JSON payload and returns the fully-read response. Non-2xx
// statuses are returned alongside an http error carrying the body.
func (c *Client) PostJSON(ctx context.Context, path string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, llmerrors.NewValidation("cannot encode request body: " + err.Error())
	}
	return c.do(ctx, http.MethodPost, path, body)
}

// Get fetches a JSON resource.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	url := c.cfg.BaseURL + path
	metadata := map[string]any{
		"provider": c.cfg.Provider,
		"method":   method,
		"url":      url,
	}

	var out *Response
	_, err := c.span(ctx, metadata, func(ctx context.Context) (any, error) {
		return nil, c.breakerCall(func() error {
			// Test mode: consult the replay store before any live traffic.
			if c.replayActive() {
				resp, err := c.replayOrExecute(ctx, method, url, body)
				if err != nil {
					return err
				}
				out = resp
				return statusError(c.cfg.Provider, resp)
			}

			return resilience.Retry(ctx, c.cfg.Retry, func() error {
				resp, err := c.execute(ctx, method, url, body)
				if err != nil {
					return err
				}
				out = resp
				return statusError(c.cfg.Provider, resp)
			}, func(attempt int, err error) {
				c.cfg.Logger.Warn("retrying request",
					"provider", c.cfg.Provider,
					"attempt", attempt,
					"error", err)
			})
		})
	})
	// Callers get the response alongside the error on failure statuses so
	// provider error bodies stay available for mapping.
	return out, err
}

// Stream opens a streaming request. Retry is omitted and the raw body reader
// is handed back so chunked payloads reach the decoder intact.
func (c *Client) Stream(ctx context.Context, method, path string, payload any) (io.ReadCloser, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, llmerrors.NewValidation("cannot encode request body: " + err.Error())
	}
	url := c.cfg.BaseURL + path

	var rc io.ReadCloser
	var status int
	breakerErr := c.breakerCall(func() error {
		req, err := c.newRequest(ctx, method, url, body)
		if err != nil {
			return err
		}
		req.Header.Set("accept", "text/event-stream")

		resp, err := c.http.Do(req)
		if err != nil {
			return llmerrors.NewTransport(c.cfg.Provider, err.Error()).WithCause(err)
		}
		status = resp.StatusCode
		if resp.StatusCode >= 400 {
			defer resp.Body.Close()
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			return llmerrors.NewHTTP(c.cfg.Provider, resp.StatusCode, string(b))
		}
		rc = resp.Body
		return nil
	})
	if breakerErr != nil {
		return nil, status, breakerErr
	}
	return rc, status, nil
}

func (c *Client) breakerCall(fn func() error) error {
	if c.cfg.Breakers == nil {
		return fn()
	}
	return c.cfg.Breakers.Call(c.cfg.Provider+"_circuit", fn)
}

func (c *Client) span(ctx context.Context, metadata map[string]any, fn func(context.Context) (any, error)) (any, error) {
	if c.cfg.Emitter == nil {
		return fn(ctx)
	}
	return c.cfg.Emitter.Span(ctx, telemetry.EventHTTP, metadata, fn)
}

func (c *Client) replayActive() bool {
	return c.cfg.Replay != nil && c.cfg.TestMode != nil && c.cfg.TestMode()
}

func (c *Client) replayOrExecute(ctx context.Context, method, url string, body []byte) (*Response, error) {
	fp := cache.Fingerprint(method, url, body)

	if entry, err := c.cfg.Replay.Lookup(ctx, fp); err == nil {
		c.emit(telemetry.EventTestCacheHit, fp, len(entry.Body))
		header := http.Header{}
		for k, v := range entry.Headers {
			header.Set(k, v)
		}
		return &Response{
			StatusCode: entry.StatusCode,
			Header:     header,
			Body:       entry.Body,
			FromReplay: true,
		}, nil
	}
	c.emit(telemetry.EventTestCacheMiss, fp, 0)

	resp, err := c.execute(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	entry := &cache.ReplayEntry{
		StatusCode: resp.StatusCode,
		Headers:    map[string]string{"content-type": resp.Header.Get("content-type")},
		Body:       resp.Body,
	}
	if err := c.cfg.Replay.Save(ctx, fp, entry); err == nil {
		c.emit(telemetry.EventTestCacheSave, fp, len(resp.Body))
	}
	return resp, nil
}

// execute performs one live HTTP exchange and fully reads the response.
func (c *Client) execute(ctx context.Context, method, url string, body []byte) (*Response, error) {
	req, err := c.newRequest(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	if c.cfg.Debug {
		c.cfg.Logger.Debug("http request",
			"provider", c.cfg.Provider,
			"method", method,
			"url", url,
			"bytes", len(body))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.emitError(method, url, err)
		return nil, llmerrors.NewTransport(c.cfg.Provider, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if strings.Contains(resp.Header.Get("content-encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, llmerrors.NewProtocol(c.cfg.Provider, "bad gzip response: "+err.Error())
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, llmerrors.NewTransport(c.cfg.Provider, "reading response: "+err.Error()).WithCause(err)
	}

	if c.cfg.Debug {
		c.cfg.Logger.Debug("http response",
			"provider", c.cfg.Provider,
			"status", resp.StatusCode,
			"bytes", len(data),
			"duration_ms", time.Since(start).Milliseconds())
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	payload := body
	gzipped := false
	if c.cfg.GzipRequests && len(body) > 0 {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(body); err == nil && gz.Close() == nil {
			payload = buf.Bytes()
			gzipped = true
		}
	}

	var reader io.Reader
	if len(payload) > 0 {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, llmerrors.NewValidation("cannot build request: " + err.Error())
	}

	if len(payload) > 0 {
		req.Header.Set("content-type", "application/json")
	}
	if gzipped {
		req.Header.Set("content-encoding", "gzip")
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	if c.cfg.Sign != nil {
		if err := c.cfg.Sign(ctx, req, payload); err != nil {
			return nil, llmerrors.NewConfiguration(c.cfg.Provider, "request signing failed: "+err.Error()).WithCause(err)
		}
	}
	return req, nil
}

func (c *Client) emit(event, fingerprint string, size int) {
	if c.cfg.Emitter == nil {
		return
	}
	c.cfg.Emitter.Emit(event, map[string]any{"size_bytes": size}, map[string]any{
		"provider":    c.cfg.Provider,
		"fingerprint": fingerprint,
	})
}

func (c *Client) emitError(method, url string, err error) {
	if c.cfg.Emitter == nil {
		return
	}
	c.cfg.Emitter.Emit(telemetry.EventHTTPError, nil, map[string]any{
		"provider": c.cfg.Provider,
		"method":   method,
		"url":      url,
		"error":    err.Error(),
	})
}

// statusError maps a non-2xx response to an http error carrying the body.
func statusError(provider string, resp *Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	return llmerrors.NewHTTP(provider, resp.StatusCode, string(resp.Body))
}
