// Package exllm is a unified client for large language model providers. One
// Client fronts OpenAI, Anthropic, Gemini, Bedrock, Ollama, Groq, Mistral,
// OpenRouter, Perplexity, xAI, and in-process local runners behind a single
// request shape, with streaming, caching, retries, circuit breaking, and
// telemetry handled inside the pipeline.
package exllm

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rizki96/exllm/internal/cache"
	"github.com/rizki96/exllm/internal/config"
	"github.com/rizki96/exllm/internal/httpclient"
	"github.com/rizki96/exllm/internal/metrics"
	"github.com/rizki96/exllm/internal/resilience"
	"github.com/rizki96/exllm/internal/streaming"
	"github.com/rizki96/exllm/internal/telemetry"
	"github.com/rizki96/exllm/internal/tokenizer"
	"github.com/rizki96/exllm/pipeline"
	"github.com/rizki96/exllm/pipeline/plugs"
	"github.com/rizki96/exllm/pkg/capabilities"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
	"github.com/rizki96/exllm/providers"
	"github.com/rizki96/exllm/providers/anthropic"
	"github.com/rizki96/exllm/providers/bedrock"
	"github.com/rizki96/exllm/providers/gemini"
	"github.com/rizki96/exllm/providers/groq"
	"github.com/rizki96/exllm/providers/local"
	"github.com/rizki96/exllm/providers/mistral"
	"github.com/rizki96/exllm/providers/ollama"
	"github.com/rizki96/exllm/providers/openai"
	"github.com/rizki96/exllm/providers/openrouter"
	"github.com/rizki96/exllm/providers/perplexity"
	"github.com/rizki96/exllm/providers/xai"
)

// Client is the entry point. It is safe for concurrent use; one Client is
// meant to be shared across an application.
type Client struct {
	cfg      *config.Manager
	registry *providers.Registry
	services *plugs.Services
	chain    *pipeline.Pipeline
	emitter  *telemetry.Emitter
	breakers *resilience.Manager
	metrics  *metrics.Collector
	recovery *streaming.RecoveryStore
	strategy *cache.Strategy
	counter  *tokenizer.Counter
	tracing  *telemetry.TracerProvider
	cacheAll bool
}

// New assembles a client. With no options it runs from environment variables
// alone: API keys from <PROVIDER>_API_KEY, defaults everywhere else.
func New(opts ...Option) (*Client, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = telemetry.NewLogger(telemetry.LoggerConfig{Level: slog.LevelInfo})
	}

	mgr, err := config.NewManager(s.configPath, s.logger)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Current()

	emitter := telemetry.NewEmitter()
	for name, h := range s.handlers {
		emitter.Attach(name, h)
	}

	collector := metrics.NewCollector(s.registerer)

	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		RetryAfter:       cfg.Breaker.RetryAfter,
	}
	if s.breaker != nil {
		breakerCfg = s.breaker.internal()
	}
	breakers := resilience.NewManager(breakerCfg)

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.Retry.MaxRetries
	retryCfg.InitialInterval = cfg.Retry.InitialInterval
	retryCfg.MaxInterval = cfg.Retry.MaxInterval
	if s.retry != nil {
		retryCfg = s.retry.internal()
	}

	ttl := cfg.Cache.TTL
	if s.cacheTTL > 0 {
		ttl = s.cacheTTL
	}
	store, err := buildCacheStore(cfg.Cache, ttl)
	if err != nil {
		mgr.Close()
		return nil, err
	}
	strategy := cache.NewStrategy(store, ttl, emitter, collector)

	var replay *cache.ReplayStore
	if strategy.TestMode() || s.replayDir != "" {
		replay, err = cache.NewReplayStore(s.replayDir)
		if err != nil {
			mgr.Close()
			return nil, err
		}
	}

	tracingCfg := telemetry.DefaultTracingConfig()
	if s.tracing != nil {
		tracingCfg = *s.tracing
	}
	tracing, err := telemetry.InitTracing(context.Background(), tracingCfg)
	if err != nil {
		mgr.Close()
		return nil, err
	}

	recovery := streaming.NewRecoveryStore(cfg.Streaming.RecoveryMaxEntries, s.recoveryTTL)

	registry := providers.NewRegistry()
	registry.Register(openai.ProviderName, func() providers.Adapter { return openai.New() })
	registry.Register("anthropic", func() providers.Adapter { return anthropic.New() })
	registry.Register("gemini", func() providers.Adapter { return gemini.New() })
	registry.Register("bedrock", func() providers.Adapter { return bedrock.New() })
	registry.Register("ollama", func() providers.Adapter { return ollama.New() })
	registry.Register("groq", func() providers.Adapter { return groq.New() })
	registry.Register("mistral", func() providers.Adapter { return mistral.New() })
	registry.Register("openrouter", func() providers.Adapter { return openrouter.New() })
	registry.Register("perplexity", func() providers.Adapter { return perplexity.New() })
	registry.Register("xai", func() providers.Adapter { return xai.New() })
	if s.localRunner != nil {
		runner := s.localRunner
		registry.Register("local", func() providers.Adapter { return local.New(runner) })
	}

	services := &plugs.Services{
		Registry:  registry,
		Config:    mgr,
		Emitter:   emitter,
		Breakers:  breakers,
		Metrics:   collector,
		Recovery:  recovery,
		Replay:    replay,
		TestMode:  strategy.TestMode,
		Retry:     retryCfg,
		Logger:    s.logger,
		Tracer:    tracing.Tracer(),
		Debug:     s.debug || cfg.Debug,
		Transport: s.transport,
	}

	return &Client{
		cfg:      mgr,
		registry: registry,
		services: services,
		chain:    plugs.Standard(services),
		emitter:  emitter,
		breakers: breakers,
		metrics:  collector,
		recovery: recovery,
		strategy: strategy,
		counter:  tokenizer.NewCounter(),
		tracing:  tracing,
		cacheAll: s.cacheAll || cfg.Cache.Enabled,
	}, nil
}

// buildCacheStore picks the hot cache backend from the configuration.
func buildCacheStore(cfg config.CacheConfig, ttl time.Duration) (cache.Store, error) {
	switch cfg.Strategy {
	case "", "memory":
		return cache.NewMemoryStore(ttl), nil
	case "redis":
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, llmerrors.NewConfiguration("", "invalid redis url: "+err.Error())
		}
		return cache.NewRedisStore(redis.NewClient(redisOpts)), nil
	default:
		return nil, llmerrors.NewConfiguration("", "unknown cache strategy: "+cfg.Strategy)
	}
}

// Close releases background resources: the config watcher and the trace
// exporter.
func (c *Client) Close() error {
	err := c.tracing.Shutdown(context.Background())
	if cerr := c.cfg.Close(); err == nil {
		err = cerr
	}
	return err
}

// OnTelemetry attaches a named telemetry handler. Re-attaching a name
// replaces its handler.
func (c *Client) OnTelemetry(name string, h TelemetryHandler) {
	c.emitter.Attach(name, telemetry.Handler(h))
}

// DetachTelemetry removes a named telemetry handler.
func (c *Client) DetachTelemetry(name string) {
	c.emitter.Detach(name)
}

// PartialResponse returns the chunk prefix recorded for an interrupted
// stream, for resume workflows.
func (c *Client) PartialResponse(recoveryID string) ([]*types.StreamChunk, error) {
	return c.recovery.GetPartialResponse(recoveryID)
}

// ClearPartialResponse drops the recorded prefix for a stream.
func (c *Client) ClearPartialResponse(recoveryID string) {
	c.recovery.ClearPartialResponse(recoveryID)
}

// TestMode toggles the replay cache strategy at runtime.
func (c *Client) TestMode(on bool) { c.strategy.SetTestMode(on) }

// Chat sends a non-streaming chat request and returns the normalized
// response. When caching applies, identical concurrent requests coalesce into
// one provider call.
func (c *Client) Chat(ctx context.Context, provider string, messages []types.Message, opts *types.Options) (*types.LLMResponse, error) {
	opts = opts.Clone()
	opts.Stream = false
	opts.OnChunk = nil

	model := opts.Model
	if model == "" {
		model = c.cfg.Current().ResolveProvider(provider).DefaultModel
	}
	enabled := opts.Cache || c.cacheAll
	key := ""
	if enabled {
		key = cache.Key(provider, model, messages, opts)
	}

	return c.strategy.WithCache(ctx, key, enabled, func() (*types.LLMResponse, error) {
		req := c.chain.Run(pipeline.NewRequest(ctx, provider, messages, opts))
		if err := req.Err(); err != nil {
			return nil, err
		}
		if req.Result == nil {
			return nil, llmerrors.NewProtocol(provider, "pipeline produced no result")
		}
		resp := req.Result
		resp.Usage = c.counter.EstimateUsage(resp.Model, messages, resp.Content, resp.Usage)
		return resp, nil
	})
}

// Stream sends a streaming chat request and returns a reader over the chunk
// sequence. The OnChunk callback, when set, also fires for every chunk.
func (c *Client) Stream(ctx context.Context, provider string, messages []types.Message, opts *types.Options) (*StreamReader, error) {
	opts = opts.Clone()
	opts.Stream = true

	req := c.chain.Run(pipeline.NewRequest(ctx, provider, messages, opts))
	if err := req.Err(); err != nil {
		return nil, err
	}
	streamAny, ok := req.GetAssign(pipeline.AssignResponseStream)
	if !ok {
		return nil, llmerrors.NewProtocol(provider, "pipeline produced no stream")
	}
	cs, ok := streamAny.(*plugs.ChunkStream)
	if !ok {
		return nil, llmerrors.NewProtocol(provider, "unexpected stream type")
	}
	return newStreamReader(provider, cs), nil
}

// Embeddings computes vector embeddings for the inputs. Providers without an
// embeddings endpoint return a validation error.
func (c *Client) Embeddings(ctx context.Context, provider string, inputs []string, opts *types.Options) (*types.EmbeddingResponse, error) {
	if len(inputs) == 0 {
		return nil, llmerrors.NewValidation("inputs must not be empty")
	}
	adapter, err := c.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	emb, ok := adapter.(providers.Embedder)
	if !ok {
		return nil, llmerrors.NewValidation("provider "+provider+" does not support embeddings")
	}

	req := pipeline.NewRequest(ctx, provider, nil, opts)
	if err := c.resolveConfig(req); err != nil {
		return nil, err
	}
	req = emb.BuildEmbeddingRequest(req, inputs)
	if err := req.Err(); err != nil {
		return nil, err
	}

	urlAny, _ := req.GetAssign(pipeline.AssignRequestURL)
	url, _ := urlAny.(string)
	bodyAny, _ := req.GetAssign(pipeline.AssignRequestBody)
	headersAny, _ := req.GetAssign(pipeline.AssignRequestHeaders)
	headers, _ := headersAny.(map[string]string)

	resp, err := c.httpFor(provider, headers).PostJSON(ctx, url, bodyAny)
	if err != nil {
		return nil, c.mapHTTPError(adapter, resp, err)
	}
	return emb.ParseEmbeddingResponse(resp.Body)
}

// ListModels enumerates the provider's models at run time. Providers without
// a listing endpoint return a validation error.
func (c *Client) ListModels(ctx context.Context, provider string) ([]types.Model, error) {
	adapter, err := c.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	lister, ok := adapter.(providers.ModelLister)
	if !ok {
		return nil, llmerrors.NewValidation("provider "+provider+" does not support model listing")
	}

	req := pipeline.NewRequest(ctx, provider, nil, nil)
	if err := c.resolveConfig(req); err != nil {
		return nil, err
	}

	headers := map[string]string{}
	if req.Config.APIKey != "" {
		headers["authorization"] = "Bearer " + req.Config.APIKey
	}
	resp, err := c.httpFor(provider, headers).Get(ctx, lister.ModelsURL(req.Config))
	if err != nil {
		return nil, c.mapHTTPError(adapter, resp, err)
	}
	return lister.ParseModels(resp.Body)
}

// ListProviders returns the registered provider tags, sorted.
func (c *Client) ListProviders() []string { return c.registry.List() }

// Supports reports whether the provider advertises the named feature or
// endpoint.
func (c *Client) Supports(provider, feature string) bool {
	return capabilities.Supports(provider, feature)
}

// resolveConfig fills req.Config the same way the standard pipeline does.
func (c *Client) resolveConfig(req *pipeline.Request) error {
	cfg := c.cfg.Current()
	pc := cfg.ResolveProvider(req.Provider)
	req.Config.APIKey = pc.APIKey
	req.Config.BaseURL = pc.BaseURL
	req.Config.Model = pc.DefaultModel
	req.Config.Region = pc.Region
	req.Config.Timeout = int(cfg.Timeout / time.Millisecond)

	if req.Config.APIKey == "" && !plugs.Keyless(req.Provider) {
		return llmerrors.NewConfiguration(req.Provider, "missing API key")
	}
	return nil
}

// httpFor builds a single-use HTTP client for the out-of-pipeline endpoints.
func (c *Client) httpFor(provider string, headers map[string]string) *httpclient.Client {
	return httpclient.New(httpclient.Config{
		Provider:  provider,
		Headers:   headers,
		Timeout:   c.cfg.Current().Timeout,
		Breakers:  c.breakers,
		Retry:     c.services.Retry,
		Emitter:   c.emitter,
		Logger:    c.services.Logger,
		Replay:    c.services.Replay,
		TestMode:  c.services.TestMode,
		Transport: c.services.Transport,
	})
}

// mapHTTPError routes provider error bodies through the adapter's mapper.
func (c *Client) mapHTTPError(adapter providers.Adapter, resp *httpclient.Response, err error) error {
	if resp == nil {
		return err
	}
	if mapper, ok := adapter.(providers.ErrorMapper); ok {
		return mapper.MapError(resp.StatusCode, resp.Body)
	}
	return err
}
