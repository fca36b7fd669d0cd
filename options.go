package exllm

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rizki96/exllm/internal/resilience"
	"github.com/rizki96/exllm/internal/telemetry"
	"github.com/rizki96/exllm/providers/local"
)

// TelemetryEvent is one emitted telemetry event.
type TelemetryEvent = telemetry.Event

// TelemetryHandler receives emitted events. Handlers must not block.
type TelemetryHandler func(TelemetryEvent)

// TracingConfig controls the OpenTelemetry trace exporter.
type TracingConfig = telemetry.TracingConfig

// RetryPolicy controls the HTTP retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// BreakerPolicy controls the per-provider circuit breaker.
type BreakerPolicy struct {
	FailureThreshold int
	Cooldown         time.Duration
	RetryAfter       time.Duration
}

// Option configures a Client at construction time.
type Option func(*settings)

// settings accumulates construction options before the client is assembled.
type settings struct {
	configPath  string
	logger      *slog.Logger
	debug       bool
	cacheAll    bool
	cacheTTL    time.Duration
	breaker     *BreakerPolicy
	retry       *RetryPolicy
	transport   http.RoundTripper
	handlers    map[string]telemetry.Handler
	registerer  prometheus.Registerer
	localRunner local.Runner
	replayDir   string
	recoveryTTL time.Duration
	tracing     *TracingConfig
}

func defaultSettings() *settings {
	return &settings{
		handlers:    map[string]telemetry.Handler{},
		recoveryTTL: 30 * time.Minute,
	}
}

func (p RetryPolicy) internal() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:          p.MaxRetries,
		InitialInterval:     p.InitialInterval,
		MaxInterval:         p.MaxInterval,
		Multiplier:          p.Multiplier,
		RandomizationFactor: p.RandomizationFactor,
	}
}

func (p BreakerPolicy) internal() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: p.FailureThreshold,
		Cooldown:         p.Cooldown,
		RetryAfter:       p.RetryAfter,
	}
}

// WithConfigFile points the client at a YAML configuration file. The file is
// watched and hot-reloaded on change.
func WithConfigFile(path string) Option {
	return func(s *settings) { s.configPath = path }
}

// WithLogger replaces the default structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithDebug turns on request and response body logging.
func WithDebug() Option {
	return func(s *settings) { s.debug = true }
}

// WithCache enables the hot response cache for every request, not just those
// that opt in through Options.Cache.
func WithCache() Option {
	return func(s *settings) { s.cacheAll = true }
}

// WithCacheTTL overrides the hot cache entry lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) { s.cacheTTL = ttl }
}

// WithBreakerPolicy overrides the circuit breaker policy.
func WithBreakerPolicy(p BreakerPolicy) Option {
	return func(s *settings) { s.breaker = &p }
}

// WithRetryPolicy overrides the HTTP retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *settings) { s.retry = &p }
}

// WithTransport replaces the HTTP transport on every provider client. Meant
// for tests and custom proxying.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *settings) { s.transport = rt }
}

// WithTelemetryHandler attaches a named telemetry handler before any request
// runs, so construction-time events are not missed.
func WithTelemetryHandler(name string, h TelemetryHandler) Option {
	return func(s *settings) { s.handlers[name] = telemetry.Handler(h) }
}

// WithTracing enables OpenTelemetry spans around every provider execution,
// exported over OTLP to the configured endpoint.
func WithTracing(cfg TracingConfig) Option {
	return func(s *settings) { s.tracing = &cfg }
}

// WithMetrics registers the Prometheus collectors on the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *settings) { s.registerer = reg }
}

// WithLocalRunner supplies the in-process generation backend served under the
// "local" provider tag.
func WithLocalRunner(r local.Runner) Option {
	return func(s *settings) { s.localRunner = r }
}

// WithReplayDir sets the on-disk replay store location used in test mode.
func WithReplayDir(dir string) Option {
	return func(s *settings) { s.replayDir = dir }
}

// WithRecoveryTTL overrides how long interrupted-stream prefixes are retained.
func WithRecoveryTTL(ttl time.Duration) Option {
	return func(s *settings) { s.recoveryTTL = ttl }
}
