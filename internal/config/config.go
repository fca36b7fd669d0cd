// Package config resolves provider credentials and runtime settings from
// three layers: per-request options, an optional static YAML file, and
// environment variables. Options win over the file, the file wins over
// the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	llmerrors "github.com/rizki96/exllm/pkg/errors"
)

// ProviderConfig holds the resolved settings for one provider.
type ProviderConfig struct {
	APIKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url"`
	DefaultModel string            `yaml:"default_model"`
	Region       string            `yaml:"region"`
	Extra        map[string]string `yaml:"extra"`
}

// CacheConfig controls the hot response cache.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	TTL      time.Duration `yaml:"ttl"`
	MaxSize  int           `yaml:"max_size"`
	Strategy string        `yaml:"strategy"` // memory | redis
	RedisURL string        `yaml:"redis_url"`
}

// BreakerConfig controls the circuit breaker defaults.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	RetryAfter       time.Duration `yaml:"retry_after"`
}

// RetryConfig controls the HTTP retry policy.
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// StreamingConfig holds the flow controller defaults.
type StreamingConfig struct {
	BufferCapacity        int     `yaml:"buffer_capacity"`
	BackpressureThreshold float64 `yaml:"backpressure_threshold"`
	RecoveryMaxEntries    int     `yaml:"recovery_max_entries"`
}

// Config is the static configuration file shape.
type Config struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Cache     CacheConfig               `yaml:"cache"`
	Breaker   BreakerConfig             `yaml:"circuit_breaker"`
	Retry     RetryConfig               `yaml:"retry"`
	Streaming StreamingConfig           `yaml:"streaming"`
	Timeout   time.Duration             `yaml:"timeout"`
	Debug     bool                      `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{},
		Cache: CacheConfig{
			Enabled:  false,
			TTL:      5 * time.Minute,
			MaxSize:  1000,
			Strategy: "memory",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			RetryAfter:       60 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
		},
		Streaming: StreamingConfig{
			BufferCapacity:        100,
			BackpressureThreshold: 0.8,
			RecoveryMaxEntries:    10000,
		},
		Timeout: 60 * time.Second,
	}
}

// Load parses a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, llmerrors.NewConfiguration("", "cannot read config file: "+err.Error())
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, llmerrors.NewConfiguration("", "cannot parse config file: "+err.Error())
	}
	applyCacheEnv(cfg)
	return cfg, nil
}

// FromEnv builds a config from defaults plus environment only.
func FromEnv() *Config {
	cfg := Default()
	applyCacheEnv(cfg)
	return cfg
}

func applyCacheEnv(cfg *Config) {
	if v := os.Getenv("EX_LLM_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("EX_LLM_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		} else if secs, err := strconv.Atoi(v); err == nil {
			cfg.Cache.TTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("EX_LLM_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxSize = n
		}
	}
	if v := os.Getenv("EX_LLM_CACHE_STRATEGY"); v != "" {
		cfg.Cache.Strategy = strings.ToLower(v)
	}
}

// envName turns a provider name into its environment variable prefix.
func envName(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
}

// ResolveProvider merges the static file entry with the environment for one
// provider. The environment only fills fields the file leaves empty.
func (c *Config) ResolveProvider(provider string) ProviderConfig {
	var pc ProviderConfig
	if c != nil && c.Providers != nil {
		pc = c.Providers[provider]
	}
	prefix := envName(provider)

	if pc.APIKey == "" {
		pc.APIKey = os.Getenv(prefix + "_API_KEY")
	}
	// Gemini accepts the Google-wide key as an alias.
	if pc.APIKey == "" && provider == "gemini" {
		pc.APIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if pc.BaseURL == "" {
		if v := os.Getenv(prefix + "_BASE_URL"); v != "" {
			pc.BaseURL = v
		} else {
			pc.BaseURL = os.Getenv(prefix + "_API_BASE")
		}
	}
	if pc.DefaultModel == "" {
		pc.DefaultModel = os.Getenv(prefix + "_MODEL")
	}
	if provider == "bedrock" && pc.Region == "" {
		pc.Region = os.Getenv("AWS_REGION")
	}
	return pc
}

// OpenRouterApp returns the attribution headers for OpenRouter requests.
func OpenRouterApp() (name, url string) {
	return os.Getenv("OPENROUTER_APP_NAME"), os.Getenv("OPENROUTER_APP_URL")
}
