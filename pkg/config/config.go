package config

import (
	"io/fs"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/llmrace/pkg/models"
)

// DefaultProviderTimeout applies to providers without a timeout.
const DefaultProviderTimeout = 60 * time.Second

// DefaultOpenAIURL is used for the provider derived from OPENAI_API_KEY.
const DefaultOpenAIURL = "https://api.openai.com/v1"

// Config holds all llmrace configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	DBPath     string           `yaml:"db_path"`
	DiagListen string           `yaml:"diag_listen"`
	Providers  []ProviderConfig `yaml:"providers" validate:"unique=Name,dive"`
	Router     RouterConfig     `yaml:"router"`
	Pool       PoolConfig       `yaml:"pool"`
	Cache      CacheConfig      `yaml:"cache"`
	Request    RequestConfig    `yaml:"request"`
}

// RouterConfig defines model aliases.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes" validate:"dive"`
}

// RouteConfig maps a requested model name to a provider and upstream model.
// An empty Target keeps the requested name.
type RouteConfig struct {
	Model    string `yaml:"model" validate:"required"`
	Provider string `yaml:"provider" validate:"required"`
	Target   string `yaml:"target"`
}

// ProviderConfig defines an OpenAI-compatible upstream.
type ProviderConfig struct {
	Name    string            `yaml:"name" validate:"required"`
	URL     string            `yaml:"url" validate:"required,url"`
	APIKey  string            `yaml:"api_key"`
	Timeout time.Duration     `yaml:"timeout" validate:"gte=0"`
	Headers map[string]string `yaml:"headers"`
	Models  []string          `yaml:"models"`
}

// PoolConfig bounds the client pool.
type PoolConfig struct {
	MaxSize int           `yaml:"max_size" validate:"gte=1"`
	MaxIdle time.Duration `yaml:"max_idle" validate:"gt=0"`
}

// CacheConfig controls the result cache for synchronous runs.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl" validate:"gte=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`
}

// RequestConfig holds defaults for every request of a run.
type RequestConfig struct {
	MaxTokens    int     `yaml:"max_tokens" validate:"gte=0"`
	Temperature  float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	Stream       bool    `yaml:"stream"`
	SystemPrompt string  `yaml:"system_prompt"`
}

// Params returns the sampling parameters.
func (r RequestConfig) Params() models.CompletionParams {
	return models.CompletionParams{MaxTokens: r.MaxTokens, Temperature: r.Temperature}
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		DBPath:   "llmrace.db",
		Pool: PoolConfig{
			MaxSize: 16,
			MaxIdle: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:       true,
			TTL:           10 * time.Minute,
			SweepInterval: time.Minute,
		},
		Request: RequestConfig{
			MaxTokens:   512,
			Temperature: 0.7,
		},
	}
}

// Load reads a YAML config file, expands environment variables, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	return finish(cfg)
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(Default())
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv adds an "openai" provider from OPENAI_API_KEY when none is configured.
func (c *Config) applyEnv() {
	if len(c.Providers) > 0 {
		return
	}
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return
	}
	url := os.Getenv("OPENAI_BASE_URL")
	if url == "" {
		url = DefaultOpenAIURL
	}
	c.Providers = append(c.Providers, ProviderConfig{Name: "openai", URL: url, APIKey: key})
}

func (c *Config) applyDefaults() {
	for i := range c.Providers {
		if c.Providers[i].Timeout == 0 {
			c.Providers[i].Timeout = DefaultProviderTimeout
		}
	}
}

// Validate checks struct tags and cross references between routes and providers.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	for _, r := range c.Router.Routes {
		if _, ok := c.Provider(r.Provider); !ok {
			return errors.Newf("invalid config: route %q references unknown provider %q", r.Model, r.Provider)
		}
	}
	return nil
}

// Provider returns the provider with the given name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errors.Wrapf(err, "load env file %s", path)
	}
	return nil
}
