package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Research      ResearchConfig      `yaml:"research"`
	Models        map[string]string   `yaml:"models"` // model_per_step
	Search        SearchConfig        `yaml:"search"`
	Documents     DocumentsConfig     `yaml:"documents"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LLMConfig selects and tunes the language model provider
type LLMConfig struct {
	Provider           string       `yaml:"provider"` // "openai", "ollama"
	Model              string       `yaml:"model"`
	FallbackModel      string       `yaml:"fallback_model,omitempty"`
	FallbackTokenLimit int          `yaml:"fallback_token_limit,omitempty"`
	TemperatureLow     float64      `yaml:"temperature_low"`
	TemperatureHigh    float64      `yaml:"temperature_high"`
	MaxTokens          int          `yaml:"max_tokens"`
	RequestsPerMinute  int          `yaml:"requests_per_minute,omitempty"`
	OpenAI             OpenAIConfig `yaml:"openai"`
	Ollama             OllamaConfig `yaml:"ollama"`
}

// OpenAIConfig configures any OpenAI-compatible endpoint (OpenAI, OpenRouter, vLLM)
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// OllamaConfig contains Ollama-specific configuration
type OllamaConfig struct {
	BaseURL    string  `yaml:"base_url"`
	Timeout    string  `yaml:"timeout"`
	TopP       float64 `yaml:"top_p,omitempty"`
	TopK       int     `yaml:"top_k,omitempty"`
	EmbedModel string  `yaml:"embed_model,omitempty"`
}

// ResearchConfig contains the iteration controller settings
type ResearchConfig struct {
	Mode                          string  `yaml:"mode,omitempty"` // "", "fast", "dev"
	MaxRounds                     int     `yaml:"max_rounds"`
	IterativeEnabled              bool    `yaml:"iterative_enabled"`
	MaxParallelCalls              int     `yaml:"max_parallel_calls"`
	QueriesPerRound               int     `yaml:"queries_per_round"`
	SearchLimit                   int     `yaml:"search_limit"`
	SearchAlpha                   float64 `yaml:"search_alpha"`
	MinScore                      float64 `yaml:"min_score"`
	AutocutDiscontinuityThreshold float64 `yaml:"autocut_discontinuity_threshold"`
	RelevanceThreshold            float64 `yaml:"relevance_threshold"`
	SufficiencyThreshold          float64 `yaml:"sufficiency_threshold"`
	ReanalyzeDocuments            bool    `yaml:"reanalyze_documents"`
	CallTimeout                   string  `yaml:"call_timeout"`
	MaxAttempts                   int     `yaml:"max_attempts"`
	BackoffInitial                string  `yaml:"backoff_initial"`
	BackoffMax                    string  `yaml:"backoff_max"`
	Timeout                       string  `yaml:"timeout"`
}

// SearchConfig contains hybrid search index configuration
type SearchConfig struct {
	Provider       string               `yaml:"provider"` // "weaviate"
	URL            string               `yaml:"url"`
	APIKey         string               `yaml:"api_key,omitempty"`
	Collection     string               `yaml:"collection"`
	Properties     []string             `yaml:"properties"`
	Timeout        string               `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the breaker in front of the search index
type CircuitBreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	SuccessThreshold int    `yaml:"success_threshold"`
	OpenDuration     string `yaml:"open_duration"`
}

// DocumentsConfig selects the document store
type DocumentsConfig struct {
	Type     string `yaml:"type"` // "memory" (preloaded from path), "file", "postgres"
	Path     string `yaml:"path,omitempty"`
	DSN      string `yaml:"dsn,omitempty"`
	MaxConns int32  `yaml:"max_conns,omitempty"`
	MinConns int32  `yaml:"min_conns,omitempty"`
}

// StorageConfig selects where session snapshots are archived
type StorageConfig struct {
	Type      string `yaml:"type"` // "memory", "file", "redis"
	Path      string `yaml:"path,omitempty"`
	RedisURL  string `yaml:"redis_url,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
	TTL       string `yaml:"ttl,omitempty"`
}

// ObservabilityConfig contains observability configuration
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"` // "debug", "info", "warn", "error"
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Parse decodes YAML over the defaults, applies the mode preset and environment
// overrides, then validates.
func Parse(data []byte) (*Config, error) {
	config := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.ApplyMode(config.Research.Mode); err != nil {
		return nil, err
	}
	config.applyDefaults()
	config.overrideFromEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns the default config when
// the file does not exist. Any other problem is returned.
func LoadOrDefault(path string) (*Config, error) {
	config, err := Load(path)
	if err == nil {
		return config, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	config = Default()
	config.overrideFromEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:           "openai",
			Model:              "gpt-4o-mini",
			FallbackModel:      "",
			FallbackTokenLimit: 120000,
			TemperatureLow:     0.1,
			TemperatureHigh:    0.7,
			MaxTokens:          4096,
			OpenAI: OpenAIConfig{
				BaseURL: "https://api.openai.com/v1",
			},
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
				Timeout: "2m",
				TopP:    0.9,
			},
		},
		Research: ResearchConfig{
			MaxRounds:                     3,
			IterativeEnabled:              true,
			MaxParallelCalls:              8,
			QueriesPerRound:               5,
			SearchLimit:                   30,
			SearchAlpha:                   0.5,
			MinScore:                      0,
			AutocutDiscontinuityThreshold: 0.2,
			RelevanceThreshold:            0,
			SufficiencyThreshold:          0,
			ReanalyzeDocuments:            false,
			CallTimeout:                   "2m",
			MaxAttempts:                   3,
			BackoffInitial:                "1s",
			BackoffMax:                    "30s",
			Timeout:                       "30m",
		},
		Models: map[string]string{},
		Search: SearchConfig{
			Provider:   "weaviate",
			URL:        "http://localhost:8080",
			Collection: "Chunks",
			Properties: []string{"text", "title"},
			Timeout:    "30s",
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				OpenDuration:     "30s",
			},
		},
		Documents: DocumentsConfig{
			Type: "file",
			Path: "./data/documents",
		},
		Storage: StorageConfig{
			Type:      "file",
			Path:      "./data/sessions",
			KeyPrefix: "dre:session:",
			TTL:       "168h",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:      false,
				Endpoint:     "localhost:4318",
				SamplingRate: 1.0,
				Insecure:     true,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Port:    2223,
			},
			Logging: LoggingConfig{
				Level: "info",
			},
		},
	}
}

// ApplyMode applies a named preset on top of the current research settings.
// "fast" runs a single pass with a small fan-out; "dev" keeps everything tiny.
func (c *Config) ApplyMode(mode string) error {
	switch strings.ToLower(mode) {
	case "":
		return nil
	case "fast":
		c.Research.IterativeEnabled = false
		c.Research.MaxRounds = 1
		c.Research.QueriesPerRound = 3
		c.Research.SearchLimit = 15
	case "dev":
		c.Research.MaxRounds = 1
		c.Research.QueriesPerRound = 2
		c.Research.SearchLimit = 5
		c.Research.MaxParallelCalls = 2
	default:
		return &domain.ConfigurationError{Field: "research.mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
	c.Research.Mode = strings.ToLower(mode)
	return nil
}

// applyDefaults fills the model_per_step entries that were left out
func (c *Config) applyDefaults() {
	if c.Models == nil {
		c.Models = map[string]string{}
	}
	for _, step := range domain.Steps() {
		if c.Models[string(step)] == "" {
			c.Models[string(step)] = c.LLM.Model
		}
	}
}

// overrideFromEnv overrides configuration from environment variables
func (c *Config) overrideFromEnv() {
	if provider := os.Getenv("DRE_LLM_PROVIDER"); provider != "" {
		c.LLM.Provider = provider
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = key
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" && c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = key
	}
	if url := os.Getenv("OLLAMA_BASE_URL"); url != "" {
		c.LLM.Ollama.BaseURL = url
	}

	if url := os.Getenv("WEAVIATE_URL"); url != "" {
		c.Search.URL = url
	}
	if key := os.Getenv("WEAVIATE_API_KEY"); key != "" {
		c.Search.APIKey = key
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Documents.DSN = dsn
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		c.Storage.RedisURL = url
	}

	if rounds := os.Getenv("DRE_MAX_ROUNDS"); rounds != "" {
		if _, err := fmt.Sscanf(rounds, "%d", &c.Research.MaxRounds); err != nil {
			log.Printf("Invalid DRE_MAX_ROUNDS value: %s, using: %d", rounds, c.Research.MaxRounds)
		}
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Observability.Tracing.Endpoint = endpoint
	}
}

// Validate checks every bound. Invalid values are reported, never corrected.
func (c *Config) Validate() error {
	invalid := func(field, reason string) error {
		return &domain.ConfigurationError{Field: field, Reason: reason}
	}

	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		return invalid("llm.provider", fmt.Sprintf("unknown provider %q", c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		return invalid("llm.model", "is required")
	}
	if c.LLM.Provider == "ollama" && c.LLM.Ollama.BaseURL == "" {
		return invalid("llm.ollama.base_url", "is required")
	}
	if c.LLM.MaxTokens < 1 {
		return invalid("llm.max_tokens", "must be at least 1")
	}
	if c.LLM.RequestsPerMinute < 0 {
		return invalid("llm.requests_per_minute", "must not be negative")
	}

	r := c.Research
	if r.MaxRounds < 1 {
		return invalid("research.max_rounds", "must be at least 1")
	}
	if r.MaxParallelCalls < 1 {
		return invalid("research.max_parallel_calls", "must be at least 1")
	}
	if r.QueriesPerRound < 1 {
		return invalid("research.queries_per_round", "must be at least 1")
	}
	if r.SearchLimit < 1 {
		return invalid("research.search_limit", "must be at least 1")
	}
	if r.MaxAttempts < 1 {
		return invalid("research.max_attempts", "must be at least 1")
	}
	if r.AutocutDiscontinuityThreshold < 0 {
		return invalid("research.autocut_discontinuity_threshold", "must not be negative")
	}
	for field, value := range map[string]float64{
		"research.search_alpha":          r.SearchAlpha,
		"research.relevance_threshold":   r.RelevanceThreshold,
		"research.sufficiency_threshold": r.SufficiencyThreshold,
	} {
		if value < 0 || value > 1 {
			return invalid(field, "must be between 0 and 1")
		}
	}
	for field, value := range map[string]string{
		"research.call_timeout":    r.CallTimeout,
		"research.backoff_initial": r.BackoffInitial,
		"research.backoff_max":     r.BackoffMax,
		"research.timeout":         r.Timeout,
		"search.timeout":           c.Search.Timeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return invalid(field, fmt.Sprintf("is not a duration: %v", err))
		}
	}

	for step, model := range c.Models {
		if !domain.Step(step).IsValid() {
			return invalid("models."+step, "is not a known step")
		}
		if model == "" {
			return invalid("models."+step, "must name a model")
		}
	}

	if c.Search.Provider != "weaviate" {
		return invalid("search.provider", fmt.Sprintf("unknown provider %q", c.Search.Provider))
	}
	if c.Search.URL == "" {
		return invalid("search.url", "is required")
	}
	if c.Search.Collection == "" {
		return invalid("search.collection", "is required")
	}

	switch c.Documents.Type {
	case "memory", "file":
		if c.Documents.Path == "" {
			return invalid("documents.path", "is required for "+c.Documents.Type+" documents")
		}
	case "postgres":
		if c.Documents.DSN == "" {
			return invalid("documents.dsn", "is required for postgres documents")
		}
	default:
		return invalid("documents.type", fmt.Sprintf("unknown type %q", c.Documents.Type))
	}

	switch c.Storage.Type {
	case "memory":
	case "file":
		if c.Storage.Path == "" {
			return invalid("storage.path", "is required for file storage")
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			return invalid("storage.redis_url", "is required for redis storage")
		}
	default:
		return invalid("storage.type", fmt.Sprintf("unknown type %q", c.Storage.Type))
	}
	if c.Storage.TTL != "" {
		if _, err := time.ParseDuration(c.Storage.TTL); err != nil {
			return invalid("storage.ttl", fmt.Sprintf("is not a duration: %v", err))
		}
	}

	return nil
}

// ModelFor returns the model configured for a step
func (c *Config) ModelFor(step domain.Step) string {
	if model := c.Models[string(step)]; model != "" {
		return model
	}
	return c.LLM.Model
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetDuration parses a duration string from config, returning fallback when empty
func GetDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	return env == "production" || env == "prod"
}
