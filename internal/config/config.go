// Package config loads the YAML configuration for the Sentinel core.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinel-labs/sentinel/internal/agent"
	"github.com/sentinel-labs/sentinel/internal/proxy"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig      `yaml:"database"`
	LLM      LLMConfig           `yaml:"llm"`
	Agent    agent.ServiceConfig `yaml:"agent"`
	Proxy    proxy.Config        `yaml:"proxy"`
	RAG      RAGConfig           `yaml:"rag"`
	Logging  LoggingConfig       `yaml:"logging"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	// Path is the sqlite database file; ":memory:" for ephemeral runs.
	Path string `yaml:"path"`
}

// LLMConfig holds provider credentials and defaults.
type LLMConfig struct {
	// Provider selects the streaming client: "anthropic" or "openai".
	Provider string `yaml:"provider"`

	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`

	MaxTokens int `yaml:"max_tokens"`

	// Timeout is the agent wall clock bound per run.
	Timeout time.Duration `yaml:"timeout"`

	MaxIterations int `yaml:"max_iterations"`
}

// RAGConfig tunes retrieval augmentation.
type RAGConfig struct {
	Enabled   bool    `yaml:"enabled"`
	TopK      int     `yaml:"top_k"`
	Threshold float64 `yaml:"threshold"`
	MMRLambda float64 `yaml:"mmr_lambda"`
	Rerank    bool    `yaml:"rerank"`
}

// LoggingConfig tunes the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the file (when present), expands ${ENV} references and
// applies defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			expanded := os.Expand(string(data), func(key string) string {
				return os.Getenv(key)
			})
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "sentinel.db"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 5 * time.Minute
	}
	if c.LLM.MaxIterations <= 0 {
		c.LLM.MaxIterations = 10
	}
	if c.Agent.DefaultModel == "" {
		c.Agent.DefaultModel = c.LLM.DefaultModel
	}
	if c.Proxy.StartPort == 0 {
		c.Proxy = mergeProxyDefaults(c.Proxy)
	}
	if c.RAG.TopK <= 0 {
		c.RAG.TopK = 5
	}
	if c.RAG.Threshold <= 0 {
		c.RAG.Threshold = 0.35
	}
	if c.RAG.MMRLambda <= 0 {
		c.RAG.MMRLambda = 1.0
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func mergeProxyDefaults(in proxy.Config) proxy.Config {
	def := proxy.DefaultConfig()
	if in.Host == "" {
		in.Host = def.Host
	}
	if in.StartPort == 0 {
		in.StartPort = def.StartPort
	}
	if in.MaxPortAttempts == 0 {
		in.MaxPortAttempts = def.MaxPortAttempts
	}
	if in.MaxRequestBodySize == 0 {
		in.MaxRequestBodySize = def.MaxRequestBodySize
	}
	if in.MaxResponseBodySize == 0 {
		in.MaxResponseBodySize = def.MaxResponseBodySize
	}
	if in.MitmBypassFailThreshold == 0 {
		in.MitmBypassFailThreshold = def.MitmBypassFailThreshold
	}
	return in
}

// NewLogger builds the slog handler described by the logging section.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(c.Logging.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
