// Package config loads pipeline configuration from YAML files with
// environment variable overrides (CLOUDSAGE_*). All knobs have working
// defaults so a zero-config run is possible for development and tests.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// BreakerConfig tunes one named circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" koanf:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" koanf:"recovery_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout" koanf:"call_timeout"`
}

// WebSearchConfig tunes the search, URL scoring and scraping phases.
type WebSearchConfig struct {
	TavilyAPIKey        string        `yaml:"tavily_api_key" koanf:"tavily_api_key"`
	JinaAPIKey          string        `yaml:"jina_api_key" koanf:"jina_api_key"`
	MaxQueries          int           `yaml:"max_queries" koanf:"max_queries"`
	ResultsPerQuery     int           `yaml:"results_per_query" koanf:"results_per_query"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold" koanf:"confidence_threshold"`
	TopURLsToScrape     int           `yaml:"top_urls_to_scrape" koanf:"top_urls_to_scrape"`
	ScrapeConcurrency   int           `yaml:"scrape_concurrency" koanf:"scrape_concurrency"`
	ScrapeTimeout       time.Duration `yaml:"scrape_timeout" koanf:"scrape_timeout"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout" koanf:"connect_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout" koanf:"read_timeout"`
	TokenBudget         int           `yaml:"token_budget" koanf:"token_budget"`
	RetryRounds         int           `yaml:"retry_rounds" koanf:"retry_rounds"`
}

// MemoryConfig tunes the dual-layer memory subsystem.
type MemoryConfig struct {
	STMTokenLimit     int           `yaml:"stm_token_limit" koanf:"stm_token_limit"`
	SummaryTokenLimit int           `yaml:"summary_token_limit" koanf:"summary_token_limit"`
	LTMUpdateInterval int           `yaml:"ltm_update_interval" koanf:"ltm_update_interval"`
	LTMRetrieveLimit  int           `yaml:"ltm_retrieve_limit" koanf:"ltm_retrieve_limit"`
	RetrieveTimeout   time.Duration `yaml:"retrieve_timeout" koanf:"retrieve_timeout"`
	ExtractTimeout    time.Duration `yaml:"extract_timeout" koanf:"extract_timeout"`
	StoreTimeout      time.Duration `yaml:"store_timeout" koanf:"store_timeout"`
}

// Config is the root configuration for the pipeline.
type Config struct {
	// Model settings
	OpenAIAPIKey    string  `yaml:"openai_api_key" koanf:"openai_api_key"`
	OpenAIModel     string  `yaml:"openai_model" koanf:"openai_model"`
	AnthropicAPIKey string  `yaml:"anthropic_api_key" koanf:"anthropic_api_key"`
	Temperature     float64 `yaml:"temperature" koanf:"temperature"`

	// Workflow settings
	MaxIterations         int `yaml:"max_iterations" koanf:"max_iterations"`
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions" koanf:"max_concurrent_sessions"`

	// Session reaping
	SessionMaxIdle time.Duration `yaml:"session_max_idle" koanf:"session_max_idle"`
	ReapInterval   time.Duration `yaml:"reap_interval" koanf:"reap_interval"`

	Memory    MemoryConfig             `yaml:"memory" koanf:"memory"`
	WebSearch WebSearchConfig          `yaml:"web_search" koanf:"web_search"`
	Breakers  map[string]BreakerConfig `yaml:"breakers" koanf:"breakers"`

	// KB retrieval
	KBConcurrency int `yaml:"kb_concurrency" koanf:"kb_concurrency"`
}

// Default returns the baseline configuration used when no file or
// environment overrides are present.
func Default() *Config {
	return &Config{
		OpenAIModel:           "gpt-4o-mini",
		Temperature:           0.3,
		MaxIterations:         3,
		MaxConcurrentSessions: 10,
		SessionMaxIdle:        300 * time.Second,
		ReapInterval:          60 * time.Second,
		Memory: MemoryConfig{
			STMTokenLimit:     6000,
			SummaryTokenLimit: 1500,
			LTMUpdateInterval: 20,
			LTMRetrieveLimit:  5,
			RetrieveTimeout:   10 * time.Second,
			ExtractTimeout:    30 * time.Second,
			StoreTimeout:      15 * time.Second,
		},
		WebSearch: WebSearchConfig{
			MaxQueries:          3,
			ResultsPerQuery:     5,
			ConfidenceThreshold: 0.6,
			TopURLsToScrape:     5,
			ScrapeConcurrency:   3,
			ScrapeTimeout:       60 * time.Second,
			ConnectTimeout:      10 * time.Second,
			ReadTimeout:         50 * time.Second,
			TokenBudget:         20000,
			RetryRounds:         2,
		},
		Breakers: map[string]BreakerConfig{
			"llm":          {FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, CallTimeout: 30 * time.Second},
			"web_search":   {FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, CallTimeout: 30 * time.Second},
			"side_content": {FailureThreshold: 3, RecoveryTimeout: 120 * time.Second, CallTimeout: 45 * time.Second},
		},
		KBConcurrency: 3,
	}
}

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (CLOUDSAGE_*). A missing file is not an
// error; defaults apply.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	// CLOUDSAGE_WEB_SEARCH__TOKEN_BUDGET -> web_search.token_budget
	if err := k.Load(env.Provider("CLOUDSAGE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CLOUDSAGE_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration contains workable values.
func (c *Config) Validate() error {
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("max_concurrent_sessions must be positive")
	}
	if c.WebSearch.ConfidenceThreshold < 0 || c.WebSearch.ConfidenceThreshold > 1 {
		return fmt.Errorf("web_search.confidence_threshold must be in [0,1]")
	}
	if c.WebSearch.TopURLsToScrape <= 0 {
		return fmt.Errorf("web_search.top_urls_to_scrape must be positive")
	}
	if c.WebSearch.ScrapeConcurrency <= 0 {
		return fmt.Errorf("web_search.scrape_concurrency must be positive")
	}
	if c.Memory.LTMUpdateInterval <= 0 {
		return fmt.Errorf("memory.ltm_update_interval must be positive")
	}
	if c.KBConcurrency <= 0 {
		return fmt.Errorf("kb_concurrency must be positive")
	}
	return nil
}
