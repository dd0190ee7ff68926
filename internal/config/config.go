package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration, loaded once at startup and
// immutable afterwards.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Server    ServerConfig    `yaml:"server"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	Retention RetentionConfig `yaml:"retention"`
	Query     QueryConfig     `yaml:"query"`
	Hooks     HooksConfig     `yaml:"hooks"`
	Task      TaskConfig      `yaml:"task"`
	Cache     CacheConfig     `yaml:"cache"`
	LLM       LLMConfig       `yaml:"llm"`
	Embed     UpstreamConfig  `yaml:"embeddings"`
	Extract   ExtractConfig   `yaml:"extract"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

type Neo4jConfig struct {
	URI         string `yaml:"uri"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
	Database    string `yaml:"database"`
}

type RetentionConfig struct {
	MaxVersions   int  `yaml:"max_versions"`
	EnableCleanup bool `yaml:"enable_cleanup"`
}

type QueryConfig struct {
	DefaultLimitNodes int `yaml:"default_limit_nodes"`
	DefaultLimitEdges int `yaml:"default_limit_edges"`
	DefaultDepth      int `yaml:"default_depth"`
	MaxDepth          int `yaml:"max_depth"`
	MaxSeedNodes      int `yaml:"max_seed_nodes"`
}

// HooksConfig names a hook registry key plus whatever backing-store settings
// that hook needs. The core forwards these opaquely.
type HooksConfig struct {
	Module              string `yaml:"module"`
	Full                string `yaml:"full"`
	Incremental         string `yaml:"incremental"`
	ConnectionString    string `yaml:"connection_string"`
	ConnectionStringEnv string `yaml:"connection_string_env"`
	TableName           string `yaml:"table_name"`
}

type TaskConfig struct {
	TimeoutS int `yaml:"timeout_s"`
}

// CacheConfig controls the optional Redis read cache on query responses.
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLS     int    `yaml:"ttl_s"`
}

type RateLimitConfig struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

type ConcurrencyConfig struct {
	MaxInFlight int `yaml:"max_in_flight"`
}

type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialBackoffS   float64 `yaml:"initial_backoff_s"`
	MaxBackoffS       float64 `yaml:"max_backoff_s"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// UpstreamConfig is shared by the LLM and embeddings endpoints.
type UpstreamConfig struct {
	APIKey      string            `yaml:"api_key"`
	APIKeyEnv   string            `yaml:"api_key_env"`
	APIBaseURL  string            `yaml:"api_base_url"`
	Model       string            `yaml:"model"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Retry       RetryConfig       `yaml:"retry"`
}

type LLMConfig struct {
	UpstreamConfig    `yaml:",inline"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
}

// ExtractConfig tunes the two-stage LLM extraction: entity resolution
// thresholds against the base graph and batch sizing for fact-to-graph
// requests.
type ExtractConfig struct {
	EntThreshold      float64 `yaml:"ent_threshold"`
	RelThreshold      float64 `yaml:"rel_threshold"`
	EntityNameWeight  float64 `yaml:"entity_name_weight"`
	EntityLabelWeight float64 `yaml:"entity_label_weight"`
	FactsPerRequest   int     `yaml:"facts_per_request"`
	Language          string  `yaml:"language"`
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML, applies defaults, resolves *_env secrets and
// validates required fields.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Neo4j.Password = resolveEnv(cfg.Neo4j.Password, cfg.Neo4j.PasswordEnv)
	cfg.Hooks.ConnectionString = resolveEnv(cfg.Hooks.ConnectionString, cfg.Hooks.ConnectionStringEnv)
	cfg.LLM.APIKey = resolveEnv(cfg.LLM.APIKey, cfg.LLM.APIKeyEnv)
	cfg.Embed.APIKey = resolveEnv(cfg.Embed.APIKey, cfg.Embed.APIKeyEnv)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "kgraph",
			Environment: "production",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8021,
			CORSAllowOrigins: []string{"*"},
		},
		Retention: RetentionConfig{
			MaxVersions:   10,
			EnableCleanup: true,
		},
		Query: QueryConfig{
			DefaultLimitNodes: 500,
			DefaultLimitEdges: 1000,
			DefaultDepth:      2,
			MaxDepth:          5,
			MaxSeedNodes:      30,
		},
		Cache: CacheConfig{
			TTLS: 300,
		},
		LLM: LLMConfig{
			UpstreamConfig: upstreamDefaults(),
			Temperature:    0,
		},
		Embed: upstreamDefaults(),
		Extract: ExtractConfig{
			EntThreshold:      0.8,
			RelThreshold:      0.7,
			EntityNameWeight:  0.8,
			EntityLabelWeight: 0.2,
			FactsPerRequest:   20,
			Language:          "en",
		},
	}
}

func upstreamDefaults() UpstreamConfig {
	return UpstreamConfig{
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialBackoffS:   1,
			MaxBackoffS:       30,
			BackoffMultiplier: 2,
		},
	}
}

func (c *Config) validate() error {
	var missing []string
	if c.Neo4j.URI == "" {
		missing = append(missing, "neo4j.uri")
	}
	if c.Neo4j.Username == "" {
		missing = append(missing, "neo4j.username")
	}
	if c.Neo4j.Password == "" {
		missing = append(missing, "neo4j.password / neo4j.password_env")
	}
	if c.Hooks.Module == "" {
		missing = append(missing, "hooks.module")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if c.Retention.MaxVersions < 1 {
		return fmt.Errorf("retention.max_versions must be positive, got %d", c.Retention.MaxVersions)
	}
	if c.Query.MaxDepth < c.Query.DefaultDepth {
		return fmt.Errorf("query.max_depth (%d) below query.default_depth (%d)", c.Query.MaxDepth, c.Query.DefaultDepth)
	}
	return nil
}

func resolveEnv(value, envKey string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	if envKey != "" {
		if v := os.Getenv(envKey); strings.TrimSpace(v) != "" {
			return v
		}
	}
	return value
}
