package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the tutoring core.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains the operational HTTP surface settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// CacheConfig contains Redis connection settings and per-kind TTLs.
type CacheConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	TTL            TTLConfig     `mapstructure:"ttl"`
}

func (c CacheConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("cache.host must be set")
	}
	if c.Port == "" {
		return fmt.Errorf("cache.port must be set")
	}
	return nil
}

// Addr returns the host:port pair for the Redis client.
func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// TTLConfig sets the expiry per cached entity kind.
type TTLConfig struct {
	Conversation  time.Duration `mapstructure:"conversation"`
	Context       time.Duration `mapstructure:"context"`
	UserData      time.Duration `mapstructure:"user_data"`
	AgentInsights time.Duration `mapstructure:"agent_insights"`
}

func (t TTLConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"conversation":   t.Conversation,
		"context":        t.Context,
		"user_data":      t.UserData,
		"agent_insights": t.AgentInsights,
	} {
		if d <= 0 {
			return fmt.Errorf("cache.ttl.%s must be > 0", name)
		}
	}
	return nil
}

// IngestConfig controls document chunking.
type IngestConfig struct {
	ChunkSize    int `mapstructure:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap"`
}

func (i IngestConfig) Validate() error {
	if i.ChunkSize <= 0 {
		return fmt.Errorf("ingest.chunk_size must be > 0")
	}
	if i.ChunkOverlap < 0 || i.ChunkOverlap >= i.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap must be in [0, chunk_size)")
	}
	return nil
}

// RetrievalConfig controls vector search behaviour.
type RetrievalConfig struct {
	TopK   int  `mapstructure:"top_k"`
	Hybrid bool `mapstructure:"hybrid"`
	RRFK   int  `mapstructure:"rrf_k"`
}

// MemoryConfig controls per-session conversational memory.
type MemoryConfig struct {
	TokenBudget int           `mapstructure:"token_budget"`
	MaxSessions int           `mapstructure:"max_sessions"`
	SessionTTL  time.Duration `mapstructure:"session_ttl"`
	RetainTurns int           `mapstructure:"retain_turns"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider      string        `mapstructure:"provider"` // openai, local
	Model         string        `mapstructure:"model"`
	Dimensions    int           `mapstructure:"dimensions"`
	BatchSize     int           `mapstructure:"batch_size"`
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ModelPath     string        `mapstructure:"model_path"`     // local provider only
	TokenizerPath string        `mapstructure:"tokenizer_path"` // local provider only
}

func (e EmbeddingConfig) Validate() error {
	switch e.Provider {
	case "openai":
		if e.APIKey == "" {
			return fmt.Errorf("embedding.api_key must be set for the openai provider")
		}
	case "local":
		if e.ModelPath == "" {
			return fmt.Errorf("embedding.model_path must be set for the local provider")
		}
	default:
		return fmt.Errorf("embedding.provider must be openai or local, got %q", e.Provider)
	}
	if e.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be > 0")
	}
	return nil
}

// LLMConfig configures the text completion capability.
type LLMConfig struct {
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func setDefaults() {
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", 30*time.Second)
	viper.SetDefault("server.address", ":8080")

	viper.SetDefault("cache.host", "localhost")
	viper.SetDefault("cache.port", "6379")
	viper.SetDefault("cache.db", 0)
	viper.SetDefault("cache.dial_timeout", 5*time.Second)
	viper.SetDefault("cache.command_timeout", 2*time.Second)
	viper.SetDefault("cache.max_retries", 3)
	viper.SetDefault("cache.ttl.conversation", 24*time.Hour)
	viper.SetDefault("cache.ttl.context", 5*time.Minute)
	viper.SetDefault("cache.ttl.user_data", 4*time.Hour)
	viper.SetDefault("cache.ttl.agent_insights", time.Hour)

	viper.SetDefault("ingest.chunk_size", 1000)
	viper.SetDefault("ingest.chunk_overlap", 200)

	viper.SetDefault("retrieval.top_k", 3)
	viper.SetDefault("retrieval.hybrid", false)
	viper.SetDefault("retrieval.rrf_k", 60)

	viper.SetDefault("memory.token_budget", 1000)
	viper.SetDefault("memory.max_sessions", 1024)
	viper.SetDefault("memory.session_ttl", time.Hour)
	viper.SetDefault("memory.retain_turns", 4)

	viper.SetDefault("embedding.provider", "openai")
	viper.SetDefault("embedding.model", "text-embedding-3-small")
	viper.SetDefault("embedding.dimensions", 1536)
	viper.SetDefault("embedding.batch_size", 32)
	viper.SetDefault("embedding.timeout", 30*time.Second)

	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.max_tokens", 1024)
	viper.SetDefault("llm.timeout", 30*time.Second)
}

// LoadConfig reads configuration from file and MENTORCORE_* environment
// variables. An empty path falls back to the default search locations.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	setDefaults()

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("MENTORCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env are a valid setup.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Cache.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Cache.TTL.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Ingest.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
