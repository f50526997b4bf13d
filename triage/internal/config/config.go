package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains runtime configuration for the triage service.
type Config struct {
	Server      ServerConfig     `yaml:"server" mapstructure:"server"`
	OpenSearch  OpenSearchConfig `yaml:"opensearch" mapstructure:"opensearch"`
	Redis       RedisConfig      `yaml:"redis" mapstructure:"redis"`
	NATS        NATSConfig       `yaml:"nats" mapstructure:"nats"`
	LLM         LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Triage      TriageConfig     `yaml:"triage" mapstructure:"triage"`
	Logging     LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig captures HTTP server settings.
type ServerConfig struct {
	Port                int `yaml:"port" mapstructure:"port"`
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds" mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds" mapstructure:"write_timeout_seconds"`
	IdleTimeoutSeconds  int `yaml:"idle_timeout_seconds" mapstructure:"idle_timeout_seconds"`
}

// ReadTimeout returns the configured read timeout as a duration.
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the configured write timeout as a duration.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// IdleTimeout returns the configured idle timeout as a duration.
func (s ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// OpenSearchConfig captures OpenSearch connection settings.
type OpenSearchConfig struct {
	URL           string `yaml:"url" mapstructure:"url"`
	Username      string `yaml:"username" mapstructure:"username"`
	Password      string `yaml:"password" mapstructure:"password"`
	Insecure      bool   `yaml:"insecure" mapstructure:"insecure"`
	EventIndex    string `yaml:"event_index" mapstructure:"event_index"`
	TicketIndex   string `yaml:"ticket_index" mapstructure:"ticket_index"`
	EmbeddingDims int    `yaml:"embedding_dims" mapstructure:"embedding_dims"`
}

// RedisConfig captures Redis connection settings for locks and the
// embedding cache.
type RedisConfig struct {
	Addr            string `yaml:"addr" mapstructure:"addr"`
	Password        string `yaml:"password" mapstructure:"password"`
	DB              int    `yaml:"db" mapstructure:"db"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds"`
}

// CacheTTL returns the embedding cache TTL as a duration.
func (r RedisConfig) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLSeconds) * time.Second
}

// NATSConfig captures NATS message broker connection settings.
type NATSConfig struct {
	URL           string `yaml:"url" mapstructure:"url"`
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	MaxReconnects int    `yaml:"max_reconnects" mapstructure:"max_reconnects"`
	ReconnectWait int    `yaml:"reconnect_wait_seconds" mapstructure:"reconnect_wait_seconds"`
}

// ReconnectWaitDuration returns the reconnect wait as a time.Duration.
func (n NATSConfig) ReconnectWaitDuration() time.Duration {
	return time.Duration(n.ReconnectWait) * time.Second
}

// LLMConfig captures the reasoning and embedding model endpoints.
type LLMConfig struct {
	Reasoner ModelConfig `yaml:"reasoner" mapstructure:"reasoner"`
	Embedder ModelConfig `yaml:"embedder" mapstructure:"embedder"`
}

// ModelConfig captures one model endpoint.
type ModelConfig struct {
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	APIKey         string `yaml:"api_key" mapstructure:"api_key"`
	Model          string `yaml:"model" mapstructure:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	Dimensions     int    `yaml:"dimensions" mapstructure:"dimensions"`
}

// Timeout returns the model call timeout as a duration.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// TriageConfig captures pipeline tuning.
type TriageConfig struct {
	HalfWindowSeconds int     `yaml:"half_window_seconds" mapstructure:"half_window_seconds"`
	MaxWindowEvents   int     `yaml:"max_window_events" mapstructure:"max_window_events"`
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	TopK              int     `yaml:"top_k" mapstructure:"top_k"`
	SimilarityFloor   float64 `yaml:"similarity_floor" mapstructure:"similarity_floor"`
	GroupMaxAttempts  int     `yaml:"group_max_attempts" mapstructure:"group_max_attempts"`
}

// HalfWindow returns the context half-window as a duration.
func (t TriageConfig) HalfWindow() time.Duration {
	return time.Duration(t.HalfWindowSeconds) * time.Second
}

// LoggingConfig captures logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or text
}

// Load reads configuration from the provided path and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 60)
	v.SetDefault("server.idle_timeout_seconds", 60)

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "admin")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.event_index", "talon-events")
	v.SetDefault("opensearch.ticket_index", "talon-tickets")
	v.SetDefault("opensearch.embedding_dims", 256)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl_seconds", 86400)

	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait_seconds", 2)

	v.SetDefault("llm.reasoner.base_url", "https://api.openai.com")
	v.SetDefault("llm.reasoner.api_key", "")
	v.SetDefault("llm.reasoner.model", "gpt-4o-mini")
	v.SetDefault("llm.reasoner.timeout_seconds", 60)
	v.SetDefault("llm.embedder.base_url", "https://api.openai.com")
	v.SetDefault("llm.embedder.api_key", "")
	v.SetDefault("llm.embedder.model", "text-embedding-3-small")
	v.SetDefault("llm.embedder.timeout_seconds", 30)
	v.SetDefault("llm.embedder.dimensions", 256)

	v.SetDefault("triage.half_window_seconds", 60)
	v.SetDefault("triage.max_window_events", 50)
	v.SetDefault("triage.concurrency", 128)
	v.SetDefault("triage.max_attempts", 3)
	v.SetDefault("triage.top_k", 5)
	v.SetDefault("triage.similarity_floor", 0.75)
	v.SetDefault("triage.group_max_attempts", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database_url", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/talon/triage")
	}

	// Environment variables override
	v.SetEnvPrefix("TRIAGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// Config file not found; use defaults
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
