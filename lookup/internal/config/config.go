package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains runtime configuration for the lookup service.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	OpenSearch OpenSearchConfig `yaml:"opensearch" mapstructure:"opensearch"`
	Embedder   EmbedderConfig   `yaml:"embedder" mapstructure:"embedder"`
	Lookup     LookupConfig     `yaml:"lookup" mapstructure:"lookup"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
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
	URL         string `yaml:"url" mapstructure:"url"`
	Username    string `yaml:"username" mapstructure:"username"`
	Password    string `yaml:"password" mapstructure:"password"`
	Insecure    bool   `yaml:"insecure" mapstructure:"insecure"`
	EventIndex  string `yaml:"event_index" mapstructure:"event_index"`
	TicketIndex string `yaml:"ticket_index" mapstructure:"ticket_index"`
}

// EmbedderConfig captures the embedding model endpoint.
type EmbedderConfig struct {
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	APIKey         string `yaml:"api_key" mapstructure:"api_key"`
	Model          string `yaml:"model" mapstructure:"model"`
	Dimensions     int    `yaml:"dimensions" mapstructure:"dimensions"`
	TimeoutSeconds int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// Timeout returns the model call timeout as a duration.
func (e EmbedderConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// LookupConfig captures lookup tuning.
type LookupConfig struct {
	TopK            int     `yaml:"top_k" mapstructure:"top_k"`
	SimilarityFloor float64 `yaml:"similarity_floor" mapstructure:"similarity_floor"`
}

// LoggingConfig captures logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from the provided path and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8091)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 30)
	v.SetDefault("server.idle_timeout_seconds", 60)

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "admin")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.event_index", "talon-events")
	v.SetDefault("opensearch.ticket_index", "talon-tickets")

	v.SetDefault("embedder.base_url", "https://api.openai.com")
	v.SetDefault("embedder.api_key", "")
	v.SetDefault("embedder.model", "text-embedding-3-small")
	v.SetDefault("embedder.dimensions", 256)
	v.SetDefault("embedder.timeout_seconds", 30)

	v.SetDefault("lookup.top_k", 5)
	v.SetDefault("lookup.similarity_floor", 0.75)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/talon/lookup")
	}

	// Environment variables override
	v.SetEnvPrefix("LOOKUP")
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
