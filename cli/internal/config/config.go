package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the service endpoints the CLI talks to.
type Config struct {
	TriageURL string `yaml:"triage_url"`
	LookupURL string `yaml:"lookup_url"`
}

// Default returns a Config pointing at local development endpoints.
func Default() *Config {
	return &Config{
		TriageURL: "http://localhost:8090",
		LookupURL: "http://localhost:8091",
	}
}

// Load reads the CLI config file; a missing file yields defaults.
func Load(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		cfgFile = filepath.Join(home, ".talon", "config.yaml")
	}

	cfg := Default()
	data, err := os.ReadFile(cfgFile)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
