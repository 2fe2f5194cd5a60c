// Package config loads example-server settings from a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "THROTTLE_CONFIG"

// Duration makes time.Duration YAML-friendly: the file carries "30s",
// "1m", "2h" strings.
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// WindowConfig maps one limiter window in the YAML file.
type WindowConfig struct {
	Duration    Duration `yaml:"duration"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// RedisConfig maps the optional Redis metrics sink.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Prefix  string `yaml:"prefix"`
}

// ServerConfig holds the example server's tunables.
type ServerConfig struct {
	Listen            string         `yaml:"listen"`
	Windows           []WindowConfig `yaml:"windows"`
	BackoffMultiplier float64        `yaml:"backoff_multiplier"`
	MaxKeys           int            `yaml:"max_keys"`
	TargetRate        float64        `yaml:"target_rate"`
	Redis             RedisConfig    `yaml:"redis"`
}

// Default returns the configuration used when no file is present:
// login-protection windows of 5 per minute and 30 per hour, with upstream
// calls paced to 20 per second.
func Default() ServerConfig {
	return ServerConfig{
		Listen: ":8080",
		Windows: []WindowConfig{
			{Duration: Duration(time.Minute), MaxAttempts: 5},
			{Duration: Duration(time.Hour), MaxAttempts: 30},
		},
		BackoffMultiplier: 2.0,
		MaxKeys:           10000,
		TargetRate:        20,
		Redis:             RedisConfig{Addr: "localhost:6379", Prefix: "throttle:"},
	}
}

// ResolvePath normalizes the config path, preferring the environment
// override and falling back to ./throttle.yaml.
func ResolvePath(p string) string {
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		return "./throttle.yaml"
	}
	return trimmed
}

// Load reads the YAML file at path, layered over Default. A missing file
// is not an error; the defaults are returned.
func Load(path string) (ServerConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address is required")
	}
	if len(c.Windows) == 0 {
		return fmt.Errorf("at least one window is required")
	}
	for i, w := range c.Windows {
		if w.Duration <= 0 || w.MaxAttempts <= 0 {
			return fmt.Errorf("window %d: duration and max_attempts must be positive", i)
		}
	}
	if c.TargetRate <= 0 {
		return fmt.Errorf("target_rate must be positive")
	}
	return nil
}
