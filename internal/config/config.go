package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskpilot.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
		DevLogin  bool   `yaml:"dev_login"`
	} `yaml:"server"`
	Pipeline struct {
		MaxConcurrent         int `yaml:"max_concurrent"`
		HandlerTimeoutSeconds int `yaml:"handler_timeout_seconds"`
	} `yaml:"pipeline"`
	// SMTP configures the relay used by send_email and forward_message.
	// An empty addr disables outbound mail.
	SMTP struct {
		Addr string `yaml:"addr"`
		From string `yaml:"from"`
	} `yaml:"smtp"`
	Decider struct {
		Mode      string `yaml:"mode"`
		Model     string `yaml:"model"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"decider"`
	// EncryptionKeyEnv names the environment variable holding the base64
	// AES-256 key for linked account tokens. The key itself never lives in
	// the config file.
	EncryptionKeyEnv string `yaml:"encryption_key_env"`
}

const (
	DeciderRule = "rule"
	DeciderLLM  = "llm"
)

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskpilot.yml")
}

// Default returns a Config with the built-in settings.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8484"
	cfg.Pipeline.MaxConcurrent = 4
	cfg.Pipeline.HandlerTimeoutSeconds = 30
	cfg.Decider.Mode = DeciderRule
	cfg.Decider.Model = "gpt-4o-mini"
	cfg.Decider.APIKeyEnv = "OPENAI_API_KEY"
	cfg.EncryptionKeyEnv = "TASKPILOT_ENCRYPTION_KEY"
	return &cfg
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// take their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("config.pipeline.max_concurrent must be positive")
	}
	if c.Pipeline.HandlerTimeoutSeconds <= 0 {
		return fmt.Errorf("config.pipeline.handler_timeout_seconds must be positive")
	}
	switch c.Decider.Mode {
	case DeciderRule:
	case DeciderLLM:
		if c.Decider.Model == "" {
			return fmt.Errorf("config.decider.model is required in llm mode")
		}
		if c.Decider.APIKeyEnv == "" {
			return fmt.Errorf("config.decider.api_key_env is required in llm mode")
		}
	default:
		return fmt.Errorf("config.decider.mode must be %q or %q", DeciderRule, DeciderLLM)
	}
	if c.EncryptionKeyEnv == "" {
		return fmt.Errorf("config.encryption_key_env is required")
	}
	return nil
}

// HandlerTimeout returns the per-action deadline as a duration.
func (c *Config) HandlerTimeout() time.Duration {
	return time.Duration(c.Pipeline.HandlerTimeoutSeconds) * time.Second
}

// EncryptionKey reads the token encryption key from the configured
// environment variable. Empty means no key is provisioned.
func (c *Config) EncryptionKey() string {
	return os.Getenv(c.EncryptionKeyEnv)
}

// DeciderAPIKey reads the model API key from the configured environment
// variable.
func (c *Config) DeciderAPIKey() string {
	return os.Getenv(c.Decider.APIKeyEnv)
}
