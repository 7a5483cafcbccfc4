package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models processline.yml: platform settings only. Process manifests
// live in their own file (see internal/manifest) referenced by ManifestPath.
type Config struct {
	ManifestPath string `yaml:"manifests"`
	Events       struct {
		SinkURL                  string  `yaml:"sink_url"`
		Source                   string  `yaml:"source"`
		TimeoutSeconds           int     `yaml:"timeout_seconds"`
		ReconcileIntervalSeconds int     `yaml:"reconcile_interval_seconds"`
		FailureAlertRatio        float64 `yaml:"failure_alert_ratio"`
	} `yaml:"events"`
	Tasks struct {
		CompletionSinkURL string `yaml:"completion_sink_url"`
		TimeoutSeconds    int    `yaml:"timeout_seconds"`
	} `yaml:"tasks"`
	Server struct {
		BasePath         string            `yaml:"base_path"`
		JWTSecret        string            `yaml:"jwt_secret"`
		StaticTokens     map[string]string `yaml:"static_tokens"`
		AllowActorHeader bool              `yaml:"allow_actor_header"`
	} `yaml:"server"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Events.TimeoutSeconds < 0 {
		return fmt.Errorf("config.events.timeout_seconds must be >= 0")
	}
	if c.Events.ReconcileIntervalSeconds < 0 {
		return fmt.Errorf("config.events.reconcile_interval_seconds must be >= 0")
	}
	if c.Events.FailureAlertRatio < 0 || c.Events.FailureAlertRatio > 1 {
		return fmt.Errorf("config.events.failure_alert_ratio must be in [0,1]")
	}
	if c.Tasks.TimeoutSeconds < 0 {
		return fmt.Errorf("config.tasks.timeout_seconds must be >= 0")
	}
	for token, actor := range c.Server.StaticTokens {
		if token == "" {
			return fmt.Errorf("config.server.static_tokens contains empty token")
		}
		if actor == "" {
			return fmt.Errorf("config.server.static_tokens token maps to empty actor id")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "processline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.ManifestPath = "manifests.yml"
	cfg.Events.Source = "processline-ledger"
	cfg.Events.TimeoutSeconds = 5
	cfg.Events.ReconcileIntervalSeconds = 60
	cfg.Events.FailureAlertRatio = 0.1
	cfg.Tasks.TimeoutSeconds = 5
	cfg.Server.BasePath = "/v0"
	cfg.Server.AllowActorHeader = true
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Zero-value
// fields fall back to defaults before validation.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
