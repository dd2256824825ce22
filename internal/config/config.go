package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models heir.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Escalation EscalationPolicy `yaml:"escalation"`
	KnowledgeBase struct {
		Seed []SeedResolution `yaml:"seed"`
	} `yaml:"knowledge_base"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// EscalationPolicy is required configuration: there is no built-in
// default for either threshold, so a zero value fails validation.
type EscalationPolicy struct {
	OccurrenceThreshold int `yaml:"occurrence_threshold"`
	MissStreak          int `yaml:"miss_streak"`
}

type SeedResolution struct {
	LookupKey string   `yaml:"lookup_key"`
	Guidance  string   `yaml:"guidance"`
	Steps     []string `yaml:"steps"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with heir config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Escalation.OccurrenceThreshold < 1 {
		return fmt.Errorf("config.escalation.occurrence_threshold is required and must be >= 1")
	}
	if c.Escalation.MissStreak < 1 {
		return fmt.Errorf("config.escalation.miss_streak is required and must be >= 1")
	}
	for i, seed := range c.KnowledgeBase.Seed {
		if seed.LookupKey == "" {
			return fmt.Errorf("knowledge_base.seed[%d] has empty lookup_key", i)
		}
		if seed.Guidance == "" {
			return fmt.Errorf("knowledge_base.seed entry %s has empty guidance", seed.LookupKey)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d] has empty url", i)
		}
	}
	return nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "heir.yml")
}

// Default returns the default Config struct for a service.
func Default(serviceName string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, serviceName)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceName string) string {
	return fmt.Sprintf(defaultTemplate, serviceName)
}

const defaultTemplate = `service:
  name: %s

escalation:
  occurrence_threshold: 3
  miss_streak: 2

knowledge_base:
  seed:
    - lookup_key: "ProcessData:CONN_TIMEOUT"
      guidance: "Connection to the data source timed out."
      steps:
        - "Check that the database host is reachable"
        - "Verify connection pool limits"
        - "Retry with a longer statement timeout"

webhooks: []
`
