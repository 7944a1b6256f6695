package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Known document types rendered on activation.
var StandardDocuments = []string{"briefing", "stakeholder_update", "execution_checklist"}

// Supported external project-sync platforms.
var SyncPlatforms = []string{"jira", "linear", "asana"}

// Config models readyline.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Readiness struct {
		BusinessHours struct {
			StartHour int `yaml:"start_hour"`
			EndHour   int `yaml:"end_hour"`
		} `yaml:"business_hours"`
		DefaultTaskMinutes      int `yaml:"default_task_minutes"`
		SnapshotValidityMinutes int `yaml:"snapshot_validity_minutes"`
	} `yaml:"readiness"`
	Documents []string                  `yaml:"documents"`
	Sync      map[string]SyncPlatform   `yaml:"sync"`
	Chat      ChatConfig                `yaml:"chat"`
	Webhooks  []WebhookConfig           `yaml:"webhooks"`
	Contacts  map[string]ContactChannel `yaml:"contacts"`
}

// SyncPlatform configures one external project-sync target.
type SyncPlatform struct {
	Endpoint       string `yaml:"endpoint"`
	Token          string `yaml:"token"`
	ProjectPrefix  string `yaml:"project_prefix"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ChatConfig configures the fire-and-forget chat push.
type ChatConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	Secret         string `yaml:"secret"`
	Channel        string `yaml:"channel"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// WebhookConfig configures an outbound event webhook.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// ContactChannel maps a stakeholder contact kind to delivery settings.
type ContactChannel struct {
	Description string `yaml:"description"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with rl org config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	bh := c.Readiness.BusinessHours
	if bh.StartHour < 0 || bh.StartHour > 23 || bh.EndHour < 0 || bh.EndHour > 23 {
		return fmt.Errorf("config.readiness.business_hours hours must be 0-23")
	}
	if bh.StartHour >= bh.EndHour {
		return fmt.Errorf("config.readiness.business_hours start must be before end")
	}
	if c.Readiness.DefaultTaskMinutes <= 0 {
		return fmt.Errorf("config.readiness.default_task_minutes must be positive")
	}
	if c.Readiness.SnapshotValidityMinutes <= 0 {
		return fmt.Errorf("config.readiness.snapshot_validity_minutes must be positive")
	}
	if len(c.Documents) == 0 {
		return fmt.Errorf("config.documents is required")
	}
	known := map[string]bool{}
	for _, d := range StandardDocuments {
		known[d] = true
	}
	for _, d := range c.Documents {
		if !known[d] {
			return fmt.Errorf("config.documents contains unknown type %s", d)
		}
	}
	supported := map[string]bool{}
	for _, p := range SyncPlatforms {
		supported[p] = true
	}
	for name, platform := range c.Sync {
		if !supported[name] {
			return fmt.Errorf("config.sync platform %s not supported", name)
		}
		if platform.Endpoint == "" {
			return fmt.Errorf("config.sync.%s.endpoint is required", name)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "readyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID, orgID)
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

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	cfg.Org.ID = orgID
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(orgID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `org:
  id: %s
  name: %s

readiness:
  business_hours:
    start_hour: 7
    end_hour: 21
  default_task_minutes: 30
  snapshot_validity_minutes: 30

documents:
  - briefing
  - stakeholder_update
  - execution_checklist

sync: {}

chat:
  webhook_url: ""
  channel: ""
  timeout_seconds: 5

contacts:
  email:
    description: "Email address"
  phone:
    description: "Phone number"
`
