package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models livestory.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// JWTSecret enables HS256 bearer tokens; the subject becomes the actor.
		JWTSecret string `yaml:"jwt_secret"`
		// AllowActorHeader accepts X-Actor-Id when no token is sent.
		AllowActorHeader bool `yaml:"allow_actor_header"`
		RequireAuth      bool `yaml:"require_auth"`
		MaxBodyBytes     int64 `yaml:"max_body_bytes"`
	} `yaml:"server"`
	Storage struct {
		Workspace string `yaml:"workspace"`
	} `yaml:"storage"`
	Generator GeneratorConfig `yaml:"generator"`
	Risk      struct {
		HighFieldCount   int `yaml:"high_field_count"`
		MediumFieldCount int `yaml:"medium_field_count"`
	} `yaml:"risk"`
	Queue struct {
		LockTimeoutMillis int `yaml:"lock_timeout_millis"`
	} `yaml:"queue"`
	Notify struct {
		PollIntervalSeconds int             `yaml:"poll_interval_seconds"`
		PreviewLimit        int             `yaml:"preview_limit"`
		RedisURL            string          `yaml:"redis_url"`
		Webhooks            []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notify"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

type GeneratorConfig struct {
	// Backend is one of http, gemini, anthropic, none.
	Backend        string `yaml:"backend"`
	URL            string `yaml:"url"`
	Model          string `yaml:"model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// APIKey reads the generator credential from the configured env var.
func (g GeneratorConfig) APIKey() string {
	if g.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(g.APIKeyEnv)
}

func (g GeneratorConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

type WebhookConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	Enabled        *bool  `yaml:"enabled"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Queue.LockTimeoutMillis) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Notify.PollIntervalSeconds) * time.Second
}

var (
	backends   = map[string]bool{"http": true, "gemini": true, "anthropic": true, "none": true}
	logLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	logFormats = map[string]bool{"text": true, "json": true}
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RequireAuth && c.Server.JWTSecret == "" && !c.Server.AllowActorHeader {
		return fmt.Errorf("config.server.require_auth needs jwt_secret or allow_actor_header")
	}
	if !backends[c.Generator.Backend] {
		return fmt.Errorf("config.generator.backend must be one of http, gemini, anthropic, none")
	}
	if c.Generator.Backend == "http" {
		if _, err := url.ParseRequestURI(c.Generator.URL); err != nil {
			return fmt.Errorf("config.generator.url is invalid: %w", err)
		}
	}
	if c.Generator.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.generator.timeout_seconds must be positive")
	}
	if c.Generator.MaxRetries < 0 {
		return fmt.Errorf("config.generator.max_retries must not be negative")
	}
	if c.Risk.MediumFieldCount < 1 || c.Risk.HighFieldCount < c.Risk.MediumFieldCount {
		return fmt.Errorf("config.risk requires 1 <= medium_field_count <= high_field_count")
	}
	if c.Queue.LockTimeoutMillis <= 0 {
		return fmt.Errorf("config.queue.lock_timeout_millis must be positive")
	}
	if c.Notify.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.notify.poll_interval_seconds must be positive")
	}
	if c.Notify.PreviewLimit < 0 {
		return fmt.Errorf("config.notify.preview_limit must not be negative")
	}
	for i, hook := range c.Notify.Webhooks {
		if _, err := url.ParseRequestURI(hook.URL); err != nil {
			return fmt.Errorf("config.notify.webhooks[%d].url is invalid: %w", i, err)
		}
	}
	if !logLevels[c.Log.Level] {
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	if !logFormats[c.Log.Format] {
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "livestory.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads config from the workspace, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Default()
	}
	if cfg.Storage.Workspace == "" {
		cfg.Storage.Workspace = workspace
	}
	return cfg, nil
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret: ""
  allow_actor_header: true
  require_auth: false
  max_body_bytes: 1048576

storage:
  workspace: ""

generator:
  backend: none
  url: ""
  model: ""
  api_key_env: LIVESTORY_GENERATOR_API_KEY
  timeout_seconds: 30
  max_retries: 2

risk:
  high_field_count: 4
  medium_field_count: 2

queue:
  lock_timeout_millis: 2000

notify:
  poll_interval_seconds: 10
  preview_limit: 3
  redis_url: ""
  webhooks: []

log:
  level: info
  format: text

telemetry:
  enabled: false
`
