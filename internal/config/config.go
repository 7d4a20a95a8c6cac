package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models taskpool.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecretEnv string `yaml:"jwt_secret_env"`
		AdminRole    string `yaml:"admin_role"`
	} `yaml:"auth"`
	Engine EngineConfig `yaml:"engine"`
}

type EngineConfig struct {
	// StrictPlaceholders turns unknown template placeholders into evaluation errors.
	StrictPlaceholders bool   `yaml:"strict_placeholders"`
	SystemActorName    string `yaml:"system_actor_name"`
	// DispatchOnTransition runs matching rules after every successful transition.
	DispatchOnTransition bool `yaml:"dispatch_on_transition"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Auth.JWTSecretEnv == "" {
		return fmt.Errorf("config.auth.jwt_secret_env is required")
	}
	if c.Auth.AdminRole == "" {
		return fmt.Errorf("config.auth.admin_role is required")
	}
	if strings.TrimSpace(c.Engine.SystemActorName) == "" {
		return fmt.Errorf("config.engine.system_actor_name is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskpool.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
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
  base_path: /v0

auth:
  jwt_secret_env: TASKPOOL_JWT_SECRET
  admin_role: admin

engine:
  # unknown {{placeholders}} stay verbatim unless this is true
  strict_placeholders: false
  system_actor_name: system
  dispatch_on_transition: true
`
