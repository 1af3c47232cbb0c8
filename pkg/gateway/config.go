// Copyright 2024-2026 Aiku AI

package gateway

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// ThreadMode selects how thread replies are exposed to clients.
type ThreadMode string

const (
	// ThreadModeInline attributes thread replies to the parent
	// conversation with a thread marker prepended.
	ThreadModeInline ThreadMode = "inline"
	// ThreadModeChannel exposes each thread as its own synthetic channel.
	ThreadModeChannel ThreadMode = "channel"
)

// MattermostConfig holds the remote platform connection settings.
type MattermostConfig struct {
	ServerURL string `yaml:"server_url" envconfig:"MMIRCD_SERVER_URL"`
	Token     string `yaml:"token" envconfig:"MMIRCD_TOKEN"`
	// Team restricts the gateway to one team by name. Empty selects the
	// first team the account belongs to.
	Team string `yaml:"team" envconfig:"MMIRCD_TEAM"`
}

// Config is the gateway configuration, loaded from YAML with environment
// overrides applied on top.
type Config struct {
	ListenAddr string `yaml:"listen_addr" envconfig:"MMIRCD_LISTEN_ADDR"`
	// ServerName is the name the gateway presents in reply prefixes.
	ServerName string           `yaml:"server_name" envconfig:"MMIRCD_SERVER_NAME"`
	ThreadMode ThreadMode       `yaml:"thread_mode" envconfig:"MMIRCD_THREAD_MODE"`
	Mattermost MattermostConfig `yaml:"mattermost"`
	// ShutdownGrace bounds how long in-flight session operations may
	// drain on shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" envconfig:"MMIRCD_SHUTDOWN_GRACE"`
	LogLevel      string        `yaml:"log_level" envconfig:"MMIRCD_LOG_LEVEL"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// LoadConfig reads the YAML file (if path is non-empty), applies
// environment overrides, and validates. The file is optional so the
// gateway can run from environment alone.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess applies defaults and validates the configuration.
func (c *Config) PostProcess() error {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:6667"
	}
	if c.ServerName == "" {
		c.ServerName = "mattermost-ircd"
	}
	if c.ThreadMode == "" {
		c.ThreadMode = ThreadModeInline
	}
	if c.ThreadMode != ThreadModeInline && c.ThreadMode != ThreadModeChannel {
		return fmt.Errorf("invalid thread_mode %q (want %q or %q)", c.ThreadMode, ThreadModeInline, ThreadModeChannel)
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Mattermost.ServerURL == "" {
		return fmt.Errorf("mattermost.server_url is required")
	}
	if c.Mattermost.Token == "" {
		return fmt.Errorf("mattermost.token is required")
	}
	return nil
}
