package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Backend      Backend      `yaml:"backend"`
	Query        Query        `yaml:"query"`
	Conversation Conversation `yaml:"conversation"`
	Testing      Testing      `yaml:"testing"`
	User         User         `yaml:"user"`
	Output       Output       `yaml:"output"`
	Server       Server       `yaml:"server"`
	Logging      Logging      `yaml:"logging"`
}

type Backend struct {
	BaseURL        string        `yaml:"base_url"`
	FallbackURL    string        `yaml:"fallback_url"`
	TestStatusURL  string        `yaml:"test_status_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Query controls the lifecycle of interactive chat queries.
type Query struct {
	Mode             string        `yaml:"mode"` // "poll" or "stream"
	PollInterval     time.Duration `yaml:"poll_interval"`
	Timeout          time.Duration `yaml:"timeout"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

type Conversation struct {
	PageSize int `yaml:"page_size"`
}

// Testing controls the batch test runner. It polls slower and waits longer
// than interactive chat.
type Testing struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	Delay        time.Duration `yaml:"delay"`
	HistoryLimit int           `yaml:"history_limit"`
}

type User struct {
	Name string `yaml:"name"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for finsight.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "finsight")
}

// DataDir returns the XDG data directory for finsight.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "finsight")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/finsight/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'finsight init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Backend: Backend{
			BaseURL:        "http://localhost:8989",
			RequestTimeout: 30 * time.Second,
		},
		Query: Query{
			Mode:             "poll",
			PollInterval:     2 * time.Second,
			Timeout:          80 * time.Second,
			RecoveryInterval: 15 * time.Second,
		},
		Conversation: Conversation{PageSize: 20},
		Testing: Testing{
			PollInterval: 15 * time.Second,
			Timeout:      10 * time.Minute,
			Delay:        500 * time.Millisecond,
			HistoryLimit: 1000,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Query.Mode {
	case "poll", "stream":
	default:
		return fmt.Errorf("invalid query.mode %q: want poll or stream", c.Query.Mode)
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Query.PollInterval <= 0 || c.Testing.PollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// StatusURL returns the base URL for test verdict submission, which may live
// on a different host than the query API.
func (c *Config) StatusURL() string {
	if c.Backend.TestStatusURL != "" {
		return c.Backend.TestStatusURL
	}
	return c.Backend.BaseURL
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
