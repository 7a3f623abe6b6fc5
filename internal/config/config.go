package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application settings
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Agent         AgentConfig         `toml:"agent"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string        `toml:"database_path"`
	PollInterval time.Duration `toml:"poll_interval"`
	Verbosity    int           `toml:"verbosity"`
}

// AgentConfig holds agent invocation settings
type AgentConfig struct {
	Binary            string `toml:"binary"` // optional override for the agent executable
	MaxTurnsAnalysis  int    `toml:"max_turns_analysis"`
	MaxTurnsExecution int    `toml:"max_turns_execution"`
}

// NotificationsConfig holds delivery settings
type NotificationsConfig struct {
	RetryBaseDelay time.Duration `toml:"retry_base_delay"`
	DigestHour     int           `toml:"digest_hour"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".mason-autopilot", "autopilot.db"),
			PollInterval: time.Minute,
		},
		Agent: AgentConfig{
			MaxTurnsAnalysis:  30,
			MaxTurnsExecution: 100,
		},
		Notifications: NotificationsConfig{
			RetryBaseDelay: 2 * time.Second,
			DigestHour:     18,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Agent.Binary = ExpandPath(cfg.Agent.Binary)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mason-autopilot", "config.toml")
}
