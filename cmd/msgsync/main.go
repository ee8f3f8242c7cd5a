package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mentorlink/msgsync/pkg/logger"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.msgsync/config.toml.
type Config struct {
	Server  ConfigServer  `toml:"server"`
	Session ConfigSession `toml:"session"`
	Push    ConfigPush    `toml:"push"`
	Log     ConfigLog     `toml:"log"`
	Metrics ConfigMetrics `toml:"metrics"`
}

// ConfigServer holds the messaging API endpoint.
type ConfigServer struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`
}

// ConfigSession identifies the signed-in user.
type ConfigSession struct {
	UserID string `toml:"user_id"`
}

// ConfigPush tunes the push channel.
type ConfigPush struct {
	Transport         string `toml:"transport"`
	ReconnectMaxDelay string `toml:"reconnect_max_delay"`
}

type ConfigLog struct {
	Level string `toml:"level"`
}

type ConfigMetrics struct {
	Addr string `toml:"addr"`
}

// timeout returns the configured request timeout, or zero for the client default.
func (c *Config) timeout() (time.Duration, error) {
	if c.Server.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Server.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid server.timeout %q: %w", c.Server.Timeout, err)
	}
	return d, nil
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the config directory ($MSGSYNC_HOME or ~/.msgsync),
// creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("MSGSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".msgsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "server.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		case "token":
			cfg.Server.Token = value
		case "timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration %q", value)
			}
			cfg.Server.Timeout = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "session":
		switch field {
		case "user_id":
			cfg.Session.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [session]", field)
		}
	case "push":
		switch field {
		case "transport":
			if value != "sse" && value != "ws" {
				return fmt.Errorf("push.transport must be sse or ws")
			}
			cfg.Push.Transport = value
		case "reconnect_max_delay":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration %q", value)
			}
			cfg.Push.ReconnectMaxDelay = value
		default:
			return fmt.Errorf("unknown field %q in section [push]", field)
		}
	case "log":
		switch field {
		case "level":
			if _, err := logger.ParseLevel(value); err != nil {
				return err
			}
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "metrics":
		switch field {
		case "addr":
			cfg.Metrics.Addr = value
		default:
			return fmt.Errorf("unknown field %q in section [metrics]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, session, push, log, metrics)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "msgsync",
	Short: "Mentorship messaging sync CLI",
	Long:  "Command-line interface for the mentorship messaging sync layer.\nBrowse threads and requests, send messages, and watch the live push channel.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		raw := logLevelFlag
		if raw == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			raw = cfg.Log.Level
		}
		if raw == "" {
			return nil
		}
		lvl, err := logger.ParseLevel(raw)
		if err != nil {
			return err
		}
		logger.SetLevel(lvl)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: trace, debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
