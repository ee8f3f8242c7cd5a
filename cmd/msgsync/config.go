package main

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/mentorlink/msgsync/pkg/logger"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage msgsync configuration",
	Long:  "View or modify the msgsync CLI configuration stored in ~/.msgsync/config.toml ($MSGSYNC_HOME overrides the directory).",
}

// checkConfig reports every setting a session could not start with. A
// hand-edited file skips the checks config set applies.
func checkConfig(cfg *Config) []string {
	var problems []string
	if cfg.Server.BaseURL != "" {
		if u, err := url.Parse(cfg.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("server.base_url %q is not an absolute URL", cfg.Server.BaseURL))
		}
	}
	if _, err := cfg.timeout(); err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.Session.UserID == "" {
		problems = append(problems, "session.user_id is not set")
	}
	switch cfg.Push.Transport {
	case "", "sse", "ws":
	default:
		problems = append(problems, fmt.Sprintf("push.transport %q must be sse or ws", cfg.Push.Transport))
	}
	if cfg.Push.ReconnectMaxDelay != "" {
		if d, err := time.ParseDuration(cfg.Push.ReconnectMaxDelay); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("push.reconnect_max_delay %q is not a positive duration", cfg.Push.ReconnectMaxDelay))
		}
	}
	if cfg.Log.Level != "" {
		if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
			problems = append(problems, err.Error())
		}
	}
	return problems
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration and check it",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'msgsync init <base-url> <user-id>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("# %s\n", path)
		fmt.Println("[server]")
		fmt.Printf("base_url = %q\n", valueOrDefault(cfg.Server.BaseURL, "(default)"))
		if cfg.Server.Token != "" {
			fmt.Printf("token = %q\n", maskKey(cfg.Server.Token))
		}
		fmt.Printf("timeout = %q\n", valueOrDefault(cfg.Server.Timeout, "(default)"))
		fmt.Println("\n[session]")
		fmt.Printf("user_id = %q\n", cfg.Session.UserID)
		fmt.Println("\n[push]")
		fmt.Printf("transport = %q\n", valueOrDefault(cfg.Push.Transport, "sse"))
		fmt.Printf("reconnect_max_delay = %q\n", valueOrDefault(cfg.Push.ReconnectMaxDelay, "(default)"))
		fmt.Println("\n[log]")
		fmt.Printf("level = %q\n", valueOrDefault(cfg.Log.Level, "info"))
		fmt.Println("\n[metrics]")
		fmt.Printf("addr = %q\n", valueOrDefault(cfg.Metrics.Addr, "(disabled)"))

		if problems := checkConfig(cfg); len(problems) > 0 {
			fmt.Println()
			for _, p := range problems {
				fmt.Printf("warning: %s\n", p)
			}
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: msgsync config set push.transport ws",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "server.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
