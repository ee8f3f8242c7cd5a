package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initToken string

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "Bearer token sent with every request")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <user-id>",
	Short: "Store the server URL and user in ~/.msgsync/config.toml",
	Long:  "Initialize the msgsync CLI by storing the messaging API base URL and the signed-in user ID.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Server.BaseURL = args[0]
		cfg.Session.UserID = args[1]
		if initToken != "" {
			cfg.Server.Token = initToken
		}
		if cfg.Push.Transport == "" {
			cfg.Push.Transport = "sse"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
