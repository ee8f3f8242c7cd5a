package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output counts as JSON")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and unread counts",
	Long:  "Display the current configuration and fetch live unread thread and pending request counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if !statusJSON {
			fmt.Println("Configuration:")
			fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Server.BaseURL, "(default)"))
			if cfg.Server.Token != "" {
				fmt.Printf("  Token:     %s\n", maskKey(cfg.Server.Token))
			} else {
				fmt.Println("  Token:     (not set)")
			}
			fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Session.UserID, "(not set)"))
			fmt.Printf("  Push:      %s\n", valueOrDefault(cfg.Push.Transport, "sse"))
		}

		if cfg.Session.UserID == "" {
			return nil
		}

		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := sess.Refresh(ctx); err != nil {
			if statusJSON {
				return userError(err)
			}
			fmt.Printf("\n  Error fetching counts: %s\n", userError(err))
			return nil
		}

		counts := sess.Counts()
		if statusJSON {
			return printJSON(counts)
		}
		fmt.Println()
		fmt.Println("Live status:")
		fmt.Printf("  Unread messages:   %d\n", counts.UnreadThreads)
		fmt.Printf("  Pending requests:  %d\n", counts.PendingRequests)
		fmt.Printf("  Total:             %d\n", counts.TotalUnread)
		return nil
	},
}
