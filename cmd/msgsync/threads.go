package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// threads
// ============================================================================

var threadsJSON bool

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List conversation threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := sess.Refresh(ctx); err != nil {
			return userError(err)
		}

		threads := sess.Threads().Data
		if threadsJSON {
			return printJSON(threads)
		}
		if len(threads) == 0 {
			fmt.Println("No threads found.")
			return nil
		}
		for _, th := range threads {
			other := userName(th.OtherUser, th.OtherParticipant(cfg.Session.UserID))
			unread := ""
			if th.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", th.UnreadCount)
			}
			fmt.Printf("%s  %-20s %s%s\n", th.ID, other, th.LastMessageAt.Local().Format("Jan 02 15:04"), unread)
			if th.LastMessagePreview != "" {
				fmt.Printf("    %s\n", th.LastMessagePreview)
			}
		}
		return nil
	},
}

// ============================================================================
// thread <id>
// ============================================================================

var threadJSON bool

var threadCmd = &cobra.Command{
	Use:   "thread <thread-id>",
	Short: "Show the messages of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		detail, err := sess.LoadThread(ctx, args[0])
		if err != nil {
			return userError(err)
		}

		if threadJSON {
			return printJSON(detail)
		}
		fmt.Printf("Thread %s with %s (%s)\n\n", detail.Thread.ID,
			userName(detail.OtherUser, detail.Thread.OtherParticipant(cfg.Session.UserID)), detail.Thread.Status)
		if len(detail.Messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range detail.Messages {
			who := "them"
			if m.SenderID == cfg.Session.UserID {
				who = "you"
			}
			fmt.Printf("[%s] %-4s: %s\n", m.CreatedAt.Local().Format("Jan 02 15:04"), who, m.Content)
		}
		if detail.HasMore {
			fmt.Println("\n(older messages not shown)")
		}
		return nil
	},
}

// ============================================================================
// send / read / archive
// ============================================================================

var sendJSON bool

var sendCmd = &cobra.Command{
	Use:   "send <thread-id> <message>",
	Short: "Send a message to a thread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := sess.LoadThread(ctx, args[0]); err != nil {
			return userError(err)
		}
		msg, err := sess.SendMessage(ctx, args[0], args[1])
		if err != nil {
			return userError(err)
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent (id: %s)\n", msg.ID)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <thread-id>",
	Short: "Mark a thread as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateThread(args[0], "Marked as read", func(ctx context.Context, s sessionMutations) error {
			return s.MarkThreadAsRead(ctx, args[0])
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <thread-id>",
	Short: "Archive a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateThread(args[0], "Archived", func(ctx context.Context, s sessionMutations) error {
			return s.ArchiveThread(ctx, args[0])
		})
	},
}

type sessionMutations interface {
	MarkThreadAsRead(ctx context.Context, threadID string) error
	ArchiveThread(ctx context.Context, threadID string) error
}

func updateThread(threadID, done string, fn func(context.Context, sessionMutations) error) error {
	cfg := mustConfig()
	sess, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := fn(ctx, sess); err != nil {
		return userError(err)
	}
	fmt.Printf("%s: %s\n", done, threadID)
	return nil
}

// Registration

func init() {
	threadsCmd.Flags().BoolVar(&threadsJSON, "json", false, "Output as JSON")
	threadCmd.Flags().BoolVar(&threadJSON, "json", false, "Output as JSON")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(threadCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(archiveCmd)
}
