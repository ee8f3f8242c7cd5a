package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mentorlink/msgsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// requests
// ============================================================================

var (
	requestsSent bool
	requestsJSON bool
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List pending message requests",
	Long:  "List pending message requests received by you, or sent by you with --sent.",
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

		reqs := sess.ReceivedRequests().Data
		if requestsSent {
			reqs = sess.SentRequests().Data
		}
		if requestsJSON {
			return printJSON(reqs)
		}
		if len(reqs) == 0 {
			fmt.Println("No requests found.")
			return nil
		}
		now := time.Now()
		for _, r := range reqs {
			who := userName(r.Requester, r.RequesterID)
			if requestsSent {
				who = userName(r.Recipient, r.RecipientID)
			}
			fmt.Printf("%s  %-20s %-10s %s\n", r.ID, who, r.EffectiveStatus(now), r.RequestType)
			fmt.Printf("    %s\n", r.InitialMessage)
			if r.EffectiveStatus(now) == msgsync.RequestPending && !r.ExpiresAt.IsZero() {
				fmt.Printf("    expires in %s\n", r.ExpiresAt.Sub(now).Round(time.Minute))
			}
		}
		return nil
	},
}

// ============================================================================
// request <recipient> <message>
// ============================================================================

var (
	requestType   string
	requestReason string
	requestJSON   bool
)

var requestCmd = &cobra.Command{
	Use:   "request <recipient-id> <message>",
	Short: "Ask another user to open a thread",
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
		req, err := sess.CreateRequest(ctx, args[0], args[1], msgsync.RequestType(requestType), requestReason)
		if err != nil {
			return userError(err)
		}

		if requestJSON {
			return printJSON(req)
		}
		fmt.Printf("Request sent (id: %s, expires %s)\n", req.ID, req.ExpiresAt.Local().Format(time.RFC3339))
		return nil
	},
}

// ============================================================================
// respond <request-id> accept|reject|cancel
// ============================================================================

var respondMessage string

var respondCmd = &cobra.Command{
	Use:       "respond <request-id> <accept|reject|cancel>",
	Short:     "Accept, reject or cancel a message request",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(msgsync.ActionAccept), string(msgsync.ActionReject), string(msgsync.ActionCancel)},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		// Load the lists so expired requests are refused locally.
		if err := sess.Refresh(ctx); err != nil {
			return userError(err)
		}
		if err := sess.HandleRequest(ctx, args[0], msgsync.RequestAction(args[1]), respondMessage); err != nil {
			return userError(err)
		}
		fmt.Printf("Request %s: %s\n", args[0], args[1])
		return nil
	},
}

// Registration

func init() {
	requestsCmd.Flags().BoolVar(&requestsSent, "sent", false, "List requests you sent")
	requestsCmd.Flags().BoolVar(&requestsJSON, "json", false, "Output as JSON")

	requestCmd.Flags().StringVar(&requestType, "type", string(msgsync.MenteeToMentor), "Request type: mentee_to_mentor, mentor_to_mentee")
	requestCmd.Flags().StringVar(&requestReason, "reason", "", "Why you want to talk")
	requestCmd.Flags().BoolVar(&requestJSON, "json", false, "Output as JSON")

	respondCmd.Flags().StringVar(&respondMessage, "message", "", "Optional response message")

	rootCmd.AddCommand(requestsCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(respondCmd)
}
