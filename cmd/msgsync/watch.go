package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mentorlink/msgsync"
	"github.com/mentorlink/msgsync/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchThread      string
	watchMetricsAddr string
)

func init() {
	watchCmd.Flags().StringVar(&watchThread, "thread", "", "Keep a thread open (its messages do not raise notifications)")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.addr)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print live updates",
	Long:  "Open the push channel, keep the cache in sync, and print notifications, connection changes and unread counts until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()

		addr := watchMetricsAddr
		if addr == "" {
			addr = cfg.Metrics.Addr
		}
		if addr != "" {
			stop, err := serveMetrics(addr)
			if err != nil {
				return err
			}
			defer stop()
		}

		notifier := msgsync.NotifierFunc(func(n msgsync.Notification) {
			fmt.Printf("[%s] %s: %s\n", time.Now().Format("15:04:05"), n.Title, n.Body)
		})
		sess, err := newSession(cfg, msgsync.WithNotifier(notifier))
		if err != nil {
			return err
		}

		sess.OnConnectionStatus(func(st msgsync.ConnectionStatus) {
			switch {
			case st.Degraded:
				fmt.Printf("Connection: %s (attempt %d, still trying)\n", st.State, st.Attempt)
			case st.LastError != nil && st.State == msgsync.ConnReconnecting:
				fmt.Printf("Connection: %s (%v)\n", st.State, st.LastError)
			default:
				fmt.Printf("Connection: %s\n", st.State)
			}
		})

		var (
			mu   sync.Mutex
			last msgsync.Counts
		)
		unsubscribe := sess.OnChange(func() {
			c := sess.Counts()
			mu.Lock()
			changed := c != last
			last = c
			mu.Unlock()
			if changed {
				fmt.Printf("Unread: %d messages, %d requests\n", c.UnreadThreads, c.PendingRequests)
			}
		})
		defer unsubscribe()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if watchThread != "" {
			sess.SetActiveThread(watchThread)
		}
		sess.Start(ctx)
		logger.Infof("watching as %s (Ctrl-C to stop)", cfg.Session.UserID)

		<-ctx.Done()
		sess.Close()
		fmt.Println("Disconnected.")
		return nil
	},
}

// serveMetrics exposes the library metrics on addr/metrics.
func serveMetrics(addr string) (stop func(), err error) {
	if err := msgsync.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	logger.Infof("serving metrics on http://%s/metrics", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
