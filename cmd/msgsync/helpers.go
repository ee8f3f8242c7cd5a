package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mentorlink/msgsync"
	"github.com/mentorlink/msgsync/pkg/logger"
)

// mustConfig loads the config and exits when no user is configured.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Session.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user configured. Run 'msgsync init <base-url> <user-id>' first.")
		os.Exit(1)
	}
	for _, p := range checkConfig(cfg) {
		logger.Warnf("config: %s", p)
	}
	return cfg
}

// getClient creates an API client from the stored server settings.
func getClient(cfg *Config) (*msgsync.Client, error) {
	var opts []msgsync.ClientOption
	if cfg.Server.BaseURL != "" {
		opts = append(opts, msgsync.WithBaseURL(cfg.Server.BaseURL))
	}
	if cfg.Server.Token != "" {
		opts = append(opts, msgsync.WithToken(cfg.Server.Token))
	}
	timeout, err := cfg.timeout()
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		opts = append(opts, msgsync.WithTimeout(timeout))
	}
	return msgsync.NewClient(opts...), nil
}

// newSession builds a session for the configured user. The push channel uses
// the configured transport; one-shot commands never start it.
func newSession(cfg *Config, opts ...msgsync.SessionOption) (*msgsync.Session, error) {
	client, err := getClient(cfg)
	if err != nil {
		return nil, err
	}

	var pc msgsync.PushConfig
	if cfg.Push.ReconnectMaxDelay != "" {
		d, err := time.ParseDuration(cfg.Push.ReconnectMaxDelay)
		if err != nil {
			return nil, fmt.Errorf("invalid push.reconnect_max_delay %q: %w", cfg.Push.ReconnectMaxDelay, err)
		}
		pc.ReconnectMaxDelay = d
	}
	switch cfg.Push.Transport {
	case "", "sse":
		pc.Transport = client.PushSSE(cfg.Session.UserID)
	case "ws":
		pc.Transport = client.PushWebSocket(cfg.Session.UserID)
	default:
		return nil, fmt.Errorf("unknown push.transport %q (valid: sse, ws)", cfg.Push.Transport)
	}

	opts = append([]msgsync.SessionOption{msgsync.WithPushConfig(pc)}, opts...)
	return msgsync.NewSession(cfg.Session.UserID, client, opts...), nil
}

// userError turns a library error into the message shown to the user.
func userError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s", msgsync.UserMessage(err))
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func userName(u *msgsync.User, fallback string) string {
	if u != nil && u.Name != "" {
		return u.Name
	}
	return fallback
}
