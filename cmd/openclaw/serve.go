package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zhuxuwei88-bot/openclaw/internal/agent"
	"github.com/zhuxuwei88-bot/openclaw/internal/auth"
	"github.com/zhuxuwei88-bot/openclaw/internal/backoff"
	"github.com/zhuxuwei88-bot/openclaw/internal/config"
	"github.com/zhuxuwei88-bot/openclaw/internal/gateway"
	"github.com/zhuxuwei88-bot/openclaw/internal/lanes"
	"github.com/zhuxuwei88-bot/openclaw/internal/observability"
	"github.com/zhuxuwei88-bot/openclaw/internal/runner"
	"github.com/zhuxuwei88-bot/openclaw/internal/runs"
	"github.com/zhuxuwei88-bot/openclaw/internal/sessions"
	"github.com/zhuxuwei88-bot/openclaw/pkg/models"
)

// buildServeCmd creates the "serve" command that starts the gateway core.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway core",
		Long: `Start the gateway core and process inbound messages from stdin.

Each input line is either plain text (routed to the "local" session) or a
JSON message with session_key, channel, and content fields. Replies are
written to stdout as JSON. Channel adapters embed the same components in
process instead of using the stdio transport.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (YAML or JSON5)")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log := observability.NewLogger(cfg.Logging)
	metrics, registry := observability.NewMetrics()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := loadProfileStore(cfg)
	if err != nil {
		return fmt.Errorf("load auth profiles: %w", err)
	}
	defer store.Close()
	if err := store.Watch(func() {
		log.Info(ctx, "auth profiles reloaded from disk")
	}); err != nil {
		log.Warn(ctx, "auth profile watch unavailable", "error", err)
	}

	sessionStore, err := sessions.NewSQLiteStore(cfg.Gateway.SessionDB)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessionStore.Close()

	rotator := auth.NewRotator(store, auth.NewStoreResolver(store), log).WithMetrics(metrics)
	runRegistry := runs.NewRegistry()
	turnRunner := runner.New(agent.NewEchoEngine(), rotator, runRegistry, log, metrics)

	replyOut := json.NewEncoder(os.Stdout)
	dispatcher := gateway.NewDispatcher(gateway.Options{
		Config:    cfg,
		Scheduler: lanes.New(),
		Registry:  runRegistry,
		Runner:    turnRunner,
		Sessions:  sessionStore,
		Logger:    log,
		Metrics:   metrics,
		OnReply: func(sess *models.Session, payloads []models.ReplyPayload) {
			for _, p := range payloads {
				_ = replyOut.Encode(map[string]any{
					"session_key": sess.Key,
					"text":        p.Text,
					"is_error":    p.IsError,
				})
			}
		},
	})
	defer dispatcher.Close()

	if cfg.Gateway.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.Gateway.MetricsAddr, registry, log)
	}

	log.Info(ctx, "gateway core started",
		"session_db", cfg.Gateway.SessionDB,
		"queue_mode", string(cfg.Queue.Mode),
		"provider", cfg.Models.Provider,
	)

	return readLoop(ctx, dispatcher, log)
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// loadProfileStore opens the profile store and applies config-level order and
// cooldown overrides.
func loadProfileStore(cfg *config.Config) (*auth.ProfileStore, error) {
	stateDir := cfg.Auth.StateDir
	if stateDir == "" {
		stateDir = cfg.Gateway.StateDir
	}

	store, err := auth.LoadProfileStore(stateDir)
	if err != nil {
		return nil, err
	}

	for provider, order := range cfg.Auth.Order {
		store.SetOrder(provider, order)
	}
	for reason, seconds := range cfg.Auth.Cooldowns {
		policy, failureReason := cooldownOverride(reason, seconds)
		store.SetCooldownPolicy(failureReason, policy)
	}
	return store, nil
}

// cooldownOverride maps a config cooldown entry onto the default policy for
// the reason with its initial window replaced.
func cooldownOverride(reason string, seconds int) (backoff.Policy, agent.FailureReason) {
	var policy backoff.Policy
	var failureReason agent.FailureReason
	switch reason {
	case "auth":
		policy, failureReason = backoff.AuthPolicy(), agent.FailureAuth
	case "rate_limit":
		policy, failureReason = backoff.RateLimitPolicy(), agent.FailureRateLimit
	case "timeout":
		policy, failureReason = backoff.TimeoutPolicy(), agent.FailureTimeout
	default:
		policy, failureReason = backoff.GenericPolicy(), agent.FailureUnknown
	}
	policy.Initial = time.Duration(seconds) * time.Second
	if policy.Initial > policy.Max {
		policy.Max = policy.Initial
	}
	return policy, failureReason
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, log *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info(ctx, "metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(ctx, "metrics endpoint failed", "error", err)
	}
}

// inboundLine is the JSON shape accepted on stdin.
type inboundLine struct {
	SessionKey string `json:"session_key"`
	Channel    string `json:"channel"`
	ChannelID  string `json:"channel_id"`
	Content    string `json:"content"`
	QueueMode  string `json:"queue_mode,omitempty"`
}

// readLoop dispatches one inbound message per stdin line until EOF or signal.
func readLoop(ctx context.Context, dispatcher *gateway.Dispatcher, log *observability.Logger) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info(ctx, "shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			msg := parseInbound(line)
			if msg == nil {
				continue
			}
			action, err := dispatcher.Dispatch(ctx, msg)
			if err != nil {
				log.Error(ctx, "dispatch failed", "session_key", msg.SessionKey, "error", err)
				continue
			}
			log.Debug(ctx, "message dispatched", "session_key", msg.SessionKey, "action", string(action))
		}
	}
}

// parseInbound converts one stdin line to a message. Lines that start with
// "{" are decoded as JSON; anything else is plain text for the local session.
func parseInbound(line string) *models.Message {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	msg := &models.Message{
		SessionKey: "local",
		Channel:    models.ChannelWebhook,
		Role:       models.RoleUser,
		Content:    line,
		CreatedAt:  time.Now(),
	}

	if strings.HasPrefix(line, "{") {
		var in inboundLine
		if err := json.Unmarshal([]byte(line), &in); err != nil || strings.TrimSpace(in.Content) == "" {
			return msg
		}
		msg.Content = in.Content
		if in.SessionKey != "" {
			msg.SessionKey = in.SessionKey
		}
		if in.Channel != "" {
			msg.Channel = models.ChannelType(in.Channel)
		}
		msg.ChannelID = in.ChannelID
		if in.QueueMode != "" && models.ValidQueueMode(models.QueueMode(in.QueueMode)) {
			msg.QueueModeOverride = models.QueueMode(in.QueueMode)
		}
	}
	return msg
}
