package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jordanhubbard/steerloop/internal/auth"
	"github.com/jordanhubbard/steerloop/internal/steering"
	"github.com/jordanhubbard/steerloop/pkg/config"
)

const version = "0.1.0"

var (
	serverURL string
	token     string
	apiKey    string
	stdout    io.Writer = os.Stdout
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	clientCfg, err := config.LoadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		clientCfg = &config.ClientConfig{}
	}

	rootCmd := &cobra.Command{
		Use:   "steerctl",
		Short: "steerctl - drive a steerd steering loop",
		Long: `steerctl sends requests to a steerd server, redirects and blesses pending
predictions, and inspects loop state. Output is JSON.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServer(clientCfg), "steerd server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", envOr("STEERCTL_TOKEN", clientCfg.Token), "Bearer token")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("STEERCTL_API_KEY"), "API key (takes precedence over --token)")

	rootCmd.AddCommand(
		newSendCommand(),
		newRedirectCommand(),
		newBlessCommand(),
		newAbortCommand(),
		newListCommand(),
		newGetCommand(),
		newPendingCommand(),
		newLogsCommand(),
		newEventsCommand(),
		newTokenCommand(),
		newLoginCommand(),
		newStatusCommand(),
	)
	return rootCmd
}

func defaultServer(cfg *config.ClientConfig) string {
	if server := os.Getenv("STEERD_SERVER"); server != "" {
		return server
	}
	if cfg.ServerURL != "" {
		return cfg.ServerURL
	}
	return "http://localhost:8080"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// outputJSON pretty-prints JSON; anything else is printed raw.
func outputJSON(data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Fprintln(stdout, string(data))
		return
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func newSendCommand() *cobra.Command {
	var (
		channelID string
		tier      string
		actorID   string
		tags      []string
		requester string
	)
	cmd := &cobra.Command{
		Use:   "send <prompt>",
		Short: "Send a request to the steering loop",
		Example: `  steerctl send --channel C123 "deploy the docs site"
  steerctl send --channel C123 --tier trusted --actor builder "rotate logs"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post(cmd.Context(), "/api/v1/messages", map[string]interface{}{
				"channel_id": channelID,
				"prompt":     strings.Join(args, " "),
				"tags":       tags,
				"requester":  requester,
				"tier":       tier,
				"actor_id":   actorID,
			})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&channelID, "channel", "c", "", "Chat channel to announce in")
	cmd.Flags().StringVar(&tier, "tier", "", "Tier override (admin callers only)")
	cmd.Flags().StringVar(&actorID, "actor", "", "Actor override (admin callers only)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tags to attach (repeatable)")
	cmd.Flags().StringVar(&requester, "requester", "", "Display name shown in the banner")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func newRedirectCommand() *cobra.Command {
	var actorID, source string
	cmd := &cobra.Command{
		Use:   "redirect <new prompt>",
		Short: "Replace your most recent pending prediction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post(cmd.Context(), "/api/v1/redirects", map[string]string{
				"actor_id": actorID,
				"prompt":   strings.Join(args, " "),
				"source":   source,
			})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "Actor whose prediction to redirect (admin only for others)")
	cmd.Flags().StringVar(&source, "source", "cli", "Redirect source recorded on the aborted prediction")
	return cmd
}

func newBlessCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bless <message-handle>",
		Short: "Approve a pending suggestion (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post(cmd.Context(), "/api/v1/blessings", map[string]string{"message_handle": args[0]})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newAbortCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Emergency-abort every pending prediction (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to abort without --yes")
			}
			data, err := newClient().post(cmd.Context(), "/api/v1/abort", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the abort")
	return cmd
}

func newListCommand() *cobra.Command {
	var status, actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked predictions",
		Example: `  steerctl list
  steerctl list --status pending --actor builder`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if status != "" {
				params.Set("status", status)
			}
			if actorID != "" {
				params.Set("actor_id", actorID)
			}
			data, err := newClient().get(cmd.Context(), "/api/v1/predictions", params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, completed, aborted)")
	cmd.Flags().StringVar(&actorID, "actor", "", "Filter by actor")
	return cmd
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <prediction-id>",
		Short: "Show one prediction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get(cmd.Context(), "/api/v1/predictions/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending <actor-id>",
		Short: "Report whether an actor has a pending prediction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get(cmd.Context(), "/api/v1/actors/"+url.PathEscape(args[0])+"/pending", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newLogsCommand() *cobra.Command {
	var (
		limit        int
		level        string
		source       string
		predictionID string
		since        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent server logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			params.Set("limit", strconv.Itoa(limit))
			if level != "" {
				params.Set("level", level)
			}
			if source != "" {
				params.Set("source", source)
			}
			if predictionID != "" {
				params.Set("prediction_id", predictionID)
			}
			if since > 0 {
				params.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}
			data, err := newClient().get(cmd.Context(), "/api/v1/logs", params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum entries")
	cmd.Flags().StringVar(&level, "level", "", "Filter by level")
	cmd.Flags().StringVar(&source, "source", "", "Filter by source")
	cmd.Flags().StringVar(&predictionID, "prediction", "", "Filter by prediction id")
	cmd.Flags().DurationVar(&since, "since", 0, "Only entries newer than this (e.g. 15m)")
	return cmd
}

func newEventsCommand() *cobra.Command {
	var actorID, eventType string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream prediction lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			params := url.Values{}
			if actorID != "" {
				params.Set("actor_id", actorID)
			}
			if eventType != "" {
				params.Set("type", eventType)
			}
			return newClient().watchEvents(ctx, params, func(data []byte) {
				fmt.Fprintln(stdout, string(data))
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "Only events for this actor")
	cmd.Flags().StringVar(&eventType, "type", "", "Only this event type")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		tier   string
		ttl    time.Duration
		secret string
	)
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Mint a JWT for an actor",
		Long: `Mint a JWT. With --secret the token is signed locally (for development);
otherwise an admin token is required and the server mints it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := steering.ParseTier(tier)
			if err != nil {
				return err
			}
			if secret != "" {
				m, err := auth.NewManager(auth.Config{Enabled: true, JWTSecret: secret, TokenTTL: ttl})
				if err != nil {
					return err
				}
				signed, err := m.GenerateToken(args[0], t, ttl)
				if err != nil {
					return err
				}
				data, err := json.Marshal(auth.TokenResponse{
					Token:     signed,
					ExpiresIn: int64(ttl.Seconds()),
					ActorID:   args[0],
					Tier:      t,
				})
				if err != nil {
					return err
				}
				outputJSON(data)
				return nil
			}
			data, err := newClient().post(cmd.Context(), "/api/v1/auth/token", auth.TokenRequest{
				ActorID:    args[0],
				Tier:       string(t),
				TTLSeconds: int64(ttl.Seconds()),
			})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "general", "Tier claim (admin, trusted, general)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("STEERD_JWT_SECRET"), "Sign locally with this JWT secret")
	return cmd
}

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Save --server and --token to ~/.steerctl.json",
		Long:  "Save --server and --token to ~/.steerctl.json. Without --token the token is read from the terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				t, err := promptToken()
				if err != nil {
					return err
				}
				token = t
			}
			cfg := &config.ClientConfig{ServerURL: serverURL, Token: token}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "saved server %s\n", serverURL)
			return nil
		},
	}
}

// promptToken reads a bearer token without echo. It refuses when stdin is
// not a terminal so scripts never block on a hidden prompt.
func promptToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no token given: pass --token or run login from a terminal")
	}
	fmt.Fprint(os.Stderr, "Token: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	t := strings.TrimSpace(string(raw))
	if t == "" {
		return "", fmt.Errorf("empty token")
	}
	return t, nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			data, err := newClient().get(ctx, "/api/v1/health", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}
