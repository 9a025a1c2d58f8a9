package main

import (
	"fmt"
	"time"

	"github.com/jonathan/survey-agent/internal/config"
	"github.com/jonathan/survey-agent/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Serves the run API. Runs are driven in the background; progress is streamed at
GET /runs/{run_id}/events and Prometheus metrics are exposed at GET /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var servePort int

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, func(c *config.Config) {
		if cmd.Flags().Changed("port") {
			c.Server.Port = servePort
		}
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hub := server.NewHub()

	a, err := newApp(cmd.Context(), cfg, appOptions{generate: true, progress: hub.Publish, metrics: reg})
	if err != nil {
		return err
	}
	defer a.Close()

	opts := []server.Option{
		server.WithLogger(a.logger),
		server.WithEvents(hub),
		server.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
	}
	if cfg.Server.Auth.Enabled() {
		opts = append(opts, server.WithTokens(server.NewTokenService(cfg.Server.Auth.JWTSecret, cfg.Server.Auth.TokenTTL)))
	}
	srv := server.New(server.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimit:       cfg.Server.RateLimit,
	}, a.engine, cfg, opts...)

	a.logger.Info("server configured",
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Bool("auth", cfg.Server.Auth.Enabled()))
	return srv.ListenAndServe(cmd.Context())
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an API token for the HTTP server",
	Long:  "Signs a bearer token with server.auth.jwt_secret (or JWT_SECRET). The subject names the client in logs and rate limits.",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

var tokenTTL time.Duration

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (overrides server.auth.token_ttl)")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, func(c *config.Config) {
		if cmd.Flags().Changed("ttl") {
			c.Server.Auth.TokenTTL = tokenTTL
		}
	})
	if err != nil {
		return err
	}
	if !cfg.Server.Auth.Enabled() {
		return fmt.Errorf("authentication is disabled: set server.auth.jwt_secret or JWT_SECRET")
	}
	token, expiresAt, err := server.NewTokenService(cfg.Server.Auth.JWTSecret, cfg.Server.Auth.TokenTTL).Issue(args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires %s\n", token, expiresAt.UTC().Format(time.RFC3339))
	return err
}
