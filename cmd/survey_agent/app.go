package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jonathan/survey-agent/internal/checkpoint"
	"github.com/jonathan/survey-agent/internal/config"
	"github.com/jonathan/survey-agent/internal/db"
	"github.com/jonathan/survey-agent/internal/gvr"
	"github.com/jonathan/survey-agent/internal/llm"
	"github.com/jonathan/survey-agent/internal/logging"
	"github.com/jonathan/survey-agent/internal/pipeline"
	"github.com/jonathan/survey-agent/internal/processing"
	"github.com/jonathan/survey-agent/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// errNoGenerator is returned by the generator of commands that only read runs
var errNoGenerator = errors.New("artifact generation is not available in this command")

// newGenerator builds the LLM generator. Tests replace it.
var newGenerator = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (gvr.Generator, func(), error) {
	if cfg.LLM.APIKey == "" {
		return nil, nil, fmt.Errorf("GEMINI_API_KEY environment variable or llm.api_key is required")
	}
	tier, err := llm.ParseTier(cfg.LLM.Tier)
	if err != nil {
		return nil, nil, err
	}
	llmCfg := llm.DefaultConfig()
	if cfg.LLM.Model != "" {
		llmCfg = llmCfg.WithModel(tier, cfg.LLM.Model)
	}
	client, err := llm.NewClient(ctx, llmCfg, cfg.LLM.APIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	gen := llm.NewArtifactGenerator(client, tier, logger).WithRequestsPerMinute(cfg.LLM.RequestsPerMinute)
	return gen, func() { _ = client.Close() }, nil
}

// loadConfig loads --config and the environment, applies command overrides and validates the result
func loadConfig(cmd *cobra.Command, overrides func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if overrides != nil {
		overrides(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

// openStore opens the configured checkpoint backend
func openStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendMemory:
		return checkpoint.NewMemoryStore(), nil
	case config.BackendSQLite:
		return checkpoint.NewSQLiteStore(cfg.Checkpoint.SQLitePath())
	case config.BackendPostgres:
		database, err := db.Connect(ctx, cfg.Checkpoint.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := database.EnsureSchema(ctx); err != nil {
			_ = database.Close()
			return nil, err
		}
		return database, nil
	case config.BackendMinIO:
		return checkpoint.NewObjectStore(ctx, cfg.Checkpoint.MinIO)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// app bundles what a command needs to drive runs
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   checkpoint.Store
	engine  *workflow.Engine
	closers []func()
}

type appOptions struct {
	// generate is false for commands that only read runs
	generate bool
	progress workflow.ProgressCallback
	metrics  prometheus.Registerer
	extra    []workflow.Option
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	var gen gvr.Generator = gvr.GeneratorFunc(func(context.Context, gvr.GenerateRequest) (json.RawMessage, error) {
		return nil, errNoGenerator
	})
	if opts.generate {
		g, closeGen, err := newGenerator(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		gen = g
		if closeGen != nil {
			a.closers = append(a.closers, closeGen)
		}
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	reg, router, err := pipeline.Build(pipeline.Options{
		Generator:       gen,
		Tools:           cfg.Tools,
		Runner:          processing.NewRunner(logger),
		GenerateTimeout: cfg.LLM.Timeout,
		Logger:          logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	engineOpts := []workflow.Option{workflow.WithLogger(logger), workflow.WithStepTimeout(cfg.StepTimeout)}
	if opts.progress != nil {
		engineOpts = append(engineOpts, workflow.WithProgress(opts.progress))
	}
	if opts.metrics != nil {
		m, err := workflow.NewMetrics(opts.metrics)
		if err != nil {
			a.Close()
			return nil, err
		}
		engineOpts = append(engineOpts, workflow.WithMetrics(m))
	}
	engineOpts = append(engineOpts, opts.extra...)

	a.engine, err = workflow.NewEngine(reg, router, store, engineOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the store and the LLM client in reverse order of creation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// splitList splits a comma-separated flag value, dropping empty items
func splitList(list string) []string {
	var items []string
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func fileExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file not found: %s", path)
		}
		return err
	}
	return nil
}
