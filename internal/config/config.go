// Package config provides configuration loading and validation for the CLI and server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonathan/survey-agent/internal/checkpoint"
	"github.com/jonathan/survey-agent/internal/pipeline"
	"github.com/jonathan/survey-agent/internal/processing"
	"github.com/jonathan/survey-agent/internal/server/ratelimit"
	"github.com/jonathan/survey-agent/internal/types"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides; "__" separates nesting levels
const EnvPrefix = "SURVEY_AGENT_"

const maxConfigFileSize = 1024 * 1024

// Checkpoint backends
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMinIO    = "minio"
)

// DefaultSQLitePath is used when the sqlite backend has no dsn
const DefaultSQLitePath = "survey_agent.db"

// Config is the full configuration surface. Run-scoped options are copied into each run by RunConfig.
type Config struct {
	MaxIterations     int                        `koanf:"max_iterations" validate:"gte=1"`
	EnableHumanReview bool                       `koanf:"enable_human_review"`
	AutoApprove       []string                   `koanf:"auto_approve"`
	ModifyPolicy      string                     `koanf:"modify_policy" validate:"oneof=accept revalidate"`
	StepTimeout       time.Duration              `koanf:"step_timeout" validate:"gt=0"`
	OutputDir         string                     `koanf:"output_dir" validate:"required"`
	Thresholds        map[string]float64         `koanf:"thresholds"`
	Filter            types.FilterConfig         `koanf:"filter"`
	LLM               LLMConfig                  `koanf:"llm"`
	Checkpoint        CheckpointConfig           `koanf:"checkpoint"`
	Tools             map[string]processing.Tool `koanf:"tools"`
	Log               LogConfig                  `koanf:"log"`
	Server            ServerConfig               `koanf:"server"`
}

// LLMConfig selects the generator model
type LLMConfig struct {
	Provider string `koanf:"provider" validate:"oneof=gemini"`
	Tier     string `koanf:"tier" validate:"omitempty,oneof=lite standard advanced"`
	// Model overrides the model of the configured tier
	Model  string `koanf:"model"`
	APIKey string `koanf:"api_key"`
	// Timeout bounds a single generation call
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
	// RequestsPerMinute throttles model calls across concurrent runs; zero disables it
	RequestsPerMinute int `koanf:"requests_per_minute" validate:"gte=0"`
}

// CheckpointConfig selects where checkpoints are persisted
type CheckpointConfig struct {
	Backend string                       `koanf:"backend" validate:"oneof=memory sqlite postgres minio"`
	DSN     string                       `koanf:"dsn"`
	MinIO   checkpoint.ObjectStoreConfig `koanf:"minio"`
}

// SQLitePath returns the database file for the sqlite backend
func (c CheckpointConfig) SQLitePath() string {
	if c.DSN == "" {
		return DefaultSQLitePath
	}
	return c.DSN
}

// LogConfig controls the zap logger
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// ServerConfig controls the HTTP API
type ServerConfig struct {
	Port int `koanf:"port" validate:"min=1,max=65535"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration    `koanf:"shutdown_timeout" validate:"gte=0"`
	RateLimit       ratelimit.Config `koanf:"rate_limit"`
	Auth            AuthConfig       `koanf:"auth"`
}

// Default returns the configuration used when no file or override sets a value
func Default() *Config {
	return &Config{
		MaxIterations:     3,
		EnableHumanReview: true,
		ModifyPolicy:      string(types.ModifyAccept),
		StepTimeout:       10 * time.Minute,
		OutputDir:         "output",
		Thresholds: map[string]float64{
			"p_value":   0.05,
			"cramers_v": 0.1,
			"min_count": 30,
		},
		Filter: types.FilterConfig{
			CardinalityThreshold: 30,
			Binary:               true,
			OtherText:            true,
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Tier:     "advanced",
			Timeout:  5 * time.Minute,
		},
		Checkpoint: CheckpointConfig{Backend: BackendSQLite},
		Tools:      map[string]processing.Tool{},
		Log:        LogConfig{Level: "info", Format: "console"},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       ratelimit.DefaultConfig(),
			Auth:            AuthConfig{TokenTTL: 24 * time.Hour},
		},
	}
}

// Load reads the optional file at path onto Default, then applies environment overrides.
// YAML and JSON files are both accepted.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// SURVEY_AGENT_CHECKPOINT__BACKEND -> checkpoint.backend
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyFallbacks()
	return cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is larger than %d bytes", path, maxConfigFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return data, nil
}

// applyFallbacks honours the conventional variables used outside this tool
func (c *Config) applyFallbacks() {
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.Server.Auth.JWTSecret == "" {
		c.Server.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	}
	if c.Checkpoint.Backend == BackendPostgres && c.Checkpoint.DSN == "" {
		c.Checkpoint.DSN = os.Getenv("DATABASE_URL")
	}
}

// Validate checks field ranges and cross-field requirements
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("'%s' failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config error: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config error: %w", err)
	}

	for _, k := range c.AutoApprove {
		if _, err := types.ParseArtifactKind(k); err != nil {
			return fmt.Errorf("config error: auto_approve: %w", err)
		}
	}
	for name := range c.Tools {
		if !isToolName(name) {
			return fmt.Errorf("config error: unknown tool %q (known: %s)", name, strings.Join(pipeline.ToolNames, ", "))
		}
	}
	if c.Filter.CardinalityThreshold < 0 {
		return fmt.Errorf("config error: 'filter.cardinality_threshold' must be non-negative")
	}
	if err := c.Server.Auth.normalize(); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	switch c.Checkpoint.Backend {
	case BackendPostgres:
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("config error: postgres checkpoint backend needs 'checkpoint.dsn' or DATABASE_URL")
		}
	case BackendMinIO:
		if err := c.Checkpoint.MinIO.Validate(); err != nil {
			return fmt.Errorf("config error: %w", err)
		}
	}
	return nil
}

func isToolName(name string) bool {
	for _, n := range pipeline.ToolNames {
		if n == name {
			return true
		}
	}
	return false
}

// RunConfig returns the run-scoped options captured into a new run
func (c *Config) RunConfig(sourcePath string) types.RunConfig {
	kinds := make([]types.ArtifactKind, 0, len(c.AutoApprove))
	for _, k := range c.AutoApprove {
		kinds = append(kinds, types.ArtifactKind(k))
	}
	thresholds := make(map[string]float64, len(c.Thresholds))
	for k, v := range c.Thresholds {
		thresholds[k] = v
	}
	return types.RunConfig{
		SourcePath:        sourcePath,
		OutputDir:         c.OutputDir,
		MaxIterations:     c.MaxIterations,
		EnableHumanReview: c.EnableHumanReview,
		AutoApprove:       kinds,
		ModifyPolicy:      types.ModifyPolicy(c.ModifyPolicy),
		StepTimeout:       c.StepTimeout,
		Thresholds:        thresholds,
		Filter:            c.Filter,
	}
}

// ConfiguredTools returns the names of tools with a program set, sorted
func (c *Config) ConfiguredTools() []string {
	var names []string
	for name, tool := range c.Tools {
		if tool.Configured() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
