// Package config loads and validates the process configuration from the
// environment, and defines the runtime system configuration (trigger label,
// check set, notification templates) persisted by the store.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// IngressMode selects how PR lifecycle events reach the daemon.
type IngressMode string

const (
	ModePolling IngressMode = "polling"
	ModeWebhook IngressMode = "webhook"
)

// LogLevel enumerates supported logging levels (mapped onto slog).
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat enumerates supported log output formats.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// Environment enumerates deployment environments.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// MergeMethod enumerates the Forge merge strategies.
type MergeMethod string

const (
	MergeMethodMerge  MergeMethod = "merge"
	MergeMethodSquash MergeMethod = "squash"
	MergeMethodRebase MergeMethod = "rebase"
)

// Config is the fully-materialized process configuration. It is immutable
// after Load; mutable runtime settings live in the persisted System row.
type Config struct {
	GitHubToken  string        `env:"IMQ_GITHUB_TOKEN"`
	Repositories []string      `env:"IMQ_GITHUB_REPO"`
	APIBaseURL   string        `env:"IMQ_GITHUB_API_URL, default=https://api.github.com"`
	CloneBaseURL string        `env:"IMQ_GITHUB_CLONE_URL, default=https://github.com"`
	Mode         IngressMode   `env:"IMQ_GITHUB_MODE, default=polling"`
	PollInterval time.Duration `env:"IMQ_POLLING_INTERVAL, default=15s"`

	WebhookSecret   string `env:"IMQ_WEBHOOK_SECRET"`
	WebhookProxyURL string `env:"IMQ_WEBHOOK_PROXY_URL"`

	TriggerLabel string      `env:"IMQ_TRIGGER_LABEL, default=merge-queue"`
	MergeMethod  MergeMethod `env:"IMQ_MERGE_METHOD, default=squash"`
	ChecksFile   string      `env:"IMQ_CHECKS_FILE"`

	DatabasePath     string `env:"IMQ_DATABASE_PATH, default=imq.db"`
	DatabasePoolSize int    `env:"IMQ_DATABASE_POOL_SIZE, default=5"`

	APIHost string `env:"IMQ_API_HOST, default=127.0.0.1"`
	APIPort int    `env:"IMQ_API_PORT, default=8080"`

	LogLevel    LogLevel    `env:"IMQ_LOG_LEVEL, default=info"`
	LogFormat   LogFormat   `env:"IMQ_LOG_FORMAT, default=pretty"`
	Environment Environment `env:"IMQ_ENVIRONMENT, default=development"`
	Debug       bool        `env:"IMQ_DEBUG, default=false"`

	ShutdownGrace time.Duration `env:"IMQ_SHUTDOWN_GRACE, default=30s"`

	NATSURL     string `env:"IMQ_NATS_URL"`
	NATSSubject string `env:"IMQ_NATS_SUBJECT, default=imq.events"`
}

// RepoRef identifies one watched repository.
type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) FullName() string { return r.Owner + "/" + r.Name }

// Load reads .env files (without overriding the process environment),
// materializes Config from IMQ_* variables and validates it.
func Load(ctx context.Context) (*Config, error) {
	// Best-effort: absence of a dotfile is not an error.
	_ = godotenv.Load(".env", ".env.local")

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Repos parses IMQ_GITHUB_REPO ("owner/name", comma separated) into refs.
// Validate guarantees each element is well formed.
func (c *Config) Repos() []RepoRef {
	refs := make([]RepoRef, 0, len(c.Repositories))
	for _, raw := range c.Repositories {
		owner, name, ok := strings.Cut(strings.TrimSpace(raw), "/")
		if !ok {
			continue
		}
		refs = append(refs, RepoRef{Owner: owner, Name: name})
	}
	return refs
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// SlogLevel maps the configured level onto slog. Debug mode forces debug.
func (c *Config) SlogLevel() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	switch c.LogLevel {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger according to the configured format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
