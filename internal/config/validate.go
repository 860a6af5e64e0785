package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const minPollInterval = 10 * time.Second

var tokenPrefixes = []string{"ghp_", "github_pat_", "ghs_"}

// Validate checks every startup invariant and reports all violations at once.
func (c *Config) Validate() error {
	var errs []error

	if c.GitHubToken == "" {
		errs = append(errs, errors.New("IMQ_GITHUB_TOKEN is required"))
	} else if !hasTokenPrefix(c.GitHubToken) {
		errs = append(errs, fmt.Errorf("IMQ_GITHUB_TOKEN must start with one of %s", strings.Join(tokenPrefixes, ", ")))
	}

	if len(c.Repositories) == 0 {
		errs = append(errs, errors.New("IMQ_GITHUB_REPO is required (owner/name)"))
	}
	for _, raw := range c.Repositories {
		owner, name, ok := strings.Cut(strings.TrimSpace(raw), "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			errs = append(errs, fmt.Errorf("IMQ_GITHUB_REPO entry %q is not owner/name", raw))
		}
	}

	if _, err := url.ParseRequestURI(c.APIBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("IMQ_GITHUB_API_URL %q: %w", c.APIBaseURL, err))
	}

	switch c.Mode {
	case ModePolling, ModeWebhook:
	default:
		errs = append(errs, fmt.Errorf("IMQ_GITHUB_MODE must be polling or webhook, got %q", c.Mode))
	}
	if c.Mode == ModeWebhook && c.WebhookSecret == "" {
		errs = append(errs, errors.New("IMQ_WEBHOOK_SECRET is required in webhook mode"))
	}
	if c.PollInterval < minPollInterval {
		errs = append(errs, fmt.Errorf("IMQ_POLLING_INTERVAL must be >= %s, got %s", minPollInterval, c.PollInterval))
	}

	if c.TriggerLabel == "" {
		errs = append(errs, errors.New("IMQ_TRIGGER_LABEL must not be empty"))
	}
	switch c.MergeMethod {
	case MergeMethodMerge, MergeMethodSquash, MergeMethodRebase:
	default:
		errs = append(errs, fmt.Errorf("IMQ_MERGE_METHOD must be merge, squash or rebase, got %q", c.MergeMethod))
	}

	if c.DatabasePath == "" {
		errs = append(errs, errors.New("IMQ_DATABASE_PATH must not be empty"))
	}
	if c.DatabasePoolSize < 1 {
		errs = append(errs, fmt.Errorf("IMQ_DATABASE_POOL_SIZE must be >= 1, got %d", c.DatabasePoolSize))
	}

	if c.APIPort < 1 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("IMQ_API_PORT must be in 1..65535, got %d", c.APIPort))
	}

	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		errs = append(errs, fmt.Errorf("IMQ_LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel))
	}
	switch c.LogFormat {
	case LogFormatJSON, LogFormatPretty:
	default:
		errs = append(errs, fmt.Errorf("IMQ_LOG_FORMAT must be json or pretty, got %q", c.LogFormat))
	}
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("IMQ_ENVIRONMENT must be development, staging or production, got %q", c.Environment))
	}

	if c.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("IMQ_SHUTDOWN_GRACE must not be negative, got %s", c.ShutdownGrace))
	}

	return errors.Join(errs...)
}

func hasTokenPrefix(token string) bool {
	for _, p := range tokenPrefixes {
		if strings.HasPrefix(token, p) {
			return true
		}
	}
	return false
}
