package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/daemon"
	"git.home.luguber.info/inful/imq/internal/version"
)

var CLI struct {
	Verbose bool `short:"v" help:"Enable verbose logging"`

	Serve struct{} `cmd:"" default:"1" help:"Run the merge queue daemon"`

	Init struct {
		Force bool `help:"Overwrite an existing .env file"`
	} `cmd:"" help:"Write a sample .env configuration file"`

	Version struct{} `cmd:"" help:"Print the version and exit"`
}

func main() {
	ctx := kong.Parse(&CLI)

	switch ctx.Command() {
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	case "init":
		if err := runInit(CLI.Init.Force); err != nil {
			slog.Error("init failed", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version.Version)
	}
}

func runServe() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if CLI.Verbose {
		cfg.Debug = true
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	d, err := daemon.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

const sampleEnv = `# IMQ configuration. Values here are defaults unless noted.

# Required: a token with repo scope for the repositories below.
IMQ_GITHUB_TOKEN=

# Required: comma-separated owner/name list of watched repositories.
IMQ_GITHUB_REPO=

# polling or webhook
IMQ_GITHUB_MODE=polling
IMQ_POLLING_INTERVAL=15s

# Required in webhook mode.
IMQ_WEBHOOK_SECRET=
# Optional smee.io-style channel to relay webhooks through.
IMQ_WEBHOOK_PROXY_URL=

IMQ_TRIGGER_LABEL=merge-queue
IMQ_MERGE_METHOD=squash
# Optional YAML check set, reloaded on edit.
IMQ_CHECKS_FILE=

IMQ_DATABASE_PATH=imq.db
IMQ_API_HOST=127.0.0.1
IMQ_API_PORT=8080

IMQ_LOG_LEVEL=info
IMQ_LOG_FORMAT=pretty

# Optional JetStream mirror of the event stream.
IMQ_NATS_URL=
`

func runInit(force bool) error {
	const path = ".env"
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.WriteFile(path, []byte(sampleEnv), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Printf("Wrote %s - fill in IMQ_GITHUB_TOKEN and IMQ_GITHUB_REPO to get started.\n", path)
	return nil
}
