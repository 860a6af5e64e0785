// Package daemon is the composition root: it wires the store, the Forge
// client, the check engine, the queue engine, event ingress and the HTTP
// server together and owns their lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/imq/internal/checks"
	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/events"
	"git.home.luguber.info/inful/imq/internal/forge"
	"git.home.luguber.info/inful/imq/internal/gitws"
	"git.home.luguber.info/inful/imq/internal/ingress"
	"git.home.luguber.info/inful/imq/internal/logfields"
	"git.home.luguber.info/inful/imq/internal/metrics"
	"git.home.luguber.info/inful/imq/internal/queue"
	"git.home.luguber.info/inful/imq/internal/server"
	"git.home.luguber.info/inful/imq/internal/store"
)

const (
	metricsHistorySize = 256
	sampleInterval     = 30 * time.Second
	resyncInterval     = 5 * time.Minute
	shutdownTimeout    = 10 * time.Second
)

// Daemon owns every long-lived component of the process.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.Store
	client    *forge.Client
	gateway   *forge.Gateway
	recorder  *metrics.PrometheusRecorder
	collector *metrics.Collector
	hub       *events.Hub
	nats      *events.NATSSink
	runtime   *config.Runtime
	engine    *queue.Engine
	server    *server.Server
	poller    *ingress.Poller
	proxy     *ingress.Proxy
	watcher   *CheckWatcher
	scheduler gocron.Scheduler
}

// New builds the full component graph. Nothing is started yet; Run does that.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{cfg: cfg, logger: logger}

	st, err := store.Open(ctx, cfg.DatabasePath, cfg.DatabasePoolSize, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	d.store = st

	d.recorder = metrics.NewPrometheusRecorder(prom.NewRegistry())
	d.collector = metrics.NewCollector(metricsHistorySize, d.recorder)

	d.client = forge.NewClient(cfg.APIBaseURL, cfg.GitHubToken, forge.ClientOptions{}, d.collector, logger)
	d.gateway = forge.NewGateway(d.client, logger)

	workspaces := gitws.NewManager(cfg.CloneBaseURL, cfg.GitHubToken, logger)
	registry := checks.NewRegistry(
		checks.NewScriptExecutor(workspaces, logger),
		checks.NewWorkflowExecutor(d.gateway, logger),
	)
	runner := checks.NewEngine(registry, checks.EngineOptions{}, d.collector, logger)

	d.hub = events.NewHub(logger)

	if cfg.NATSURL != "" {
		sink, err := events.NewNATSSink(ctx, cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connecting NATS sink: %w", err)
		}
		d.nats = sink
	}

	sys, err := loadSystem(ctx, st, cfg, logger)
	if err != nil {
		d.closeEarly()
		return nil, err
	}
	d.runtime = config.NewRuntime(*sys)

	d.engine = queue.New(st, d.gateway, runner, d.runtime, d.hub, d.collector, queue.Options{
		RateLimitState: d.client.RateLimitSnapshot,
	}, logger)

	var webhook http.Handler
	switch cfg.Mode {
	case config.ModeWebhook:
		webhook = ingress.NewWebhookHandler(cfg.WebhookSecret, d.engine, d.collector, logger)
	default:
		d.poller = ingress.NewPoller(d.gateway, st, d.engine, d.collector, cfg.Repos(), cfg.PollInterval, logger)
	}
	if cfg.WebhookProxyURL != "" {
		d.proxy = ingress.NewProxy(cfg.WebhookProxyURL, cfg.WebhookSecret, d.engine, d.collector, logger)
	}

	if cfg.ChecksFile != "" {
		watcher, err := NewCheckWatcher(cfg.ChecksFile, st, d.runtime, d.hub, logger)
		if err != nil {
			d.closeEarly()
			return nil, fmt.Errorf("watching check file: %w", err)
		}
		d.watcher = watcher
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		d.closeEarly()
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	d.scheduler = scheduler

	d.server = server.NewServer(cfg.ListenAddr(), server.Deps{
		Engine:  d.engine,
		Store:   st,
		Runtime: d.runtime,
		Config:  cfg,
		Metrics: d.collector,
		Forge:   d.gateway,
		Hub:     d.hub,
		Webhook: webhook,
		Prom:    d.recorder.Handler(),
		Logger:  logger,
	})
	return d, nil
}

// loadSystem resolves the effective runtime configuration at boot: the
// persisted row wins, seeded from the environment on first start. A check
// file on disk overrides the persisted check set so edits made while the
// daemon was down are picked up.
func loadSystem(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger) (*config.System, error) {
	sys, err := st.GetSystem(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fresh := config.DefaultSystem(cfg)
		sys = &fresh
		logger.Info("seeding runtime configuration from environment")
	case err != nil:
		return nil, fmt.Errorf("loading runtime configuration: %w", err)
	default:
		sys.Normalize(cfg)
	}

	if cfg.ChecksFile != "" {
		checkCfg, err := config.LoadCheckFile(cfg.ChecksFile)
		if err != nil {
			return nil, err
		}
		sys.Checks = checkCfg
	}

	if err := st.PutSystem(ctx, sys); err != nil {
		return nil, fmt.Errorf("persisting runtime configuration: %w", err)
	}
	return sys, nil
}

// Run starts every component and blocks until ctx is cancelled or the HTTP
// listener fails, then shuts everything down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("starting merge queue daemon",
		slog.String("mode", string(d.cfg.Mode)),
		slog.String("addr", d.cfg.ListenAddr()))

	// runCtx stops the background loops even when Run exits for a reason
	// other than ctx cancellation (listener failure).
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.engine.Start(runCtx); err != nil {
		return fmt.Errorf("starting queue engine: %w", err)
	}
	if d.nats != nil {
		d.nats.Attach(d.hub)
	}
	if d.poller != nil {
		d.poller.Start(runCtx)
	}
	if d.proxy != nil {
		go d.proxy.Run(runCtx)
	}
	if d.watcher != nil {
		d.watcher.Start(runCtx)
	}
	if err := d.scheduleSampling(); err != nil {
		return err
	}
	d.scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
	case err := <-errCh:
		d.logger.Error("http server failed", logfields.Error(err))
		runErr = err
	}

	cancel()
	d.shutdown()
	return runErr
}

// scheduleSampling registers the periodic maintenance jobs: the gauge refresh
// (live queue sizes, Forge rate-limit budget) and the driver resync sweep.
func (d *Daemon) scheduleSampling() error {
	_, err := d.scheduler.NewJob(
		gocron.DurationJob(sampleInterval),
		gocron.NewTask(d.sampleGauges),
		gocron.WithName("gauge-sampler"),
	)
	if err != nil {
		return fmt.Errorf("scheduling gauge sampler: %w", err)
	}
	_, err = d.scheduler.NewJob(
		gocron.DurationJob(resyncInterval),
		gocron.NewTask(d.resyncDrivers),
		gocron.WithName("driver-resync"),
	)
	if err != nil {
		return fmt.Errorf("scheduling driver resync: %w", err)
	}
	return nil
}

func (d *Daemon) resyncDrivers() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.engine.Resync(ctx); err != nil {
		d.logger.Warn("resyncing queue drivers", logfields.Error(err))
	}
}

func (d *Daemon) sampleGauges() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queues, err := d.store.ListQueues(ctx)
	if err != nil {
		d.logger.Warn("sampling queue sizes", logfields.Error(err))
		return
	}
	for _, q := range queues {
		n, err := d.store.CountLiveEntries(ctx, q.ID)
		if err != nil {
			continue
		}
		d.collector.RecordQueueLength(q.ID, n)
	}

	if rl := d.client.RateLimitSnapshot(); rl.Known {
		d.recorder.SetRateLimitRemaining(rl.Remaining)
	}
}

// shutdown stops components in reverse dependency order. The HTTP server
// drains first so no new work arrives while the engine winds down.
func (d *Daemon) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http server shutdown", logfields.Error(err))
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if err := d.scheduler.Shutdown(); err != nil {
		d.logger.Warn("scheduler shutdown", logfields.Error(err))
	}

	d.engine.Stop(d.cfg.ShutdownGrace)
	if d.poller != nil {
		d.poller.Wait()
	}

	if d.nats != nil {
		d.nats.Close()
	}
	d.hub.Close()

	if err := d.store.Close(); err != nil {
		d.logger.Warn("closing store", logfields.Error(err))
	}
	d.logger.Info("daemon stopped")
}

// closeEarly releases what New already acquired when a later step fails.
func (d *Daemon) closeEarly() {
	if d.scheduler != nil {
		_ = d.scheduler.Shutdown()
	}
	if d.nats != nil {
		d.nats.Close()
	}
	if d.hub != nil {
		d.hub.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}
