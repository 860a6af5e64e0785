// Package queue is the merge-queue engine: event admission, per-queue driver
// goroutines running the refresh/checks/update/merge pipeline, and the
// administrative operations the HTTP surface exposes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/imq/internal/checks"
	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/events"
	"git.home.luguber.info/inful/imq/internal/forge"
	"git.home.luguber.info/inful/imq/internal/logfields"
	"git.home.luguber.info/inful/imq/internal/metrics"
	"git.home.luguber.info/inful/imq/internal/store"
)

// ErrStopped reports an operation on an engine that no longer accepts work.
var ErrStopped = errors.New("queue engine stopped")

// ForgeAPI is the slice of the forge gateway the engine needs. The full
// gateway satisfies it; tests supply a fake.
type ForgeAPI interface {
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*forge.PullRequestView, error)
	UpdatePullRequestBranch(ctx context.Context, owner, repo string, number int) (*forge.BranchUpdate, error)
	MergePullRequest(ctx context.Context, owner, repo string, number int, opts forge.MergeOptions) (*forge.MergeResult, error)
	PostComment(ctx context.Context, owner, repo string, number int, body string) error
}

// CheckRunner runs the configured check set for a PR head.
type CheckRunner interface {
	Run(ctx context.Context, cfg config.CheckConfiguration, target checks.Target) (*checks.ExecutionResult, error)
}

// Options tune the engine. Zero values select the defaults.
type Options struct {
	// SettleDelay is the wait between a branch update and the PR re-fetch.
	SettleDelay time.Duration
	// Tick is the periodic driver wakeup when no event arrives.
	Tick time.Duration
	// RateLimitState, when set, lets a rate-limited driver sleep until the
	// limit resets instead of backing off blindly.
	RateLimitState func() forge.RateLimit
}

// Engine coordinates all queues. One driver goroutine per queue processes
// entries strictly serially; drivers for different queues run in parallel.
type Engine struct {
	store   *store.Store
	forge   ForgeAPI
	checks  CheckRunner
	runtime *config.Runtime
	hub     *events.Hub
	metrics *metrics.Collector
	logger  *slog.Logger

	settleDelay    time.Duration
	tick           time.Duration
	rateLimitState func() forge.RateLimit

	rootCtx    context.Context
	rootCancel context.CancelFunc
	quit       chan struct{}
	wg         sync.WaitGroup

	accepting atomic.Bool
	inFlight  atomic.Int64

	mu      sync.Mutex
	drivers map[string]*driver
	admit   map[string]*sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds an engine. Start must be called before events are delivered.
func New(st *store.Store, api ForgeAPI, runner CheckRunner, runtime *config.Runtime, hub *events.Hub, collector *metrics.Collector, opts Options, logger *slog.Logger) *Engine {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 2 * time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:          st,
		forge:          api,
		checks:         runner,
		runtime:        runtime,
		hub:            hub,
		metrics:        collector,
		logger:         logger,
		settleDelay:    opts.SettleDelay,
		tick:           opts.Tick,
		rateLimitState: opts.RateLimitState,
		quit:           make(chan struct{}),
		drivers:        make(map[string]*driver),
		admit:          make(map[string]*sync.Mutex),
		cancels:        make(map[string]context.CancelFunc),
	}
}

// Start recovers crashed entries and launches a driver for every known queue.
func (e *Engine) Start(ctx context.Context) error {
	recovered, err := e.store.RecoverRunningEntries(ctx)
	if err != nil {
		return fmt.Errorf("recovering running entries: %w", err)
	}
	if recovered > 0 {
		e.logger.Info("recovered crashed entries", slog.Int("count", recovered))
	}

	e.rootCtx, e.rootCancel = context.WithCancel(context.Background())
	e.accepting.Store(true)

	queues, err := e.store.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("listing queues: %w", err)
	}
	for _, q := range queues {
		e.ensureDriver(q.ID)
	}
	return nil
}

// Stop shuts the engine down: intake closes immediately, in-flight pipelines
// get up to grace to finish, then the remainder is cancelled and counted as a
// forced shutdown.
func (e *Engine) Stop(grace time.Duration) {
	e.accepting.Store(false)
	close(e.quit)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		aborted := int(e.inFlight.Load())
		e.logger.Warn("shutdown grace expired, aborting pipelines",
			slog.Int("aborted", aborted))
		e.metrics.RecordForcedShutdown(aborted)
		e.rootCancel()
		<-done
	}
	if e.rootCancel != nil {
		e.rootCancel()
	}
}

// Resync makes sure every queue holding live entries has a driver and nudges
// it. Startup recovery and event-driven wakes normally cover this; the
// periodic sweep is a safety net against a missed wake.
func (e *Engine) Resync(ctx context.Context) error {
	queues, err := e.store.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("listing queues: %w", err)
	}
	for _, q := range queues {
		n, err := e.store.CountLiveEntries(ctx, q.ID)
		if err != nil || n == 0 {
			continue
		}
		e.ensureDriver(q.ID)
		e.wake(q.ID)
	}
	return nil
}

// OnEvent is the ingress sink: admit or evict based on trigger-label
// presence. Duplicate deliveries are harmless.
func (e *Engine) OnEvent(ctx context.Context, ev forge.Event) {
	if !e.accepting.Load() {
		return
	}
	trigger := e.runtime.Get().TriggerLabel

	switch ev.Kind {
	case forge.EventLabelAdded:
		if ev.Label != trigger {
			return
		}
		if err := e.admitPR(ctx, ev.Owner, ev.Repo, ev.Number); err != nil {
			e.logger.Warn("admitting entry",
				logfields.Repository(ev.RepoFullName()),
				logfields.PRNumber(ev.Number),
				logfields.Error(err))
		}
	case forge.EventLabelRemoved:
		if ev.Label != trigger {
			return
		}
		e.evictPR(ctx, ev.Owner, ev.Repo, ev.Number, "label removed")
	case forge.EventPRClosed:
		e.evictPR(ctx, ev.Owner, ev.Repo, ev.Number, "pull request closed")
	case forge.EventPRUpdated:
		// The pipeline refreshes the PR at its start; a push before the
		// entry runs needs no action here.
		e.logger.Debug("pr updated",
			logfields.Repository(ev.RepoFullName()),
			logfields.PRNumber(ev.Number))
	}
}

// admitPR refreshes the PR from the Forge and appends it to its queue.
// Admission for a repository is serialized so concurrent events cannot race
// queue creation or positions.
func (e *Engine) admitPR(ctx context.Context, owner, repo string, number int) error {
	unlock := e.lockAdmission(owner + "/" + repo)
	defer unlock()

	view, err := e.forge.GetPullRequest(ctx, owner, repo, number)
	if err != nil {
		return fmt.Errorf("refreshing pr: %w", err)
	}
	if !view.IsOpen() {
		return nil
	}
	if !view.HasLabel(e.runtime.Get().TriggerLabel) {
		// The label came and went before we got here.
		return nil
	}

	repository, err := e.store.UpsertRepository(ctx, owner, repo, view.BaseBranch)
	if err != nil {
		return err
	}
	pr, err := e.store.UpsertPullRequest(ctx, &store.PullRequest{
		RepositoryID: repository.ID,
		Number:       view.Number,
		Title:        view.Title,
		Author:       view.Author,
		BaseBranch:   view.BaseBranch,
		HeadBranch:   view.HeadBranch,
		HeadSHA:      view.HeadSHA,
		IsConflicted: view.IsConflicted,
		IsUpToDate:   view.IsUpToDate,
	})
	if err != nil {
		return err
	}
	queue, err := e.store.EnsureQueue(ctx, repository.ID, view.BaseBranch)
	if err != nil {
		return err
	}

	entry, created, err := e.store.AppendEntry(ctx, queue.ID, pr.ID)
	if err != nil {
		return err
	}
	if created {
		e.logger.Info("entry enqueued",
			logfields.Queue(repository.FullName+"@"+queue.BaseBranch),
			logfields.PRNumber(pr.Number),
			logfields.Position(entry.Position))
		e.publishEntry(events.TypeEntryAdded, queue.ID, entry, pr.Number, "")
		e.sampleQueueLength(ctx, queue.ID)
	}
	e.ensureDriver(queue.ID)
	e.wake(queue.ID)
	return nil
}

// evictPR cancels the PR's live entry, if any.
func (e *Engine) evictPR(ctx context.Context, owner, repo string, number int, reason string) {
	repository, err := e.store.GetRepositoryByFullName(ctx, owner+"/"+repo)
	if err != nil {
		return
	}
	pr, err := e.store.GetPullRequestByNumber(ctx, repository.ID, number)
	if err != nil {
		return
	}
	queue, err := e.store.GetQueueByBranch(ctx, repository.ID, pr.BaseBranch)
	if err != nil {
		return
	}
	entry, err := e.store.LiveEntryForPR(ctx, queue.ID, pr.ID)
	if err != nil {
		return
	}

	if entry.Status == store.EntryRunning {
		// The pipeline owns the entry; cancelling its context makes it
		// finish as cancelled at the next suspension point.
		e.cancelEntry(entry.ID)
		e.logger.Info("cancelling running entry",
			logfields.EntryID(entry.ID),
			logfields.PRNumber(number),
			slog.String("reason", reason))
		return
	}

	finished, err := e.store.FinishEntry(ctx, entry.ID, store.EntryCancelled)
	if err != nil {
		e.logger.Warn("evicting entry", logfields.EntryID(entry.ID), logfields.Error(err))
		return
	}
	e.logger.Info("entry evicted",
		logfields.EntryID(entry.ID),
		logfields.PRNumber(number),
		slog.String("reason", reason))
	e.publishEntry(events.TypeEntryRemoved, queue.ID, finished, number, reason)
	e.sampleQueueLength(ctx, queue.ID)
	e.wake(queue.ID)
}

// ListQueues returns all queues.
func (e *Engine) ListQueues(ctx context.Context) ([]*store.Queue, error) {
	return e.store.ListQueues(ctx)
}

// GetQueue returns one queue.
func (e *Engine) GetQueue(ctx context.Context, id string) (*store.Queue, error) {
	return e.store.GetQueue(ctx, id)
}

// GetEntries returns the live entries of a queue in position order.
func (e *Engine) GetEntries(ctx context.Context, queueID string) ([]*store.QueueEntry, error) {
	return e.store.ListEntries(ctx, queueID)
}

// CreateQueue ensures a queue for (repository, base branch) exists and has a
// driver. The repository must already be known.
func (e *Engine) CreateQueue(ctx context.Context, repoFullName, baseBranch string) (*store.Queue, error) {
	repository, err := e.store.GetRepositoryByFullName(ctx, repoFullName)
	if err != nil {
		return nil, err
	}
	queue, err := e.store.EnsureQueue(ctx, repository.ID, baseBranch)
	if err != nil {
		return nil, err
	}
	e.ensureDriver(queue.ID)
	return queue, nil
}

// DeleteQueue cancels the queue's running entry, stops its driver and deletes
// the queue with its entries.
func (e *Engine) DeleteQueue(ctx context.Context, id string) error {
	entries, err := e.store.ListEntries(ctx, id)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Status == store.EntryRunning {
			e.cancelEntry(entry.ID)
		}
	}
	e.stopDriver(id)
	return e.store.DeleteQueue(ctx, id)
}

// AddEntry is the administrative enqueue: the PR is refreshed from the Forge
// and appended to the given queue regardless of labels.
func (e *Engine) AddEntry(ctx context.Context, queueID string, prNumber int) (*store.QueueEntry, error) {
	if !e.accepting.Load() {
		return nil, ErrStopped
	}
	queue, err := e.store.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	repository, err := e.store.GetRepository(ctx, queue.RepositoryID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockAdmission(repository.FullName)
	defer unlock()

	view, err := e.forge.GetPullRequest(ctx, repository.Owner, repository.Name, prNumber)
	if err != nil {
		return nil, fmt.Errorf("refreshing pr: %w", err)
	}
	if !view.IsOpen() {
		return nil, fmt.Errorf("pull request #%d is not open", prNumber)
	}
	if view.BaseBranch != queue.BaseBranch {
		return nil, fmt.Errorf("pull request #%d targets %s, queue serves %s",
			prNumber, view.BaseBranch, queue.BaseBranch)
	}

	pr, err := e.store.UpsertPullRequest(ctx, &store.PullRequest{
		RepositoryID: repository.ID,
		Number:       view.Number,
		Title:        view.Title,
		Author:       view.Author,
		BaseBranch:   view.BaseBranch,
		HeadBranch:   view.HeadBranch,
		HeadSHA:      view.HeadSHA,
		IsConflicted: view.IsConflicted,
		IsUpToDate:   view.IsUpToDate,
	})
	if err != nil {
		return nil, err
	}

	entry, created, err := e.store.AppendEntry(ctx, queue.ID, pr.ID)
	if err != nil {
		return nil, err
	}
	if created {
		e.publishEntry(events.TypeEntryAdded, queue.ID, entry, pr.Number, "")
		e.sampleQueueLength(ctx, queue.ID)
	}
	e.ensureDriver(queue.ID)
	e.wake(queue.ID)
	return entry, nil
}

// RemoveEntry is the administrative removal of a live entry.
func (e *Engine) RemoveEntry(ctx context.Context, entryID string) error {
	entry, err := e.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if !entry.Live() {
		return store.ErrNotFound
	}
	if entry.Status == store.EntryRunning {
		e.cancelEntry(entry.ID)
		return nil
	}

	finished, err := e.store.FinishEntry(ctx, entryID, store.EntryCancelled)
	if err != nil {
		return err
	}
	number := e.prNumber(ctx, finished.PullRequestID)
	e.publishEntry(events.TypeEntryRemoved, finished.QueueID, finished, number, "removed")
	e.sampleQueueLength(ctx, finished.QueueID)
	e.wake(finished.QueueID)
	return nil
}

// Reorder rewrites the waiting entries' order. ids must be a permutation of
// the waiting entries; the running entry stays pinned at the head.
func (e *Engine) Reorder(ctx context.Context, queueID string, ids []string) error {
	if err := e.store.Reorder(ctx, queueID, ids); err != nil {
		return err
	}
	if e.hub != nil {
		e.hub.Publish(events.TypeQueueReordered, events.ReorderPayload{
			QueueID:  queueID,
			EntryIDs: ids,
		})
	}
	return nil
}

// lockAdmission serializes admissions per repository.
func (e *Engine) lockAdmission(key string) func() {
	e.mu.Lock()
	m := e.admit[key]
	if m == nil {
		m = &sync.Mutex{}
		e.admit[key] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (e *Engine) registerCancel(entryID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[entryID] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterCancel(entryID string) {
	e.mu.Lock()
	delete(e.cancels, entryID)
	e.mu.Unlock()
}

func (e *Engine) cancelEntry(entryID string) {
	e.mu.Lock()
	cancel := e.cancels[entryID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) publishEntry(msgType, queueID string, entry *store.QueueEntry, prNumber int, detail string) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(msgType, events.EntryPayload{
		QueueID:  queueID,
		EntryID:  entry.ID,
		PRNumber: prNumber,
		Position: entry.Position,
		Status:   string(entry.Status),
		Detail:   detail,
	})
}

func (e *Engine) sampleQueueLength(ctx context.Context, queueID string) {
	n, err := e.store.CountLiveEntries(ctx, queueID)
	if err != nil {
		return
	}
	e.metrics.RecordQueueLength(queueID, n)
}

func (e *Engine) prNumber(ctx context.Context, prID string) int {
	pr, err := e.store.GetPullRequest(ctx, prID)
	if err != nil {
		return 0
	}
	return pr.Number
}
