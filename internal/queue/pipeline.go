package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"git.home.luguber.info/inful/imq/internal/checks"
	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/events"
	"git.home.luguber.info/inful/imq/internal/forge"
	"git.home.luguber.info/inful/imq/internal/logfields"
	"git.home.luguber.info/inful/imq/internal/store"
)

// finalizeTimeout bounds the terminal writes (status, comment, broadcast)
// that must land even when the entry's own context is already cancelled.
const finalizeTimeout = 10 * time.Second

// processEntry runs one entry through the pipeline: refresh, checks, branch
// update, merge. Systemic errors surface to the driver with the entry kept in
// running state; everything else ends the entry in a terminal status.
func (e *Engine) processEntry(ctx context.Context, queueID string, entry *store.QueueEntry) error {
	entryCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerCancel(entry.ID, cancel)
	defer e.unregisterCancel(entry.ID)

	pr, err := e.store.GetPullRequest(ctx, entry.PullRequestID)
	if err != nil {
		return fmt.Errorf("loading pull request: %w", err)
	}
	repository, err := e.store.GetRepository(ctx, pr.RepositoryID)
	if err != nil {
		return fmt.Errorf("loading repository: %w", err)
	}
	logger := e.logger.With(
		logfields.QueueID(queueID),
		logfields.EntryID(entry.ID),
		logfields.PRNumber(pr.Number),
		logfields.Repository(repository.FullName))

	if entry.Status == store.EntryPending {
		entry, err = e.store.MarkEntryRunning(ctx, entry.ID)
		if err != nil {
			return fmt.Errorf("marking entry running: %w", err)
		}
		logger.Info("entry processing started", logfields.Stage("refresh"))
		e.publishEntry(events.TypeEntryProcessing, queueID, entry, pr.Number, "")
	} else {
		logger.Info("resuming interrupted entry")
	}
	start := time.Now()
	if entry.StartedAt != nil {
		start = *entry.StartedAt
	}
	sys := e.runtime.Get()

	// Stage: refresh the PR and re-validate admission.
	view, err := e.forge.GetPullRequest(entryCtx, repository.Owner, repository.Name, pr.Number)
	if err != nil {
		if systemicError(err) {
			return err
		}
		if entryCtx.Err() != nil {
			e.finishCancelled(queueID, entry, pr.Number, "cancelled", start)
			return nil
		}
		e.failEntry(queueID, entry, repository, pr.Number, sys.Templates.MergeFailed,
			fmt.Sprintf("Could not refresh the pull request: %v", err), start, logger)
		return nil
	}
	if !view.IsOpen() {
		reason := "pull request closed"
		if view.Merged {
			reason = "pull request already merged"
		}
		e.finishCancelled(queueID, entry, pr.Number, reason, start)
		return nil
	}
	if !view.HasLabel(sys.TriggerLabel) {
		e.finishCancelled(queueID, entry, pr.Number, "trigger label removed", start)
		return nil
	}
	pr, err = e.persistView(ctx, repository.ID, pr, view)
	if err != nil {
		return err
	}

	// Stage: checks.
	if !sys.Checks.Empty() {
		logger.Info("running checks",
			logfields.Stage("checks"),
			logfields.HeadSHA(view.HeadSHA))
		result, err := e.checks.Run(entryCtx, sys.Checks, checks.Target{
			Owner:      repository.Owner,
			Repo:       repository.Name,
			Number:     pr.Number,
			HeadSHA:    view.HeadSHA,
			BaseBranch: view.BaseBranch,
			HeadBranch: view.HeadBranch,
		})
		if err != nil {
			if systemicError(err) {
				return err
			}
			if entryCtx.Err() != nil {
				e.finishCancelled(queueID, entry, pr.Number, "cancelled during checks", start)
				return nil
			}
			e.failEntry(queueID, entry, repository, pr.Number, sys.Templates.ChecksFailed,
				fmt.Sprintf("Check execution error: %v", err), start, logger)
			return nil
		}
		e.persistCheckResults(entry.ID, sys.Checks, result)
		if entryCtx.Err() != nil {
			e.finishCancelled(queueID, entry, pr.Number, "cancelled during checks", start)
			return nil
		}
		if !result.AllPassed {
			e.failEntry(queueID, entry, repository, pr.Number, sys.Templates.ChecksFailed,
				checkFailureDetail(result), start, logger)
			return nil
		}
	}

	// Stage: bring the branch up to date with its base.
	if !view.IsUpToDate {
		logger.Info("updating branch", logfields.Stage("branch_update"))
		_, err := e.forge.UpdatePullRequestBranch(entryCtx, repository.Owner, repository.Name, pr.Number)
		if err != nil {
			if systemicError(err) {
				return err
			}
			if entryCtx.Err() != nil {
				e.finishCancelled(queueID, entry, pr.Number, "cancelled during branch update", start)
				return nil
			}
			e.failEntry(queueID, entry, repository, pr.Number, sys.Templates.UpdateFailed,
				fmt.Sprintf("Branch update failed: %v", err), start, logger)
			return nil
		}

		// The Forge applies the update asynchronously; settle, then
		// re-fetch for the authoritative head SHA.
		select {
		case <-entryCtx.Done():
			e.finishCancelled(queueID, entry, pr.Number, "cancelled during branch update", start)
			return nil
		case <-time.After(e.settleDelay):
		}
		view, err = e.forge.GetPullRequest(entryCtx, repository.Owner, repository.Name, pr.Number)
		if err != nil {
			if systemicError(err) {
				return err
			}
			if entryCtx.Err() != nil {
				e.finishCancelled(queueID, entry, pr.Number, "cancelled during branch update", start)
				return nil
			}
			e.failEntry(queueID, entry, repository, pr.Number, sys.Templates.UpdateFailed,
				fmt.Sprintf("Could not confirm the branch update: %v", err), start, logger)
			return nil
		}
		if view.IsConflicted {
			e.failEntry(queueID, entry, repository, pr.Number, sys.Templates.UpdateFailed,
				"The branch conflicts with its base and cannot be updated.", start, logger)
			return nil
		}
		pr, err = e.persistView(ctx, repository.ID, pr, view)
		if err != nil {
			return err
		}
	}

	// Stage: merge.
	logger.Info("merging", logfields.Stage("merge"), logfields.HeadSHA(view.HeadSHA))
	res, err := e.forge.MergePullRequest(entryCtx, repository.Owner, repository.Name, pr.Number,
		forge.MergeOptions{Method: string(sys.MergeMethod)})
	if err != nil {
		if systemicError(err) {
			return err
		}
		if mergeIndeterminate(entryCtx, err) {
			e.resolveMergeOutcome(queueID, entry, repository, pr, sys, start, logger)
			return nil
		}
		e.failEntry(queueID, entry, repository, pr.Number, sys.Templates.MergeFailed,
			fmt.Sprintf("Merge failed: %v", err), start, logger)
		return nil
	}
	if !res.Merged {
		e.failEntry(queueID, entry, repository, pr.Number, sys.Templates.MergeFailed,
			fmt.Sprintf("The Forge declined the merge: %s", res.Message), start, logger)
		return nil
	}

	e.finishCompleted(queueID, entry, repository, pr.Number, sys, start, logger)
	return nil
}

// mergeIndeterminate reports whether the merge attempt may have landed on the
// Forge even though the call failed: cancellation or a network failure after
// submission leaves the true state unknown.
func mergeIndeterminate(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var apiErr *forge.APIError
	if errors.As(err, &apiErr) && apiErr.Kind == forge.KindNetwork {
		return true
	}
	return false
}

// resolveMergeOutcome re-fetches the PR after an indeterminate merge attempt.
// Merged means the attempt landed and the entry completed; anything else ends
// the entry cancelled.
func (e *Engine) resolveMergeOutcome(queueID string, entry *store.QueueEntry, repository *store.Repository, pr *store.PullRequest, sys config.System, start time.Time, logger *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	view, err := e.forge.GetPullRequest(fctx, repository.Owner, repository.Name, pr.Number)
	if err != nil {
		logger.Warn("resolving merge outcome", logfields.Error(err))
		e.finishCancelled(queueID, entry, pr.Number, "merge outcome unknown", start)
		return
	}
	if view.Merged {
		e.finishCompleted(queueID, entry, repository, pr.Number, sys, start, logger)
		return
	}
	e.finishCancelled(queueID, entry, pr.Number, "merge aborted", start)
}

// finishCompleted ends the entry successfully.
func (e *Engine) finishCompleted(queueID string, entry *store.QueueEntry, repository *store.Repository, prNumber int, sys config.System, start time.Time, logger *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	finished, err := e.store.FinishEntry(fctx, entry.ID, store.EntryCompleted)
	if err != nil {
		logger.Warn("finishing completed entry", logfields.Error(err))
		return
	}
	if err := e.forge.PostComment(fctx, repository.Owner, repository.Name, prNumber, sys.Templates.Merged); err != nil {
		logger.Warn("posting merge comment", logfields.Error(err))
	}
	e.publishEntry(events.TypeEntryCompleted, queueID, finished, prNumber, "")
	e.metrics.RecordProcessing(queueID, string(store.EntryCompleted), time.Since(start))
	e.sampleQueueLength(fctx, queueID)
}

// failEntry ends the entry as failed with a user-visible PR comment.
func (e *Engine) failEntry(queueID string, entry *store.QueueEntry, repository *store.Repository, prNumber int, template, detail string, start time.Time, logger *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	finished, err := e.store.FinishEntry(fctx, entry.ID, store.EntryFailed)
	if err != nil {
		logger.Warn("finishing failed entry", logfields.Error(err))
		return
	}
	body := template
	if detail != "" {
		body += "\n\n" + detail
	}
	if err := e.forge.PostComment(fctx, repository.Owner, repository.Name, prNumber, body); err != nil {
		logger.Warn("posting failure comment", logfields.Error(err))
	}
	e.publishEntry(events.TypeEntryFailed, queueID, finished, prNumber, detail)
	e.metrics.RecordProcessing(queueID, string(store.EntryFailed), time.Since(start))
	e.sampleQueueLength(fctx, queueID)
}

// finishCancelled ends the entry as cancelled without a PR comment.
func (e *Engine) finishCancelled(queueID string, entry *store.QueueEntry, prNumber int, reason string, start time.Time) {
	fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	finished, err := e.store.FinishEntry(fctx, entry.ID, store.EntryCancelled)
	if err != nil {
		e.logger.Warn("finishing cancelled entry",
			logfields.EntryID(entry.ID), logfields.Error(err))
		return
	}
	e.publishEntry(events.TypeEntryCancelled, queueID, finished, prNumber, reason)
	e.metrics.RecordProcessing(queueID, string(store.EntryCancelled), time.Since(start))
	e.sampleQueueLength(fctx, queueID)
}

// persistView writes the refreshed PR fields back to the store.
func (e *Engine) persistView(ctx context.Context, repositoryID string, pr *store.PullRequest, view *forge.PullRequestView) (*store.PullRequest, error) {
	updated, err := e.store.UpsertPullRequest(ctx, &store.PullRequest{
		ID:           pr.ID,
		RepositoryID: repositoryID,
		Number:       view.Number,
		Title:        view.Title,
		Author:       view.Author,
		BaseBranch:   view.BaseBranch,
		HeadBranch:   view.HeadBranch,
		HeadSHA:      view.HeadSHA,
		IsConflicted: view.IsConflicted,
		IsUpToDate:   view.IsUpToDate,
		CreatedAt:    pr.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting refreshed pr: %w", err)
	}
	return updated, nil
}

// persistCheckResults records the outcome of every executed check. Check
// metrics are owned by the check engine's observer; recording them here too
// would double-count every fresh run.
func (e *Engine) persistCheckResults(entryID string, cfg config.CheckConfiguration, result *checks.ExecutionResult) {
	fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	specs := make(map[string]config.CheckSpec, len(cfg.Checks))
	for _, spec := range cfg.Checks {
		specs[spec.ID] = spec
	}
	fingerprint := cfg.Fingerprint()

	for _, res := range result.Results {
		spec := specs[res.CheckID]
		kindConfig, _ := json.Marshal(spec.KindConfig)
		completed := res.CompletedAt
		rec := &store.CheckRecord{
			EntryID:       entryID,
			Name:          res.Name,
			Kind:          string(spec.Kind),
			KindConfig:    string(kindConfig),
			Status:        res.Status,
			Configuration: fingerprint,
			CompletedAt:   &completed,
			Output:        res.Output,
		}
		// A zero StartedAt means the check never ran (cancelled before start).
		if !res.StartedAt.IsZero() {
			started := res.StartedAt
			rec.StartedAt = &started
		}
		if _, err := e.store.InsertCheck(fctx, rec); err != nil {
			e.logger.Warn("persisting check result",
				logfields.Check(res.Name), logfields.Error(err))
		}
	}
}

// checkFailureDetail renders the failed-check summary for the PR comment.
func checkFailureDetail(result *checks.ExecutionResult) string {
	var b strings.Builder
	b.WriteString("Failed checks: ")
	b.WriteString(strings.Join(result.FailedChecks, ", "))
	if first := result.FirstFailure(); first != nil && first.Output != "" {
		output := strings.TrimSpace(first.Output)
		if len(output) > 1000 {
			output = output[:1000] + "\n[truncated]"
		}
		b.WriteString("\n\n```\n")
		b.WriteString(output)
		b.WriteString("\n```")
	}
	return b.String()
}
