package checks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/forge"
	"git.home.luguber.info/inful/imq/internal/logfields"
	"git.home.luguber.info/inful/imq/internal/store"
)

const (
	// DefaultPollInterval is the initial workflow polling cadence; after
	// ten attempts it doubles.
	DefaultPollInterval = 10 * time.Second
	// DefaultMaxPollAttempts caps the number of polls per run.
	DefaultMaxPollAttempts = 60

	densePollAttempts = 10
)

// WorkflowGateway is the slice of the Forge gateway the executor needs.
type WorkflowGateway interface {
	TriggerWorkflow(ctx context.Context, owner, repo, workflow, ref string, inputs map[string]string) (*forge.WorkflowRun, error)
	GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (*forge.WorkflowRun, error)
	LocateWorkflowRun(ctx context.Context, owner, repo, workflow, ref string, since time.Time) (*forge.WorkflowRun, error)
}

// WorkflowExecutor triggers a Forge workflow and polls the resulting run to
// completion.
type WorkflowExecutor struct {
	gateway WorkflowGateway
	logger  *slog.Logger

	pollInterval time.Duration
	maxAttempts  int
}

// NewWorkflowExecutor builds a workflow executor with the default cadence.
func NewWorkflowExecutor(gateway WorkflowGateway, logger *slog.Logger) *WorkflowExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowExecutor{
		gateway:      gateway,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		maxAttempts:  DefaultMaxPollAttempts,
	}
}

// SetPollCadence overrides the polling interval and attempt cap (tests).
func (e *WorkflowExecutor) SetPollCadence(interval time.Duration, maxAttempts int) {
	if interval > 0 {
		e.pollInterval = interval
	}
	if maxAttempts > 0 {
		e.maxAttempts = maxAttempts
	}
}

// Execute dispatches the workflow on the PR head branch and polls until the
// run completes, the per-check deadline passes or the attempt cap is reached.
// The dispatch API returns no run id, so the first polls may work against a
// placeholder and keep trying to locate the real run.
func (e *WorkflowExecutor) Execute(ctx context.Context, spec config.CheckSpec, target Target) (*Result, error) {
	workflow := spec.KindConfig.Workflow
	if workflow == "" {
		return nil, fmt.Errorf("%w: check %q has no workflow", ErrInvalidConfiguration, spec.ID)
	}
	ref := spec.KindConfig.Ref
	if ref == "" {
		ref = target.HeadBranch
	}

	started := time.Now().UTC()
	run, err := e.gateway.TriggerWorkflow(ctx, target.Owner, target.Repo, workflow, ref, spec.KindConfig.Inputs)
	if err != nil {
		return e.resultForError(spec, started, err)
	}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if run.Located() && run.Completed() {
			return e.resultForRun(spec, started, run), nil
		}

		interval := e.pollInterval
		if attempt > densePollAttempts {
			interval = 2 * e.pollInterval
		}
		select {
		case <-ctx.Done():
			return e.resultForError(spec, started, ctx.Err())
		case <-time.After(interval):
		}

		if run.Located() {
			run, err = e.gateway.GetWorkflowRun(ctx, target.Owner, target.Repo, run.ID)
		} else {
			run, err = e.gateway.LocateWorkflowRun(ctx, target.Owner, target.Repo, workflow, ref, started)
		}
		if err != nil {
			return e.resultForError(spec, started, err)
		}
		e.logger.Debug("workflow poll",
			logfields.Check(spec.ID),
			logfields.Attempt(attempt),
			slog.Int64("run_id", run.ID),
			logfields.Status(run.Status))
	}

	return e.resultForError(spec, started, fmt.Errorf("%w: run %d after %d attempts", ErrPollingTimeout, run.ID, e.maxAttempts))
}

// resultForRun maps the run conclusion onto a check status.
func (e *WorkflowExecutor) resultForRun(spec config.CheckSpec, started time.Time, run *forge.WorkflowRun) *Result {
	completed := time.Now().UTC()
	result := &Result{
		CheckID:     spec.ID,
		Name:        spec.DisplayName(),
		Output:      fmt.Sprintf("workflow run %d: conclusion=%s", run.ID, run.Conclusion),
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
	}
	switch run.Conclusion {
	case "success", "neutral":
		result.Status = store.CheckPassed
	case "failure", "action_required":
		result.Status = store.CheckFailed
	case "cancelled", "skipped":
		result.Status = store.CheckCancelled
	case "timed_out":
		result.Status = store.CheckTimedOut
	default:
		result.Status = store.CheckFailed
	}
	return result
}

// resultForError maps execution-level failures: deadline and poll exhaustion
// become timed_out results, cancellation becomes cancelled; anything else
// surfaces as an error for the engine to classify.
func (e *WorkflowExecutor) resultForError(spec config.CheckSpec, started time.Time, err error) (*Result, error) {
	completed := time.Now().UTC()
	result := &Result{
		CheckID:     spec.ID,
		Name:        spec.DisplayName(),
		Output:      err.Error(),
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrPollingTimeout):
		result.Status = store.CheckTimedOut
		return result, nil
	case errors.Is(err, context.Canceled):
		result.Status = store.CheckCancelled
		return result, nil
	default:
		return nil, err
	}
}
