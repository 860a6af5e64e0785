package checks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/logfields"
	"git.home.luguber.info/inful/imq/internal/store"
)

// terminationGrace is how long a timed-out script gets between SIGTERM and
// the forcible kill.
const terminationGrace = 2 * time.Second

// WorkspaceProvider checks out a repository at a commit and hands back the
// working directory. Cleanup removes the checkout.
type WorkspaceProvider interface {
	Checkout(ctx context.Context, owner, repo, sha string) (dir string, cleanup func(), err error)
}

// ScriptExecutor runs local-script checks as child processes with captured
// output and a hard timeout.
type ScriptExecutor struct {
	workspaces WorkspaceProvider
	logger     *slog.Logger
}

// NewScriptExecutor builds a script executor. workspaces may be nil, in which
// case checks requesting a checkout fail with ErrInvalidConfiguration.
func NewScriptExecutor(workspaces WorkspaceProvider, logger *slog.Logger) *ScriptExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptExecutor{workspaces: workspaces, logger: logger}
}

// Execute validates and runs the configured script. Exit code 0 maps to
// passed, any other exit to failed; exceeding the deadline maps to timed_out
// after SIGTERM and a short grace.
func (e *ScriptExecutor) Execute(ctx context.Context, spec config.CheckSpec, target Target) (*Result, error) {
	script := spec.KindConfig.Script
	if script == "" {
		return nil, fmt.Errorf("%w: check %q has no script", ErrInvalidConfiguration, spec.ID)
	}

	info, err := os.Stat(script)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, script)
		}
		return nil, fmt.Errorf("inspecting script %s: %w", script, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotExecutable, script)
	}

	dir := ""
	if spec.KindConfig.Checkout {
		if e.workspaces == nil {
			return nil, fmt.Errorf("%w: check %q requests a checkout but no workspace provider is configured", ErrInvalidConfiguration, spec.ID)
		}
		var cleanup func()
		dir, cleanup, err = e.workspaces.Checkout(ctx, target.Owner, target.Repo, target.HeadSHA)
		if err != nil {
			return nil, fmt.Errorf("checking out %s/%s@%s: %w", target.Owner, target.Repo, target.HeadSHA, err)
		}
		defer cleanup()
	}

	cmd := exec.CommandContext(ctx, script, spec.KindConfig.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"IMQ_PR_NUMBER="+strconv.Itoa(target.Number),
		"IMQ_PR_SHA="+target.HeadSHA,
		"IMQ_PR_BASE_BRANCH="+target.BaseBranch,
		"IMQ_PR_HEAD_BRANCH="+target.HeadBranch,
		"IMQ_REPO_OWNER="+target.Owner,
		"IMQ_REPO_NAME="+target.Repo,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Polite termination first; the kill follows after the grace window.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = terminationGrace

	started := time.Now().UTC()
	runErr := cmd.Run()
	completed := time.Now().UTC()

	result := &Result{
		CheckID:     spec.ID,
		Name:        spec.DisplayName(),
		Output:      combineOutput(stdout.String(), stderr.String()),
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
	}

	switch {
	case runErr == nil:
		result.Status = store.CheckPassed
	case ctx.Err() == context.DeadlineExceeded:
		result.Status = store.CheckTimedOut
		result.Output = appendLine(result.Output, "script terminated: timeout exceeded")
	case ctx.Err() == context.Canceled:
		result.Status = store.CheckCancelled
	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("executing script %s: %w", script, runErr)
		}
		result.Status = store.CheckFailed
		result.Output = appendLine(result.Output, fmt.Sprintf("exit code %d", exitErr.ExitCode()))
	}

	e.logger.Debug("script check finished",
		logfields.Check(spec.ID),
		logfields.Status(string(result.Status)),
		logfields.DurationMS(float64(result.Duration.Milliseconds())))
	return result, nil
}

func combineOutput(stdout, stderr string) string {
	stdout = strings.TrimSpace(stdout)
	stderr = strings.TrimSpace(stderr)
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}

func appendLine(out, line string) string {
	if out == "" {
		return line
	}
	return out + "\n" + line
}
