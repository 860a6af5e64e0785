// Package checks runs the configured check set for a queue entry: one
// executor per check kind (forge workflow, local script), and an execution
// engine that fans the set out with bounded parallelism, dependency ordering,
// fail-fast cancellation and SHA-keyed memoization.
package checks

import (
	"errors"
	"time"

	"git.home.luguber.info/inful/imq/internal/store"
)

var (
	// ErrInvalidConfiguration reports a check set or kind config the
	// executors cannot act on.
	ErrInvalidConfiguration = errors.New("invalid check configuration")
	// ErrScriptNotFound reports a local-script path that does not exist.
	ErrScriptNotFound = errors.New("script not found")
	// ErrScriptNotExecutable reports a script without an execute bit.
	ErrScriptNotExecutable = errors.New("script not executable")
	// ErrPollingTimeout reports a workflow run that did not finish within
	// the poll budget.
	ErrPollingTimeout = errors.New("workflow polling timed out")
)

// Target identifies the PR a check set runs against.
type Target struct {
	Owner      string
	Repo       string
	Number     int
	HeadSHA    string
	BaseBranch string
	HeadBranch string
}

// Result is the outcome of one check execution.
type Result struct {
	CheckID     string            `json:"check_id"`
	Name        string            `json:"name"`
	Status      store.CheckStatus `json:"status"`
	Output      string            `json:"output,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Duration    time.Duration     `json:"duration"`
}

// ExecutionResult is the outcome of a whole check set for one head SHA.
type ExecutionResult struct {
	Results      []*Result `json:"results"`
	AllPassed    bool      `json:"all_passed"`
	FailedChecks []string  `json:"failed_checks,omitempty"`
	Cached       bool      `json:"cached,omitempty"`
}

// FirstFailure returns the first non-passed terminal result, or nil.
func (r *ExecutionResult) FirstFailure() *Result {
	for _, res := range r.Results {
		if res.Status != store.CheckPassed {
			return res
		}
	}
	return nil
}
