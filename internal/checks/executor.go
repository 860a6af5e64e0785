package checks

import (
	"context"

	"git.home.luguber.info/inful/imq/internal/config"
)

// Executor runs one check of a particular kind. Implementations honour ctx
// for cancellation and must return a Result for every completed execution;
// an error means the check could not be executed at all.
type Executor interface {
	Execute(ctx context.Context, spec config.CheckSpec, target Target) (*Result, error)
}

// Registry maps check kinds onto their executors.
type Registry map[config.CheckKind]Executor

// NewRegistry wires the standard executors.
func NewRegistry(script *ScriptExecutor, workflow *WorkflowExecutor) Registry {
	return Registry{
		config.CheckKindScript:   script,
		config.CheckKindWorkflow: workflow,
	}
}
