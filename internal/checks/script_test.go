package checks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/store"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "check.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func scriptCheck(path string) config.CheckSpec {
	return config.CheckSpec{
		ID:         "script",
		Kind:       config.CheckKindScript,
		KindConfig: config.KindConfig{Script: path},
	}
}

var testTarget = Target{
	Owner:      "acme",
	Repo:       "widgets",
	Number:     42,
	HeadSHA:    sha("ab"),
	BaseBranch: "main",
	HeadBranch: "feature",
}

func TestScriptExecutorPassed(t *testing.T) {
	path := writeScript(t, `echo "hello from $IMQ_REPO_OWNER/$IMQ_REPO_NAME #$IMQ_PR_NUMBER"`)
	exec := NewScriptExecutor(nil, nil)

	res, err := exec.Execute(t.Context(), scriptCheck(path), testTarget)
	require.NoError(t, err)
	assert.Equal(t, store.CheckPassed, res.Status)
	assert.Equal(t, "hello from acme/widgets #42", res.Output)
	assert.False(t, res.CompletedAt.Before(res.StartedAt))
}

func TestScriptExecutorEnvironmentOverlay(t *testing.T) {
	path := writeScript(t, `echo "$IMQ_PR_SHA $IMQ_PR_BASE_BRANCH $IMQ_PR_HEAD_BRANCH"`)
	exec := NewScriptExecutor(nil, nil)

	res, err := exec.Execute(t.Context(), scriptCheck(path), testTarget)
	require.NoError(t, err)
	assert.Equal(t, testTarget.HeadSHA+" main feature", res.Output)
}

func TestScriptExecutorFailed(t *testing.T) {
	path := writeScript(t, `echo broken >&2; exit 3`)
	exec := NewScriptExecutor(nil, nil)

	res, err := exec.Execute(t.Context(), scriptCheck(path), testTarget)
	require.NoError(t, err)
	assert.Equal(t, store.CheckFailed, res.Status)
	assert.Contains(t, res.Output, "broken")
	assert.Contains(t, res.Output, "exit code 3")
}

func TestScriptExecutorNotFound(t *testing.T) {
	exec := NewScriptExecutor(nil, nil)
	_, err := exec.Execute(t.Context(), scriptCheck("/does/not/exist.sh"), testTarget)
	require.ErrorIs(t, err, ErrScriptNotFound)
}

func TestScriptExecutorNotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\ntrue\n"), 0o644))

	exec := NewScriptExecutor(nil, nil)
	_, err := exec.Execute(t.Context(), scriptCheck(path), testTarget)
	require.ErrorIs(t, err, ErrScriptNotExecutable)
}

func TestScriptExecutorTimeout(t *testing.T) {
	path := writeScript(t, `sleep 30`)
	exec := NewScriptExecutor(nil, nil)

	spec := scriptCheck(path)
	spec.TimeoutSeconds = 1

	ctx, cancel := context.WithTimeout(t.Context(), spec.Timeout())
	defer cancel()

	res, err := exec.Execute(ctx, spec, testTarget)
	require.NoError(t, err)
	assert.Equal(t, store.CheckTimedOut, res.Status)
	assert.Contains(t, res.Output, "timeout exceeded")
}

func TestScriptExecutorCheckoutWithoutProvider(t *testing.T) {
	path := writeScript(t, `true`)
	exec := NewScriptExecutor(nil, nil)

	spec := scriptCheck(path)
	spec.KindConfig.Checkout = true

	_, err := exec.Execute(t.Context(), spec, testTarget)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}
