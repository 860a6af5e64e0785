package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func workflowCheck(id string, deps ...string) CheckSpec {
	return CheckSpec{
		ID:         id,
		Kind:       CheckKindWorkflow,
		KindConfig: KindConfig{Workflow: "ci.yml"},
		DependsOn:  deps,
	}
}

func TestCheckConfigurationValidate(t *testing.T) {
	cfg := CheckConfiguration{
		Checks: []CheckSpec{
			workflowCheck("build"),
			workflowCheck("test", "build"),
			{ID: "lint", Kind: CheckKindScript, KindConfig: KindConfig{Script: "./lint.sh"}},
		},
		FailFast: true,
	}
	require.NoError(t, cfg.Validate())
}

func TestCheckConfigurationRejectsDuplicates(t *testing.T) {
	cfg := CheckConfiguration{Checks: []CheckSpec{workflowCheck("a"), workflowCheck("a")}}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate check id")
}

func TestCheckConfigurationRejectsUnknownDependency(t *testing.T) {
	cfg := CheckConfiguration{Checks: []CheckSpec{workflowCheck("a", "ghost")}}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown check")
}

func TestCheckConfigurationRejectsCycle(t *testing.T) {
	cfg := CheckConfiguration{
		Checks: []CheckSpec{
			workflowCheck("a", "c"),
			workflowCheck("b", "a"),
			workflowCheck("c", "b"),
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func TestCheckConfigurationRejectsMissingKindConfig(t *testing.T) {
	for _, chk := range []CheckSpec{
		{ID: "w", Kind: CheckKindWorkflow},
		{ID: "s", Kind: CheckKindScript},
		{ID: "x", Kind: "container"},
	} {
		cfg := CheckConfiguration{Checks: []CheckSpec{chk}}
		if err := cfg.Validate(); err == nil {
			t.Errorf("check %q accepted without usable kind config", chk.ID)
		}
	}
}

func TestCheckSpecTimeout(t *testing.T) {
	require.Equal(t, DefaultCheckTimeout, CheckSpec{}.Timeout())
	require.Equal(t, 30*time.Second, CheckSpec{TimeoutSeconds: 30}.Timeout())
}

func TestFingerprintChangesWithConfiguration(t *testing.T) {
	a := CheckConfiguration{Checks: []CheckSpec{workflowCheck("build")}}
	b := CheckConfiguration{Checks: []CheckSpec{workflowCheck("build")}, FailFast: true}

	require.Equal(t, a.Fingerprint(), a.Fingerprint())
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestLoadCheckFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checks.yaml")
	content := `
fail_fast: true
max_concurrent: 3
checks:
  - id: ci
    kind: forge_workflow
    kind_config:
      workflow: ci.yml
    timeout_seconds: 120
  - id: smoke
    kind: local_script
    kind_config:
      script: ./scripts/smoke.sh
      args: ["--fast"]
    depends_on: [ci]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadCheckFile(path)
	require.NoError(t, err)
	require.True(t, cfg.FailFast)
	require.EqualValues(t, 3, cfg.Concurrency())
	require.Len(t, cfg.Checks, 2)
	require.Equal(t, 120*time.Second, cfg.Checks[0].Timeout())
	require.Equal(t, []string{"ci"}, cfg.Checks[1].DependsOn)
}

func TestLoadCheckFileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checks:\n  - id: a\n    kind: nope\n"), 0o644))

	_, err := LoadCheckFile(path)
	require.Error(t, err)
}
