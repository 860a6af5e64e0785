package checks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/forge"
	"git.home.luguber.info/inful/imq/internal/store"
)

// fakeWorkflowGateway simulates a dispatched run that is located after a few
// polls and completes after a few more.
type fakeWorkflowGateway struct {
	mu            sync.Mutex
	triggered     int
	locateCalls   int
	pollCalls     int
	locateAfter   int
	completeAfter int
	conclusion    string
}

func (f *fakeWorkflowGateway) TriggerWorkflow(_ context.Context, _, _, _, _ string, _ map[string]string) (*forge.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered++
	if f.locateAfter == 0 {
		return &forge.WorkflowRun{ID: 7, Status: "queued"}, nil
	}
	return &forge.WorkflowRun{Status: "queued"}, nil
}

func (f *fakeWorkflowGateway) LocateWorkflowRun(_ context.Context, _, _, _, _ string, _ time.Time) (*forge.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locateCalls++
	if f.locateCalls < f.locateAfter {
		return &forge.WorkflowRun{Status: "queued"}, nil
	}
	return &forge.WorkflowRun{ID: 7, Status: "in_progress"}, nil
}

func (f *fakeWorkflowGateway) GetWorkflowRun(_ context.Context, _, _ string, runID int64) (*forge.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	if f.pollCalls < f.completeAfter {
		return &forge.WorkflowRun{ID: runID, Status: "in_progress"}, nil
	}
	return &forge.WorkflowRun{ID: runID, Status: "completed", Conclusion: f.conclusion}, nil
}

func workflowSpec() config.CheckSpec {
	return config.CheckSpec{
		ID:         "ci",
		Kind:       config.CheckKindWorkflow,
		KindConfig: config.KindConfig{Workflow: "ci.yml"},
	}
}

func newTestWorkflowExecutor(gw WorkflowGateway) *WorkflowExecutor {
	exec := NewWorkflowExecutor(gw, nil)
	exec.SetPollCadence(time.Millisecond, 20)
	return exec
}

func TestWorkflowExecutorSuccess(t *testing.T) {
	gw := &fakeWorkflowGateway{completeAfter: 3, conclusion: "success"}
	exec := newTestWorkflowExecutor(gw)

	res, err := exec.Execute(t.Context(), workflowSpec(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, store.CheckPassed, res.Status)
	assert.Contains(t, res.Output, "conclusion=success")
	assert.Equal(t, 1, gw.triggered)
}

func TestWorkflowExecutorConclusionMapping(t *testing.T) {
	cases := []struct {
		conclusion string
		want       store.CheckStatus
	}{
		{"success", store.CheckPassed},
		{"neutral", store.CheckPassed},
		{"failure", store.CheckFailed},
		{"action_required", store.CheckFailed},
		{"cancelled", store.CheckCancelled},
		{"skipped", store.CheckCancelled},
		{"timed_out", store.CheckTimedOut},
		{"mystery", store.CheckFailed},
	}
	for _, tc := range cases {
		t.Run(tc.conclusion, func(t *testing.T) {
			gw := &fakeWorkflowGateway{completeAfter: 1, conclusion: tc.conclusion}
			exec := newTestWorkflowExecutor(gw)

			res, err := exec.Execute(t.Context(), workflowSpec(), testTarget)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Status)
			assert.Contains(t, res.Output, tc.conclusion)
		})
	}
}

func TestWorkflowExecutorLocatesPlaceholderRun(t *testing.T) {
	gw := &fakeWorkflowGateway{locateAfter: 3, completeAfter: 2, conclusion: "success"}
	exec := newTestWorkflowExecutor(gw)

	res, err := exec.Execute(t.Context(), workflowSpec(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, store.CheckPassed, res.Status)
	assert.GreaterOrEqual(t, gw.locateCalls, 3)
}

func TestWorkflowExecutorPollBudgetExhausted(t *testing.T) {
	gw := &fakeWorkflowGateway{completeAfter: 1000, conclusion: "success"}
	exec := NewWorkflowExecutor(gw, nil)
	exec.SetPollCadence(time.Millisecond, 5)

	res, err := exec.Execute(t.Context(), workflowSpec(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, store.CheckTimedOut, res.Status)
	assert.Contains(t, res.Output, "polling timed out")
}

func TestWorkflowExecutorCancellation(t *testing.T) {
	gw := &fakeWorkflowGateway{completeAfter: 1000, conclusion: "success"}
	exec := NewWorkflowExecutor(gw, nil)
	exec.SetPollCadence(50*time.Millisecond, 100)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := exec.Execute(ctx, workflowSpec(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, store.CheckCancelled, res.Status)
}

func TestWorkflowExecutorMissingWorkflow(t *testing.T) {
	exec := newTestWorkflowExecutor(&fakeWorkflowGateway{})
	spec := workflowSpec()
	spec.KindConfig.Workflow = ""
	_, err := exec.Execute(t.Context(), spec, testTarget)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}
