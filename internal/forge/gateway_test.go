package forge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSHA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func testGateway(t *testing.T, handler http.Handler) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "ghp_t", ClientOptions{BaseDelay: time.Millisecond}, nil, nil)
	gw := NewGateway(client, nil)
	gw.SetLocateGrace(0)
	return gw
}

func prJSON() string {
	return `{
		"number": 42,
		"title": "Add widget",
		"state": "open",
		"merged": false,
		"user": {"login": "octocat"},
		"base": {"ref": "main", "sha": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"},
		"head": {"ref": "feature/widget", "sha": "` + testSHA + `"},
		"labels": [{"name": "merge-queue"}, {"name": "enhancement"}],
		"mergeable_state": "clean"
	}`
}

func TestGetPullRequest(t *testing.T) {
	gw := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/widgets/pulls/42", r.URL.Path)
		w.Write([]byte(prJSON()))
	}))

	pr, err := gw.GetPullRequest(t.Context(), "acme", "widgets", 42)
	require.NoError(t, err)
	require.Equal(t, 42, pr.Number)
	require.Equal(t, "octocat", pr.Author)
	require.Equal(t, "main", pr.BaseBranch)
	require.Equal(t, testSHA, pr.HeadSHA)
	require.True(t, pr.HasLabel("merge-queue"))
	require.False(t, pr.IsConflicted)
	require.True(t, pr.IsUpToDate)
	require.True(t, pr.IsOpen())
}

func TestGetPullRequestConflictMapping(t *testing.T) {
	gw := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire map[string]any
		require.NoError(t, json.Unmarshal([]byte(prJSON()), &wire))
		wire["mergeable_state"] = "dirty"
		json.NewEncoder(w).Encode(wire)
	}))

	pr, err := gw.GetPullRequest(t.Context(), "acme", "widgets", 42)
	require.NoError(t, err)
	require.True(t, pr.IsConflicted)
}

func TestUpdatePullRequestBranch(t *testing.T) {
	gw := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/repos/acme/widgets/pulls/42/update-branch", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"message":"Updating pull request branch.","url":"https://example.test"}`))
	}))

	upd, err := gw.UpdatePullRequestBranch(t.Context(), "acme", "widgets", 42)
	require.NoError(t, err)
	require.Equal(t, "Updating pull request branch.", upd.Message)
}

func TestCompareCommits(t *testing.T) {
	gw := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/widgets/compare/main...feature", r.URL.Path)
		w.Write([]byte(`{"ahead_by":3,"behind_by":1,"status":"diverged"}`))
	}))

	cmp, err := gw.CompareCommits(t.Context(), "acme", "widgets", "main", "feature")
	require.NoError(t, err)
	require.Equal(t, 3, cmp.AheadBy)
	require.Equal(t, 1, cmp.BehindBy)
	require.Equal(t, "diverged", cmp.Status)
}

func TestTriggerWorkflowLocatesNewestRun(t *testing.T) {
	now := time.Now().UTC()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/widgets/actions/workflows/ci.yml/dispatches", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "feature/widget", body["ref"])
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /repos/acme/widgets/actions/workflows/ci.yml/runs", func(w http.ResponseWriter, r *http.Request) {
		runs := map[string]any{"workflow_runs": []map[string]any{
			{"id": 100, "status": "completed", "conclusion": "success", "created_at": now.Add(-time.Hour)},
			{"id": 200, "status": "queued", "created_at": now.Add(-time.Second)},
		}}
		json.NewEncoder(w).Encode(runs)
	})

	gw := testGateway(t, mux)
	run, err := gw.TriggerWorkflow(t.Context(), "acme", "widgets", "ci.yml", "feature/widget", map[string]string{"pr": "42"})
	require.NoError(t, err)
	require.EqualValues(t, 200, run.ID)
	require.True(t, run.Located())
	require.False(t, run.Completed())
}

func TestTriggerWorkflowToleratesMissingRun(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/widgets/actions/workflows/ci.yml/dispatches", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /repos/acme/widgets/actions/workflows/ci.yml/runs", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"workflow_runs":[]}`))
	})

	gw := testGateway(t, mux)
	run, err := gw.TriggerWorkflow(t.Context(), "acme", "widgets", "ci.yml", "main", nil)
	require.NoError(t, err)
	require.False(t, run.Located())
	require.Equal(t, "queued", run.Status)
}

func TestGetWorkflowRun(t *testing.T) {
	gw := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/widgets/actions/runs/200", r.URL.Path)
		w.Write([]byte(`{"id":200,"status":"completed","conclusion":"success"}`))
	}))

	run, err := gw.GetWorkflowRun(t.Context(), "acme", "widgets", 200)
	require.NoError(t, err)
	require.True(t, run.Completed())
	require.Equal(t, "success", run.Conclusion)
}

func TestPostComment(t *testing.T) {
	var gotBody string
	gw := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/widgets/issues/42/comments", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotBody = body["body"]
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":1}`))
	}))

	require.NoError(t, gw.PostComment(t.Context(), "acme", "widgets", 42, "✅ Successfully merged via IMQ!"))
	require.Equal(t, "✅ Successfully merged via IMQ!", gotBody)
}

func TestMergePullRequest(t *testing.T) {
	gw := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "squash", body["merge_method"])
		w.Write([]byte(`{"sha":"` + testSHA + `","merged":true,"message":"Pull Request successfully merged"}`))
	}))

	res, err := gw.MergePullRequest(t.Context(), "acme", "widgets", 42, MergeOptions{})
	require.NoError(t, err)
	require.True(t, res.Merged)
	require.Equal(t, testSHA, res.SHA)
}

func TestMergeConflictSurfacesTyped(t *testing.T) {
	gw := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"message":"Pull Request is not mergeable"}`))
	}))

	_, err := gw.MergePullRequest(t.Context(), "acme", "widgets", 42, MergeOptions{Method: "merge"})
	require.Error(t, err)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, "merge_pull_request", gwErr.Op)
}

func TestPing(t *testing.T) {
	gw := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rate_limit", r.URL.Path)
		w.Write([]byte(`{"resources":{"core":{"limit":5000,"remaining":4321,"reset":1700000000}}}`))
	}))

	rl, err := gw.Ping(t.Context())
	require.NoError(t, err)
	require.Equal(t, 4321, rl.Remaining)
	require.True(t, rl.Known)
}
