package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"git.home.luguber.info/inful/imq/internal/logfields"
)

const (
	// dispatchGrace is how long the gateway waits after a workflow dispatch
	// before trying to locate the new run.
	dispatchGrace = 5 * time.Second
	// dispatchWindow bounds how old a run may be to count as ours.
	dispatchWindow = 2 * time.Minute
)

// Gateway exposes the domain-level Forge operations the queue pipeline needs.
type Gateway struct {
	client *Client
	logger *slog.Logger

	// grace is overridable for tests.
	grace time.Duration
}

// NewGateway wraps a Forge client.
func NewGateway(client *Client, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{client: client, logger: logger, grace: dispatchGrace}
}

// Client returns the underlying Forge client (rate-limit snapshots).
func (g *Gateway) Client() *Client { return g.client }

// GetPullRequest fetches a PR using a conditional GET.
func (g *Gateway) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequestView, error) {
	res, err := g.client.Do(ctx, Endpoint{
		Method:  http.MethodGet,
		Path:    "/repos/%s/%s/pulls/%d",
		Args:    []any{owner, repo, number},
		UseETag: true,
	})
	if err != nil {
		return nil, gatewayErr("get_pull_request", err)
	}
	var wire wirePullRequest
	if err := decodeJSON(res.Body, &wire); err != nil {
		return nil, gatewayErr("get_pull_request", err)
	}
	return wire.toView(), nil
}

// UpdatePullRequestBranch asks the Forge to bring the PR branch up to date
// with its base. The Forge answers 202 and applies the update asynchronously;
// callers must re-fetch the PR afterwards.
func (g *Gateway) UpdatePullRequestBranch(ctx context.Context, owner, repo string, number int) (*BranchUpdate, error) {
	res, err := g.client.Do(ctx, Endpoint{
		Method: http.MethodPut,
		Path:   "/repos/%s/%s/pulls/%d/update-branch",
		Args:   []any{owner, repo, number},
		Body:   struct{}{},
	})
	if err != nil {
		return nil, gatewayErr("update_branch", err)
	}
	var wire wireBranchUpdate
	if err := decodeJSON(res.Body, &wire); err != nil {
		return nil, gatewayErr("update_branch", err)
	}
	return &BranchUpdate{Message: wire.Message, URL: wire.URL}, nil
}

// CompareCommits compares base...head.
func (g *Gateway) CompareCommits(ctx context.Context, owner, repo, base, head string) (*Comparison, error) {
	res, err := g.client.Do(ctx, Endpoint{
		Method: http.MethodGet,
		Path:   "/repos/%s/%s/compare/%s...%s",
		Args:   []any{owner, repo, base, head},
	})
	if err != nil {
		return nil, gatewayErr("compare_commits", err)
	}
	var wire wireComparison
	if err := decodeJSON(res.Body, &wire); err != nil {
		return nil, gatewayErr("compare_commits", err)
	}
	return &Comparison{AheadBy: wire.AheadBy, BehindBy: wire.BehindBy, Status: wire.Status}, nil
}

// TriggerWorkflow dispatches a workflow on ref and tries to locate the run it
// started. The dispatch endpoint returns no run id, so after a short grace
// period the gateway lists recent workflow_dispatch runs for the ref and picks
// the newest within the dispatch window. Callers must tolerate a placeholder
// run (id 0) and keep polling; the locator is best-effort.
func (g *Gateway) TriggerWorkflow(ctx context.Context, owner, repo, workflow, ref string, inputs map[string]string) (*WorkflowRun, error) {
	dispatchedAt := time.Now()

	body := map[string]any{"ref": ref}
	if len(inputs) > 0 {
		body["inputs"] = inputs
	}
	_, err := g.client.Do(ctx, Endpoint{
		Method: http.MethodPost,
		Path:   "/repos/%s/%s/actions/workflows/%s/dispatches",
		Args:   []any{owner, repo, workflow},
		Body:   body,
	})
	if err != nil {
		return nil, gatewayErr("trigger_workflow", err)
	}

	select {
	case <-ctx.Done():
		return nil, gatewayErr("trigger_workflow", ctx.Err())
	case <-time.After(g.grace):
	}

	run, err := g.LocateWorkflowRun(ctx, owner, repo, workflow, ref, dispatchedAt)
	if err != nil {
		return nil, err
	}
	if !run.Located() {
		g.logger.Debug("workflow run not located yet",
			logfields.Repository(owner+"/"+repo),
			slog.String("workflow", workflow),
			logfields.Branch(ref))
	}
	return run, nil
}

// LocateWorkflowRun finds the newest dispatch run for (workflow, ref) created
// within the dispatch window around since. Returns a placeholder run when
// nothing matches yet; the workflow executor keeps calling until one appears
// or its poll budget runs out.
func (g *Gateway) LocateWorkflowRun(ctx context.Context, owner, repo, workflow, ref string, since time.Time) (*WorkflowRun, error) {
	res, err := g.client.Do(ctx, Endpoint{
		Method: http.MethodGet,
		Path:   "/repos/%s/%s/actions/workflows/%s/runs?event=workflow_dispatch&branch=%s&per_page=10",
		Args:   []any{owner, repo, workflow, ref},
	})
	if err != nil {
		return nil, gatewayErr("locate_workflow_run", err)
	}
	var wire wireWorkflowRunList
	if err := decodeJSON(res.Body, &wire); err != nil {
		return nil, gatewayErr("locate_workflow_run", err)
	}

	cutoff := since.Add(-dispatchWindow)
	var newest *wireWorkflowRun
	for i := range wire.WorkflowRuns {
		run := &wire.WorkflowRuns[i]
		if run.CreatedAt.Before(cutoff) {
			continue
		}
		if newest == nil || run.CreatedAt.After(newest.CreatedAt) {
			newest = run
		}
	}
	if newest == nil {
		return &WorkflowRun{Status: "queued"}, nil
	}
	return newest.toRun(), nil
}

// GetWorkflowRun fetches the current state of a run.
func (g *Gateway) GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (*WorkflowRun, error) {
	res, err := g.client.Do(ctx, Endpoint{
		Method: http.MethodGet,
		Path:   "/repos/%s/%s/actions/runs/%d",
		Args:   []any{owner, repo, runID},
	})
	if err != nil {
		return nil, gatewayErr("get_workflow_run", err)
	}
	var wire wireWorkflowRun
	if err := decodeJSON(res.Body, &wire); err != nil {
		return nil, gatewayErr("get_workflow_run", err)
	}
	return wire.toRun(), nil
}

// PostComment adds a comment to the PR conversation.
func (g *Gateway) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, err := g.client.Do(ctx, Endpoint{
		Method: http.MethodPost,
		Path:   "/repos/%s/%s/issues/%d/comments",
		Args:   []any{owner, repo, number},
		Body:   map[string]string{"body": body},
	})
	return gatewayErr("post_comment", err)
}

// MergePullRequest merges the PR with the given options.
func (g *Gateway) MergePullRequest(ctx context.Context, owner, repo string, number int, opts MergeOptions) (*MergeResult, error) {
	if opts.Method == "" {
		opts.Method = "squash"
	}
	body := map[string]string{"merge_method": opts.Method}
	if opts.CommitTitle != "" {
		body["commit_title"] = opts.CommitTitle
	}
	if opts.CommitMessage != "" {
		body["commit_message"] = opts.CommitMessage
	}

	res, err := g.client.Do(ctx, Endpoint{
		Method: http.MethodPut,
		Path:   "/repos/%s/%s/pulls/%d/merge",
		Args:   []any{owner, repo, number},
		Body:   body,
	})
	if err != nil {
		return nil, gatewayErr("merge_pull_request", err)
	}
	var wire wireMergeResult
	if err := decodeJSON(res.Body, &wire); err != nil {
		return nil, gatewayErr("merge_pull_request", err)
	}
	return &MergeResult{SHA: wire.SHA, Merged: wire.Merged, Message: wire.Message}, nil
}

// Ping asks the Forge for the current rate limit; used by health probes.
// The endpoint is free: it does not count against the core limit.
func (g *Gateway) Ping(ctx context.Context) (*RateLimit, error) {
	res, err := g.client.Do(ctx, Endpoint{Method: http.MethodGet, Path: "/rate_limit"})
	if err != nil {
		return nil, gatewayErr("ping", err)
	}
	var wire wireRateLimit
	if err := decodeJSON(res.Body, &wire); err != nil {
		return nil, gatewayErr("ping", err)
	}
	return &RateLimit{
		Remaining: wire.Resources.Core.Remaining,
		Reset:     time.Unix(wire.Resources.Core.Reset, 0),
		Known:     true,
	}, nil
}

// RepoEvents fetches the repository events feed for the poller. The returned
// raw body is parsed by the ingress layer; NotModified reports an unchanged
// feed.
func (g *Gateway) RepoEvents(ctx context.Context, owner, repo string, perPage int) (*Response, error) {
	if perPage <= 0 {
		perPage = 30
	}
	res, err := g.client.Do(ctx, Endpoint{
		Method:  http.MethodGet,
		Path:    "/repos/%s/%s/events?per_page=%d",
		Args:    []any{owner, repo, perPage},
		UseETag: true,
	})
	if err != nil {
		return nil, gatewayErr("repo_events", err)
	}
	return res, nil
}

// SeedRepoEventsETag primes the conditional cache for a repository's events
// feed from a persisted cursor, so the first poll after a restart can still
// come back 304.
func (g *Gateway) SeedRepoEventsETag(owner, repo string, perPage int, etag string) {
	if perPage <= 0 {
		perPage = 30
	}
	g.client.SeedETag(fmt.Sprintf("/repos/%s/%s/events?per_page=%d", owner, repo, perPage), etag)
}

// SetLocateGrace overrides the dispatch grace period (tests).
func (g *Gateway) SetLocateGrace(d time.Duration) { g.grace = d }
