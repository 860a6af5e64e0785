package forge

import "time"

// PullRequestView is the gateway's normalized picture of a PR.
type PullRequestView struct {
	Number       int
	Title        string
	Author       string
	State        string
	Merged       bool
	Draft        bool
	BaseBranch   string
	HeadBranch   string
	HeadSHA      string
	IsConflicted bool
	IsUpToDate   bool
	Labels       []string
	UpdatedAt    time.Time
	CreatedAt    time.Time
}

// HasLabel reports whether the PR carries the given label.
func (v *PullRequestView) HasLabel(label string) bool {
	for _, l := range v.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsOpen reports whether the PR is still open on the Forge.
func (v *PullRequestView) IsOpen() bool { return v.State == "open" && !v.Merged }

// BranchUpdate is the Forge's answer to an update-branch request. The Forge
// applies the update asynchronously; callers must re-fetch the PR for the
// authoritative head SHA.
type BranchUpdate struct {
	Message string
	URL     string
}

// Comparison summarizes base...head.
type Comparison struct {
	AheadBy  int
	BehindBy int
	Status   string
}

// WorkflowRun is the state of one workflow run. A zero ID is a placeholder:
// the dispatch was accepted but the run has not been located yet.
type WorkflowRun struct {
	ID         int64
	Status     string
	Conclusion string
	HeadSHA    string
	CreatedAt  time.Time
}

// Located reports whether the run has a real id.
func (r *WorkflowRun) Located() bool { return r.ID != 0 }

// Completed reports whether the run reached a terminal state.
func (r *WorkflowRun) Completed() bool { return r.Status == "completed" }

// MergeResult is the Forge's answer to a merge request.
type MergeResult struct {
	SHA     string
	Merged  bool
	Message string
}

// MergeOptions select the merge strategy and optional commit text.
type MergeOptions struct {
	Method        string
	CommitTitle   string
	CommitMessage string
}

// Wire-format structs, decoded from Forge JSON.

type wireUser struct {
	Login string `json:"login"`
}

type wireLabel struct {
	Name string `json:"name"`
}

type wireBranchRef struct {
	Ref  string   `json:"ref"`
	SHA  string   `json:"sha"`
	Repo wireRepo `json:"repo"`
}

type wireRepo struct {
	Name          string   `json:"name"`
	FullName      string   `json:"full_name"`
	DefaultBranch string   `json:"default_branch"`
	Owner         wireUser `json:"owner"`
}

type wirePullRequest struct {
	Number         int           `json:"number"`
	Title          string        `json:"title"`
	State          string        `json:"state"`
	Merged         bool          `json:"merged"`
	Draft          bool          `json:"draft"`
	User           wireUser      `json:"user"`
	Base           wireBranchRef `json:"base"`
	Head           wireBranchRef `json:"head"`
	Labels         []wireLabel   `json:"labels"`
	MergeableState string        `json:"mergeable_state"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (w *wirePullRequest) toView() *PullRequestView {
	labels := make([]string, 0, len(w.Labels))
	for _, l := range w.Labels {
		labels = append(labels, l.Name)
	}
	return &PullRequestView{
		Number:       w.Number,
		Title:        w.Title,
		Author:       w.User.Login,
		State:        w.State,
		Merged:       w.Merged,
		Draft:        w.Draft,
		BaseBranch:   w.Base.Ref,
		HeadBranch:   w.Head.Ref,
		HeadSHA:      w.Head.SHA,
		IsConflicted: w.MergeableState == "dirty",
		IsUpToDate:   w.MergeableState != "behind",
		Labels:       labels,
		UpdatedAt:    w.UpdatedAt,
		CreatedAt:    w.CreatedAt,
	}
}

type wireBranchUpdate struct {
	Message string `json:"message"`
	URL     string `json:"url"`
}

type wireComparison struct {
	AheadBy  int    `json:"ahead_by"`
	BehindBy int    `json:"behind_by"`
	Status   string `json:"status"`
}

type wireWorkflowRun struct {
	ID         int64     `json:"id"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HeadSHA    string    `json:"head_sha"`
	Event      string    `json:"event"`
	CreatedAt  time.Time `json:"created_at"`
}

func (w *wireWorkflowRun) toRun() *WorkflowRun {
	return &WorkflowRun{
		ID:         w.ID,
		Status:     w.Status,
		Conclusion: w.Conclusion,
		HeadSHA:    w.HeadSHA,
		CreatedAt:  w.CreatedAt,
	}
}

type wireWorkflowRunList struct {
	WorkflowRuns []wireWorkflowRun `json:"workflow_runs"`
}

type wireMergeResult struct {
	SHA     string `json:"sha"`
	Merged  bool   `json:"merged"`
	Message string `json:"message"`
}

type wireRateLimit struct {
	Resources struct {
		Core struct {
			Limit     int   `json:"limit"`
			Remaining int   `json:"remaining"`
			Reset     int64 `json:"reset"`
		} `json:"core"`
	} `json:"resources"`
}
