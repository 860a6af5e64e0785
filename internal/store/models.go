package store

import (
	"regexp"
	"time"
)

// EntryStatus is the queue entry lifecycle state.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryRunning   EntryStatus = "running"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryCancelled EntryStatus = "cancelled"
)

// Terminal reports whether the status ends the entry's lifecycle.
func (s EntryStatus) Terminal() bool {
	return s == EntryCompleted || s == EntryFailed || s == EntryCancelled
}

// CanTransitionTo encodes the allowed lifecycle DAG:
// pending -> running -> {completed, failed, cancelled}, plus direct
// cancellation of a pending entry. No back-edges.
func (s EntryStatus) CanTransitionTo(next EntryStatus) bool {
	switch s {
	case EntryPending:
		return next == EntryRunning || next == EntryCancelled || next == EntryFailed
	case EntryRunning:
		return next.Terminal()
	default:
		return false
	}
}

// CheckStatus is the lifecycle state of one check execution.
type CheckStatus string

const (
	CheckPending   CheckStatus = "pending"
	CheckRunning   CheckStatus = "running"
	CheckPassed    CheckStatus = "passed"
	CheckFailed    CheckStatus = "failed"
	CheckCancelled CheckStatus = "cancelled"
	CheckTimedOut  CheckStatus = "timed_out"
)

// Terminal reports whether the check reached a final state.
func (s CheckStatus) Terminal() bool {
	switch s {
	case CheckPassed, CheckFailed, CheckCancelled, CheckTimedOut:
		return true
	}
	return false
}

var shaPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ValidSHA reports whether s is a full 40-char lowercase hex commit SHA.
func ValidSHA(s string) bool { return shaPattern.MatchString(s) }

// Repository is a watched repository, created on first PR observation.
type Repository struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
}

// PullRequest mirrors the Forge's PR state as last observed.
type PullRequest struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repository_id"`
	Number       int       `json:"number"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	BaseBranch   string    `json:"base_branch"`
	HeadBranch   string    `json:"head_branch"`
	HeadSHA      string    `json:"head_sha"`
	IsConflicted bool      `json:"is_conflicted"`
	IsUpToDate   bool      `json:"is_up_to_date"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Queue is the per-(repository, base branch) FIFO.
type Queue struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repository_id"`
	BaseBranch   string    `json:"base_branch"`
	CreatedAt    time.Time `json:"created_at"`
}

// QueueEntry is one PR's place in a queue. Position is dense over the live
// entries (0..n-1); terminal entries keep their row with position -1.
type QueueEntry struct {
	ID            string      `json:"id"`
	QueueID       string      `json:"queue_id"`
	PullRequestID string      `json:"pull_request_id"`
	Position      int         `json:"position"`
	Status        EntryStatus `json:"status"`
	EnqueuedAt    time.Time   `json:"enqueued_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// Live reports whether the entry still occupies the queue ordering.
func (e *QueueEntry) Live() bool { return e.Position >= 0 && !e.Status.Terminal() }

// CheckRecord is the persisted outcome of one check execution for an entry.
type CheckRecord struct {
	ID            string      `json:"id"`
	EntryID       string      `json:"entry_id"`
	Name          string      `json:"name"`
	Kind          string      `json:"kind"`
	KindConfig    string      `json:"kind_config"`
	Status        CheckStatus `json:"status"`
	Configuration string      `json:"configuration"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	Output        string      `json:"output"`
}

// PollCursor is the per-repository polling position, persisted so dedup
// survives restarts.
type PollCursor struct {
	Repository   string     `json:"repository"`
	ETag         string     `json:"etag"`
	LastEventID  string     `json:"last_event_id"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	LastEventAt  *time.Time `json:"last_event_at,omitempty"`
}
