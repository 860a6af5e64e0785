package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const pullRequestColumns = `id, repository_id, number, title, author, base_branch,
	head_branch, head_sha, is_conflicted, is_up_to_date, created_at, updated_at`

// UpsertPullRequest writes the PR as last observed from the Forge. The head
// SHA and the conflict/up-to-date flags mutate on every refresh; identity
// fields stay put. The stored row is returned.
func (s *Store) UpsertPullRequest(ctx context.Context, pr *PullRequest) (*PullRequest, error) {
	if pr.ID == "" {
		pr.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = now
	}
	pr.UpdatedAt = now

	err := s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO pull_requests (`+pullRequestColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(repository_id, number) DO UPDATE SET
				title = excluded.title,
				author = excluded.author,
				base_branch = excluded.base_branch,
				head_branch = excluded.head_branch,
				head_sha = excluded.head_sha,
				is_conflicted = excluded.is_conflicted,
				is_up_to_date = excluded.is_up_to_date,
				updated_at = excluded.updated_at`,
			pr.ID, pr.RepositoryID, pr.Number, pr.Title, pr.Author, pr.BaseBranch,
			pr.HeadBranch, pr.HeadSHA, boolToInt(pr.IsConflicted), boolToInt(pr.IsUpToDate),
			toEpoch(pr.CreatedAt), toEpoch(pr.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upserting pull request #%d: %w", pr.Number, err)
		}
		return scanPullRequest(conn.QueryRowContext(ctx,
			`SELECT `+pullRequestColumns+` FROM pull_requests
			 WHERE repository_id = ? AND number = ?`, pr.RepositoryID, pr.Number), pr)
	})
	if err != nil {
		return nil, err
	}
	return pr, nil
}

// GetPullRequest fetches a PR by id.
func (s *Store) GetPullRequest(ctx context.Context, id string) (*PullRequest, error) {
	var pr PullRequest
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return scanPullRequest(conn.QueryRowContext(ctx,
			`SELECT `+pullRequestColumns+` FROM pull_requests WHERE id = ?`, id), &pr)
	})
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// GetPullRequestByNumber fetches a PR by (repository, number).
func (s *Store) GetPullRequestByNumber(ctx context.Context, repositoryID string, number int) (*PullRequest, error) {
	var pr PullRequest
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return scanPullRequest(conn.QueryRowContext(ctx,
			`SELECT `+pullRequestColumns+` FROM pull_requests
			 WHERE repository_id = ? AND number = ?`, repositoryID, number), &pr)
	})
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func scanPullRequest(row *sql.Row, pr *PullRequest) error {
	var conflicted, upToDate int
	var createdAt, updatedAt float64
	err := row.Scan(&pr.ID, &pr.RepositoryID, &pr.Number, &pr.Title, &pr.Author,
		&pr.BaseBranch, &pr.HeadBranch, &pr.HeadSHA, &conflicted, &upToDate,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	pr.IsConflicted = conflicted != 0
	pr.IsUpToDate = upToDate != 0
	pr.CreatedAt = fromEpoch(createdAt)
	pr.UpdatedAt = fromEpoch(updatedAt)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
