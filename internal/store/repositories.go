package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertRepository inserts the repository on first observation; on conflict
// the default branch is refreshed. The stored row is returned.
func (s *Store) UpsertRepository(ctx context.Context, owner, name, defaultBranch string) (*Repository, error) {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	repo := &Repository{
		ID:            uuid.NewString(),
		Owner:         owner,
		Name:          name,
		FullName:      owner + "/" + name,
		DefaultBranch: defaultBranch,
		CreatedAt:     time.Now().UTC(),
	}

	err := s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO repositories (id, owner, name, full_name, default_branch, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(full_name) DO UPDATE SET default_branch = excluded.default_branch`,
			repo.ID, repo.Owner, repo.Name, repo.FullName, repo.DefaultBranch, toEpoch(repo.CreatedAt))
		if err != nil {
			return fmt.Errorf("upserting repository %s: %w", repo.FullName, err)
		}
		return scanRepository(conn.QueryRowContext(ctx,
			`SELECT id, owner, name, full_name, default_branch, created_at
			 FROM repositories WHERE full_name = ?`, repo.FullName), repo)
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// GetRepository fetches a repository by id.
func (s *Store) GetRepository(ctx context.Context, id string) (*Repository, error) {
	var repo Repository
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return scanRepository(conn.QueryRowContext(ctx,
			`SELECT id, owner, name, full_name, default_branch, created_at
			 FROM repositories WHERE id = ?`, id), &repo)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// GetRepositoryByFullName fetches a repository by owner/name.
func (s *Store) GetRepositoryByFullName(ctx context.Context, fullName string) (*Repository, error) {
	var repo Repository
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return scanRepository(conn.QueryRowContext(ctx,
			`SELECT id, owner, name, full_name, default_branch, created_at
			 FROM repositories WHERE full_name = ?`, fullName), &repo)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// ListRepositories returns every known repository, oldest first.
func (s *Store) ListRepositories(ctx context.Context) ([]*Repository, error) {
	var repos []*Repository
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT id, owner, name, full_name, default_branch, created_at
			 FROM repositories ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("listing repositories: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var repo Repository
			if err := scanRepositoryRow(rows, &repo); err != nil {
				return err
			}
			repos = append(repos, &repo)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return repos, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row *sql.Row, repo *Repository) error {
	err := scanRepositoryRow(row, repo)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func scanRepositoryRow(row rowScanner, repo *Repository) error {
	var createdAt float64
	if err := row.Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.FullName, &repo.DefaultBranch, &createdAt); err != nil {
		return err
	}
	repo.CreatedAt = fromEpoch(createdAt)
	return nil
}
