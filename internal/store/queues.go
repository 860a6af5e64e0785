package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnsureQueue returns the queue for (repository, base branch), creating it
// lazily on first enqueue.
func (s *Store) EnsureQueue(ctx context.Context, repositoryID, baseBranch string) (*Queue, error) {
	q := &Queue{
		ID:           uuid.NewString(),
		RepositoryID: repositoryID,
		BaseBranch:   baseBranch,
		CreatedAt:    time.Now().UTC(),
	}
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO queues (id, repository_id, base_branch, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(repository_id, base_branch) DO NOTHING`,
			q.ID, q.RepositoryID, q.BaseBranch, toEpoch(q.CreatedAt))
		if err != nil {
			return fmt.Errorf("ensuring queue %s@%s: %w", repositoryID, baseBranch, err)
		}
		return scanQueue(conn.QueryRowContext(ctx,
			`SELECT id, repository_id, base_branch, created_at FROM queues
			 WHERE repository_id = ? AND base_branch = ?`, repositoryID, baseBranch), q)
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// GetQueue fetches a queue by id.
func (s *Store) GetQueue(ctx context.Context, id string) (*Queue, error) {
	var q Queue
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return scanQueue(conn.QueryRowContext(ctx,
			`SELECT id, repository_id, base_branch, created_at FROM queues WHERE id = ?`, id), &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// GetQueueByBranch fetches the queue for (repository, base branch).
func (s *Store) GetQueueByBranch(ctx context.Context, repositoryID, baseBranch string) (*Queue, error) {
	var q Queue
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return scanQueue(conn.QueryRowContext(ctx,
			`SELECT id, repository_id, base_branch, created_at FROM queues
			 WHERE repository_id = ? AND base_branch = ?`, repositoryID, baseBranch), &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// ListQueues returns all queues, oldest first.
func (s *Store) ListQueues(ctx context.Context) ([]*Queue, error) {
	var queues []*Queue
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT id, repository_id, base_branch, created_at FROM queues ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("listing queues: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var q Queue
			var createdAt float64
			if err := rows.Scan(&q.ID, &q.RepositoryID, &q.BaseBranch, &createdAt); err != nil {
				return err
			}
			q.CreatedAt = fromEpoch(createdAt)
			queues = append(queues, &q)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return queues, nil
}

// DeleteQueue removes a queue and, by cascade, its entries.
func (s *Store) DeleteQueue(ctx context.Context, id string) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `DELETE FROM queues WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting queue %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanQueue(row *sql.Row, q *Queue) error {
	var createdAt float64
	err := row.Scan(&q.ID, &q.RepositoryID, &q.BaseBranch, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	q.CreatedAt = fromEpoch(createdAt)
	return nil
}
