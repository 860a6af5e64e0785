package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const entryColumns = `id, queue_id, pull_request_id, position, status, enqueued_at, started_at, completed_at`

// AppendEntry adds a pending entry at the tail of the queue. Appending a PR
// that already holds a live entry is a no-op returning the existing entry,
// which makes duplicate admission events harmless.
func (s *Store) AppendEntry(ctx context.Context, queueID, pullRequestID string) (*QueueEntry, bool, error) {
	var entry QueueEntry
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := scanEntryRow(tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM queue_entries
			 WHERE queue_id = ? AND pull_request_id = ? AND position >= 0`,
			queueID, pullRequestID), &entry)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var position int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue_entries WHERE queue_id = ? AND position >= 0`,
			queueID).Scan(&position); err != nil {
			return fmt.Errorf("counting live entries: %w", err)
		}

		entry = QueueEntry{
			ID:            uuid.NewString(),
			QueueID:       queueID,
			PullRequestID: pullRequestID,
			Position:      position,
			Status:        EntryPending,
			EnqueuedAt:    time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)`,
			entry.ID, entry.QueueID, entry.PullRequestID, entry.Position, entry.Status,
			toEpoch(entry.EnqueuedAt)); err != nil {
			return fmt.Errorf("inserting entry: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &entry, created, nil
}

// GetEntry fetches an entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (*QueueEntry, error) {
	var entry QueueEntry
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		err := scanEntryRow(conn.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id), &entry)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListEntries returns the live entries of a queue in position order.
func (s *Store) ListEntries(ctx context.Context, queueID string) ([]*QueueEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM queue_entries
		 WHERE queue_id = ? AND position >= 0 ORDER BY position`, queueID)
}

// ListEntryHistory returns terminal entries of a queue, newest first.
func (s *Store) ListEntryHistory(ctx context.Context, queueID string, limit int) ([]*QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM queue_entries
		 WHERE queue_id = ? AND position < 0 ORDER BY completed_at DESC LIMIT ?`, queueID, limit)
}

// ListRunningEntries returns every running entry across all queues.
func (s *Store) ListRunningEntries(ctx context.Context) ([]*QueueEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE status = ? ORDER BY started_at`, EntryRunning)
}

// HeadEntry returns the live entry at position 0, or ErrNotFound for an
// empty queue.
func (s *Store) HeadEntry(ctx context.Context, queueID string) (*QueueEntry, error) {
	var entry QueueEntry
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		err := scanEntryRow(conn.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM queue_entries
			 WHERE queue_id = ? AND position = 0`, queueID), &entry)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// LiveEntryForPR returns the live entry holding the PR, or ErrNotFound.
func (s *Store) LiveEntryForPR(ctx context.Context, queueID, pullRequestID string) (*QueueEntry, error) {
	var entry QueueEntry
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		err := scanEntryRow(conn.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM queue_entries
			 WHERE queue_id = ? AND pull_request_id = ? AND position >= 0`,
			queueID, pullRequestID), &entry)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// CountLiveEntries returns the number of live entries in a queue.
func (s *Store) CountLiveEntries(ctx context.Context, queueID string) (int, error) {
	var n int
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue_entries WHERE queue_id = ? AND position >= 0`,
			queueID).Scan(&n)
	})
	return n, err
}

// MarkEntryRunning transitions the head entry pending -> running. The guard
// in the WHERE clause makes illegal transitions impossible to write.
func (s *Store) MarkEntryRunning(ctx context.Context, entryID string) (*QueueEntry, error) {
	now := time.Now().UTC()
	var entry QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, started_at = ?
			 WHERE id = ? AND status = ? AND position = 0`,
			EntryRunning, toEpoch(now), entryID, EntryPending)
		if err != nil {
			return fmt.Errorf("marking entry running: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInvalidTransition
		}
		err = scanEntryRow(tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, entryID), &entry)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// FinishEntry moves an entry to a terminal status, evicts it from the live
// ordering and re-densifies the remaining positions.
func (s *Store) FinishEntry(ctx context.Context, entryID string, status EntryStatus) (*QueueEntry, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	now := time.Now().UTC()
	var entry QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := scanEntryRow(tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, entryID), &entry)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !entry.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, status)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, completed_at = ?, position = -1 WHERE id = ?`,
			status, toEpoch(now), entryID); err != nil {
			return fmt.Errorf("finishing entry: %w", err)
		}
		entry.Status = status
		entry.CompletedAt = &now
		entry.Position = -1

		return densifyPositions(ctx, tx, entry.QueueID)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Reorder rewrites the positions of the waiting entries to match ids. The
// running entry, if any, is pinned at position 0 and must not appear in ids.
// ids must be a permutation of the waiting entries or ErrBadReorder surfaces.
func (s *Store) Reorder(ctx context.Context, queueID string, ids []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, status, position FROM queue_entries
			 WHERE queue_id = ? AND position >= 0 ORDER BY position`, queueID)
		if err != nil {
			return fmt.Errorf("loading live entries: %w", err)
		}
		waiting := make(map[string]bool)
		base := 0
		for rows.Next() {
			var id string
			var status EntryStatus
			var pos int
			if err := rows.Scan(&id, &status, &pos); err != nil {
				rows.Close()
				return err
			}
			if status == EntryRunning {
				base = 1
				continue
			}
			waiting[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(ids) != len(waiting) {
			return ErrBadReorder
		}
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			// Duplicates would slip past the length check by shadowing a
			// missing entry, so each id may appear only once.
			if !waiting[id] || seen[id] {
				return ErrBadReorder
			}
			seen[id] = true
		}

		// Two phases: park at distinct negatives first so the unique
		// (queue_id, position) index never sees a transient collision.
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_entries SET position = ? WHERE id = ?`, -100-i, id); err != nil {
				return fmt.Errorf("parking entry %s: %w", id, err)
			}
		}
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_entries SET position = ? WHERE id = ?`, base+i, id); err != nil {
				return fmt.Errorf("placing entry %s: %w", id, err)
			}
		}
		return nil
	})
}

// RecoverRunningEntries resets crashed running entries to pending at the head
// of their queue. Called once at startup, before any driver starts.
func (s *Store) RecoverRunningEntries(ctx context.Context) (int, error) {
	var recovered int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, started_at = NULL WHERE status = ?`,
			EntryPending, EntryRunning)
		if err != nil {
			return fmt.Errorf("recovering running entries: %w", err)
		}
		recovered, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(recovered), nil
}

// densifyPositions renumbers the live entries to 0..n-1 preserving order.
// Ascending order never collides: each row moves down into a vacated slot.
func densifyPositions(ctx context.Context, tx *sql.Tx, queueID string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, position FROM queue_entries
		 WHERE queue_id = ? AND position >= 0 ORDER BY position`, queueID)
	if err != nil {
		return fmt.Errorf("loading positions: %w", err)
	}
	type slot struct {
		id  string
		pos int
	}
	var slots []slot
	for rows.Next() {
		var s slot
		if err := rows.Scan(&s.id, &s.pos); err != nil {
			rows.Close()
			return err
		}
		slots = append(slots, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for want, s := range slots {
		if s.pos == want {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET position = ? WHERE id = ?`, want, s.id); err != nil {
			return fmt.Errorf("densifying position %d: %w", want, err)
		}
	}
	return nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]*QueueEntry, error) {
	var entries []*QueueEntry
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("querying entries: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var entry QueueEntry
			if err := scanEntryRow(rows, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func scanEntryRow(row rowScanner, entry *QueueEntry) error {
	var enqueuedAt float64
	var startedAt, completedAt sql.NullFloat64
	if err := row.Scan(&entry.ID, &entry.QueueID, &entry.PullRequestID, &entry.Position,
		&entry.Status, &enqueuedAt, &startedAt, &completedAt); err != nil {
		return err
	}
	entry.EnqueuedAt = fromEpoch(enqueuedAt)
	entry.StartedAt = fromNullEpoch(startedAt)
	entry.CompletedAt = fromNullEpoch(completedAt)
	return nil
}
