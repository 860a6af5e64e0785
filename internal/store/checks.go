package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const checkColumns = `id, entry_id, name, kind, kind_config, status, configuration, started_at, completed_at, output`

// InsertCheck records a check about to run for an entry.
func (s *Store) InsertCheck(ctx context.Context, check *CheckRecord) (*CheckRecord, error) {
	if check.ID == "" {
		check.ID = uuid.NewString()
	}
	if check.Status == "" {
		check.Status = CheckPending
	}
	if check.KindConfig == "" {
		check.KindConfig = "{}"
	}
	if check.Configuration == "" {
		check.Configuration = "{}"
	}
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO checks (`+checkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			check.ID, check.EntryID, check.Name, check.Kind, check.KindConfig,
			check.Status, check.Configuration,
			toNullEpoch(check.StartedAt), toNullEpoch(check.CompletedAt), check.Output)
		if err != nil {
			return fmt.Errorf("inserting check %s: %w", check.Name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return check, nil
}

// UpdateCheck writes the result fields of a finished (or progressing) check.
func (s *Store) UpdateCheck(ctx context.Context, id string, status CheckStatus, output string, startedAt, completedAt *time.Time) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`UPDATE checks SET status = ?, output = ?, started_at = ?, completed_at = ? WHERE id = ?`,
			status, output, toNullEpoch(startedAt), toNullEpoch(completedAt), id)
		if err != nil {
			return fmt.Errorf("updating check %s: %w", id, err)
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

// ListChecksForEntry returns the checks of an entry in insertion order.
func (s *Store) ListChecksForEntry(ctx context.Context, entryID string) ([]*CheckRecord, error) {
	var checks []*CheckRecord
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT `+checkColumns+` FROM checks WHERE entry_id = ? ORDER BY rowid`, entryID)
		if err != nil {
			return fmt.Errorf("listing checks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c CheckRecord
			var startedAt, completedAt sql.NullFloat64
			if err := rows.Scan(&c.ID, &c.EntryID, &c.Name, &c.Kind, &c.KindConfig,
				&c.Status, &c.Configuration, &startedAt, &completedAt, &c.Output); err != nil {
				return err
			}
			c.StartedAt = fromNullEpoch(startedAt)
			c.CompletedAt = fromNullEpoch(completedAt)
			checks = append(checks, &c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return checks, nil
}

// CheckOutcomeCounts aggregates terminal check statuses by check name, for
// the stats endpoints.
func (s *Store) CheckOutcomeCounts(ctx context.Context) (map[string]map[CheckStatus]int, error) {
	out := make(map[string]map[CheckStatus]int)
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT name, status, COUNT(*) FROM checks
			 WHERE status IN (?, ?, ?, ?) GROUP BY name, status`,
			CheckPassed, CheckFailed, CheckCancelled, CheckTimedOut)
		if err != nil {
			return fmt.Errorf("aggregating check outcomes: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			var status CheckStatus
			var n int
			if err := rows.Scan(&name, &status, &n); err != nil {
				return err
			}
			if out[name] == nil {
				out[name] = make(map[CheckStatus]int)
			}
			out[name][status] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
