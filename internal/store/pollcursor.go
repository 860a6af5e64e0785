package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetPollCursor loads the polling position for a repository. A repository
// never polled before yields a zero cursor, not an error.
func (s *Store) GetPollCursor(ctx context.Context, repository string) (*PollCursor, error) {
	cursor := &PollCursor{Repository: repository}
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var lastPolledAt, lastEventAt sql.NullFloat64
		err := conn.QueryRowContext(ctx,
			`SELECT etag, last_event_id, last_polled_at, last_event_at
			 FROM event_poll_history WHERE repository = ?`, repository).Scan(
			&cursor.ETag, &cursor.LastEventID, &lastPolledAt, &lastEventAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		cursor.LastPolledAt = fromNullEpoch(lastPolledAt)
		cursor.LastEventAt = fromNullEpoch(lastEventAt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

// PutPollCursor persists the polling position for a repository.
func (s *Store) PutPollCursor(ctx context.Context, cursor *PollCursor) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO event_poll_history (repository, etag, last_event_id, last_polled_at, last_event_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(repository) DO UPDATE SET
				etag = excluded.etag,
				last_event_id = excluded.last_event_id,
				last_polled_at = excluded.last_polled_at,
				last_event_at = excluded.last_event_at`,
			cursor.Repository, cursor.ETag, cursor.LastEventID,
			toNullEpoch(cursor.LastPolledAt), toNullEpoch(cursor.LastEventAt))
		if err != nil {
			return fmt.Errorf("writing poll cursor for %s: %w", cursor.Repository, err)
		}
		return nil
	})
}
