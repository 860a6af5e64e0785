// Package store is the embedded persistence layer: a SQLite database behind
// a small pool of dedicated connections, with typed repositories for every
// entity the queue engine owns.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPoolSize is used when the configured size is not positive.
const DefaultPoolSize = 5

// Store owns the database handle and the connection pool. Callers acquire a
// dedicated connection, use it exclusively, and release it; when all
// connections are busy, Acquire waits until one frees up or the context ends.
type Store struct {
	db     *sql.DB
	conns  chan *sql.Conn
	size   int
	logger *slog.Logger
}

// dsn renders the SQLite DSN with the connection pragmas every connection
// must carry: WAL journaling, foreign keys, 5 s busy timeout, synchronous
// NORMAL and in-memory temp store.
func dsn(path string) string {
	pragmas := "_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
	if path == ":memory:" {
		return "file::memory:?cache=shared&" + pragmas
	}
	if strings.HasPrefix(path, "file:") {
		return path + "?" + pragmas
	}
	return "file:" + path + "?" + pragmas
}

// Open opens (or creates) the database at path, applies the schema
// synchronously and fills the connection pool. The returned store is ready
// for concurrent use.
func Open(ctx context.Context, path string, poolSize int, logger *slog.Logger) (*Store, error) {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &Store{
		db:     db,
		conns:  make(chan *sql.Conn, poolSize),
		size:   poolSize,
		logger: logger,
	}
	for i := 0; i < poolSize; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			s.closeConns()
			_ = db.Close()
			return nil, fmt.Errorf("filling connection pool: %w", err)
		}
		s.conns <- conn
	}

	logger.Debug("store opened", slog.String("path", path), slog.Int("pool_size", poolSize))
	return s, nil
}

// Acquire takes a connection from the pool, waiting if all are busy.
func (s *Store) Acquire(ctx context.Context) (*sql.Conn, error) {
	select {
	case conn, ok := <-s.conns:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, ctx.Err())
	}
}

// Release returns a connection to the pool.
func (s *Store) Release(conn *sql.Conn) {
	if conn == nil {
		return
	}
	s.conns <- conn
}

// withConn runs fn with a pooled connection.
func (s *Store) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Release(conn)
	return fn(conn)
}

// withTx runs fn inside a transaction on a pooled connection.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// Ping verifies the database answers queries; used by health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		var one int
		return conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
}

// PoolSize returns the configured pool capacity.
func (s *Store) PoolSize() int { return s.size }

// Close drains the pool and closes the database.
func (s *Store) Close() error {
	s.closeConns()
	return s.db.Close()
}

func (s *Store) closeConns() {
	close(s.conns)
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Epoch conversion: timestamps are stored as REAL seconds.

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpoch(v float64) time.Time {
	return time.Unix(0, int64(v*float64(time.Second))).UTC()
}

func toNullEpoch(t *time.Time) sql.NullFloat64 {
	if t == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: toEpoch(*t), Valid: true}
}

func fromNullEpoch(v sql.NullFloat64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromEpoch(v.Float64)
	return &t
}
