package store

import "errors"

var (
	// ErrNotFound reports that the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConstraint reports a uniqueness or foreign-key violation.
	ErrConstraint = errors.New("constraint violation")
	// ErrInvalidTransition reports a status write that would violate the
	// entry lifecycle (pending -> running -> terminal, no back-edges).
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrPoolExhausted reports that no connection freed up before the
	// caller's context ended.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrPoolClosed reports use after Close.
	ErrPoolClosed = errors.New("connection pool closed")
	// ErrBadReorder reports a reorder request that is not a permutation of
	// the queue's waiting entries.
	ErrBadReorder = errors.New("reorder is not a permutation of waiting entries")
)
