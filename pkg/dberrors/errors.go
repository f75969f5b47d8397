// Package dberrors holds the error kinds shared by every layer of the engine.
//
// Kinds are sentinels meant for errors.Is. Call sites wrap the cause together
// with its kind, e.g. fmt.Errorf("%w: put: %w", ErrWrite, cause), so callers can
// test either the kind or the underlying failure.
package dberrors

import "errors"

var (
	// ErrIO is a medium-level read or write failure, injected or real.
	ErrIO = errors.New("walkv: io error")
	// ErrOpen means the engine could not be opened: bad path, path already
	// owned by another handle, or corruption the recovery mode refuses.
	ErrOpen = errors.New("walkv: open failed")
	// ErrWrite means a mutation was not committed.
	ErrWrite = errors.New("walkv: write failed")
	// ErrFlush means a WAL flush or sync did not complete.
	ErrFlush = errors.New("walkv: flush failed")
	// ErrCorruption marks an invalid record inside a replayed log.
	ErrCorruption = errors.New("walkv: corruption")

	ErrNotFound        = errors.New("walkv: not found")
	ErrClosed          = errors.New("walkv: closed")
	ErrInvalidArgument = errors.New("walkv: invalid argument")
)
