package store

import "errors"

var (
	ErrPathNotFound  = errors.New("database path does not exist")
	ErrAlreadyExists = errors.New("database already exists")
	ErrEmptyKey      = errors.New("empty key")
	// ErrSyncWithoutWAL rejects a write that asks to be synced but skips the log.
	ErrSyncWithoutWAL = errors.New("sync requested with WAL disabled")
)
