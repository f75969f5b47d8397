package faultfs

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble/vfs"
)

// File is an append-only handle on a tracked file. Writes land in the
// unsynced tier; Sync moves them to the base medium.
type File struct {
	env    *Env
	name   string
	st     *fileState
	base   vfs.File
	closed bool
}

func (f *File) Name() string {
	return f.name
}

// Write appends p to the unsynced tier. It either keeps all of p or, under an
// injected torn write, a prefix of it together with an error.
func (f *File) Write(p []byte) (int, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()

	if f.closed {
		return 0, fmt.Errorf("%w: %s", ErrFileClosed, f.name)
	}
	if f.env.failOnWrite.Load() {
		f.env.injected("write")
		return 0, fmt.Errorf("%w: write %s", ErrInjectedFault, f.name)
	}
	if keep, ok := f.env.takeTorn(); ok {
		n := min(keep, len(p))
		f.st.pending = append(f.st.pending, p[:n]...)
		f.env.injected("torn_write")
		f.env.metrics.IncCounter("env_bytes_written_total", nil, float64(n))
		return n, fmt.Errorf("%w: torn write %s after %d of %d bytes", ErrInjectedFault, f.name, n, len(p))
	}

	f.st.pending = append(f.st.pending, p...)
	f.env.metrics.IncCounter("env_bytes_written_total", nil, float64(len(p)))
	return len(p), nil
}

// Sync promotes every unsynced byte to the base medium. Syncing a file with
// nothing pending is a no-op.
func (f *File) Sync() error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()

	if f.closed {
		return fmt.Errorf("%w: %s", ErrFileClosed, f.name)
	}
	if f.env.failOnWrite.Load() {
		f.env.injected("sync")
		return fmt.Errorf("%w: sync %s", ErrInjectedFault, f.name)
	}
	if len(f.st.pending) == 0 {
		return nil
	}

	if n, err := f.base.Write(f.st.pending); err != nil {
		err = fmt.Errorf("write %s: %w", f.name, err)
		if n > 0 {
			if rerr := f.restoreBase(); rerr != nil {
				return errors.Join(err, rerr)
			}
		}
		return err
	}
	if err := f.base.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", f.name, err)
	}

	n := len(f.st.pending)
	f.st.synced += int64(n)
	f.st.pending = nil
	f.env.metrics.IncCounter("env_bytes_synced_total", nil, float64(n))
	return nil
}

// restoreBase cuts a partial promotion off the base medium so that it holds
// exactly the synced tier again. Caller holds f.st.mu.
func (f *File) restoreBase() error {
	data, err := f.env.readBase(f.name)
	if err != nil {
		return err
	}
	if int64(len(data)) < f.st.synced {
		return fmt.Errorf("%w: %s holds %d bytes, synced %d", ErrBadSize, f.name, len(data), f.st.synced)
	}
	base, err := f.env.rewriteBase(f.name, data[:f.st.synced])
	if err != nil {
		return err
	}
	if err := f.base.Close(); err != nil {
		f.env.log.Warn("failed to close replaced handle", "file", f.name, "error", err)
	}
	f.base = base
	return nil
}

// Truncate shrinks the file to size. Only unsynced bytes can be cut.
func (f *File) Truncate(size int64) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()

	if f.closed {
		return fmt.Errorf("%w: %s", ErrFileClosed, f.name)
	}
	if f.env.failOnWrite.Load() {
		f.env.injected("truncate")
		return fmt.Errorf("%w: truncate %s", ErrInjectedFault, f.name)
	}

	cur := f.st.synced + int64(len(f.st.pending))
	switch {
	case size < f.st.synced:
		return fmt.Errorf("%w: %s to %d, synced %d", ErrTruncateSynced, f.name, size, f.st.synced)
	case size > cur:
		return fmt.Errorf("%w: %s to %d, size %d", ErrBadSize, f.name, size, cur)
	}

	f.st.pending = f.st.pending[:size-f.st.synced]
	return nil
}

// Size is the length of the file's current view.
func (f *File) Size() int64 {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	return f.st.synced + int64(len(f.st.pending))
}

// SyncedSize is the number of bytes that survive a crash.
func (f *File) SyncedSize() int64 {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	return f.st.synced
}

// Close releases the handle without syncing. Unsynced bytes stay readable
// until the Env drops them.
func (f *File) Close() error {
	f.st.mu.Lock()
	if f.closed {
		f.st.mu.Unlock()
		return nil
	}
	f.closed = true
	f.st.handles--
	f.st.mu.Unlock()

	f.env.releaseOpen()
	if err := f.base.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.name, err)
	}
	return nil
}
