// Package faultfs is an intercepting medium for crash testing.
//
// Every file opened through an Env keeps an explicit two-tier buffer: bytes
// that were synced live in the base vfs.FS, bytes that were only written live
// in the Env. DropUnsyncedData throws the second tier away, which is what a
// power loss does to data sitting in an OS page cache. Nothing depends on the
// real page cache, so crash tests are deterministic on any base medium.
package faultfs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/vfs"

	"walkv/pkg/metrics"
)

var (
	ErrInjectedFault  = errors.New("faultfs: injected fault")
	ErrFilesOpen      = errors.New("faultfs: files still open for writing")
	ErrLocked         = errors.New("faultfs: already locked")
	ErrFileClosed     = errors.New("faultfs: file closed")
	ErrFileBusy       = errors.New("faultfs: file already open")
	ErrTruncateSynced = errors.New("faultfs: cannot truncate synced data")
	ErrBadSize        = errors.New("faultfs: size out of range")
)

// Env is shared by every engine handle that should see the same "disk".
// It is safe for concurrent use.
type Env struct {
	fs      vfs.FS
	log     *slog.Logger
	metrics metrics.Collector

	failOnWrite atomic.Bool
	tornKeep    atomic.Int64

	mu    sync.Mutex
	files map[string]*fileState
	open  int
	locks map[string]struct{}
}

type fileState struct {
	mu      sync.Mutex
	synced  int64
	pending []byte
	handles int
}

type Option func(*Env)

func WithLogger(l *slog.Logger) Option {
	return func(e *Env) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(c metrics.Collector) Option {
	return func(e *Env) {
		e.metrics = metrics.OrNop(c)
	}
}

// New wraps base. Pass vfs.Default for a real directory tree.
func New(base vfs.FS, opts ...Option) *Env {
	e := &Env{
		fs:      base,
		log:     slog.Default(),
		metrics: metrics.Nop{},
		files:   make(map[string]*fileState),
		locks:   make(map[string]struct{}),
	}
	e.tornKeep.Store(-1)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewMem returns an Env over a fresh in-memory filesystem.
func NewMem(opts ...Option) *Env {
	return New(vfs.NewMem(), opts...)
}

// FS returns the base medium. Writing to it directly bypasses the unsynced tier.
func (e *Env) FS() vfs.FS {
	return e.fs
}

func (e *Env) PathJoin(elem ...string) string {
	return e.fs.PathJoin(elem...)
}

// SetFailOnWrite makes every later Write, Sync and Truncate fail.
func (e *Env) SetFailOnWrite(fail bool) {
	if e.failOnWrite.Swap(fail) != fail {
		e.log.Info("fault injection toggled", "fail_on_write", fail)
	}
}

func (e *Env) FailOnWrite() bool {
	return e.failOnWrite.Load()
}

// InjectTornWrite makes the next Write keep only its first keep bytes and fail.
func (e *Env) InjectTornWrite(keep int) {
	if keep < 0 {
		keep = 0
	}
	e.tornKeep.Store(int64(keep))
}

func (e *Env) takeTorn() (int, bool) {
	keep := e.tornKeep.Swap(-1)
	if keep < 0 {
		return 0, false
	}
	return int(keep), true
}

func (e *Env) MkdirAll(dir string) error {
	return e.fs.MkdirAll(dir, 0o755)
}

func (e *Env) Exists(name string) (bool, error) {
	if _, err := e.fs.Stat(name); err != nil {
		if oserror.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Remove deletes name from the base medium and forgets its unsynced tier.
func (e *Env) Remove(name string) error {
	e.mu.Lock()
	if st, ok := e.files[name]; ok {
		st.mu.Lock()
		busy := st.handles > 0
		st.mu.Unlock()
		if busy {
			e.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrFileBusy, name)
		}
		delete(e.files, name)
	}
	e.mu.Unlock()
	return e.fs.Remove(name)
}

// Create creates or truncates name and opens it for appending.
func (e *Env) Create(name string) (f *File, err error) {
	e.acquireOpen()
	defer func() {
		if err != nil {
			e.releaseOpen()
		}
	}()

	st := e.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.handles > 0 {
		return nil, fmt.Errorf("%w: %s", ErrFileBusy, name)
	}

	base, err := e.fs.Create(name)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}

	st.synced = 0
	st.pending = nil
	return e.newFile(name, st, base), nil
}

// ReopenForAppend keeps the first keep bytes of name's current view and opens
// it for appending after them. Bytes that were synced stay synced, the rest
// stay in the unsynced tier. Everything past keep is discarded.
func (e *Env) ReopenForAppend(name string, keep int64) (f *File, err error) {
	e.acquireOpen()
	defer func() {
		if err != nil {
			e.releaseOpen()
		}
	}()

	st := e.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.handles > 0 {
		return nil, fmt.Errorf("%w: %s", ErrFileBusy, name)
	}

	durable, err := e.readBase(name)
	if err != nil {
		return nil, err
	}
	view := append(durable, st.pending...)
	if keep < 0 || keep > int64(len(view)) {
		return nil, fmt.Errorf("%w: keep %d of %d bytes in %s", ErrBadSize, keep, len(view), name)
	}

	durableKeep := min(keep, int64(len(durable)))
	pending := append([]byte(nil), view[durableKeep:keep]...)

	base, err := e.rewriteBase(name, durable[:durableKeep])
	if err != nil {
		return nil, err
	}

	if dropped := int64(len(view)) - keep; dropped > 0 {
		e.log.Info("discarded file tail on reopen", "file", name, "bytes", dropped)
	}

	st.synced = durableKeep
	st.pending = pending
	return e.newFile(name, st, base), nil
}

// rewriteBase replaces name with data and returns a handle positioned at its end.
func (e *Env) rewriteBase(name string, data []byte) (vfs.File, error) {
	tmp := name + ".reopen"
	f, err := e.fs.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rewrite %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := e.fs.Rename(tmp, name); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rename %s: %w", tmp, err)
	}
	if err := e.syncDir(e.fs.PathDir(name)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func (e *Env) syncDir(dir string) error {
	d, err := e.fs.OpenDir(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

// ReadFile returns what a reader would see right now: synced bytes followed
// by unsynced ones.
func (e *Env) ReadFile(name string) ([]byte, error) {
	st := e.lookup(name)
	if st == nil {
		return e.readBase(name)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := e.readBase(name)
	if err != nil {
		return nil, err
	}
	return append(data, st.pending...), nil
}

func (e *Env) readBase(name string) ([]byte, error) {
	f, err := e.fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			e.log.Warn("failed to close read handle", "file", name, "error", cerr)
		}
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// SyncedSize is the durable length of name: what survives DropUnsyncedData.
func (e *Env) SyncedSize(name string) (int64, error) {
	if st := e.lookup(name); st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.synced, nil
	}
	info, err := e.fs.Stat(name)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Size is the length of name's current view.
func (e *Env) Size(name string) (int64, error) {
	if st := e.lookup(name); st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.synced + int64(len(st.pending)), nil
	}
	info, err := e.fs.Stat(name)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// DropUnsyncedData simulates a crash: every byte written but not synced is
// lost. All files must be closed first.
func (e *Env) DropUnsyncedData() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.open > 0 {
		return fmt.Errorf("%w: %d handle(s)", ErrFilesOpen, e.open)
	}

	var dropped int64
	for _, st := range e.files {
		st.mu.Lock()
		dropped += int64(len(st.pending))
		st.pending = nil
		st.mu.Unlock()
	}

	e.metrics.IncCounter("env_bytes_dropped_total", nil, float64(dropped))
	e.log.Info("dropped unsynced data", "bytes", dropped, "files", len(e.files))
	return nil
}

// Lock takes exclusive ownership of name within this process and on the base medium.
func (e *Env) Lock(name string) (io.Closer, error) {
	e.mu.Lock()
	if _, held := e.locks[name]; held {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrLocked, name)
	}
	e.locks[name] = struct{}{}
	e.mu.Unlock()

	base, err := e.fs.Lock(name)
	if err != nil {
		e.unlock(name)
		return nil, fmt.Errorf("%w: %s: %w", ErrLocked, name, err)
	}
	return &lock{env: e, name: name, base: base}, nil
}

func (e *Env) unlock(name string) {
	e.mu.Lock()
	delete(e.locks, name)
	e.mu.Unlock()
}

type lock struct {
	env  *Env
	name string
	base io.Closer
	once sync.Once
}

func (l *lock) Close() error {
	var err error
	l.once.Do(func() {
		err = l.base.Close()
		l.env.unlock(l.name)
	})
	return err
}

func (e *Env) state(name string) *fileState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.files[name]
	if !ok {
		st = &fileState{}
		e.files[name] = st
	}
	return st
}

func (e *Env) lookup(name string) *fileState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.files[name]
}

// newFile registers an open handle. Caller holds st.mu and has already
// counted the handle with acquireOpen.
func (e *Env) newFile(name string, st *fileState, base vfs.File) *File {
	st.handles++
	return &File{env: e, name: name, st: st, base: base}
}

func (e *Env) acquireOpen() {
	e.mu.Lock()
	e.open++
	e.mu.Unlock()
}

func (e *Env) releaseOpen() {
	e.mu.Lock()
	e.open--
	e.mu.Unlock()
}

func (e *Env) injected(kind string) {
	e.metrics.IncCounter("env_injected_faults_total", map[string]string{"kind": kind}, 1)
}
