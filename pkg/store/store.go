package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble/vfs"

	"walkv/pkg/batch"
	"walkv/pkg/clock"
	"walkv/pkg/dberrors"
	"walkv/pkg/faultfs"
	"walkv/pkg/listener"
	"walkv/pkg/memtable"
	"walkv/pkg/metrics"
	"walkv/pkg/types"
	"walkv/pkg/wal"
)

const (
	walFileName  = "wal.log"
	lockFileName = "LOCK"
)

type iJournal interface {
	Append(b wal.Batch, sync bool) error
	Flush(sync bool) error
	Offset() int64
	DurableOffset() int64
	LastSeq() types.SeqN
	DurableSeq() types.SeqN
	Close() error
}

type iClock interface {
	Val() types.SeqN
	Reserve(n int) types.SeqN
	Set(t types.SeqN)
}

type Options struct {
	// Env is the medium the store lives on. Stores that should see the same
	// "disk" across a simulated crash must share one Env. Nil means the real
	// filesystem.
	Env *faultfs.Env

	CreateIfMissing bool
	ErrorIfExists   bool
	// ManualWALFlush leaves WAL syncing to FlushWAL(true) and Sync writes.
	ManualWALFlush bool
	// FailOnWrite switches the Env into fail-on-write mode at open. The switch
	// belongs to the Env: it outlives Close, and opening with FailOnWrite unset
	// does not clear it. Use Env.SetFailOnWrite(false) for that.
	FailOnWrite  bool
	RecoveryMode wal.RecoveryMode

	MaxEntryBytes int
	// WALSyncInterval, when positive, syncs the WAL in the background.
	WALSyncInterval time.Duration

	Logger  *slog.Logger
	Metrics metrics.Collector
}

type WriteOptions struct {
	// DisableWAL applies the write to the index only. It is lost on close.
	DisableWAL bool
	// Sync makes the write durable before it returns. It cannot be combined
	// with DisableWAL.
	Sync bool
}

type Stats struct {
	Seq              types.SeqN `json:"seq"`
	LoggedSeq        types.SeqN `json:"logged_seq"`
	DurableSeq       types.SeqN `json:"durable_seq"`
	WALOffset        int64      `json:"wal_offset"`
	WALDurableOffset int64      `json:"wal_durable_offset"`
	Keys             int        `json:"keys"`
	IndexBytes       int64      `json:"index_bytes"`
	UnloggedWrites   int64      `json:"unlogged_writes"`
}

// Store is an open engine handle. At most one Store owns a path at a time.
type Store struct {
	path    string
	env     *faultfs.Env
	log     *slog.Logger
	metrics metrics.Collector

	// mu orders writers: sequence allocation, WAL append and index update
	// happen together, so index order equals log order.
	mu   sync.Mutex
	jr   iJournal
	seqN iClock
	mt   *memtable.Memtable
	lock io.Closer

	syncer   listener.Job
	closed   atomic.Bool
	unlogged atomic.Int64
}

// Open opens the store at path, replaying its WAL.
func Open(path string, opts Options) (*Store, error) {
	if opts.Env == nil {
		opts.Env = faultfs.New(vfs.Default, faultfs.WithLogger(opts.Logger), faultfs.WithMetrics(opts.Metrics))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	env := opts.Env

	s := &Store{
		path:    path,
		env:     env,
		log:     opts.Logger.With("component", "store", "path", path),
		metrics: metrics.OrNop(opts.Metrics),
		mt:      memtable.New(memtable.Config{MaxEntryBytes: opts.MaxEntryBytes}),
	}

	if err := s.prepareDir(opts); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", dberrors.ErrOpen, path, err)
	}

	lock, err := env.Lock(env.PathJoin(path, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", dberrors.ErrOpen, path, err)
	}
	s.lock = lock

	if opts.FailOnWrite {
		env.SetFailOnWrite(true)
	}

	start := time.Now()
	rec, err := s.recover(opts)
	if err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("%w: %s: %w", dberrors.ErrOpen, path, err)
	}
	metrics.ObserveSince(s.metrics, "store_recovery_seconds", nil, start)

	s.seqN = clock.NewAtomic(rec.LastSeq)
	s.metrics.SetGauge("store_index_keys", nil, float64(s.mt.Len()))

	if opts.WALSyncInterval > 0 {
		s.startSyncer(opts.WALSyncInterval)
	}

	s.log.Info("store opened",
		"manual_wal_flush", opts.ManualWALFlush,
		"recovery_mode", opts.RecoveryMode.String(),
		"keys", s.mt.Len(),
		"seq", rec.LastSeq,
	)
	return s, nil
}

func (s *Store) prepareDir(opts Options) error {
	exists, err := s.env.Exists(s.path)
	if err != nil {
		return err
	}
	if !exists {
		if !opts.CreateIfMissing {
			return ErrPathNotFound
		}
		return s.env.MkdirAll(s.path)
	}

	if opts.ErrorIfExists {
		hasWAL, err := s.env.Exists(s.walPath())
		if err != nil {
			return err
		}
		if hasWAL {
			return ErrAlreadyExists
		}
	}
	return nil
}

func (s *Store) walPath() string {
	return s.env.PathJoin(s.path, walFileName)
}

// startSyncer runs FlushWAL(true) on every tick until Close.
func (s *Store) startSyncer(interval time.Duration) {
	ticker := time.NewTicker(interval)
	job := listener.New(ticker.C,
		func(time.Time) error {
			if err := s.FlushWAL(true); err != nil && !errors.Is(err, dberrors.ErrClosed) {
				return err
			}
			return nil
		},
		listener.OnStop[time.Time](ticker.Stop),
		listener.OnError[time.Time](func(err error) {
			s.log.Warn("background wal sync failed", "error", err)
		}),
	)
	job.Start(context.Background())
	s.syncer = job
}

func (s *Store) Put(key, value []byte, wo WriteOptions) error {
	b := batch.New()
	b.Put(key, value)
	return s.Write(b, wo)
}

func (s *Store) Delete(key []byte, wo WriteOptions) error {
	b := batch.New()
	b.Delete(key)
	return s.Write(b, wo)
}

// Write commits every entry of b or none of them.
func (s *Store) Write(b *batch.Batch, wo WriteOptions) error {
	if b == nil || b.Count() == 0 {
		return nil
	}
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	if wo.DisableWAL && wo.Sync {
		return fmt.Errorf("%w: %w: %w", dberrors.ErrWrite, dberrors.ErrInvalidArgument, ErrSyncWithoutWAL)
	}

	entries := b.Entries()
	records := make([]wal.Record, 0, len(entries))
	for _, e := range entries {
		if len(e.Key) == 0 {
			return fmt.Errorf("%w: %w: %w", dberrors.ErrWrite, dberrors.ErrInvalidArgument, ErrEmptyKey)
		}
		if err := s.mt.CheckEntry(e.Key, e.Value); err != nil {
			return fmt.Errorf("%w: %w: %w", dberrors.ErrWrite, dberrors.ErrInvalidArgument, err)
		}
		records = append(records, wal.Record{Kind: e.Kind, Key: e.Key, Value: e.Value})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	start := time.Now()
	seq := s.seqN.Val() + 1
	if !wo.DisableWAL {
		if err := s.jr.Append(wal.Batch{Seq: seq, Records: records}, wo.Sync); err != nil {
			s.metrics.IncCounter("store_write_errors_total", nil, 1)
			return fmt.Errorf("%w: %w", dberrors.ErrWrite, err)
		}
	}
	s.seqN.Reserve(len(records))

	for i, r := range records {
		if err := s.mt.Upsert(r.Key, r.Value, seq+types.SeqN(i), r.Kind); err != nil {
			// sizes were checked above
			return fmt.Errorf("%w: index: %w", dberrors.ErrWrite, err)
		}
	}

	walLabel := "on"
	if wo.DisableWAL {
		walLabel = "off"
		s.unlogged.Add(int64(len(records)))
	}
	s.metrics.IncCounter("store_writes_total", map[string]string{"wal": walLabel}, float64(len(records)))
	s.metrics.SetGauge("store_index_keys", nil, float64(s.mt.Len()))
	metrics.ObserveSince(s.metrics, "store_write_seconds", nil, start)
	return nil
}

// Get returns a copy of the latest value for key.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, dberrors.ErrClosed
	}
	if len(key) == 0 {
		return nil, false, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, ErrEmptyKey)
	}

	item, ok := s.mt.Get(key)
	if !ok || item.Deleted() {
		s.metrics.IncCounter("store_reads_total", map[string]string{"result": "miss"}, 1)
		return nil, false, nil
	}
	s.metrics.IncCounter("store_reads_total", map[string]string{"result": "hit"}, 1)
	return bytes.Clone(item.Value), true, nil
}

func (s *Store) PutString(key string, value string) error {
	return s.Put([]byte(key), []byte(value), WriteOptions{})
}

func (s *Store) GetString(key string) (string, bool, error) {
	value, found, err := s.Get([]byte(key))
	if err != nil || !found {
		return "", found, err
	}
	return string(value), true, nil
}

func (s *Store) DeleteString(key string) error {
	return s.Delete([]byte(key), WriteOptions{})
}

// FlushWAL pushes the WAL to the medium. With sync set, every logged write
// so far survives a crash once it returns.
func (s *Store) FlushWAL(sync bool) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if err := s.jr.Flush(sync); err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrFlush, err)
	}
	return nil
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Seq:              s.seqN.Val(),
		LoggedSeq:        s.jr.LastSeq(),
		DurableSeq:       s.jr.DurableSeq(),
		WALOffset:        s.jr.Offset(),
		WALDurableOffset: s.jr.DurableOffset(),
		Keys:             s.mt.Len(),
		IndexBytes:       s.mt.ApproxBytes(),
		UnloggedWrites:   s.unlogged.Load(),
	}
}

// Env returns the medium the store was opened on.
func (s *Store) Env() *faultfs.Env {
	return s.env
}

// Close releases the handle. The WAL is not synced: whatever was not made
// durable stays at the mercy of the Env, and unlogged writes are gone.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.syncer != nil {
		s.syncer.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.jr.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.lock.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: release lock: %w", dberrors.ErrIO, err))
	}

	if n := s.unlogged.Load(); n > 0 {
		s.log.Info("discarding unlogged writes", "count", n)
	}
	s.log.Info("store closed")
	return errors.Join(errs...)
}
