package wal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"walkv/pkg/dberrors"
	"walkv/pkg/faultfs"
	"walkv/pkg/metrics"
	"walkv/pkg/types"
)

var (
	// ErrPoisoned is returned once a failed append could not be rolled back.
	// The file may hold a partial frame, so nothing more is written to it.
	ErrPoisoned      = errors.New("wal: log poisoned by failed rollback")
	ErrSequenceOrder = errors.New("wal: sequence not increasing")
	ErrEmptyBatch    = errors.New("wal: empty batch")
	ErrClosed        = errors.New("wal: closed")
)

type Options struct {
	// ManualFlush leaves syncing to the caller: Append syncs only when asked.
	ManualFlush bool
	Logger      *slog.Logger
	Metrics     metrics.Collector
}

// logFile is the part of *faultfs.File the log writes through.
type logFile interface {
	Write(p []byte) (int, error)
	Sync() error
	Truncate(size int64) error
	Size() int64
	SyncedSize() int64
	Close() error
}

// WAL appends framed batches to a single file on a faultfs.Env.
type WAL struct {
	mu   sync.Mutex
	file logFile
	name string

	manualFlush bool
	log         *slog.Logger
	metrics     metrics.Collector

	offset     int64
	durable    int64
	lastSeq    types.SeqN
	durableSeq types.SeqN

	poisoned error
	closed   bool
}

// Create starts an empty log at name, replacing any existing file.
func Create(env *faultfs.Env, name string, opts Options) (*WAL, error) {
	f, err := env.Create(name)
	if err != nil {
		return nil, fmt.Errorf("%w: create wal %s: %w", dberrors.ErrIO, name, err)
	}

	w := newWAL(f, name, opts)
	w.log.Info("wal created", "file", name, "manual_flush", w.manualFlush)
	return w, nil
}

// Open continues a replayed log. Everything past rec.ValidSize is cut off
// before the first append.
func Open(env *faultfs.Env, name string, rec Recovered, opts Options) (*WAL, error) {
	f, err := env.ReopenForAppend(name, rec.ValidSize)
	if err != nil {
		return nil, fmt.Errorf("%w: reopen wal %s: %w", dberrors.ErrIO, name, err)
	}

	w := newWAL(f, name, opts)
	w.offset = rec.ValidSize
	w.durable = min(f.SyncedSize(), rec.ValidSize)
	w.lastSeq = rec.LastSeq
	w.durableSeq = rec.SeqAt(w.durable)

	w.log.Info("wal opened",
		"file", name,
		"offset", w.offset,
		"durable_offset", w.durable,
		"last_seq", w.lastSeq,
		"durable_seq", w.durableSeq,
	)
	return w, nil
}

func newWAL(f logFile, name string, opts Options) *WAL {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &WAL{
		file:        f,
		name:        name,
		manualFlush: opts.ManualFlush,
		log:         log.With("component", "wal"),
		metrics:     metrics.OrNop(opts.Metrics),
	}
}

// Append writes b as one frame with a single medium write. The frame is
// synced before Append returns when sync is set or the log is not in manual
// flush mode. On failure the log is left as it was before the call.
func (w *WAL) Append(b Batch, sync bool) error {
	if len(b.Records) == 0 {
		return ErrEmptyBatch
	}
	frame := EncodeFrame(EncodeBatch(b))

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return err
	}
	if b.Seq <= w.lastSeq {
		return fmt.Errorf("%w: %d after %d", ErrSequenceOrder, b.Seq, w.lastSeq)
	}

	start := time.Now()
	prev := w.offset

	if _, err := w.file.Write(frame); err != nil {
		return w.rollback(prev, "write", err)
	}
	if sync || !w.manualFlush {
		if err := w.file.Sync(); err != nil {
			return w.rollback(prev, "sync", err)
		}
		w.durable = prev + int64(len(frame))
		w.durableSeq = b.LastSeq()
	}

	w.offset = prev + int64(len(frame))
	w.lastSeq = b.LastSeq()

	w.metrics.IncCounter("wal_appends_total", nil, 1)
	w.metrics.IncCounter("wal_bytes_total", nil, float64(len(frame)))
	metrics.ObserveSince(w.metrics, "wal_append_seconds", nil, start)
	w.reportOffsets()
	return nil
}

// rollback cuts the file back to prev after a failed append.
func (w *WAL) rollback(prev int64, op string, cause error) error {
	w.metrics.IncCounter("wal_append_errors_total", map[string]string{"op": op}, 1)

	if w.file.Size() != prev {
		if err := w.file.Truncate(prev); err != nil {
			w.poisoned = fmt.Errorf("%w: %s failed at offset %d: %w", ErrPoisoned, op, prev, cause)
			w.log.Error("wal rollback failed, log poisoned",
				"file", w.name,
				"offset", prev,
				"cause", cause,
				"error", err,
			)
			return fmt.Errorf("%w: append: %w", dberrors.ErrIO, w.poisoned)
		}
	}

	return fmt.Errorf("%w: append %s: %w", dberrors.ErrIO, op, cause)
}

// Flush with sync set makes every appended batch durable. Without sync there
// is nothing to push: appends already reach the medium.
func (w *WAL) Flush(sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return err
	}
	if !sync {
		return nil
	}

	start := time.Now()
	if err := w.file.Sync(); err != nil {
		w.metrics.IncCounter("wal_sync_errors_total", nil, 1)
		return fmt.Errorf("%w: sync %s: %w", dberrors.ErrIO, w.name, err)
	}
	w.durable = w.offset
	w.durableSeq = w.lastSeq

	w.metrics.IncCounter("wal_syncs_total", nil, 1)
	metrics.ObserveSince(w.metrics, "wal_sync_seconds", nil, start)
	w.reportOffsets()
	return nil
}

func (w *WAL) usable() error {
	switch {
	case w.closed:
		return ErrClosed
	case w.poisoned != nil:
		return fmt.Errorf("%w: %w", dberrors.ErrIO, w.poisoned)
	}
	return nil
}

func (w *WAL) reportOffsets() {
	w.metrics.SetGauge("wal_offset_bytes", nil, float64(w.offset))
	w.metrics.SetGauge("wal_durable_offset_bytes", nil, float64(w.durable))
}

func (w *WAL) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// DurableOffset is the end of the last batch guaranteed to survive a crash.
func (w *WAL) DurableOffset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durable
}

func (w *WAL) LastSeq() types.SeqN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

func (w *WAL) DurableSeq() types.SeqN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durableSeq
}

func (w *WAL) Poisoned() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.poisoned != nil
}

// Close releases the file without syncing it. Calling Close twice is a no-op.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", dberrors.ErrIO, w.name, err)
	}
	if w.offset > w.durable {
		w.log.Info("wal closed with unsynced tail", "file", w.name, "bytes", w.offset-w.durable)
	}
	return nil
}
