package store

import (
	"fmt"

	"walkv/pkg/dberrors"
	"walkv/pkg/wal"
)

// recover rebuilds the index from the WAL and leaves s.jr ready for appends.
// A store without a WAL file starts a fresh one.
func (s *Store) recover(opts Options) (wal.Recovered, error) {
	walOpts := wal.Options{
		ManualFlush: opts.ManualWALFlush,
		Logger:      opts.Logger,
		Metrics:     s.metrics,
	}

	exists, err := s.env.Exists(s.walPath())
	if err != nil {
		return wal.Recovered{}, err
	}
	if !exists {
		jr, err := wal.Create(s.env, s.walPath(), walOpts)
		if err != nil {
			return wal.Recovered{}, err
		}
		s.jr = jr
		return wal.Recovered{}, nil
	}

	data, err := s.env.ReadFile(s.walPath())
	if err != nil {
		return wal.Recovered{}, err
	}

	rec, err := wal.Replay(data, opts.RecoveryMode, func(b wal.Batch) error {
		for i, r := range b.Records {
			if err := s.mt.Upsert(r.Key, r.Value, b.Seq+uint64(i), r.Kind); err != nil {
				return fmt.Errorf("record %d: %w", b.Seq+uint64(i), err)
			}
		}
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("replay %s: %w", s.walPath(), err)
	}

	// Only an unsynced tail or a torn last frame may be cut. An invalid frame
	// followed by synced bytes means committed records would be lost.
	synced, err := s.env.SyncedSize(s.walPath())
	if err != nil {
		return rec, err
	}
	if rec.Stop == wal.StopCorrupt && rec.ValidSize < synced {
		s.metrics.IncCounter("store_recovery_corruptions_total", nil, 1)
		return rec, fmt.Errorf("%w: %s: invalid frame at offset %d inside %d synced bytes: %w",
			dberrors.ErrCorruption, s.walPath(), rec.ValidSize, synced, rec.Cause)
	}

	if rec.DroppedBytes > 0 {
		s.log.Warn("discarding invalid wal tail",
			"valid_bytes", rec.ValidSize,
			"dropped_bytes", rec.DroppedBytes,
			"stop", rec.Stop.String(),
			"cause", rec.Cause,
		)
		s.metrics.IncCounter("store_recovery_dropped_bytes_total", nil, float64(rec.DroppedBytes))
	}
	s.log.Info("wal replayed",
		"batches", rec.Batches,
		"records", rec.Records,
		"last_seq", rec.LastSeq,
	)

	jr, err := wal.Open(s.env, s.walPath(), rec, walOpts)
	if err != nil {
		return rec, err
	}
	s.jr = jr
	return rec, nil
}
