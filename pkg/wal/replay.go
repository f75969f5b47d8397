package wal

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"walkv/pkg/dberrors"
	"walkv/pkg/types"
)

// RecoveryMode decides what replay does with bytes that do not form a valid frame.
type RecoveryMode int

const (
	// PointInTime stops at the first incomplete or invalid frame and keeps
	// everything before it.
	PointInTime RecoveryMode = iota
	// TolerateCorruptedTail drops an incomplete trailing frame but fails on a
	// complete frame that does not verify.
	TolerateCorruptedTail
	// AbsoluteConsistency fails unless every byte belongs to a valid frame.
	AbsoluteConsistency
)

func (m RecoveryMode) String() string {
	switch m {
	case PointInTime:
		return "point-in-time"
	case TolerateCorruptedTail:
		return "tolerate-corrupted-tail"
	case AbsoluteConsistency:
		return "absolute-consistency"
	default:
		return fmt.Sprintf("recovery-mode(%d)", int(m))
	}
}

func ParseRecoveryMode(s string) (RecoveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "point-in-time":
		return PointInTime, nil
	case "tolerate-corrupted-tail":
		return TolerateCorruptedTail, nil
	case "absolute-consistency":
		return AbsoluteConsistency, nil
	default:
		return 0, fmt.Errorf("%w: recovery mode %q", dberrors.ErrInvalidArgument, s)
	}
}

type StopReason int

const (
	StopEOF StopReason = iota
	StopTruncated
	StopCorrupt
)

func (s StopReason) String() string {
	switch s {
	case StopEOF:
		return "eof"
	case StopTruncated:
		return "truncated"
	case StopCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Recovered describes the valid prefix found by Replay.
type Recovered struct {
	ValidSize    int64
	LastSeq      types.SeqN
	Batches      int
	Records      int
	DroppedBytes int64
	Stop         StopReason
	// Cause is the decode error that ended the scan, nil at a clean end.
	Cause error

	ends []batchEnd
}

type batchEnd struct {
	offset int64
	seq    types.SeqN
}

// SeqAt returns the last sequence number whose frame ends at or before off.
func (r Recovered) SeqAt(off int64) types.SeqN {
	i := sort.Search(len(r.ends), func(i int) bool { return r.ends[i].offset > off })
	if i == 0 {
		return 0
	}
	return r.ends[i-1].seq
}

// Replay folds every valid batch of data, in log order, into apply. It reads
// nothing but data, so equal inputs give equal results.
func Replay(data []byte, mode RecoveryMode, apply func(Batch) error) (Recovered, error) {
	var rec Recovered

	for off := 0; off < len(data); {
		b, n, err := nextBatch(data[off:], rec.LastSeq)
		if err != nil {
			return rec.stop(int64(off), int64(len(data)), mode, err)
		}
		if err := apply(b); err != nil {
			return rec, fmt.Errorf("apply batch %d: %w", b.Seq, err)
		}

		off += n
		rec.ValidSize = int64(off)
		rec.LastSeq = b.LastSeq()
		rec.Batches++
		rec.Records += len(b.Records)
		rec.ends = append(rec.ends, batchEnd{offset: rec.ValidSize, seq: rec.LastSeq})
	}

	return rec, nil
}

func nextBatch(data []byte, lastSeq types.SeqN) (Batch, int, error) {
	payload, n, err := DecodeFrame(data)
	if err != nil {
		return Batch{}, 0, err
	}
	b, err := DecodeBatch(payload)
	if err != nil {
		return Batch{}, 0, err
	}
	if b.Seq <= lastSeq {
		return Batch{}, 0, fmt.Errorf("%w: sequence %d after %d", ErrCorruptRecord, b.Seq, lastSeq)
	}
	return b, n, nil
}

func (r *Recovered) stop(off, size int64, mode RecoveryMode, cause error) (Recovered, error) {
	r.DroppedBytes = size - off
	r.Cause = cause
	r.Stop = StopCorrupt
	if errors.Is(cause, ErrTruncatedFrame) {
		r.Stop = StopTruncated
	}

	switch {
	case mode == AbsoluteConsistency,
		mode == TolerateCorruptedTail && r.Stop == StopCorrupt:
		return *r, fmt.Errorf("%w: offset %d: %w", dberrors.ErrCorruption, off, cause)
	}
	return *r, nil
}
