package wal

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"walkv/pkg/dberrors"
	"walkv/pkg/types"
)

func logBytes(batches ...Batch) []byte {
	var buf []byte
	for _, b := range batches {
		buf = append(buf, EncodeFrame(EncodeBatch(b))...)
	}
	return buf
}

func collect(data []byte, mode RecoveryMode) (Recovered, []types.SeqN, error) {
	var seqs []types.SeqN
	rec, err := Replay(data, mode, func(b Batch) error {
		seqs = append(seqs, b.Seq)
		return nil
	})
	return rec, seqs, err
}

func TestReplay_Clean(t *testing.T) {
	data := logBytes(
		put(1, "a", "1"),
		Batch{Seq: 2, Records: []Record{
			{Kind: types.KindPut, Key: []byte("b"), Value: []byte("2")},
			{Kind: types.KindDelete, Key: []byte("a")},
		}},
		put(4, "c", "3"),
	)

	for _, mode := range []RecoveryMode{PointInTime, TolerateCorruptedTail, AbsoluteConsistency} {
		t.Run(mode.String(), func(t *testing.T) {
			rec, seqs, err := collect(data, mode)
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if !reflect.DeepEqual(seqs, []types.SeqN{1, 2, 4}) {
				t.Fatalf("unexpected batch order %v", seqs)
			}
			if rec.ValidSize != int64(len(data)) || rec.LastSeq != 4 || rec.Records != 4 || rec.Stop != StopEOF {
				t.Fatalf("unexpected summary %+v", rec)
			}
		})
	}
}

func TestReplay_Modes(t *testing.T) {
	good := logBytes(put(1, "a", "1"), put(2, "b", "2"))
	next := logBytes(put(3, "c", "3"))

	corrupt := append(bytes.Clone(good), next...)
	corrupt[len(corrupt)-1] ^= 0xff

	torn := append(bytes.Clone(good), next[:len(next)-3]...)

	outOfOrder := append(bytes.Clone(good), logBytes(put(2, "c", "3"))...)

	tests := []struct {
		name     string
		data     []byte
		mode     RecoveryMode
		wantErr  bool
		wantStop StopReason
	}{
		{name: "PointInTime/Torn", data: torn, mode: PointInTime, wantStop: StopTruncated},
		{name: "PointInTime/Corrupt", data: corrupt, mode: PointInTime, wantStop: StopCorrupt},
		{name: "PointInTime/OutOfOrder", data: outOfOrder, mode: PointInTime, wantStop: StopCorrupt},
		{name: "TolerateTail/Torn", data: torn, mode: TolerateCorruptedTail, wantStop: StopTruncated},
		{name: "TolerateTail/Corrupt", data: corrupt, mode: TolerateCorruptedTail, wantErr: true, wantStop: StopCorrupt},
		{name: "Absolute/Torn", data: torn, mode: AbsoluteConsistency, wantErr: true, wantStop: StopTruncated},
		{name: "Absolute/Corrupt", data: corrupt, mode: AbsoluteConsistency, wantErr: true, wantStop: StopCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, seqs, err := collect(tt.data, tt.mode)
			if tt.wantErr {
				if !errors.Is(err, dberrors.ErrCorruption) {
					t.Fatalf("expected ErrCorruption, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("replay: %v", err)
			}

			if !reflect.DeepEqual(seqs, []types.SeqN{1, 2}) {
				t.Fatalf("expected the valid prefix 1,2 applied, got %v", seqs)
			}
			if rec.ValidSize != int64(len(good)) {
				t.Fatalf("expected valid size %d, got %d", len(good), rec.ValidSize)
			}
			if rec.DroppedBytes != int64(len(tt.data)-len(good)) {
				t.Fatalf("expected %d dropped bytes, got %d", len(tt.data)-len(good), rec.DroppedBytes)
			}
			if rec.Stop != tt.wantStop || rec.Cause == nil {
				t.Fatalf("expected stop %v with a cause, got %v (%v)", tt.wantStop, rec.Stop, rec.Cause)
			}
		})
	}
}

func TestReplay_StopsAtFirstBadFrame(t *testing.T) {
	first := logBytes(put(1, "a", "1"))
	bad := logBytes(put(2, "b", "2"))
	bad[frameHeaderSize] ^= 0xff
	data := append(append(bytes.Clone(first), bad...), logBytes(put(3, "c", "3"))...)

	rec, seqs, err := collect(data, PointInTime)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !reflect.DeepEqual(seqs, []types.SeqN{1}) || rec.LastSeq != 1 {
		t.Fatalf("frames after a bad one must be ignored, got %v", seqs)
	}
}

func TestReplay_Idempotent(t *testing.T) {
	data := logBytes(put(1, "a", "1"), put(2, "a", "2"), put(3, "b", "3"))
	data = append(data, 0x01, 0x02)

	fold := func() map[string]string {
		idx := make(map[string]string)
		_, err := Replay(data, PointInTime, func(b Batch) error {
			for _, r := range b.Records {
				idx[string(r.Key)] = string(r.Value)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		return idx
	}

	first, second := fold(), fold()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replays differ: %v vs %v", first, second)
	}
	if first["a"] != "2" || first["b"] != "3" {
		t.Fatalf("unexpected index %v", first)
	}
}

func TestReplay_ApplyError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Replay(logBytes(put(1, "a", "1")), PointInTime, func(Batch) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected apply error, got %v", err)
	}
}

func TestRecovered_SeqAt(t *testing.T) {
	one := logBytes(put(1, "a", "1"))
	data := logBytes(put(1, "a", "1"), Batch{Seq: 2, Records: []Record{
		{Kind: types.KindPut, Key: []byte("b"), Value: []byte("2")},
		{Kind: types.KindPut, Key: []byte("c"), Value: []byte("3")},
	}})

	rec, _, err := collect(data, PointInTime)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	tests := []struct {
		off  int64
		want types.SeqN
	}{
		{off: 0, want: 0},
		{off: int64(len(one)) - 1, want: 0},
		{off: int64(len(one)), want: 1},
		{off: int64(len(data)) - 1, want: 1},
		{off: int64(len(data)), want: 3},
	}
	for _, tt := range tests {
		if got := rec.SeqAt(tt.off); got != tt.want {
			t.Errorf("SeqAt(%d): expected %d, got %d", tt.off, tt.want, got)
		}
	}
}

func TestParseRecoveryMode(t *testing.T) {
	for _, mode := range []RecoveryMode{PointInTime, TolerateCorruptedTail, AbsoluteConsistency} {
		got, err := ParseRecoveryMode(mode.String())
		if err != nil || got != mode {
			t.Fatalf("parse %q: got %v, %v", mode.String(), got, err)
		}
	}
	if got, err := ParseRecoveryMode(""); err != nil || got != PointInTime {
		t.Fatalf("empty mode must default to point-in-time, got %v, %v", got, err)
	}
	if _, err := ParseRecoveryMode("yolo"); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
