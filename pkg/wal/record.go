package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"

	"walkv/pkg/types"
)

// Frame layout: length u32 LE | crc32 u32 LE | payload.
const frameHeaderSize = 8

// maxPayloadSize caps the length read from a header. A larger value can only
// come from a damaged header.
const maxPayloadSize = 1 << 30

var (
	ErrTruncatedFrame = errors.New("wal: truncated frame")
	ErrChecksum       = errors.New("wal: checksum mismatch")
	ErrCorruptRecord  = errors.New("wal: corrupt record")
)

const (
	fieldBatchSeq    protowire.Number = 1
	fieldBatchRecord protowire.Number = 2

	fieldRecordKind  protowire.Number = 1
	fieldRecordKey   protowire.Number = 2
	fieldRecordValue protowire.Number = 3
)

type Record struct {
	Kind  types.Kind
	Key   []byte
	Value []byte
}

// Batch is the unit of atomicity in the log. Record i carries sequence Seq+i.
type Batch struct {
	Seq     types.SeqN
	Records []Record
}

func (b Batch) LastSeq() types.SeqN {
	if len(b.Records) == 0 {
		return b.Seq
	}
	return b.Seq + types.SeqN(len(b.Records)) - 1
}

func EncodeBatch(b Batch) []byte {
	buf := protowire.AppendTag(nil, fieldBatchSeq, protowire.VarintType)
	buf = protowire.AppendVarint(buf, b.Seq)

	var rec []byte
	for _, r := range b.Records {
		rec = rec[:0]
		rec = protowire.AppendTag(rec, fieldRecordKind, protowire.VarintType)
		rec = protowire.AppendVarint(rec, uint64(r.Kind))
		rec = protowire.AppendTag(rec, fieldRecordKey, protowire.BytesType)
		rec = protowire.AppendBytes(rec, r.Key)
		if r.Kind == types.KindPut {
			rec = protowire.AppendTag(rec, fieldRecordValue, protowire.BytesType)
			rec = protowire.AppendBytes(rec, r.Value)
		}

		buf = protowire.AppendTag(buf, fieldBatchRecord, protowire.BytesType)
		buf = protowire.AppendBytes(buf, rec)
	}
	return buf
}

// DecodeBatch parses a frame payload. Keys and values are copied out of p.
func DecodeBatch(p []byte) (Batch, error) {
	var (
		b      Batch
		hasSeq bool
	)
	for len(p) > 0 {
		num, typ, n := protowire.ConsumeTag(p)
		if n < 0 {
			return Batch{}, fmt.Errorf("%w: %w", ErrCorruptRecord, protowire.ParseError(n))
		}
		p = p[n:]

		switch {
		case num == fieldBatchSeq && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(p)
			b.Seq, hasSeq = v, true
		case num == fieldBatchRecord && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(p)
			if n >= 0 {
				r, err := decodeRecord(v)
				if err != nil {
					return Batch{}, err
				}
				b.Records = append(b.Records, r)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, p)
		}
		if n < 0 {
			return Batch{}, fmt.Errorf("%w: %w", ErrCorruptRecord, protowire.ParseError(n))
		}
		p = p[n:]
	}

	switch {
	case !hasSeq || b.Seq == 0:
		return Batch{}, fmt.Errorf("%w: missing sequence", ErrCorruptRecord)
	case len(b.Records) == 0:
		return Batch{}, fmt.Errorf("%w: empty batch", ErrCorruptRecord)
	}
	return b, nil
}

func decodeRecord(p []byte) (Record, error) {
	var r Record
	for len(p) > 0 {
		num, typ, n := protowire.ConsumeTag(p)
		if n < 0 {
			return Record{}, fmt.Errorf("%w: %w", ErrCorruptRecord, protowire.ParseError(n))
		}
		p = p[n:]

		switch {
		case num == fieldRecordKind && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(p)
			r.Kind = types.Kind(v)
		case num == fieldRecordKey && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(p)
			r.Key = bytes.Clone(v)
		case num == fieldRecordValue && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(p)
			r.Value = bytes.Clone(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, p)
		}
		if n < 0 {
			return Record{}, fmt.Errorf("%w: %w", ErrCorruptRecord, protowire.ParseError(n))
		}
		p = p[n:]
	}

	if r.Kind != types.KindPut && r.Kind != types.KindDelete {
		return Record{}, fmt.Errorf("%w: unknown kind %d", ErrCorruptRecord, r.Kind)
	}
	if len(r.Key) == 0 {
		return Record{}, fmt.Errorf("%w: empty key", ErrCorruptRecord)
	}
	if r.Kind == types.KindPut && r.Value == nil {
		r.Value = []byte{}
	}
	return r, nil
}

func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// DecodeFrame reads one frame from the start of data and returns its payload
// and total size. ErrTruncatedFrame means data ends inside the frame.
func DecodeFrame(data []byte) ([]byte, int, error) {
	if len(data) < frameHeaderSize {
		return nil, 0, ErrTruncatedFrame
	}
	size := binary.LittleEndian.Uint32(data[:4])
	if size > maxPayloadSize {
		return nil, 0, fmt.Errorf("%w: payload length %d", ErrCorruptRecord, size)
	}
	end := frameHeaderSize + int(size)
	if len(data) < end {
		return nil, 0, ErrTruncatedFrame
	}

	payload := data[frameHeaderSize:end]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(data[4:8]) {
		return nil, 0, ErrChecksum
	}
	return payload, end, nil
}
