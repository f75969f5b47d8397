package batch

import (
	"bytes"

	"walkv/pkg/types"
)

// WriteBatch groups multiple mutations atomically.
type WriteBatch interface {
	Put(key types.Key, value types.Value)
	Delete(key types.Key)
	Clear()
	Count() int
}

type Entry struct {
	Kind  types.Kind
	Key   types.Key
	Value types.Value
}

// Batch is the in-memory WriteBatch. Keys and values are copied on insert, so
// callers may reuse their buffers.
type Batch struct {
	entries []Entry
	bytes   int
}

var _ WriteBatch = (*Batch)(nil)

func New() *Batch {
	return &Batch{}
}

func (b *Batch) Put(key types.Key, value types.Value) {
	b.add(types.KindPut, key, value)
}

func (b *Batch) Delete(key types.Key) {
	b.add(types.KindDelete, key, nil)
}

func (b *Batch) add(kind types.Kind, key types.Key, value types.Value) {
	e := Entry{Kind: kind, Key: bytes.Clone(key)}
	if kind == types.KindPut {
		e.Value = bytes.Clone(value)
		if e.Value == nil {
			e.Value = []byte{}
		}
	}
	b.entries = append(b.entries, e)
	b.bytes += len(key) + len(value)
}

func (b *Batch) Clear() {
	b.entries = b.entries[:0]
	b.bytes = 0
}

func (b *Batch) Count() int {
	return len(b.entries)
}

// Size is the summed length of every key and value.
func (b *Batch) Size() int {
	return b.bytes
}

// Entries returns the mutations in insertion order. The slice is shared with
// the batch and is only valid until the next change.
func (b *Batch) Entries() []Entry {
	return b.entries
}
