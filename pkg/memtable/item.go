package memtable

import "walkv/pkg/types"

type Item struct {
	Key   []byte
	Value []byte
	SeqN  types.SeqN
	Kind  types.Kind
}

// Deleted reports whether the item is a tombstone.
func (it *Item) Deleted() bool {
	return it.Kind == types.KindDelete
}
