package memtable

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"walkv/pkg/types"
)

var (
	ErrTooLargeEntry = errors.New("entry is too large")
)

// entryOverhead approximates the per-entry cost of the seq and kind fields.
const entryOverhead = 9

type Config struct {
	// MaxEntryBytes bounds key+value+overhead. Zero means unlimited.
	MaxEntryBytes int
}

type concurrentSet = skipmap.FuncMap[[]byte, Item]

// Memtable maps each key to its latest item. Reads are lock-free; writers are
// serialized so that an older sequence never replaces a newer one.
type Memtable struct {
	cfg  Config
	size atomic.Int64

	mu         sync.Mutex
	underlying *concurrentSet
}

func New(cfg Config) *Memtable {
	return &Memtable{
		cfg: cfg,
		underlying: skipmap.NewFunc[[]byte, Item](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func entrySize(k, value []byte) int {
	return len(k) + len(value) + entryOverhead
}

// CheckEntry reports whether Upsert would accept k and value on size grounds.
func (mt *Memtable) CheckEntry(k, value []byte) error {
	if mt.cfg.MaxEntryBytes <= 0 {
		return nil
	}
	if size := entrySize(k, value); size > mt.cfg.MaxEntryBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLargeEntry, size, mt.cfg.MaxEntryBytes)
	}
	return nil
}

func (mt *Memtable) Get(k []byte) (Item, bool) {
	return mt.underlying.Load(k)
}

// Upsert stores value under k unless the stored item already has a higher
// sequence number.
func (mt *Memtable) Upsert(k, value []byte, seqN types.SeqN, kind types.Kind) error {
	if err := mt.CheckEntry(k, value); err != nil {
		return err
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	old, ok := mt.underlying.Load(k)
	if ok && old.SeqN > seqN {
		return nil
	}

	mt.underlying.Store(k, Item{
		Key:   k,
		Value: value,
		SeqN:  seqN,
		Kind:  kind,
	})

	delta := entrySize(k, value)
	if ok {
		delta -= entrySize(old.Key, old.Value)
	}
	mt.size.Add(int64(delta))
	return nil
}

// Len counts stored items, tombstones included.
func (mt *Memtable) Len() int {
	return mt.underlying.Len()
}

// ApproxBytes is the summed size of every stored entry.
func (mt *Memtable) ApproxBytes() int64 {
	return mt.size.Load()
}

// Range visits items in key order until fn returns false.
func (mt *Memtable) Range(fn func(Item) bool) {
	mt.underlying.Range(func(_ []byte, it Item) bool {
		return fn(it)
	})
}

// Sorted returns a key-ordered copy of every item.
func (mt *Memtable) Sorted() []Item {
	result := make([]Item, 0, mt.Len())
	mt.Range(func(it Item) bool {
		result = append(result, it)
		return true
	})
	return result
}
