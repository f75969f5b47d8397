package clock

import (
	"sync/atomic"

	"walkv/pkg/types"
)

// AtomicClock hands out sequence numbers. The value it holds is the last
// number issued, so a fresh clock issues init+1 first.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init types.SeqN) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() types.SeqN {
	return ac.Load()
}

func (ac *AtomicClock) Next() types.SeqN {
	return ac.Add(1)
}

// Reserve issues n consecutive numbers and returns the first one.
func (ac *AtomicClock) Reserve(n int) types.SeqN {
	return ac.Add(uint64(n)) - uint64(n) + 1
}

func (ac *AtomicClock) Set(t types.SeqN) {
	ac.Store(t)
}
