package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a position in the write-ahead log ordering. Every committed mutation,
// logged or not, consumes one.
type SeqN = uint64

// Kind tells a put from a tombstone in the log and in the index.
type Kind uint8

const (
	KindPut Kind = iota + 1
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}
