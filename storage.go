package kvdao

// Engine is an embedded ordered key-value store with named partitions.
// Keys within a partition are ordered as unsigned byte strings.
//
// Outside of a transaction every Get and every Iterator observes a consistent
// state of its own; Write applies a batch atomically.
type Engine interface {
	// CreatePartition creates a partition if it doesn't exist.
	CreatePartition(name string) error

	HasPartition(name string) (bool, error)

	// Partitions lists partition names in ascending order.
	Partitions() ([]string, error)

	// PartitionStats reports the key count and the stored byte size of a
	// partition. Backends that don't track allocation report the sum of key
	// and value lengths.
	PartitionStats(name string) (PartitionStats, error)

	// Get returns a copy of the value, or nil if the key does not exist.
	Get(partition string, key []byte) ([]byte, error)

	// NewIterator returns an iterator over a point-in-time view of the
	// partition. The caller must close it.
	NewIterator(partition string) (Iterator, error)

	// Write applies all ops of the batch atomically.
	Write(b *WriteBatch) error

	Begin(opt TxOptions) (EngineTx, error)

	Close() error
}

// EngineTx is an engine transaction. Reads observe the transaction's own
// writes.
type EngineTx interface {
	Get(partition string, key []byte) ([]byte, error)
	NewIterator(partition string) (Iterator, error)
	Write(b *WriteBatch) error

	Commit() error

	// Rollback aborts the transaction. It is safe to call after Commit or
	// another Rollback.
	Rollback() error
}

// Iterator moves over the keys of one partition. Every movement returns the
// key and value at the new position, or a nil key when it moves past either
// end. The returned slices are only valid until the next movement or Close.
type Iterator interface {
	// First moves to the first key.
	First() (key, value []byte)

	// Last moves to the last key.
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// SeekBefore moves to the last key < seek.
	SeekBefore(seek []byte) (key, value []byte)

	Next() (key, value []byte)
	Prev() (key, value []byte)

	// Err reports a failure that ended iteration early.
	Err() error

	Close() error
}

// TxOptions configure a transaction.
type TxOptions struct {
	ReadOnly bool

	// RepeatableRead asks for every read of the transaction to observe the
	// state at its start (besides its own writes). Engines that cannot offer
	// it for a given combination of options return ErrUnsupported.
	RepeatableRead bool
}

type PartitionStats struct {
	Keys  int
	Size  int64
	Alloc int64
}

// EngineKind selects a built-in engine in Options.
type EngineKind string

const (
	EngineBolt   EngineKind = "bolt"
	EnginePebble EngineKind = "pebble"
	EngineBadger EngineKind = "badger"
	EngineMemory EngineKind = "memory"
)

// metaPrefix starts the keys of engine bookkeeping records in engines that
// emulate partitions with key prefixes. Partition names never contain 0x00,
// so no partition prefix starts with it.
const metaPrefix = "\x00partition\x00"

// keySuccessor returns the smallest key greater than k.
func keySuccessor(k []byte) []byte {
	out := make([]byte, len(k)+1)
	copy(out, k)
	return out
}
