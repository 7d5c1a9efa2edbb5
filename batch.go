package kvdao

import (
	"fmt"
	"strings"
)

type Op int

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// BatchOp is a single mutation of a WriteBatch.
type BatchOp struct {
	Op        Op
	Partition string
	Key       []byte
	Value     []byte
}

func (op BatchOp) String() string {
	if op.Op == OpPut {
		return fmt.Sprintf("%s %s/%s (%d bytes)", op.Op, op.Partition, loggableKey(op.Key), len(op.Value))
	}
	return fmt.Sprintf("%s %s/%s", op.Op, op.Partition, loggableKey(op.Key))
}

// WriteBatch is an ordered list of puts and deletes applied atomically by
// Session.Write. Later ops on the same key win. A batch keeps references to
// the keys and values it was given; do not modify them until it is written.
type WriteBatch struct {
	ops []BatchOp
}

func NewWriteBatch() *WriteBatch {
	return &WriteBatch{}
}

func (b *WriteBatch) Put(partition string, key, value []byte) {
	if value == nil {
		value = []byte{}
	}
	b.ops = append(b.ops, BatchOp{OpPut, partition, key, value})
}

func (b *WriteBatch) Delete(partition string, key []byte) {
	b.ops = append(b.ops, BatchOp{OpDelete, partition, key, nil})
}

// Ops returns a copy of the operations in insertion order.
func (b *WriteBatch) Ops() []BatchOp {
	return append([]BatchOp(nil), b.ops...)
}

func (b *WriteBatch) Len() int      { return len(b.ops) }
func (b *WriteBatch) IsEmpty() bool { return len(b.ops) == 0 }

// Reset empties the batch, keeping its capacity.
func (b *WriteBatch) Reset() {
	clear(b.ops)
	b.ops = b.ops[:0]
}

func (b *WriteBatch) String() string {
	var buf strings.Builder
	for i, op := range b.ops {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(op.String())
	}
	return buf.String()
}

func (b *WriteBatch) partitions() []string {
	var out []string
	seen := make(map[string]bool)
	for _, op := range b.ops {
		if !seen[op.Partition] {
			seen[op.Partition] = true
			out = append(out, op.Partition)
		}
	}
	return out
}
