package kvdao

import (
	"bytes"
)

// IndexDelta holds the index entry mutations caused by one primary write, per
// index in definition order, deletes before inserts, each sorted by key.
type IndexDelta struct {
	Ops []BatchOp
}

func (d IndexDelta) IsEmpty() bool { return len(d.Ops) == 0 }

// AppendTo adds the delta to the batch carrying the primary op.
func (d IndexDelta) AppendTo(b *WriteBatch) {
	for _, op := range d.Ops {
		switch op.Op {
		case OpPut:
			b.Put(op.Partition, op.Key, op.Value)
		case OpDelete:
			b.Delete(op.Partition, op.Key)
		default:
			panic("unreachable")
		}
	}
}

// IndexMaintainer computes index entry changes from old and new entity states.
type IndexMaintainer[V any] struct {
	indexes []*IndexDef[V]
}

func NewIndexMaintainer[V any](indexes []*IndexDef[V]) *IndexMaintainer[V] {
	return &IndexMaintainer[V]{indexes: indexes}
}

func (m *IndexMaintainer[V]) Indexes() []*IndexDef[V] {
	return m.indexes
}

// ComputeDelta returns the index changes for replacing old (nil if the record
// did not exist) with next under primary key pk. An index whose value set did
// not change contributes nothing.
func (m *IndexMaintainer[V]) ComputeDelta(old, next *V, pk []byte) (IndexDelta, error) {
	var d IndexDelta
	for _, idx := range m.indexes {
		oldVals, err := idx.Values(old)
		if err != nil {
			return IndexDelta{}, err
		}
		newVals, err := idx.Values(next)
		if err != nil {
			return IndexDelta{}, err
		}
		removed, added := diffSorted(oldVals, newVals)
		for _, v := range removed {
			d.Ops = append(d.Ops, BatchOp{OpDelete, idx.partition, IndexEntryKey(v, pk), nil})
		}
		for _, v := range added {
			d.Ops = append(d.Ops, BatchOp{OpPut, idx.partition, IndexEntryKey(v, pk), []byte{}})
		}
	}
	return d, nil
}

// ComputeDeleteAll returns deletes for every index entry of old.
func (m *IndexMaintainer[V]) ComputeDeleteAll(old *V, pk []byte) (IndexDelta, error) {
	return m.ComputeDelta(old, nil, pk)
}

// diffSorted walks two sorted, duplicate-free lists and returns the values
// only in old and the values only in next.
func diffSorted(old, next [][]byte) (removed, added [][]byte) {
	i, j := 0, 0
	for i < len(old) && j < len(next) {
		switch c := bytes.Compare(old[i], next[j]); {
		case c < 0:
			removed = append(removed, old[i])
			i++
		case c > 0:
			added = append(added, next[j])
			j++
		default:
			i++
			j++
		}
	}
	removed = append(removed, old[i:]...)
	added = append(added, next[j:]...)
	return removed, added
}
