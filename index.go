package kvdao

import (
	"bytes"
	"fmt"
	"slices"
)

// IndexDef describes a secondary index over entities of type V. Each entity
// contributes zero or more indexed values; an entity contributing none is
// absent from the index.
type IndexDef[V any] struct {
	name      string
	partition string
	extract   func(v *V) [][]byte
	isUnique  bool

	// owner is the entity the index was registered with; the definition is
	// frozen from then on.
	owner string

	debugScans bool
}

type IndexOpt int

const (
	// IndexOptDebugScans logs every step of scans driven by the index.
	IndexOptDebugScans IndexOpt = iota
)

// Index defines a single-valued index. The extractor reports false when the
// entity has no value for the index.
func Index[V, T any](name, partition string, enc func(T) []byte, extract func(v *V) (T, bool), opts ...any) *IndexDef[V] {
	return newIndexDef(name, partition, func(v *V) [][]byte {
		t, ok := extract(v)
		if !ok {
			return nil
		}
		return [][]byte{enc(t)}
	}, opts)
}

// MultiIndex defines an index where each entity may have many values, for
// example one per tag.
func MultiIndex[V, T any](name, partition string, enc func(T) []byte, extract func(v *V) []T, opts ...any) *IndexDef[V] {
	return newIndexDef(name, partition, func(v *V) [][]byte {
		ts := extract(v)
		if len(ts) == 0 {
			return nil
		}
		out := make([][]byte, len(ts))
		for i, t := range ts {
			out[i] = enc(t)
		}
		return out
	}, opts)
}

// RawIndex defines an index from an extractor producing already encoded
// values. The values must not contain Separator; use the *Value encoders or
// EscapeIndexValue to get there.
func RawIndex[V any](name, partition string, extract func(v *V) [][]byte, opts ...any) *IndexDef[V] {
	return newIndexDef(name, partition, extract, opts)
}

func newIndexDef[V any](name, partition string, extract func(v *V) [][]byte, opts []any) *IndexDef[V] {
	if name == "" {
		panic("index name is required")
	}
	validatePartitionName(partition)
	idx := &IndexDef[V]{
		name:      name,
		partition: partition,
		extract:   extract,
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case IndexOpt:
			switch opt {
			case IndexOptDebugScans:
				idx.debugScans = true
			default:
				panic(fmt.Errorf("invalid option %T %v", opt, opt))
			}
		default:
			panic(fmt.Errorf("invalid option %T %v", opt, opt))
		}
	}
	return idx
}

// Unique makes writes fail with ErrUniqueViolation when another live record
// already has the same indexed value. It panics once the index has been
// passed to DefineEntity.
func (idx *IndexDef[V]) Unique() *IndexDef[V] {
	if idx.owner != "" {
		panic(fmt.Errorf("index %s is already registered with %s", idx.name, idx.owner))
	}
	idx.isUnique = true
	return idx
}

func (idx *IndexDef[V]) Name() string      { return idx.name }
func (idx *IndexDef[V]) Partition() string { return idx.partition }
func (idx *IndexDef[V]) IsUnique() bool    { return idx.isUnique }

// Values returns the set of indexed values of v, sorted and without
// duplicates. Nil values are dropped. A nil v has no values.
func (idx *IndexDef[V]) Values(v *V) ([][]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw := idx.extract(v)
	if len(raw) == 0 {
		return nil, nil
	}
	values := make([][]byte, 0, len(raw))
	for _, val := range raw {
		if val == nil {
			continue
		}
		if bytes.IndexByte(val, Separator) >= 0 {
			return nil, partitionErrf(idx.partition, idx.name, nil, ErrInvalidIndexValue, "value %x", val)
		}
		values = append(values, val)
	}
	slices.SortFunc(values, bytes.Compare)
	return slices.CompactFunc(values, bytes.Equal), nil
}
