package kvdao

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

type DumpFlags uint64

const (
	DumpEntityHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndexes
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the entities of the schema as seen by s, for debugging.
func (db *DB) Dump(s Session, f DumpFlags) (string, error) {
	var buf strings.Builder
	for _, ei := range db.schema.entities {
		err := db.dumpEntity(&buf, s, f, ei)
		if err != nil {
			return buf.String(), err
		}
	}
	return buf.String(), nil
}

func (db *DB) dumpEntity(w *strings.Builder, s Session, f DumpFlags, ei EntityInfo) error {
	prefix := ei.Name
	es, err := db.EntityStats(ei)
	if err != nil {
		return err
	}

	if f.Contains(DumpEntityHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, es.Rows)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_rows = %d, data_size = %d, data_alloc = %d, index_size = %d, index_alloc = %d, total_alloc = %d\n", prefix, es.IndexRows, es.DataSize, es.DataAlloc, es.IndexSize, es.IndexAlloc, es.TotalAlloc())
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		err := dumpPartition(s, ei.Partition, func(pos int, k, v []byte) {
			fmt.Fprintf(w, "%s.%d = %s => %s\n", prefix, pos, loggableKey(k), DescribeValue(v))
		})
		if err != nil {
			return err
		}
	}

	if f.Contains(DumpIndexes) {
		for _, ii := range ei.Indexes {
			fmt.Fprintln(w, dumpSep2)
			iprefix := prefix + ".i." + ii.Name
			fmt.Fprintf(w, "%s (%s)%s\n", iprefix, ii.Partition, map[bool]string{false: "", true: " UNIQUE"}[ii.Unique])
			if !f.Contains(DumpIndexRows) {
				continue
			}
			err := dumpPartition(s, ii.Partition, func(pos int, k, _ []byte) {
				fmt.Fprintf(w, "%s.%d: %s\n", iprefix, pos, DescribeIndexKey(k))
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func dumpPartition(s Session, partition string, f func(pos int, k, v []byte)) error {
	it, err := s.OpenIterator(partition)
	if err != nil {
		return err
	}
	defer it.Close()
	var pos int
	for k, v := it.First(); k != nil; k, v = it.Next() {
		pos++
		f(pos, k, v)
	}
	return it.Err()
}

// DescribeValue renders an encoded value without knowing its type: JSON
// documents as is, MessagePack converted to JSON, anything else as hex.
func DescribeValue(raw []byte) string {
	if len(raw) == 0 {
		return "<empty>"
	}
	if json.Valid(raw) {
		return string(raw)
	}
	var v any
	if err := msgpack.Unmarshal(raw, &v); err == nil {
		if j, err := json.Marshal(v); err == nil {
			return string(j)
		}
	}
	return hexstr(raw)
}

// DescribeIndexKey renders an index entry key as "value => pk".
func DescribeIndexKey(k []byte) string {
	value, pk, ok := splitIndexKey(k)
	if !ok {
		return "** MALFORMED " + hexstr(k)
	}
	if raw, err := UnescapeIndexValue(value); err == nil {
		value = raw
	}
	return loggableKey(value) + " => " + loggableKey(pk)
}
