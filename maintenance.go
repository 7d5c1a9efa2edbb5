package kvdao

import (
	"fmt"
	"strings"
)

const maxReportSamples = 10

// IndexReport summarizes the health of an index partition.
type IndexReport struct {
	Partition string
	Index     string
	Entries   int

	// Malformed entries have no separator or no primary key.
	Malformed int

	// Stale entries point at primary records that no longer exist.
	Stale int

	// Missing entries should exist for a record but don't. Mismatched
	// entries point at a live record that no longer has the value. Only
	// Dao.CheckIndex reports these.
	Missing    int
	Mismatched int

	// Samples holds the first few problematic index keys.
	Samples []string
}

func (r *IndexReport) OK() bool {
	return r.Malformed == 0 && r.Stale == 0 && r.Missing == 0 && r.Mismatched == 0
}

func (r *IndexReport) String() string {
	var buf strings.Builder
	name := r.Partition
	if r.Index != "" {
		name = r.Index + " (" + r.Partition + ")"
	}
	fmt.Fprintf(&buf, "%s: %d entries, %d malformed, %d stale, %d missing, %d mismatched", name, r.Entries, r.Malformed, r.Stale, r.Missing, r.Mismatched)
	for _, s := range r.Samples {
		buf.WriteString("\n  ")
		buf.WriteString(s)
	}
	return buf.String()
}

func (r *IndexReport) sample(kind string, key []byte) {
	if len(r.Samples) < maxReportSamples {
		r.Samples = append(r.Samples, kind+" "+hexstr(key))
	}
}

// verifyEntryFunc checks a live entry against the primary record it points at.
type verifyEntryFunc func(value, pk, raw []byte) (bool, error)

func walkIndex(s Session, primary, index string, r *IndexReport, verify verifyEntryFunc, broken func(k []byte)) error {
	it, err := s.OpenIterator(index)
	if err != nil {
		return err
	}
	defer it.Close()

	for k, _ := it.First(); k != nil; k, _ = it.Next() {
		r.Entries++
		value, pk, ok := splitIndexKey(k)
		if !ok {
			r.Malformed++
			r.sample("malformed", k)
			if broken != nil {
				broken(k)
			}
			continue
		}
		raw, err := s.Get(primary, pk)
		if err != nil {
			return err
		}
		if raw == nil {
			r.Stale++
			r.sample("stale", k)
			if broken != nil {
				broken(k)
			}
			continue
		}
		if verify != nil {
			ok, err := verify(value, pk, raw)
			if err != nil {
				return err
			}
			if !ok {
				r.Mismatched++
				r.sample("mismatched", k)
			}
		}
	}
	return it.Err()
}

// CheckIndexPartition counts malformed and stale entries of an index
// partition whose entries point into the primary partition.
func CheckIndexPartition(s Session, primary, index string) (IndexReport, error) {
	r := IndexReport{Partition: index}
	err := walkIndex(s, primary, index, &r, nil, nil)
	return r, err
}

// RepairIndexPartition deletes the malformed and stale entries of an index
// partition and returns how many were removed.
func RepairIndexPartition(s Session, primary, index string) (int, error) {
	var r IndexReport
	b := NewWriteBatch()
	err := walkIndex(s, primary, index, &r, nil, func(k []byte) {
		b.Delete(index, cloneBytes(k))
	})
	if err != nil {
		return 0, err
	}
	if s.DB().verbose {
		s.DB().logf("db: REPAIR %s: removing %d of %d entries", index, b.Len(), r.Entries)
	}
	return b.Len(), s.Write(b)
}

func (d *Dao[K, V]) index(name string) (*IndexDef[V], error) {
	idx := d.def.byName[name]
	if idx == nil {
		return nil, fmt.Errorf("%w %q in %s", ErrUnknownIndex, name, d.def.name)
	}
	return idx, nil
}

// CheckIndex verifies an index against the entity's records.
func (d *Dao[K, V]) CheckIndex(s Session, name string) (IndexReport, error) {
	idx, err := d.index(name)
	if err != nil {
		return IndexReport{}, err
	}
	r := IndexReport{Partition: idx.partition, Index: idx.name}
	err = walkIndex(s, d.def.partition, idx.partition, &r, func(value, pk, raw []byte) (bool, error) {
		v, err := d.def.decodeValue(pk, raw)
		if err != nil {
			return false, err
		}
		values, err := idx.Values(v)
		if err != nil {
			return false, err
		}
		for _, val := range values {
			if string(val) == string(value) {
				return true, nil
			}
		}
		return false, nil
	}, nil)
	if err != nil {
		return r, err
	}

	err = d.eachRecord(s, func(pk []byte, v *V) error {
		values, err := idx.Values(v)
		if err != nil {
			return err
		}
		for _, val := range values {
			key := IndexEntryKey(val, pk)
			raw, err := s.Get(idx.partition, key)
			if err != nil {
				return err
			}
			if raw == nil {
				r.Missing++
				r.sample("missing", key)
			}
		}
		return nil
	})
	return r, err
}

// Reindex rebuilds an index from the entity's records in one batch and
// returns the number of entries it now has.
func (d *Dao[K, V]) Reindex(s Session, name string) (int, error) {
	if s.IsReadOnly() {
		return 0, ErrReadOnly
	}
	idx, err := d.index(name)
	if err != nil {
		return 0, err
	}

	expected := make(map[string]bool)
	b := NewWriteBatch()
	err = d.eachRecord(s, func(pk []byte, v *V) error {
		values, err := idx.Values(v)
		if err != nil {
			return err
		}
		for _, val := range values {
			key := IndexEntryKey(val, pk)
			expected[string(key)] = true
			b.Put(idx.partition, key, []byte{})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	it, err := s.OpenIterator(idx.partition)
	if err != nil {
		return 0, err
	}
	var removed int
	for k, _ := it.First(); k != nil; k, _ = it.Next() {
		if !expected[string(k)] {
			b.Delete(idx.partition, cloneBytes(k))
			removed++
		}
	}
	err = it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}

	if d.db.verbose {
		d.db.logf("db: REINDEX %s.%s: %d entries, %d removed", d.def.name, idx.name, len(expected), removed)
	}
	err = s.Write(b)
	if err != nil {
		return 0, err
	}
	return len(expected), nil
}

func (d *Dao[K, V]) eachRecord(s Session, f func(pk []byte, v *V) error) error {
	it, err := s.OpenIterator(d.def.partition)
	if err != nil {
		return err
	}
	defer it.Close()
	for k, raw := it.First(); k != nil; k, raw = it.Next() {
		v, err := d.def.decodeValue(k, raw)
		if err != nil {
			return err
		}
		err = f(cloneBytes(k), v)
		if err != nil {
			return err
		}
	}
	return it.Err()
}
