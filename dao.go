package kvdao

import (
	"bytes"
	"fmt"
)

// Dao provides typed access to an entity, keeping its indexes in sync with
// every write. It holds no per-call state and is safe for concurrent use;
// every call takes the Session to run in.
type Dao[K, V any] struct {
	db     *DB
	def    *EntityDef[K, V]
	target ScanTarget
	unique map[string]*IndexDef[V]
}

// NewDao binds an entity to a database. It fails if any of the entity's
// partitions does not exist.
func NewDao[K, V any](db *DB, def *EntityDef[K, V]) (*Dao[K, V], error) {
	names := []string{def.partition}
	for _, idx := range def.indexes {
		names = append(names, idx.partition)
	}
	for _, name := range names {
		ok, err := db.engine.HasPartition(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%s: %w", def.name, unknownPartition(name))
		}
	}

	d := &Dao[K, V]{
		db:     db,
		def:    def,
		target: def.info.Target(),
		unique: make(map[string]*IndexDef[V]),
	}
	for _, idx := range def.indexes {
		if idx.isUnique {
			d.unique[idx.partition] = idx
		}
	}
	return d, nil
}

func (d *Dao[K, V]) Def() *EntityDef[K, V] { return d.def }
func (d *Dao[K, V]) DB() *DB                { return d.db }

// Get returns the entity stored under k, or nil if there is none.
func (d *Dao[K, V]) Get(s Session, k K) (*V, error) {
	pk, err := d.def.encodeKey(k)
	if err != nil {
		return nil, err
	}
	raw, err := s.Get(d.def.partition, pk)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		if d.db.verbose {
			d.db.logf("db: GET.NOTFOUND %s/%s", d.def.name, loggableKey(pk))
		}
		return nil, nil
	}
	v, err := d.def.decodeValue(pk, raw)
	if err != nil {
		return nil, err
	}
	if d.db.verbose {
		d.db.logf("db: GET %s/%s => %s", d.def.name, loggableKey(pk), loggableValue(v))
	}
	return v, nil
}

// ContainsKey reports whether an entity is stored under k without decoding it.
func (d *Dao[K, V]) ContainsKey(s Session, k K) (bool, error) {
	pk, err := d.def.encodeKey(k)
	if err != nil {
		return false, err
	}
	raw, err := s.Get(d.def.partition, pk)
	if err != nil {
		return false, err
	}
	found := raw != nil
	if d.db.verbose {
		d.db.logf("db: EXISTS.%s %s/%s", map[bool]string{false: "NO", true: "YES"}[found], d.def.name, loggableKey(pk))
	}
	return found, nil
}

// GetAll returns the entities found under the given keys, in input order.
// Missing keys are left out.
func (d *Dao[K, V]) GetAll(s Session, keys []K) ([]Entry[K, V], error) {
	var result []Entry[K, V]
	for _, k := range keys {
		v, err := d.Get(s, k)
		if err != nil {
			return nil, err
		}
		if v != nil {
			result = append(result, Entry[K, V]{k, v})
		}
	}
	return result, nil
}

// Upsert stores v under k and updates the indexes in the same batch.
func (d *Dao[K, V]) Upsert(s Session, k K, v *V) error {
	return d.PutAll(s, []Entry[K, V]{{k, v}})
}

// PutAll stores all entries in one atomic batch. When a key repeats, later
// entries replace earlier ones, with index changes computed accordingly.
func (d *Dao[K, V]) PutAll(s Session, entries []Entry[K, V]) error {
	if s.IsReadOnly() {
		return ErrReadOnly
	}
	ws := newPendingWrites[V]()
	b := NewWriteBatch()
	for _, e := range entries {
		err := d.put(s, ws, b, e.Key, e.Value)
		if err != nil {
			return err
		}
	}
	return s.Write(b)
}

func (d *Dao[K, V]) put(s Session, ws *pendingWrites[V], b *WriteBatch, k K, v *V) error {
	if v == nil {
		return fmt.Errorf("%s: cannot store a nil value", d.def.name)
	}
	pk, err := d.def.encodeKey(k)
	if err != nil {
		return err
	}
	old, err := d.current(s, ws, pk)
	if err != nil {
		return err
	}
	delta, err := d.def.maint.ComputeDelta(old, v, pk)
	if err != nil {
		return err
	}
	err = d.checkUnique(s, ws, pk, delta)
	if err != nil {
		return err
	}
	raw, err := d.def.values.EncodeValue(v)
	if err != nil {
		return partitionErrf(d.def.partition, "", pk, err, "failed to encode value")
	}

	b.Put(d.def.partition, pk, raw)
	delta.AppendTo(b)
	ws.record(pk, v, delta, d.unique)

	if d.db.verbose {
		if old == nil {
			d.db.logf("db: PUT.NEW %s/%s => %s (%d index ops)", d.def.name, loggableKey(pk), loggableValue(v), len(delta.Ops))
		} else {
			d.db.logf("db: PUT %s/%s => %s (%d index ops)", d.def.name, loggableKey(pk), loggableValue(v), len(delta.Ops))
		}
	}
	return nil
}

// current returns the state of the record as of the batch being built.
func (d *Dao[K, V]) current(s Session, ws *pendingWrites[V], pk []byte) (*V, error) {
	if v, found := ws.values[string(pk)]; found {
		return v, nil
	}
	raw, err := s.Get(d.def.partition, pk)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return d.def.decodeValue(pk, raw)
}

func (d *Dao[K, V]) checkUnique(s Session, ws *pendingWrites[V], pk []byte, delta IndexDelta) error {
	for _, op := range delta.Ops {
		if op.Op != OpPut {
			continue
		}
		idx := d.unique[op.Partition]
		if idx == nil {
			continue
		}
		value, _, _ := splitIndexKey(op.Key)
		if owner, found := ws.claims[claimKey(idx.partition, value)]; found && !bytes.Equal(owner, pk) {
			return partitionErrf(idx.partition, idx.name, value, ErrUniqueViolation, "already used by %s", loggableKey(owner))
		}
		owner, err := d.findOwner(s, ws, idx, value, pk)
		if err != nil {
			return err
		}
		if owner != nil {
			return partitionErrf(idx.partition, idx.name, value, ErrUniqueViolation, "already used by %s", loggableKey(owner))
		}
	}
	return nil
}

// findOwner returns the primary key of a live record other than pk that has
// value in a unique index. Stale entries and entries removed by the pending
// batch are ignored.
func (d *Dao[K, V]) findOwner(s Session, ws *pendingWrites[V], idx *IndexDef[V], value, pk []byte) ([]byte, error) {
	prefix := Concat(value, Separator, nil)
	it, err := s.OpenIterator(idx.partition)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for k, _ := it.Seek(prefix); k != nil && HasPrefix(k, prefix); k, _ = it.Next() {
		_, other, ok := splitIndexKey(k)
		if !ok || bytes.Equal(other, pk) {
			continue
		}
		if ws.entries[claimKey(idx.partition, k)] == OpDelete {
			continue
		}
		other = cloneBytes(other)
		raw, err := s.Get(d.def.partition, other)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			return other, nil
		}
	}
	return nil, it.Err()
}

// Delete removes the entity stored under k together with its index entries.
// It reports false, writing nothing, if there was no such entity.
func (d *Dao[K, V]) Delete(s Session, k K) (bool, error) {
	if s.IsReadOnly() {
		return false, ErrReadOnly
	}
	pk, err := d.def.encodeKey(k)
	if err != nil {
		return false, err
	}
	raw, err := s.Get(d.def.partition, pk)
	if err != nil {
		return false, err
	}
	if raw == nil {
		if d.db.verbose {
			d.db.logf("db: DELETE.NOOP %s/%s", d.def.name, loggableKey(pk))
		}
		return false, nil
	}
	old, err := d.def.decodeValue(pk, raw)
	if err != nil {
		return false, err
	}
	delta, err := d.def.maint.ComputeDeleteAll(old, pk)
	if err != nil {
		return false, err
	}

	b := NewWriteBatch()
	b.Delete(d.def.partition, pk)
	delta.AppendTo(b)
	if d.db.verbose {
		d.db.logf("db: DELETE %s/%s (%d index ops)", d.def.name, loggableKey(pk), len(delta.Ops))
	}
	err = s.Write(b)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Scan returns a lazy cursor over the entities matching q.
func (d *Dao[K, V]) Scan(s Session, q Query[K]) (*Cursor[K, V], error) {
	rq, err := q.raw(d.def.keys)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.def.name, err)
	}
	if rq.Predicate != nil {
		idx := d.def.byName[rq.Predicate.IndexName()]
		if idx == nil {
			return nil, fmt.Errorf("%w %q in %s", ErrUnknownIndex, rq.Predicate.IndexName(), d.def.name)
		}
		rq.Debug = idx.debugScans
	}
	raw, err := ScanRaw(s, d.target, rq)
	if err != nil {
		return nil, err
	}
	return &Cursor[K, V]{raw: raw, def: d.def}, nil
}

// pendingWrites tracks the effects of a batch under construction, so that
// later entries of the batch observe earlier ones.
type pendingWrites[V any] struct {
	values  map[string]*V
	entries map[string]Op
	claims  map[string][]byte
}

func newPendingWrites[V any]() *pendingWrites[V] {
	return &pendingWrites[V]{
		values:  make(map[string]*V),
		entries: make(map[string]Op),
		claims:  make(map[string][]byte),
	}
}

func (ws *pendingWrites[V]) record(pk []byte, v *V, delta IndexDelta, unique map[string]*IndexDef[V]) {
	ws.values[string(pk)] = v
	for _, op := range delta.Ops {
		ws.entries[claimKey(op.Partition, op.Key)] = op.Op
		if unique[op.Partition] == nil {
			continue
		}
		value, _, _ := splitIndexKey(op.Key)
		ck := claimKey(op.Partition, value)
		switch op.Op {
		case OpPut:
			ws.claims[ck] = pk
		case OpDelete:
			if bytes.Equal(ws.claims[ck], pk) {
				delete(ws.claims, ck)
			}
		}
	}
}

func claimKey(partition string, b []byte) string {
	return partition + "\x00" + string(b)
}
