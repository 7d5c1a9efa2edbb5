package kvdao

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// pebbleEngine emulates partitions with key prefixes: partition p stores key
// k as p ++ 0x00 ++ k. Known partitions are recorded under metaPrefix.
type pebbleEngine struct {
	pdb       *pebble.DB
	writeOpts *pebble.WriteOptions

	partsLock sync.RWMutex
	parts     map[string]bool
}

func openPebbleEngine(path string, opt Options) (Engine, error) {
	popt := &pebble.Options{
		Logger: pebbleLogger{opt.Logf},
	}
	if opt.InMemory || path == InMemory {
		popt.FS = vfs.NewMem()
	}
	pdb, err := pebble.Open(path, popt)
	if err != nil {
		return nil, fmt.Errorf("kvdao: failed to open pebble db: %w", err)
	}
	e, err := NewPebbleEngine(pdb, opt.SyncWrites && !opt.IsTesting)
	if err != nil {
		_ = pdb.Close()
		return nil, err
	}
	return e, nil
}

// NewPebbleEngine wraps an open pebble database. Closing the engine closes it.
func NewPebbleEngine(pdb *pebble.DB, syncWrites bool) (Engine, error) {
	e := &pebbleEngine{
		pdb:       pdb,
		writeOpts: pebble.NoSync,
		parts:     make(map[string]bool),
	}
	if syncWrites {
		e.writeOpts = pebble.Sync
	}
	names, err := e.loadPartitions()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		e.parts[name] = true
	}
	return e, nil
}

func (e *pebbleEngine) Pebble() *pebble.DB { return e.pdb }

func (e *pebbleEngine) loadPartitions() ([]string, error) {
	lower := []byte(metaPrefix)
	it, err := e.pdb.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: PrefixSuccessor(lower),
	})
	if err != nil {
		return nil, engineErr("list partitions", "", nil, err)
	}
	var names []string
	for valid := it.First(); valid; valid = it.Next() {
		names = append(names, string(it.Key()[len(lower):]))
	}
	err = it.Error()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return names, engineErr("list partitions", "", nil, err)
}

func (e *pebbleEngine) CreatePartition(name string) error {
	e.partsLock.Lock()
	defer e.partsLock.Unlock()
	if e.parts[name] {
		return nil
	}
	err := e.pdb.Set([]byte(metaPrefix+name), nil, e.writeOpts)
	if err != nil {
		return engineErr("create partition", name, nil, err)
	}
	e.parts[name] = true
	return nil
}

func (e *pebbleEngine) HasPartition(name string) (bool, error) {
	e.partsLock.RLock()
	defer e.partsLock.RUnlock()
	return e.parts[name], nil
}

func (e *pebbleEngine) Partitions() ([]string, error) {
	e.partsLock.RLock()
	defer e.partsLock.RUnlock()
	names := make([]string, 0, len(e.parts))
	for name := range e.parts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (e *pebbleEngine) checkPartition(name string) error {
	e.partsLock.RLock()
	defer e.partsLock.RUnlock()
	if !e.parts[name] {
		return unknownPartition(name)
	}
	return nil
}

func (e *pebbleEngine) PartitionStats(name string) (PartitionStats, error) {
	it, err := e.NewIterator(name)
	if err != nil {
		return PartitionStats{}, err
	}
	var ps PartitionStats
	for k, v := it.First(); k != nil; k, v = it.Next() {
		ps.Keys++
		ps.Size += int64(len(k) + len(v))
	}
	err = it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	ps.Alloc = ps.Size
	return ps, err
}

func (e *pebbleEngine) Get(partition string, key []byte) ([]byte, error) {
	if err := e.checkPartition(partition); err != nil {
		return nil, err
	}
	return pebbleGet(e.pdb, partition, key)
}

func (e *pebbleEngine) NewIterator(partition string) (Iterator, error) {
	if err := e.checkPartition(partition); err != nil {
		return nil, err
	}
	return newPebbleIterator(e.pdb, partition)
}

func (e *pebbleEngine) Write(b *WriteBatch) error {
	if err := e.checkBatch(b); err != nil {
		return err
	}
	batch := e.pdb.NewBatch()
	defer batch.Close()
	if err := pebbleApply(batch, b); err != nil {
		return err
	}
	return engineErr("commit", "", nil, batch.Commit(e.writeOpts))
}

func (e *pebbleEngine) checkBatch(b *WriteBatch) error {
	for _, name := range b.partitions() {
		if err := e.checkPartition(name); err != nil {
			return err
		}
	}
	return nil
}

// Begin starts a transaction. Writable transactions collect writes in an
// indexed batch and read through it, observing other commits as they land.
// Read-only repeatable transactions read from a snapshot. Writable repeatable
// transactions are not available.
func (e *pebbleEngine) Begin(opt TxOptions) (EngineTx, error) {
	switch {
	case opt.ReadOnly && opt.RepeatableRead:
		snap := e.pdb.NewSnapshot()
		return &pebbleTx{e: e, r: snap, closer: snap.Close}, nil
	case opt.ReadOnly:
		return &pebbleTx{e: e, r: e.pdb}, nil
	case opt.RepeatableRead:
		return nil, fmt.Errorf("pebble: writable repeatable-read transactions: %w", ErrUnsupported)
	default:
		batch := e.pdb.NewIndexedBatch()
		return &pebbleTx{e: e, r: batch, batch: batch, closer: batch.Close}, nil
	}
}

func (e *pebbleEngine) Close() error {
	return engineErr("close", "", nil, e.pdb.Close())
}

func pebblePartitionKey(partition string, key []byte) []byte {
	return Concat([]byte(partition), Separator, key)
}

func pebbleGet(r pebble.Reader, partition string, key []byte) ([]byte, error) {
	val, closer, err := r.Get(pebblePartitionKey(partition, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, engineErr("get", partition, key, err)
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()
	return data, nil
}

func pebbleApply(batch *pebble.Batch, b *WriteBatch) error {
	for _, op := range b.ops {
		var err error
		switch op.Op {
		case OpPut:
			err = batch.Set(pebblePartitionKey(op.Partition, op.Key), op.Value, nil)
		case OpDelete:
			err = batch.Delete(pebblePartitionKey(op.Partition, op.Key), nil)
		default:
			panic(fmt.Errorf("invalid op %v", op.Op))
		}
		if err != nil {
			return engineErr(op.Op.String(), op.Partition, op.Key, err)
		}
	}
	return nil
}

type pebbleTx struct {
	e      *pebbleEngine
	r      pebble.Reader
	batch  *pebble.Batch
	closer func() error
	closed bool
}

func (tx *pebbleTx) Get(partition string, key []byte) ([]byte, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	if err := tx.e.checkPartition(partition); err != nil {
		return nil, err
	}
	return pebbleGet(tx.r, partition, key)
}

func (tx *pebbleTx) NewIterator(partition string) (Iterator, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	if err := tx.e.checkPartition(partition); err != nil {
		return nil, err
	}
	return newPebbleIterator(tx.r, partition)
}

func (tx *pebbleTx) Write(b *WriteBatch) error {
	if tx.closed {
		return ErrTxClosed
	}
	if tx.batch == nil {
		return ErrReadOnly
	}
	if err := tx.e.checkBatch(b); err != nil {
		return err
	}
	return pebbleApply(tx.batch, b)
}

func (tx *pebbleTx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	var err error
	if tx.batch != nil && !tx.batch.Empty() {
		err = engineErr("commit", "", nil, tx.batch.Commit(tx.e.writeOpts))
	}
	if cerr := tx.release(); err == nil {
		err = cerr
	}
	return err
}

func (tx *pebbleTx) Rollback() error {
	return tx.release()
}

func (tx *pebbleTx) release() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	if tx.closer != nil {
		return engineErr("close", "", nil, tx.closer())
	}
	return nil
}

// pebbleIterator confines a pebble iterator to one partition and strips the
// partition prefix from keys.
type pebbleIterator struct {
	it     *pebble.Iterator
	prefix []byte
}

func newPebbleIterator(r pebble.Reader, partition string) (*pebbleIterator, error) {
	prefix := Concat([]byte(partition), Separator, nil)
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixSuccessor(prefix),
	})
	if err != nil {
		return nil, engineErr("iterate", partition, nil, err)
	}
	return &pebbleIterator{it: it, prefix: prefix}, nil
}

func (it *pebbleIterator) at(valid bool) ([]byte, []byte) {
	if !valid {
		return nil, nil
	}
	return it.it.Key()[len(it.prefix):], it.it.Value()
}

func (it *pebbleIterator) First() ([]byte, []byte) { return it.at(it.it.First()) }

func (it *pebbleIterator) Last() ([]byte, []byte) { return it.at(it.it.Last()) }

func (it *pebbleIterator) Seek(seek []byte) ([]byte, []byte) {
	return it.at(it.it.SeekGE(appendRaw(cloneBytes(it.prefix), seek)))
}

func (it *pebbleIterator) SeekBefore(seek []byte) ([]byte, []byte) {
	return it.at(it.it.SeekLT(appendRaw(cloneBytes(it.prefix), seek)))
}

func (it *pebbleIterator) Next() ([]byte, []byte) { return it.at(it.it.Next()) }

func (it *pebbleIterator) Prev() ([]byte, []byte) { return it.at(it.it.Prev()) }

func (it *pebbleIterator) Err() error {
	return engineErr("iterate", "", nil, it.it.Error())
}

func (it *pebbleIterator) Close() error {
	return engineErr("close iterator", "", nil, it.it.Close())
}

// pebbleLogger routes pebble's log output to Options.Logf.
type pebbleLogger struct {
	logf func(format string, args ...any)
}

func (l pebbleLogger) Infof(format string, args ...any) {
	l.logf("pebble: "+format, args...)
}

func (l pebbleLogger) Errorf(format string, args ...any) {
	l.logf("pebble: ERROR: "+format, args...)
}

func (l pebbleLogger) Fatalf(format string, args ...any) {
	l.logf("pebble: FATAL: "+format, args...)
	panic(fmt.Sprintf("pebble: "+format, args...))
}
