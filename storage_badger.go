package kvdao

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// badgerEngine emulates partitions with key prefixes, like pebbleEngine.
// Badger transactions provide snapshot isolation with own writes visible.
type badgerEngine struct {
	bdb *badger.DB

	partsLock sync.RWMutex
	parts     map[string]bool
}

func openBadgerEngine(path string, opt Options) (Engine, error) {
	var bopt badger.Options
	if opt.InMemory || path == InMemory {
		bopt = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopt = badger.DefaultOptions(path).WithSyncWrites(opt.SyncWrites && !opt.IsTesting)
	}
	bopt = bopt.WithLogger(badgerLogger{opt.Logf, opt.Verbose}).WithNumVersionsToKeep(1)

	bdb, err := badger.Open(bopt)
	if err != nil {
		return nil, fmt.Errorf("kvdao: failed to open badger db: %w", err)
	}
	e, err := NewBadgerEngine(bdb)
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return e, nil
}

// NewBadgerEngine wraps an open badger database. Closing the engine closes it.
func NewBadgerEngine(bdb *badger.DB) (Engine, error) {
	e := &badgerEngine{bdb: bdb, parts: make(map[string]bool)}
	err := bdb.View(func(txn *badger.Txn) error {
		prefix := []byte(metaPrefix)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			e.parts[string(it.Item().Key()[len(prefix):])] = true
		}
		return nil
	})
	if err != nil {
		return nil, engineErr("list partitions", "", nil, err)
	}
	return e, nil
}

func (e *badgerEngine) Badger() *badger.DB { return e.bdb }

func (e *badgerEngine) CreatePartition(name string) error {
	e.partsLock.Lock()
	defer e.partsLock.Unlock()
	if e.parts[name] {
		return nil
	}
	err := e.bdb.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaPrefix+name), []byte{})
	})
	if err != nil {
		return engineErr("create partition", name, nil, err)
	}
	e.parts[name] = true
	return nil
}

func (e *badgerEngine) HasPartition(name string) (bool, error) {
	e.partsLock.RLock()
	defer e.partsLock.RUnlock()
	return e.parts[name], nil
}

func (e *badgerEngine) Partitions() ([]string, error) {
	e.partsLock.RLock()
	defer e.partsLock.RUnlock()
	names := make([]string, 0, len(e.parts))
	for name := range e.parts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (e *badgerEngine) checkPartition(name string) error {
	e.partsLock.RLock()
	defer e.partsLock.RUnlock()
	if !e.parts[name] {
		return unknownPartition(name)
	}
	return nil
}

func (e *badgerEngine) checkBatch(b *WriteBatch) error {
	for _, name := range b.partitions() {
		if err := e.checkPartition(name); err != nil {
			return err
		}
	}
	return nil
}

func (e *badgerEngine) PartitionStats(name string) (PartitionStats, error) {
	if err := e.checkPartition(name); err != nil {
		return PartitionStats{}, err
	}
	var ps PartitionStats
	err := e.bdb.View(func(txn *badger.Txn) error {
		prefix := badgerPartitionKey(name, nil)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			ps.Keys++
			ps.Size += int64(len(item.Key())-len(prefix)) + item.ValueSize()
			ps.Alloc += item.EstimatedSize()
		}
		return nil
	})
	return ps, engineErr("stats", name, nil, err)
}

func (e *badgerEngine) Get(partition string, key []byte) ([]byte, error) {
	if err := e.checkPartition(partition); err != nil {
		return nil, err
	}
	var value []byte
	err := e.bdb.View(func(txn *badger.Txn) error {
		var err error
		value, err = badgerGet(txn, partition, key)
		return err
	})
	return value, err
}

func (e *badgerEngine) NewIterator(partition string) (Iterator, error) {
	if err := e.checkPartition(partition); err != nil {
		return nil, err
	}
	txn := e.bdb.NewTransaction(false)
	return &badgerIterator{txn: txn, owned: true, prefix: badgerPartitionKey(partition, nil)}, nil
}

func (e *badgerEngine) Write(b *WriteBatch) error {
	if err := e.checkBatch(b); err != nil {
		return err
	}
	err := e.bdb.Update(func(txn *badger.Txn) error {
		return badgerApply(txn, b)
	})
	return engineErr("write", "", nil, err)
}

func (e *badgerEngine) Begin(opt TxOptions) (EngineTx, error) {
	return &badgerTx{e: e, txn: e.bdb.NewTransaction(!opt.ReadOnly), update: !opt.ReadOnly}, nil
}

func (e *badgerEngine) Close() error {
	return engineErr("close", "", nil, e.bdb.Close())
}

func badgerPartitionKey(partition string, key []byte) []byte {
	return Concat([]byte(partition), Separator, key)
}

func badgerGet(txn *badger.Txn, partition string, key []byte) ([]byte, error) {
	item, err := txn.Get(badgerPartitionKey(partition, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, engineErr("get", partition, key, err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, engineErr("get", partition, key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func badgerApply(txn *badger.Txn, b *WriteBatch) error {
	for _, op := range b.ops {
		var err error
		switch op.Op {
		case OpPut:
			err = txn.Set(badgerPartitionKey(op.Partition, op.Key), cloneBytes(op.Value))
		case OpDelete:
			err = txn.Delete(badgerPartitionKey(op.Partition, op.Key))
		default:
			panic(fmt.Errorf("invalid op %v", op.Op))
		}
		if err != nil {
			return engineErr(op.Op.String(), op.Partition, op.Key, err)
		}
	}
	return nil
}

type badgerTx struct {
	e         *badgerEngine
	txn       *badger.Txn
	update    bool
	closed    bool
	iterators int
}

func (tx *badgerTx) Get(partition string, key []byte) ([]byte, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	if err := tx.e.checkPartition(partition); err != nil {
		return nil, err
	}
	return badgerGet(tx.txn, partition, key)
}

// NewIterator opens an iterator within the transaction. Badger allows a
// single open iterator per read-write transaction.
func (tx *badgerTx) NewIterator(partition string) (Iterator, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	if err := tx.e.checkPartition(partition); err != nil {
		return nil, err
	}
	if tx.update && tx.iterators > 0 {
		return nil, fmt.Errorf("badger: concurrent iterators in a read-write transaction: %w", ErrUnsupported)
	}
	tx.iterators++
	return &badgerIterator{txn: tx.txn, tx: tx, prefix: badgerPartitionKey(partition, nil)}, nil
}

func (tx *badgerTx) Write(b *WriteBatch) error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.update {
		return ErrReadOnly
	}
	if err := tx.e.checkBatch(b); err != nil {
		return err
	}
	return badgerApply(tx.txn, b)
}

func (tx *badgerTx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true
	if !tx.update {
		tx.txn.Discard()
		return nil
	}
	err := tx.txn.Commit()
	tx.txn.Discard()
	return engineErr("commit", "", nil, err)
}

func (tx *badgerTx) Rollback() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	tx.txn.Discard()
	return nil
}

// badgerIterator provides bidirectional movement on top of badger iterators,
// which have a fixed direction. Changing direction reopens the underlying
// iterator at the current key.
type badgerIterator struct {
	txn    *badger.Txn
	tx     *badgerTx
	owned  bool
	prefix []byte

	it      *badger.Iterator
	reverse bool
	cur     []byte
	err     error
	closed  bool
}

func (bi *badgerIterator) open(reverse bool) {
	if bi.it != nil {
		if bi.reverse == reverse {
			return
		}
		bi.it.Close()
	}
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	bi.it = bi.txn.NewIterator(opts)
	bi.reverse = reverse
}

func (bi *badgerIterator) at() ([]byte, []byte) {
	if !bi.it.ValidForPrefix(bi.prefix) {
		bi.cur = nil
		return nil, nil
	}
	item := bi.it.Item()
	key := item.KeyCopy(nil)
	value, err := item.ValueCopy(nil)
	if err != nil {
		bi.err = err
		bi.cur = nil
		return nil, nil
	}
	if value == nil {
		value = []byte{}
	}
	bi.cur = key
	return key[len(bi.prefix):], value
}

func (bi *badgerIterator) seekForward(full []byte, skipEqual bool) ([]byte, []byte) {
	bi.open(false)
	bi.it.Seek(full)
	if skipEqual && bi.it.Valid() && bytes.Equal(bi.it.Item().Key(), full) {
		bi.it.Next()
	}
	return bi.at()
}

// seekBackward finds the last key <= full, or < full with skipEqual.
func (bi *badgerIterator) seekBackward(full []byte, skipEqual bool) ([]byte, []byte) {
	bi.open(true)
	bi.it.Seek(full)
	if skipEqual && bi.it.Valid() && bytes.Equal(bi.it.Item().Key(), full) {
		bi.it.Next()
	}
	return bi.at()
}

func (bi *badgerIterator) First() ([]byte, []byte) {
	if bi.closed {
		return nil, nil
	}
	return bi.seekForward(bi.prefix, false)
}

func (bi *badgerIterator) Last() ([]byte, []byte) {
	if bi.closed {
		return nil, nil
	}
	return bi.seekBackward(PrefixSuccessor(bi.prefix), true)
}

func (bi *badgerIterator) Seek(seek []byte) ([]byte, []byte) {
	if bi.closed {
		return nil, nil
	}
	return bi.seekForward(appendRaw(cloneBytes(bi.prefix), seek), false)
}

func (bi *badgerIterator) SeekBefore(seek []byte) ([]byte, []byte) {
	if bi.closed {
		return nil, nil
	}
	return bi.seekBackward(appendRaw(cloneBytes(bi.prefix), seek), true)
}

func (bi *badgerIterator) Next() ([]byte, []byte) {
	if bi.closed || bi.cur == nil {
		return nil, nil
	}
	if bi.reverse {
		return bi.seekForward(bi.cur, true)
	}
	bi.it.Next()
	return bi.at()
}

func (bi *badgerIterator) Prev() ([]byte, []byte) {
	if bi.closed || bi.cur == nil {
		return nil, nil
	}
	if !bi.reverse {
		return bi.seekBackward(bi.cur, true)
	}
	bi.it.Next()
	return bi.at()
}

func (bi *badgerIterator) Err() error {
	return engineErr("iterate", "", nil, bi.err)
}

func (bi *badgerIterator) Close() error {
	if bi.closed {
		return nil
	}
	bi.closed = true
	if bi.it != nil {
		bi.it.Close()
		bi.it = nil
	}
	if bi.tx != nil {
		bi.tx.iterators--
	}
	if bi.owned {
		bi.txn.Discard()
	}
	return nil
}

// badgerLogger routes badger's log output to Options.Logf. Info and debug
// messages are only passed through in verbose mode.
type badgerLogger struct {
	logf    func(format string, args ...any)
	verbose bool
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logf("badger: ERROR: "+format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logf("badger: WARNING: "+format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	if l.verbose {
		l.logf("badger: "+format, args...)
	}
}

func (l badgerLogger) Debugf(format string, args ...any) {
	if l.verbose {
		l.logf("badger: DEBUG: "+format, args...)
	}
}
