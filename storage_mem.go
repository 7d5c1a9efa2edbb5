package kvdao

import (
	"bytes"
	"errors"
	"slices"
	"sync"

	"github.com/google/btree"
)

var errEngineClosed = errors.New("engine closed")

const memTreeDegree = 32

type memItem struct {
	key   []byte
	value []byte
}

func lessMemItem(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type memTree = btree.BTreeG[memItem]

// memEngine keeps partitions in copy-on-write B-trees. Readers and
// transactions work on clones; one writer at a time publishes its clones on
// commit.
type memEngine struct {
	mu     sync.Mutex
	cond   *sync.Cond
	parts  map[string]*memTree
	closed bool
	writer bool
}

// NewMemoryEngine returns a transient in-memory engine.
func NewMemoryEngine() Engine {
	e := &memEngine{parts: make(map[string]*memTree)}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *memEngine) CreatePartition(name string) error {
	tx, err := e.begin(true)
	if err != nil {
		return err
	}
	if tx.parts[name] == nil {
		tx.parts[name] = btree.NewG(memTreeDegree, lessMemItem)
	}
	return tx.Commit()
}

func (e *memEngine) HasPartition(name string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, errEngineClosed
	}
	return e.parts[name] != nil, nil
}

func (e *memEngine) Partitions() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEngineClosed
	}
	names := make([]string, 0, len(e.parts))
	for name := range e.parts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (e *memEngine) PartitionStats(name string) (PartitionStats, error) {
	t, err := e.snapshotOf(name)
	if err != nil {
		return PartitionStats{}, err
	}
	ps := PartitionStats{Keys: t.Len()}
	t.Ascend(func(item memItem) bool {
		ps.Size += int64(len(item.key) + len(item.value))
		return true
	})
	ps.Alloc = ps.Size
	return ps, nil
}

func (e *memEngine) snapshotOf(name string) (*memTree, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEngineClosed
	}
	t := e.parts[name]
	if t == nil {
		return nil, unknownPartition(name)
	}
	return t.Clone(), nil
}

func (e *memEngine) Get(partition string, key []byte) ([]byte, error) {
	t, err := e.snapshotOf(partition)
	if err != nil {
		return nil, err
	}
	return memGet(t, key), nil
}

func (e *memEngine) NewIterator(partition string) (Iterator, error) {
	t, err := e.snapshotOf(partition)
	if err != nil {
		return nil, err
	}
	return &memIterator{t: t}, nil
}

func (e *memEngine) Write(b *WriteBatch) error {
	tx, err := e.begin(true)
	if err != nil {
		return err
	}
	err = tx.Write(b)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (e *memEngine) Begin(opt TxOptions) (EngineTx, error) {
	return e.begin(!opt.ReadOnly)
}

func (e *memEngine) begin(writable bool) (*memTx, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEngineClosed
	}
	if writable {
		for e.writer && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			return nil, errEngineClosed
		}
		e.writer = true
	}

	snap := make(map[string]*memTree, len(e.parts))
	for name, t := range e.parts {
		snap[name] = t.Clone()
	}
	return &memTx{base: e, writable: writable, parts: snap}, nil
}

func (e *memEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.parts = nil
	e.cond.Broadcast()
	return nil
}

func memGet(t *memTree, key []byte) []byte {
	item, ok := t.Get(memItem{key: key})
	if !ok {
		return nil
	}
	return cloneBytes(item.value)
}

type memTx struct {
	base     *memEngine
	writable bool
	parts    map[string]*memTree
	closed   bool
}

func (tx *memTx) tree(name string) (*memTree, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	t := tx.parts[name]
	if t == nil {
		return nil, unknownPartition(name)
	}
	return t, nil
}

func (tx *memTx) Get(partition string, key []byte) ([]byte, error) {
	t, err := tx.tree(partition)
	if err != nil {
		return nil, err
	}
	return memGet(t, key), nil
}

func (tx *memTx) NewIterator(partition string) (Iterator, error) {
	t, err := tx.tree(partition)
	if err != nil {
		return nil, err
	}
	return &memIterator{t: t.Clone()}, nil
}

func (tx *memTx) Write(b *WriteBatch) error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.writable {
		return ErrReadOnly
	}
	for _, name := range b.partitions() {
		if tx.parts[name] == nil {
			return unknownPartition(name)
		}
	}
	for _, op := range b.ops {
		t := tx.parts[op.Partition]
		switch op.Op {
		case OpPut:
			t.ReplaceOrInsert(memItem{cloneBytes(op.Key), cloneBytes(op.Value)})
		case OpDelete:
			t.Delete(memItem{key: op.Key})
		default:
			panic("unreachable")
		}
	}
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.writable {
		if tx.base.closed {
			tx.closeLocked()
			return errEngineClosed
		}
		tx.base.parts = tx.parts
	}
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.parts = nil
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

// memIterator walks a frozen clone of a tree. B-trees have no cursors, so
// every movement is a fresh lookup relative to the current key.
type memIterator struct {
	t   *memTree
	cur *memItem
}

func (it *memIterator) at(item memItem, ok bool) ([]byte, []byte) {
	if !ok {
		it.cur = nil
		return nil, nil
	}
	it.cur = &item
	return item.key, item.value
}

func (it *memIterator) First() ([]byte, []byte) {
	return it.at(it.t.Min())
}

func (it *memIterator) Last() ([]byte, []byte) {
	return it.at(it.t.Max())
}

func (it *memIterator) Seek(seek []byte) ([]byte, []byte) {
	return it.at(it.after(seek, true))
}

func (it *memIterator) SeekBefore(seek []byte) ([]byte, []byte) {
	return it.at(it.before(seek))
}

func (it *memIterator) Next() ([]byte, []byte) {
	if it.cur == nil {
		return nil, nil
	}
	return it.at(it.after(it.cur.key, false))
}

func (it *memIterator) Prev() ([]byte, []byte) {
	if it.cur == nil {
		return nil, nil
	}
	return it.at(it.before(it.cur.key))
}

func (it *memIterator) after(key []byte, inclusive bool) (found memItem, ok bool) {
	it.t.AscendGreaterOrEqual(memItem{key: key}, func(item memItem) bool {
		if !inclusive && bytes.Equal(item.key, key) {
			return true
		}
		found, ok = item, true
		return false
	})
	return
}

func (it *memIterator) before(key []byte) (found memItem, ok bool) {
	it.t.DescendLessOrEqual(memItem{key: key}, func(item memItem) bool {
		if bytes.Equal(item.key, key) {
			return true
		}
		found, ok = item, true
		return false
	})
	return
}

func (it *memIterator) Err() error { return nil }

func (it *memIterator) Close() error {
	it.t = nil
	it.cur = nil
	return nil
}
