package kvdao

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"go.etcd.io/bbolt"
)

// boltEngine stores each partition in a top-level Bolt bucket.
type boltEngine struct {
	bdb *bbolt.DB
}

// NewBoltEngine wraps an open Bolt database. Closing the engine closes it.
func NewBoltEngine(bdb *bbolt.DB) Engine {
	return &boltEngine{bdb: bdb}
}

func openBoltEngine(path string, opt Options) (Engine, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
		bopt.NoSync = !opt.SyncWrites
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("kvdao: %w", err)
	}
	return &boltEngine{bdb: bdb}, nil
}

func (e *boltEngine) Bolt() *bbolt.DB { return e.bdb }

func (e *boltEngine) CreatePartition(name string) error {
	err := e.bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(unsafeBytesFromString(name))
		return err
	})
	return engineErr("create partition", name, nil, err)
}

func (e *boltEngine) HasPartition(name string) (bool, error) {
	var found bool
	err := e.bdb.View(func(btx *bbolt.Tx) error {
		found = btx.Bucket(unsafeBytesFromString(name)) != nil
		return nil
	})
	return found, engineErr("has partition", name, nil, err)
}

func (e *boltEngine) Partitions() ([]string, error) {
	var names []string
	err := e.bdb.View(func(btx *bbolt.Tx) error {
		return btx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, engineErr("list partitions", "", nil, err)
}

func (e *boltEngine) PartitionStats(name string) (PartitionStats, error) {
	var ps PartitionStats
	err := e.bdb.View(func(btx *bbolt.Tx) error {
		b := btx.Bucket(unsafeBytesFromString(name))
		if b == nil {
			return unknownPartition(name)
		}
		s := b.Stats()
		ps = PartitionStats{
			Keys:  s.KeyN,
			Size:  int64(s.LeafInuse),
			Alloc: int64(s.BranchAlloc + s.LeafAlloc),
		}
		return nil
	})
	return ps, engineErr("stats", name, nil, err)
}

func (e *boltEngine) Get(partition string, key []byte) ([]byte, error) {
	var value []byte
	err := e.bdb.View(func(btx *bbolt.Tx) error {
		var err error
		value, err = boltGet(btx, partition, key)
		return err
	})
	return value, err
}

func (e *boltEngine) NewIterator(partition string) (Iterator, error) {
	btx, err := e.bdb.Begin(false)
	if err != nil {
		return nil, engineErr("iterate", partition, nil, err)
	}
	b := btx.Bucket(unsafeBytesFromString(partition))
	if b == nil {
		_ = btx.Rollback()
		return nil, unknownPartition(partition)
	}
	return &boltIterator{c: b.Cursor(), owned: btx}, nil
}

func (e *boltEngine) Write(b *WriteBatch) error {
	return e.bdb.Update(func(btx *bbolt.Tx) error {
		return boltApply(btx, b)
	})
}

func (e *boltEngine) Begin(opt TxOptions) (EngineTx, error) {
	btx, err := e.bdb.Begin(!opt.ReadOnly)
	if err != nil {
		return nil, engineErr("begin", "", nil, err)
	}
	return &boltTx{btx: btx}, nil
}

func (e *boltEngine) Close() error {
	return engineErr("close", "", nil, e.bdb.Close())
}

func boltGet(btx *bbolt.Tx, partition string, key []byte) ([]byte, error) {
	b := btx.Bucket(unsafeBytesFromString(partition))
	if b == nil {
		return nil, unknownPartition(partition)
	}
	return cloneBytes(b.Get(key)), nil
}

func boltApply(btx *bbolt.Tx, wb *WriteBatch) error {
	var name string
	var b *bbolt.Bucket
	for _, op := range wb.ops {
		if b == nil || name != op.Partition {
			name = op.Partition
			b = btx.Bucket(unsafeBytesFromString(name))
			if b == nil {
				return unknownPartition(name)
			}
		}
		var err error
		switch op.Op {
		case OpPut:
			err = b.Put(op.Key, op.Value)
		case OpDelete:
			err = b.Delete(op.Key)
		default:
			panic(fmt.Errorf("invalid op %v", op.Op))
		}
		if err != nil {
			return engineErr(op.Op.String(), op.Partition, op.Key, err)
		}
	}
	return nil
}

type boltTx struct {
	btx *bbolt.Tx
}

func (tx *boltTx) Get(partition string, key []byte) ([]byte, error) {
	return boltGet(tx.btx, partition, key)
}

func (tx *boltTx) NewIterator(partition string) (Iterator, error) {
	b := tx.btx.Bucket(unsafeBytesFromString(partition))
	if b == nil {
		return nil, unknownPartition(partition)
	}
	return &boltIterator{c: b.Cursor()}, nil
}

func (tx *boltTx) Write(b *WriteBatch) error {
	if !tx.btx.Writable() {
		return ErrReadOnly
	}
	return boltApply(tx.btx, b)
}

func (tx *boltTx) Commit() error {
	if !tx.btx.Writable() {
		return tx.Rollback()
	}
	err := tx.btx.Commit()
	if errors.Is(err, bbolt.ErrTxClosed) {
		return ErrTxClosed
	}
	return engineErr("commit", "", nil, err)
}

func (tx *boltTx) Rollback() error {
	err := tx.btx.Rollback()
	if errors.Is(err, bbolt.ErrTxClosed) {
		return nil
	}
	return engineErr("rollback", "", nil, err)
}

// boltIterator wraps a Bolt cursor. Iterators opened outside of a transaction
// own a read-only Bolt transaction, which is their snapshot.
type boltIterator struct {
	c     *bbolt.Cursor
	owned *bbolt.Tx
}

func (it *boltIterator) First() ([]byte, []byte) { return it.c.First() }

func (it *boltIterator) Last() ([]byte, []byte) { return it.c.Last() }

func (it *boltIterator) Seek(seek []byte) ([]byte, []byte) { return it.c.Seek(seek) }

func (it *boltIterator) SeekBefore(seek []byte) ([]byte, []byte) {
	k, _ := it.c.Seek(seek)
	if k == nil {
		return it.c.Last()
	}
	return it.c.Prev()
}

func (it *boltIterator) Next() ([]byte, []byte) { return it.c.Next() }

func (it *boltIterator) Prev() ([]byte, []byte) { return it.c.Prev() }

func (it *boltIterator) Err() error { return nil }

func (it *boltIterator) Close() error {
	if it.owned != nil {
		btx := it.owned
		it.owned = nil
		return engineErr("close iterator", "", nil, btx.Rollback())
	}
	return nil
}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
