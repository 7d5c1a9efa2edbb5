package kvdao

import (
	"fmt"
	"runtime/debug"
	"slices"
	"time"
)

// Session is the unit of work all reads and writes go through. The
// autocommit session applies each write immediately; a TxSession confines
// them to a transaction.
type Session interface {
	DB() *DB

	// Get returns the value stored under key, or nil if there is none.
	Get(partition string, key []byte) ([]byte, error)

	// OpenIterator returns an iterator bound to the session's view of the
	// partition. The caller must close it.
	OpenIterator(partition string) (*ScopedIterator, error)

	// Write applies the batch atomically. An empty batch is a no-op.
	Write(b *WriteBatch) error

	IsReadOnly() bool
}

// ScopedIterator is an engine iterator together with whatever keeps its view
// alive (a snapshot or a read transaction). Close releases both exactly once.
// A closed iterator is exhausted; if its transaction ended first, Err
// reports ErrTxClosed.
type ScopedIterator struct {
	Iterator
	db        *DB
	owner     *TxSession
	partition string
	closed    bool
	err       error
}

func (db *DB) newScopedIterator(it Iterator, owner *TxSession, partition string) *ScopedIterator {
	db.stats.openIterators.Add(1)
	return &ScopedIterator{Iterator: it, db: db, owner: owner, partition: partition}
}

func (it *ScopedIterator) Partition() string { return it.partition }

func (it *ScopedIterator) First() ([]byte, []byte) {
	if it.closed {
		return nil, nil
	}
	return it.Iterator.First()
}

func (it *ScopedIterator) Last() ([]byte, []byte) {
	if it.closed {
		return nil, nil
	}
	return it.Iterator.Last()
}

func (it *ScopedIterator) Seek(seek []byte) ([]byte, []byte) {
	if it.closed {
		return nil, nil
	}
	return it.Iterator.Seek(seek)
}

func (it *ScopedIterator) SeekBefore(seek []byte) ([]byte, []byte) {
	if it.closed {
		return nil, nil
	}
	return it.Iterator.SeekBefore(seek)
}

func (it *ScopedIterator) Next() ([]byte, []byte) {
	if it.closed {
		return nil, nil
	}
	return it.Iterator.Next()
}

func (it *ScopedIterator) Prev() ([]byte, []byte) {
	if it.closed {
		return nil, nil
	}
	return it.Iterator.Prev()
}

func (it *ScopedIterator) Err() error {
	if it.closed {
		return it.err
	}
	return it.Iterator.Err()
}

func (it *ScopedIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.db.stats.openIterators.Add(-1)
	if it.owner != nil {
		it.owner.untrack(it)
	}
	return it.Iterator.Close()
}

type autocommitSession struct {
	db *DB
}

func (s autocommitSession) DB() *DB { return s.db }

func (s autocommitSession) IsReadOnly() bool { return false }

func (s autocommitSession) Get(partition string, key []byte) ([]byte, error) {
	s.db.stats.reads.Add(1)
	return s.db.engine.Get(partition, key)
}

func (s autocommitSession) OpenIterator(partition string) (*ScopedIterator, error) {
	it, err := s.db.engine.NewIterator(partition)
	if err != nil {
		return nil, err
	}
	return s.db.newScopedIterator(it, nil, partition), nil
}

func (s autocommitSession) Write(b *WriteBatch) error {
	if b.IsEmpty() {
		return nil
	}
	s.db.logBatch(b)
	err := s.db.engine.Write(b)
	if err != nil {
		return err
	}
	s.db.countWrite(b)
	return nil
}

// TxSession is a session bound to an engine transaction. It is owned by a
// single goroutine.
type TxSession struct {
	db        *DB
	tx        EngineTx
	opt       TxOptions
	iters     []*ScopedIterator
	closed    bool
	committed bool
	written   bool

	startTime time.Time
	stack     string
}

func (s *TxSession) DB() *DB { return s.db }

func (s *TxSession) IsReadOnly() bool { return s.opt.ReadOnly }

func (s *TxSession) Options() TxOptions { return s.opt }

func (s *TxSession) IsClosed() bool { return s.closed }

func (s *TxSession) Get(partition string, key []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrTxClosed
	}
	s.db.stats.reads.Add(1)
	return s.tx.Get(partition, key)
}

func (s *TxSession) OpenIterator(partition string) (*ScopedIterator, error) {
	if s.closed {
		return nil, ErrTxClosed
	}
	it, err := s.tx.NewIterator(partition)
	if err != nil {
		return nil, err
	}
	sit := s.db.newScopedIterator(it, s, partition)
	s.iters = append(s.iters, sit)
	return sit, nil
}

func (s *TxSession) untrack(it *ScopedIterator) {
	if i := slices.Index(s.iters, it); i >= 0 {
		s.iters = slices.Delete(s.iters, i, i+1)
	}
}

func (s *TxSession) closeIterators() {
	for len(s.iters) > 0 {
		it := s.iters[len(s.iters)-1]
		it.err = ErrTxClosed
		_ = it.Close()
	}
}

func (s *TxSession) Write(b *WriteBatch) error {
	if s.closed {
		return ErrTxClosed
	}
	if s.opt.ReadOnly {
		return ErrReadOnly
	}
	if b.IsEmpty() {
		return nil
	}
	s.db.logBatch(b)
	err := s.tx.Write(b)
	if err != nil {
		return err
	}
	s.written = true
	s.db.countWrite(b)
	return nil
}

// Commit closes the session's iterators and commits the transaction.
func (s *TxSession) Commit() error {
	if s.closed {
		return ErrTxClosed
	}
	s.closeIterators()
	s.closed = true
	s.db.removeTx(s)
	err := s.tx.Commit()
	if err != nil {
		_ = s.tx.Rollback()
		return err
	}
	s.committed = true
	if s.db.verbose && s.written {
		s.db.logf("db: COMMIT after %d ms", time.Since(s.startTime).Milliseconds())
	}
	return nil
}

// Rollback closes the session's iterators and discards the transaction.
// Rolling back a closed session does nothing.
func (s *TxSession) Rollback() error {
	if s.closed {
		return nil
	}
	s.closeIterators()
	s.closed = true
	s.db.removeTx(s)
	if s.db.verbose && s.written {
		s.db.logf("db: ROLLBACK after %d ms", time.Since(s.startTime).Milliseconds())
	}
	return s.tx.Rollback()
}

// Close rolls back unless the session has been committed.
func (s *TxSession) Close() error {
	return s.Rollback()
}

// Autocommit returns the session that applies every write on its own. It is
// safe for concurrent use.
func (db *DB) Autocommit() Session {
	return db.auto
}

// Begin starts a transaction. The caller must Commit or Close it.
func (db *DB) Begin(opt TxOptions) (*TxSession, error) {
	tx, err := db.engine.Begin(opt)
	if err != nil {
		return nil, err
	}
	s := &TxSession{
		db:        db,
		tx:        tx,
		opt:       opt,
		startTime: time.Now(),
	}
	if trackTxns {
		s.stack = string(debug.Stack())
	}
	db.addTx(s)
	return s, nil
}

// Tx runs f in a transaction, committing if f returns nil and rolling back
// if it returns an error or panics. f may commit or roll back itself.
func (db *DB) Tx(opt TxOptions, f func(s *TxSession) error) error {
	s, err := db.Begin(opt)
	if err != nil {
		return err
	}
	err = safelyCall(f, s)
	if err != nil {
		if rerr := s.Rollback(); rerr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rerr)
		}
		return err
	}
	if s.closed {
		return nil
	}
	return s.Commit()
}

// Read runs f in a read-only repeatable-read transaction.
func (db *DB) Read(f func(s Session) error) error {
	s, err := db.Begin(TxOptions{ReadOnly: true, RepeatableRead: true})
	if err != nil {
		return err
	}
	defer s.Close()
	return safelyCall(f, Session(s))
}
