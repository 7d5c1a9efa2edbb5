package kvdao

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const trackTxns = true

// InMemory as a path opens a transient database.
const InMemory = ":memory:"

type DB struct {
	engine  Engine
	schema  *Schema
	logf    func(format string, args ...any)
	verbose bool
	strict  bool
	logger  *slog.Logger
	auto    autocommitSession

	stats dbStats

	txns     []*TxSession
	txnsLock sync.Mutex
}

type dbStats struct {
	reads             atomic.Uint64
	writes            atomic.Uint64
	writtenOps        atomic.Uint64
	scans             atomic.Uint64
	staleIndexEntries atomic.Uint64
	openIterators     atomic.Int64
}

type Options struct {
	// Engine selects the storage engine. Defaults to Bolt, or to the
	// in-memory engine when opening InMemory.
	Engine EngineKind

	Logf    func(format string, args ...any)
	Verbose bool

	// Logger receives debug-level traces of scans.
	Logger *slog.Logger

	IsTesting  bool
	MmapSize   int
	SyncWrites bool

	// InMemory keeps pebble and badger data in memory.
	InMemory bool
}

func (opt *Options) normalize() {
	if opt.Logf == nil {
		opt.Logf = log.Printf
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
}

// Open opens the database at path with the engine chosen in opt and creates
// the partitions the schema declares.
func Open(path string, schema *Schema, opt Options) (*DB, error) {
	opt.normalize()
	kind := opt.Engine
	if kind == "" {
		if path == InMemory {
			kind = EngineMemory
		} else {
			kind = EngineBolt
		}
	}

	var e Engine
	var err error
	switch kind {
	case EngineBolt:
		e, err = openBoltEngine(path, opt)
	case EnginePebble:
		e, err = openPebbleEngine(path, opt)
	case EngineBadger:
		e, err = openBadgerEngine(path, opt)
	case EngineMemory:
		e = NewMemoryEngine()
	default:
		return nil, fmt.Errorf("kvdao: unknown engine %q", kind)
	}
	if err != nil {
		return nil, err
	}

	db, err := OpenEngine(e, schema, opt)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	return db, nil
}

// OpenEngine wraps an open engine. Closing the DB closes the engine.
func OpenEngine(e Engine, schema *Schema, opt Options) (*DB, error) {
	opt.normalize()
	if schema == nil {
		schema = NewSchema()
	}
	db := &DB{
		engine:  e,
		schema:  schema,
		logf:    opt.Logf,
		verbose: opt.Verbose,
		strict:  opt.IsTesting,
		logger:  opt.Logger,
	}
	db.auto = autocommitSession{db}

	err := db.Bootstrap()
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Bootstrap creates every partition of the schema that doesn't exist yet.
func (db *DB) Bootstrap() error {
	for _, name := range db.schema.partitions {
		err := db.engine.CreatePartition(name)
		if err != nil {
			return fmt.Errorf("kvdao: bootstrap: %w", err)
		}
	}
	return nil
}

func (db *DB) Engine() Engine { return db.engine }

func (db *DB) Schema() *Schema { return db.schema }

// Close closes the engine. In testing mode, leaked iterators or transactions
// are reported instead, since some engines block on close while they exist.
func (db *DB) Close() error {
	if db.strict {
		if n := db.stats.openIterators.Load(); n != 0 {
			return fmt.Errorf("kvdao: %d iterators still open", n)
		}
		if n := db.openTxnCount(); n != 0 {
			return fmt.Errorf("kvdao: %d transactions still open:\n%s", n, db.DescribeOpenTxns())
		}
	}
	return db.engine.Close()
}

func (db *DB) logBatch(b *WriteBatch) {
	if db.logger.Enabled(context.Background(), slog.LevelDebug) {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "write", slog.Int("ops", b.Len()), slog.String("batch", b.String()))
	}
}

func (db *DB) countWrite(b *WriteBatch) {
	db.stats.writes.Add(1)
	db.stats.writtenOps.Add(uint64(b.Len()))
}

func (db *DB) addTx(tx *TxSession) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *TxSession) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := slices.Index(db.txns, tx)
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) openTxnCount() int {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	return len(db.txns)
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *TxSession) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		mode := "read-write"
		if tx.opt.ReadOnly {
			mode = "read-only"
		}
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%s, open for %d ms\n", mode, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s, open for %d ms:\n%s", mode, ms, tx.stack)
		}
	}

	return buf.String()
}
