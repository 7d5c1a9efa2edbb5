package kvdao

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
)

// ScanTarget names the partitions a scan reads: the primary partition and
// the partition of each index a predicate may refer to.
type ScanTarget struct {
	Primary string
	Indexes map[string]string
}

// RawQuery is a Query with the primary-key range already encoded.
type RawQuery struct {
	Range     RawRange
	Predicate IndexPredicate
	Limit     int
	Reverse   bool

	// Debug logs every scan step at debug level.
	Debug bool
}

type scanPlan struct {
	partition string
	index     string
	bounds    RawRange
	values    RawRange
	pks       RawRange
	pkStops   bool
	reverse   bool
}

func planScan(target ScanTarget, q RawQuery) (scanPlan, error) {
	plan := scanPlan{
		partition: target.Primary,
		reverse:   q.Reverse,
	}
	if q.Predicate == nil {
		plan.bounds = q.Range
		return plan, nil
	}

	name := q.Predicate.IndexName()
	part, ok := target.Indexes[name]
	if !ok {
		return scanPlan{}, fmt.Errorf("%w %q in %s", ErrUnknownIndex, name, target.Primary)
	}
	plan.partition = part
	plan.index = name
	plan.values = q.Predicate.valueRange()
	plan.pks = q.Range

	for _, v := range [][]byte{plan.values.Lower, plan.values.Upper} {
		if bytes.IndexByte(v, Separator) >= 0 {
			return scanPlan{}, partitionErrf(part, name, nil, ErrInvalidIndexValue, "predicate value %x", v)
		}
	}

	switch q.Predicate.(type) {
	case EqPredicate:
		// All entries of one value are ordered by primary key, so the key
		// range narrows the seek bounds and ends the scan.
		prefix := Concat(plan.values.Lower, Separator, nil)
		plan.bounds = RawRange{Prefix: prefix}
		if pk := q.Range.Lower; pk != nil {
			plan.bounds.Lower, plan.bounds.LowerInc = appendRaw(cloneBytes(prefix), pk), q.Range.LowerInc
		}
		if pk := q.Range.Upper; pk != nil {
			plan.bounds.Upper, plan.bounds.UpperInc = appendRaw(cloneBytes(prefix), pk), q.Range.UpperInc
		}
		if pk := q.Range.Prefix; pk != nil {
			plan.bounds.Prefix = appendRaw(cloneBytes(prefix), pk)
		}
		plan.pkStops = true
	case RangePredicate:
		if from := plan.values.Lower; from != nil {
			plan.bounds.Lower, plan.bounds.LowerInc = Concat(from, Separator, nil), true
		}
		if to := plan.values.Upper; to != nil {
			plan.bounds.Upper, plan.bounds.UpperInc = PrefixSuccessor(Concat(to, Separator, nil)), false
		}
	default:
		panic(fmt.Errorf("unsupported predicate %T", q.Predicate))
	}
	return plan, nil
}

// RawCursor is a lazy scan over a primary partition, either directly or
// driven by an index. It yields primary keys and encoded values.
type RawCursor struct {
	s      Session
	target ScanTarget
	plan   scanPlan
	it     *ScopedIterator
	rc     *RawRangeCursor
	logger *slog.Logger
	debug  bool

	remaining int
	key       []byte
	value     []byte
	indexKey  []byte
	err       error
	done      bool
	stale     int
	malformed int
}

// ScanRaw plans the query and opens the iterator. Configuration errors are
// returned before any engine access.
func ScanRaw(s Session, target ScanTarget, q RawQuery) (*RawCursor, error) {
	plan, err := planScan(target, q)
	if err != nil {
		return nil, err
	}
	db := s.DB()
	db.logger.LogAttrs(context.Background(), slog.LevelDebug, "scan",
		append([]slog.Attr{
			slog.String("partition", plan.partition),
			slog.String("index", plan.index),
			slog.Bool("reverse", plan.reverse),
			slog.Int("limit", q.Limit),
		}, plan.bounds.logAttrs()...)...)

	it, err := s.OpenIterator(plan.partition)
	if err != nil {
		return nil, err
	}
	db.stats.scans.Add(1)

	remaining := q.Limit
	if remaining <= 0 {
		remaining = -1
	}
	return &RawCursor{
		s:         s,
		target:    target,
		plan:      plan,
		it:        it,
		rc:        newRawRangeCursor(plan.bounds, it, plan.reverse, db.logger, q.Debug),
		logger:    db.logger,
		debug:     q.Debug,
		remaining: remaining,
	}, nil
}

func (c *RawCursor) Next() bool {
	if c.done {
		return false
	}
	if c.remaining == 0 {
		c.finish(nil)
		return false
	}
	if !c.advance() {
		return false
	}
	if c.remaining > 0 {
		c.remaining--
	}
	return true
}

func (c *RawCursor) advance() bool {
	far := farEdge(c.plan.reverse)
	for {
		if !c.rc.Next() {
			c.finish(c.it.Err())
			return false
		}
		k, v := c.rc.Key(), c.rc.Value()
		if c.plan.index == "" {
			c.key, c.value, c.indexKey = cloneBytes(k), cloneBytes(v), nil
			return true
		}

		valuePart, pk, ok := splitIndexKey(k)
		if !ok {
			c.malformed++
			c.trace("MALFORMED", k)
			continue
		}
		if pos := c.plan.values.locate(valuePart); pos == far {
			c.trace("BAIL on value", k)
			c.finish(nil)
			return false
		} else if pos != rangeInside {
			c.trace("SKIP on value", k)
			continue
		}
		if pos := c.plan.pks.locate(pk); pos != rangeInside {
			if pos == far && c.plan.pkStops {
				c.trace("BAIL on key", k)
				c.finish(nil)
				return false
			}
			c.trace("SKIP on key", k)
			continue
		}

		value, err := c.s.Get(c.target.Primary, pk)
		if err != nil {
			c.finish(err)
			return false
		}
		if value == nil {
			c.stale++
			db := c.s.DB()
			db.stats.staleIndexEntries.Add(1)
			if db.verbose {
				db.logf("db: SCAN.STALE %s.%s %s -> %s/%s", c.target.Primary, c.plan.index, hexstr(valuePart), c.target.Primary, loggableKey(pk))
			}
			continue
		}
		c.key, c.value, c.indexKey = cloneBytes(pk), value, cloneBytes(k)
		return true
	}
}

func (c *RawCursor) trace(msg string, k []byte) {
	if c.debug {
		c.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, slog.String("index", c.plan.index), hexAttr("key", k))
	}
}

func (c *RawCursor) finish(err error) {
	if c.done {
		return
	}
	c.done = true
	c.key, c.value, c.indexKey = nil, nil, nil
	cerr := c.it.Close()
	if err == nil {
		err = cerr
	}
	c.err = err
}

// Key returns the primary key of the current entry.
func (c *RawCursor) Key() []byte { return c.key }

// Value returns the encoded primary value of the current entry.
func (c *RawCursor) Value() []byte { return c.value }

// IndexKey returns the index entry the current entry was found through, or
// nil for primary scans.
func (c *RawCursor) IndexKey() []byte { return c.indexKey }

func (c *RawCursor) Err() error { return c.err }

// Stale returns the number of index entries skipped so far because their
// primary record no longer exists.
func (c *RawCursor) Stale() int { return c.stale }

// Malformed returns the number of index keys skipped so far because they
// could not be split into value and primary key.
func (c *RawCursor) Malformed() int { return c.malformed }

// Close releases the iterator. It is safe to call more than once.
func (c *RawCursor) Close() error {
	c.finish(nil)
	return c.err
}

func (c *RawCursor) fail(err error) {
	c.finish(nil)
	c.err = err
}

// Entry is a key with its entity.
type Entry[K, V any] struct {
	Key   K
	Value *V
}

// Cursor yields decoded entities. A decode failure ends the scan with an
// error. Exhaustion, an error or Close release the underlying iterator.
type Cursor[K, V any] struct {
	raw   *RawCursor
	def   *EntityDef[K, V]
	key   K
	value *V
}

func (c *Cursor[K, V]) Next() bool {
	for c.raw.Next() {
		rawKey := c.raw.Key()
		k, err := c.def.keys.DecodeKey(rawKey)
		if err != nil {
			c.raw.fail(partitionErrf(c.def.partition, "", rawKey, err, "failed to decode key"))
			break
		}
		v, err := c.def.values.DecodeValue(c.raw.Value())
		if err != nil {
			c.raw.fail(partitionErrf(c.def.partition, "", rawKey, err, "failed to decode value"))
			break
		}
		c.key, c.value = k, v
		return true
	}
	var zero K
	c.key, c.value = zero, nil
	return false
}

func (c *Cursor[K, V]) Key() K         { return c.key }
func (c *Cursor[K, V]) Value() *V      { return c.value }
func (c *Cursor[K, V]) RawKey() []byte { return c.raw.Key() }
func (c *Cursor[K, V]) Err() error     { return c.raw.Err() }
func (c *Cursor[K, V]) Stale() int     { return c.raw.Stale() }
func (c *Cursor[K, V]) Close() error   { return c.raw.Close() }

// All returns an iterator over the remaining entries. Breaking out of the
// loop closes the cursor; check Err afterwards.
func (c *Cursor[K, V]) All() iter.Seq2[K, *V] {
	return func(yield func(K, *V) bool) {
		defer c.Close()
		for c.Next() {
			if !yield(c.key, c.value) {
				return
			}
		}
	}
}

// Collect drains the cursor.
func Collect[K, V any](c *Cursor[K, V]) ([]Entry[K, V], error) {
	defer c.Close()
	var result []Entry[K, V]
	for c.Next() {
		result = append(result, Entry[K, V]{c.key, c.value})
	}
	return result, c.Err()
}
